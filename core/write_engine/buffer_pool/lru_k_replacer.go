package bufferpool

import (
	"container/list"
	"fmt"
	"sync"

	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
)

// frameRec is the replacer's per-frame bookkeeping. A record lives in
// exactly one of the two lists; inHistory says which, so promotion stays
// unambiguous even when k == 1 and a history entry already has k visits.
type frameRec struct {
	frameID    pagemanager.FrameID
	visitCount int
	evictable  bool
	inHistory  bool
}

// LRUKReplacer picks eviction victims with an LRU-K policy. Frames with
// fewer than k recorded accesses (with k == 1: a single access) are "cold"
// and evicted first, in FIFO order of their first access; the other frames
// are evicted in LRU order of their most recent access. One coarse latch
// serialises all operations.
type LRUKReplacer struct {
	mu        sync.Mutex
	numFrames int
	k         int

	// historyList is ordered by time of first access (head = earliest).
	historyList *list.List
	// bufferList is ordered by time of most recent access (head = least
	// recent).
	bufferList *list.List
	// recMap points each tracked frame at its list element.
	recMap map[pagemanager.FrameID]*list.Element

	evictableCount int
}

// NewLRUKReplacer creates a replacer able to track numFrames frames with
// history parameter k.
func NewLRUKReplacer(numFrames int, k int) *LRUKReplacer {
	if numFrames <= 0 {
		panic(fmt.Sprintf("bufferpool: replacer frame count must be positive, got %d", numFrames))
	}
	if k < 1 {
		panic(fmt.Sprintf("bufferpool: replacer k must be at least 1, got %d", k))
	}
	return &LRUKReplacer{
		numFrames:   numFrames,
		k:           k,
		historyList: list.New(),
		bufferList:  list.New(),
		recMap:      make(map[pagemanager.FrameID]*list.Element),
	}
}

// RecordAccess registers one touch of frameID. An unknown frame is created
// cold and non-evictable in the history list, even when k == 1; a history
// frame whose count reaches k on a later touch is promoted to the buffer
// list; a frame already in the buffer list moves to its tail.
func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if frameID < 0 || int(frameID) >= r.numFrames {
		panic(fmt.Sprintf("bufferpool: frame id %d out of range [0,%d)", frameID, r.numFrames))
	}
	if elem, ok := r.recMap[frameID]; ok {
		rec := elem.Value.(*frameRec)
		if rec.inHistory {
			rec.visitCount++
			if rec.visitCount >= r.k {
				rec.inHistory = false
				r.historyList.Remove(elem)
				r.recMap[frameID] = r.bufferList.PushBack(rec)
			}
		} else {
			r.bufferList.Remove(elem)
			r.recMap[frameID] = r.bufferList.PushBack(rec)
		}
		return
	}
	// Newcomer: always appended to the history list, whatever k is. The
	// manager never tracks more frames than the pool holds, so overflow
	// here is a programming error.
	if r.historyList.Len()+r.bufferList.Len() == r.numFrames {
		panic("bufferpool: replacer capacity exceeded")
	}
	rec := &frameRec{frameID: frameID, visitCount: 1, evictable: false, inHistory: true}
	r.recMap[frameID] = r.historyList.PushBack(rec)
}

// SetEvictable toggles a frame's eviction eligibility. Unknown frames and
// unchanged flags are no-ops.
func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.recMap[frameID]
	if !ok {
		return
	}
	rec := elem.Value.(*frameRec)
	if rec.evictable == evictable {
		return
	}
	rec.evictable = evictable
	if evictable {
		r.evictableCount++
	} else {
		r.evictableCount--
	}
}

// Evict selects and forgets the best victim: the first evictable frame in
// the history list, else the first evictable frame in the buffer list.
func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evictableCount == 0 {
		return 0, false
	}
	for elem := r.historyList.Front(); elem != nil; elem = elem.Next() {
		if rec := elem.Value.(*frameRec); rec.evictable {
			r.historyList.Remove(elem)
			delete(r.recMap, rec.frameID)
			r.evictableCount--
			return rec.frameID, true
		}
	}
	for elem := r.bufferList.Front(); elem != nil; elem = elem.Next() {
		if rec := elem.Value.(*frameRec); rec.evictable {
			r.bufferList.Remove(elem)
			delete(r.recMap, rec.frameID)
			r.evictableCount--
			return rec.frameID, true
		}
	}
	panic("bufferpool: evictable count is positive but no evictable frame found")
}

// Remove force-forgets a frame, e.g. on page deletion. The frame must be
// evictable; removing a pinned frame is a programming error.
func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.recMap[frameID]
	if !ok {
		return
	}
	rec := elem.Value.(*frameRec)
	if !rec.evictable {
		panic(fmt.Sprintf("bufferpool: cannot remove non-evictable frame %d", frameID))
	}
	if rec.inHistory {
		r.historyList.Remove(elem)
	} else {
		r.bufferList.Remove(elem)
	}
	delete(r.recMap, frameID)
	r.evictableCount--
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableCount
}
