// Package bufferpool implements the storage engine's page cache: a fixed
// array of frames fronted by an extendible-hash page table and an LRU-K
// replacer. All access to durable pages from higher layers goes through
// the BufferPoolManager.
package bufferpool

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	flushmanager "github.com/sushant-115/kagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	pagetable "github.com/sushant-115/kagedb/core/write_engine/page_table"
	"github.com/sushant-115/kagedb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/kagedb/internal/telemetry"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const defaultBucketSize = 4

// DiskManager is the page-granular block device the buffer pool reads
// from and writes to. flushmanager.DiskManager satisfies it.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	DeallocatePage(pageID pagemanager.PageID) error
	Sync() error
	GetPageSize() int
}

// hashPageID routes page ids into the page table.
func hashPageID(id pagemanager.PageID) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(id))
	return xxhash.Sum64(b[:])
}

// BufferPoolManager owns the frame array, the free list, the page table
// and the replacer. One pool-wide latch is held for the duration of every
// public call; the replacer's latch is only ever taken beneath it, and the
// per-frame latch wraps disk I/O for that frame.
type BufferPoolManager struct {
	mu sync.Mutex

	poolSize  int
	pageSize  int
	pages     []*pagemanager.Page
	pageTable *pagetable.ExtendibleHashTable[pagemanager.PageID, pagemanager.FrameID]
	replacer  *LRUKReplacer
	freeList  []pagemanager.FrameID

	nextPageID pagemanager.PageID

	diskManager DiskManager
	logManager  *wal.LogManager

	logger  *zap.Logger
	metrics *internaltelemetry.BufferPoolMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames over diskManager.
// logManager may be nil when write-ahead durability is not wanted; logger
// and metrics may be nil and fall back to no-ops.
func NewBufferPoolManager(poolSize int, replacerK int, bucketSize int, diskManager DiskManager, logManager *wal.LogManager, logger *zap.Logger, metrics *internaltelemetry.BufferPoolMetrics) *BufferPoolManager {
	if poolSize <= 0 {
		panic(fmt.Sprintf("bufferpool: pool size must be positive, got %d", poolSize))
	}
	if diskManager == nil {
		panic("bufferpool: disk manager cannot be nil")
	}
	if bucketSize <= 0 {
		bucketSize = defaultBucketSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		// Disabled telemetry still gets working instruments.
		metrics, _ = internaltelemetry.NewBufferPoolMetrics(noop.NewMeterProvider().Meter(""))
	}

	bpm := &BufferPoolManager{
		poolSize:    poolSize,
		pageSize:    diskManager.GetPageSize(),
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   pagetable.NewExtendibleHashTable[pagemanager.PageID, pagemanager.FrameID](bucketSize, hashPageID, logger),
		replacer:    NewLRUKReplacer(poolSize, replacerK),
		freeList:    make([]pagemanager.FrameID, 0, poolSize),
		nextPageID:  0,
		diskManager: diskManager,
		logManager:  logManager,
		logger:      logger,
		metrics:     metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	logger.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Int("replacer_k", replacerK))
	return bpm
}

// allocatePage hands out the next page id. Deallocation is delegated to
// the disk manager; ids are never reused at this layer.
func (bpm *BufferPoolManager) allocatePage() pagemanager.PageID {
	id := bpm.nextPageID
	bpm.nextPageID++
	return id
}

// allocFrame secures a frame for a new occupant: the free list first, then
// a replacer victim. A dirty victim is written back (WAL first) before its
// mapping is dropped. Must be called with the pool latch held.
func (bpm *BufferPoolManager) allocFrame() (pagemanager.FrameID, error) {
	if len(bpm.freeList) == 0 && bpm.replacer.Size() == 0 {
		return 0, fmt.Errorf("%w: all %d frames pinned", flushmanager.ErrBufferPoolFull, bpm.poolSize)
	}
	if n := len(bpm.freeList); n > 0 {
		fid := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return fid, nil
	}

	fid, ok := bpm.replacer.Evict()
	if !ok {
		panic("bufferpool: replacer reported evictable frames but eviction failed")
	}
	victim := bpm.pages[fid]
	evictedID := victim.GetPageID()
	if victim.IsDirty() {
		if err := bpm.syncLog(); err != nil {
			return 0, err
		}
		victim.Lock()
		err := bpm.diskManager.WritePage(evictedID, victim.GetData())
		victim.Unlock()
		if err != nil {
			return 0, fmt.Errorf("failed to flush dirty victim page %d: %w", evictedID, err)
		}
		victim.SetDirty(false)
		bpm.metrics.PagesFlushedCounter.Add(context.Background(), 1)
	}
	bpm.pageTable.Remove(evictedID)
	bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	bpm.logger.Debug("evicted page",
		zap.Int32("page_id", int32(evictedID)),
		zap.Int("frame_id", int(fid)))
	return fid, nil
}

// syncLog makes the WAL durable before a page write, preserving the
// write-ahead rule. No-op without a log manager.
func (bpm *BufferPoolManager) syncLog() error {
	if bpm.logManager == nil {
		return nil
	}
	if err := bpm.logManager.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal before page write: %w", err)
	}
	return nil
}

// NewPage allocates a fresh page id, secures a frame and returns the frame
// pinned once, clean and zero-filled. The page id is only consumed when a
// frame is available.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, err := bpm.allocFrame()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	bpm.replacer.RecordAccess(fid)
	bpm.replacer.SetEvictable(fid, false)

	pid := bpm.allocatePage()
	bpm.pageTable.Insert(pid, fid)

	page := bpm.pages[fid]
	// An evicted frame still holds its victim's bytes.
	page.Reset()
	page.SetPageID(pid)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.metrics.PinnedPagesUpDown.Add(context.Background(), 1)

	bpm.logger.Debug("created page",
		zap.Int32("page_id", int32(pid)),
		zap.Int("frame_id", int(fid)))
	return page, pid, nil
}

// FetchPage returns the frame holding pageID, reading it from disk on a
// miss. The returned frame is pinned; the caller must UnpinPage it.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if fid, ok := bpm.pageTable.Find(pageID); ok {
		bpm.replacer.RecordAccess(fid)
		bpm.replacer.SetEvictable(fid, false)
		page := bpm.pages[fid]
		page.Pin()
		bpm.metrics.PageHitsCounter.Add(context.Background(), 1)
		bpm.metrics.PinnedPagesUpDown.Add(context.Background(), 1)
		return page, nil
	}

	bpm.metrics.PageMissesCounter.Add(context.Background(), 1)
	fid, err := bpm.allocFrame()
	if err != nil {
		return nil, err
	}
	bpm.replacer.RecordAccess(fid)
	bpm.replacer.SetEvictable(fid, false)
	bpm.pageTable.Insert(pageID, fid)

	page := bpm.pages[fid]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	page.Lock()
	err = bpm.diskManager.ReadPage(pageID, page.GetData())
	page.Unlock()
	if err != nil {
		// The frame holds no usable page; give it back to the free list.
		bpm.pageTable.Remove(pageID)
		bpm.replacer.SetEvictable(fid, true)
		bpm.replacer.Remove(fid)
		page.Reset()
		bpm.freeList = append(bpm.freeList, fid)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	bpm.metrics.PinnedPagesUpDown.Add(context.Background(), 1)

	bpm.logger.Debug("fetched page from disk",
		zap.Int32("page_id", int32(pageID)),
		zap.Int("frame_id", int(fid)))
	return page, nil
}

// UnpinPage drops one pin on pageID, OR-combining isDirty into the frame's
// dirty flag. The frame becomes evictable when its pin count reaches zero.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, ok := bpm.pageTable.Find(pageID)
	if !ok {
		bpm.logger.Warn("unpin of non-resident page", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[fid]
	if page.GetPinCount() == 0 {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotPinned, pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(fid, true)
	}
	bpm.metrics.PinnedPagesUpDown.Add(context.Background(), -1)
	return nil
}

// FlushPage writes the frame holding pageID back to disk unconditionally
// and clears its dirty flag.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if pageID == pagemanager.InvalidPageID {
		panic("bufferpool: cannot flush the invalid page id")
	}
	return bpm.flushPageLocked(pageID)
}

func (bpm *BufferPoolManager) flushPageLocked(pageID pagemanager.PageID) error {
	fid, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	if err := bpm.syncLog(); err != nil {
		return err
	}
	page := bpm.pages[fid]
	page.Lock()
	err := bpm.diskManager.WritePage(pageID, page.GetData())
	page.Unlock()
	if err != nil {
		return fmt.Errorf("failed to flush page %d: %w", pageID, err)
	}
	page.SetDirty(false)
	bpm.metrics.PagesFlushedCounter.Add(context.Background(), 1)
	return nil
}

// FlushAllPages writes every resident dirty frame back to disk, then syncs
// the disk manager. The first error is returned but the sweep continues.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	if firstErr = bpm.syncLog(); firstErr != nil {
		bpm.logger.Error("wal sync before full flush failed", zap.Error(firstErr))
	}
	for fid, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID || !page.IsDirty() {
			continue
		}
		page.Lock()
		err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData())
		page.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("flush failed",
				zap.Int32("page_id", int32(page.GetPageID())),
				zap.Int("frame_id", fid),
				zap.Error(err))
			continue
		}
		page.SetDirty(false)
		bpm.metrics.PagesFlushedCounter.Add(context.Background(), 1)
	}
	if err := bpm.diskManager.Sync(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		bpm.logger.Error("disk sync failed", zap.Error(err))
	}
	return firstErr
}

// DeletePage drops pageID from the pool and deallocates it. Deleting a
// non-resident page succeeds trivially; deleting a pinned page fails.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return nil
	}
	page := bpm.pages[fid]
	if page.GetPinCount() > 0 {
		return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, page.GetPinCount())
	}
	if page.IsDirty() {
		if err := bpm.flushPageLocked(pageID); err != nil {
			return err
		}
	}
	bpm.pageTable.Remove(pageID)
	bpm.replacer.Remove(fid)
	page.Reset()
	bpm.freeList = append(bpm.freeList, fid)
	if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("failed to deallocate page %d: %w", pageID, err)
	}
	bpm.logger.Debug("deleted page",
		zap.Int32("page_id", int32(pageID)),
		zap.Int("frame_id", int(fid)))
	return nil
}

// Close flushes all resident dirty pages. The disk and log managers are
// owned by the caller and stay open.
func (bpm *BufferPoolManager) Close() error {
	return bpm.FlushAllPages()
}

// Size returns the number of currently evictable frames.
func (bpm *BufferPoolManager) Size() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.replacer.Size()
}

// FreeFrames returns the number of frames holding no page.
func (bpm *BufferPoolManager) FreeFrames() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.freeList)
}

// GetPageSize returns the payload size of every frame.
func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}
