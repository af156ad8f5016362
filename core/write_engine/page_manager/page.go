package pagemanager

import (
	"sync"
)

// --- Page Management ---

// PageID represents a unique identifier for a page on disk. Page ids are
// handed out monotonically starting at 0; InvalidPageID marks a frame that
// holds no page.
type PageID int32

const InvalidPageID PageID = -1

// FrameID is the index of a slot in the buffer pool's frame array.
type FrameID int

type LSN uint64 // Log Sequence Number
const InvalidLSN LSN = 0

// Page represents an in-memory copy of a disk page. The buffer pool hands
// out *Page to clients; the pointer stays valid until the matching
// UnpinPage. Clients must take the page latch around payload access.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN // LSN of the last log record that modified this page

	// latch protects the page payload and is held across disk I/O for
	// this frame. Metadata mutation is serialised by the pool latch.
	latch sync.RWMutex
}

// NewPage creates an empty frame of the given payload size.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:       id,
		data:     make([]byte, size),
		pinCount: 0,
		isDirty:  false,
		lsn:      InvalidLSN,
	}
}

// Reset clears the frame back to its free state. Data is zeroed so the
// next occupant never observes a previous page's bytes.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) GetData() []byte             { return p.data }
func (p *Page) SetData(newData []byte) bool { copy(p.data, newData); return true }
func (p *Page) GetPageID() PageID           { return p.id }
func (p *Page) SetPageID(id PageID)         { p.id = id }
func (p *Page) IsDirty() bool               { return p.isDirty }
func (p *Page) SetDirty(dirty bool)         { p.isDirty = dirty }
func (p *Page) Pin()                        { p.pinCount++ }

func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) GetLSN() LSN                 { return p.lsn }
func (p *Page) SetLSN(lsn LSN)              { p.lsn = lsn }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page payload.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page payload.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page payload.
func (p *Page) Lock() { p.latch.Lock() }

// TryLock attempts to acquire the write latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases a write (exclusive) latch on the page payload.
func (p *Page) Unlock() { p.latch.Unlock() }
