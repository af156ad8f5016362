package flushmanager

import (
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager provides page-granular access to a single database file.
// Page i lives at byte offset i*pageSize; the file is extended lazily by
// WritePage. The buffer pool never interprets page contents, and neither
// does the disk manager.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	mu       sync.Mutex
	logger   *zap.Logger

	// Deallocated ids are remembered for a future free-space manager.
	// TODO: reuse deallocated pages instead of growing the file forever.
	deallocated map[pagemanager.PageID]struct{}
}

// NewDiskManager opens (or creates) the database file at filePath.
func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidPageData, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	return &DiskManager{
		filePath:    filePath,
		file:        file,
		pageSize:    pageSize,
		logger:      logger,
		deallocated: make(map[pagemanager.PageID]struct{}),
	}, nil
}

func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

// ReadPage reads a page's data from disk into the provided buffer. Reading
// past the end of the file yields a zero page, matching the contract that a
// freshly allocated page starts out zeroed.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) != disk manager page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	if pageID == pagemanager.InvalidPageID || pageID < 0 {
		return fmt.Errorf("%w: cannot read invalid page id %d", ErrInvalidPageData, pageID)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF {
			// Never-written page: present it as all zeroes.
			for i := n; i < len(pageData); i++ {
				pageData[i] = 0
			}
			return nil
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage writes pageData to the page's location, extending the file if
// needed. Durability is the caller's concern via Sync; individual page
// writes are not synced.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) != disk manager page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	if pageID == pagemanager.InvalidPageID || pageID < 0 {
		return fmt.Errorf("%w: cannot write invalid page id %d", ErrInvalidPageData, pageID)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// DeallocatePage marks a page as free. The id is only recorded; ids are
// never reused at this layer.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.deallocated[pageID] = struct{}{}
	dm.logger.Debug("deallocated page", zap.Int32("page_id", int32(pageID)))
	return nil
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		if err := dm.file.Sync(); err != nil {
			dm.logger.Error("sync on close failed", zap.Error(err))
		}
		closeErr := dm.file.Close()
		dm.file = nil
		return closeErr
	}
	return nil
}
