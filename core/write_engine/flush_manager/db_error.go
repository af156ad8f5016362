package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound    = errors.New("page not found in buffer pool")
	ErrBufferPoolFull  = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned      = errors.New("page is pinned and cannot be deleted")
	ErrPageNotPinned   = errors.New("page pin count is already zero")
	ErrIO              = errors.New("i/o error")
	ErrInvalidPageData = errors.New("invalid page data")
	ErrDBFileExists    = errors.New("database file already exists")
	ErrDBFileNotFound  = errors.New("database file not found")
	ErrLogFileError    = errors.New("log file operation error")
)
