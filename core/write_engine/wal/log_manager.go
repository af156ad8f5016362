// Package wal provides a minimal write-ahead log manager. The buffer pool
// stores one and syncs it before writing any dirty page back to disk, so a
// page never reaches the data file ahead of the log records that produced
// it. Replay and recovery live above this layer.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	flushmanager "github.com/sushant-115/kagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/kagedb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// LSN is a log sequence number. LSNs are assigned sequentially starting
// at 1; 0 is invalid.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeUpdate LogRecordType = iota + 1 // page payload modified
	LogRecordTypeNewPage
	LogRecordTypeFreePage
)

// LogRecord is a single WAL entry.
type LogRecord struct {
	LSN    LSN
	Type   LogRecordType
	PageID pagemanager.PageID
	Data   []byte
}

const logFileName = "kagedb.wal"

// recordHeaderSize: u32 payload length, u64 LSN, u8 type, i32 page id.
const recordHeaderSize = 4 + 8 + 1 + 4

// LogManager appends length-prefixed records to a single segment file.
// Records accumulate in an in-memory buffer until Sync makes them durable.
type LogManager struct {
	mu         sync.Mutex
	file       *os.File
	buf        bytes.Buffer
	nextLSN    LSN
	flushedLSN LSN
	logger     *zap.Logger
}

// NewLogManager opens (or creates) the log file under dir.
func NewLogManager(dir string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating wal dir %s: %v", flushmanager.ErrLogFileError, dir, err)
	}
	path := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening wal file %s: %v", flushmanager.ErrLogFileError, path, err)
	}
	lm := &LogManager{
		file:    file,
		nextLSN: 1,
		logger:  logger,
	}
	lm.logger.Info("wal log manager opened", zap.String("path", path))
	return lm, nil
}

// AppendRecord assigns the record its LSN and buffers it. The record is
// not durable until Sync returns.
func (lm *LogManager) AppendRecord(rec *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return InvalidLSN, fmt.Errorf("%w: log manager is closed", flushmanager.ErrLogFileError)
	}
	rec.LSN = lm.nextLSN
	lm.nextLSN++

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(rec.LSN))
	hdr[12] = byte(rec.Type)
	binary.LittleEndian.PutUint32(hdr[13:17], uint32(rec.PageID))
	lm.buf.Write(hdr[:])
	lm.buf.Write(rec.Data)

	lm.logger.Debug("appended log record",
		zap.Uint64("lsn", uint64(rec.LSN)),
		zap.Int32("page_id", int32(rec.PageID)),
		zap.Uint8("type", uint8(rec.Type)))
	return rec.LSN, nil
}

// Sync writes all buffered records to the log file and fsyncs it.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.syncLocked()
}

func (lm *LogManager) syncLocked() error {
	if lm.file == nil {
		return fmt.Errorf("%w: log manager is closed", flushmanager.ErrLogFileError)
	}
	if lm.buf.Len() > 0 {
		if _, err := lm.file.Write(lm.buf.Bytes()); err != nil {
			return fmt.Errorf("%w: writing wal records: %v", flushmanager.ErrLogFileError, err)
		}
		lm.buf.Reset()
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing wal file: %v", flushmanager.ErrLogFileError, err)
	}
	lm.flushedLSN = lm.nextLSN - 1
	return nil
}

// FlushedLSN returns the highest LSN known to be durable.
func (lm *LogManager) FlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// Close syncs outstanding records and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	if err := lm.syncLocked(); err != nil {
		lm.logger.Error("wal sync on close failed", zap.Error(err))
	}
	err := lm.file.Close()
	lm.file = nil
	return err
}
