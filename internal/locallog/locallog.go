// Package locallog implements the logical log abstraction of spec.md §4.2:
// append-only writes at the current tail, random-access reads by byte
// position, reference-counted reader handles that block truncation, and an
// atomic rename of a "copy log" over the base log.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/wal/wal.go (file open,
// offset tracking, explicit fsync) and
// _examples/LeeNgari-RDBMS/internal/storage/writer/writer.go (temp-file
// then atomic-rename durability pattern), generalized from a single WAL
// file to the base-log/copy-log pair spec.md §4.2 requires.
package locallog

import (
	"context"
	"errors"
	"sync"
)

// ErrTruncationBlocked names the condition where a resident reader's range
// still intersects the prefix being trimmed. Neither adapter's Truncate
// returns it: Truncate does not check reader handles, and callers check
// CanTruncate first.
var ErrTruncationBlocked = errors.New("locallog: truncation blocked by an open reader")

// ErrClosed is returned by any operation on a closed log.
var ErrClosed = errors.New("locallog: log is closed")

// LogicalLog is the contract every local-log implementation satisfies.
// There are two adapters in this package: fileLog (production, backed by
// an *os.File pair) and memLog (tests, backed by an in-memory buffer) —
// callers program against this interface only, per the single
// open-question decision recorded in SPEC_FULL.md §14.
type LogicalLog interface {
	// Append writes data at the current tail and returns the byte position
	// it was written at.
	Append(ctx context.Context, data []byte) (position int64, err error)

	// ReadAt performs a random-access read of length bytes starting at
	// position.
	ReadAt(ctx context.Context, position int64, length int) ([]byte, error)

	// Length returns the current tail position.
	Length() int64

	// SequentialReadSizeHint is the chunk size recovery and copy/build
	// should request when streaming the log forward.
	SequentialReadSizeHint() int

	// OpenReader returns a ref-counted handle pinning startPosition; the
	// handle must be released via ReaderHandle.Release when the caller is done
	// scanning from that position.
	OpenReader(startPosition int64) *ReaderHandle

	// CanTruncate reports whether trimming everything before
	// uptoPosition is safe given currently open reader handles.
	CanTruncate(uptoPosition int64) bool

	// Truncate discards every byte before uptoPosition. Callers must have
	// verified CanTruncate(uptoPosition) first; Truncate itself does not
	// re-check reader handles, matching the replicated log manager's
	// "wait, then trim" split (spec.md §4.4 TruncateHead).
	Truncate(ctx context.Context, uptoPosition int64) error

	// RenameCopyLogAtomically replaces the base log with the copy log
	// written to the sibling "<base>_Copy" file. After a crash either the
	// old log or the new log must be fully visible, never a partial mix
	// of both.
	RenameCopyLogAtomically(ctx context.Context) error

	// AppendToCopyLog writes data to the "<base>_Copy" sibling file,
	// creating it on first use.
	AppendToCopyLog(ctx context.Context, data []byte) (position int64, err error)

	Close() error
}

// ReaderHandle pins a starting byte position so truncation below it is
// rejected until Release is called. The zero value is not usable; obtain
// one from LogicalLog.OpenReader.
type ReaderHandle struct {
	id            uint64
	startPosition int64
	release       func(*ReaderHandle)
	once          sync.Once
}

// StartPosition is the byte offset this handle pins.
func (h *ReaderHandle) StartPosition() int64 { return h.startPosition }

// Release unpins the handle. Safe to call more than once.
func (h *ReaderHandle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release(h)
		}
	})
}

// readerSet tracks open reader handles for CanTruncate/OpenReader, shared
// by both adapters.
type readerSet struct {
	mu      sync.Mutex
	nextID  uint64
	readers map[uint64]*ReaderHandle
}

func newReaderSet() *readerSet {
	return &readerSet{readers: make(map[uint64]*ReaderHandle)}
}

func (s *readerSet) open(startPosition int64) *ReaderHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := &ReaderHandle{id: s.nextID, startPosition: startPosition, release: s.release}
	s.readers[h.id] = h
	return h
}

func (s *readerSet) release(h *ReaderHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readers, h.id)
}

func (s *readerSet) canTruncate(uptoPosition int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.readers {
		if h.startPosition < uptoPosition {
			return false
		}
	}
	return true
}
