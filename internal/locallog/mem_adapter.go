package locallog

import (
	"context"
	"fmt"
	"sync"
)

// memLog is an in-memory LogicalLog used by unit tests that need a log
// without touching the filesystem.
type memLog struct {
	mu         sync.Mutex
	data       []byte
	baseOffset int64 // absolute position corresponding to data[0]
	copyBuf    []byte
	readers    *readerSet
	closed     bool
}

// NewMemLog returns an empty in-memory LogicalLog.
func NewMemLog() LogicalLog {
	return &memLog{readers: newReaderSet()}
}

func (l *memLog) Append(ctx context.Context, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	position := l.baseOffset + int64(len(l.data))
	l.data = append(l.data, data...)
	return position, nil
}

func (l *memLog) ReadAt(ctx context.Context, position int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	relative := position - l.baseOffset
	if relative < 0 || relative+int64(length) > int64(len(l.data)) {
		return nil, fmt.Errorf("locallog: read [%d,%d) out of range (length %d, base %d)", position, position+int64(length), len(l.data), l.baseOffset)
	}
	out := make([]byte, length)
	copy(out, l.data[relative:relative+int64(length)])
	return out, nil
}

func (l *memLog) Length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseOffset + int64(len(l.data))
}

func (l *memLog) SequentialReadSizeHint() int {
	return defaultSequentialReadSizeHint
}

func (l *memLog) OpenReader(startPosition int64) *ReaderHandle {
	return l.readers.open(startPosition)
}

func (l *memLog) CanTruncate(uptoPosition int64) bool {
	return l.readers.canTruncate(uptoPosition)
}

func (l *memLog) Truncate(ctx context.Context, uptoPosition int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if uptoPosition <= l.baseOffset {
		return nil
	}
	relative := uptoPosition - l.baseOffset
	if relative > int64(len(l.data)) {
		return fmt.Errorf("locallog: truncate target %d beyond tail", uptoPosition)
	}
	l.data = append([]byte{}, l.data[relative:]...)
	l.baseOffset = uptoPosition
	return nil
}

func (l *memLog) AppendToCopyLog(ctx context.Context, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	position := int64(len(l.copyBuf))
	l.copyBuf = append(l.copyBuf, data...)
	return position, nil
}

func (l *memLog) RenameCopyLogAtomically(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.data = l.copyBuf
	l.copyBuf = nil
	l.baseOffset = 0
	return nil
}

func (l *memLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
