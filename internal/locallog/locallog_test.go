package locallog

import (
	"context"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func newTestFileLog(t *testing.T) LogicalLog {
	t.Helper()
	dir := t.TempDir()
	log, err := NewFileLog(filepath.Join(dir, "base.log"))
	assert.NilError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestAppendAndReadAtRoundTrip(t *testing.T) {
	for _, log := range []LogicalLog{newTestFileLog(t), NewMemLog()} {
		ctx := context.Background()

		pos1, err := log.Append(ctx, []byte("hello"))
		assert.NilError(t, err)
		assert.Equal(t, pos1, int64(0))

		pos2, err := log.Append(ctx, []byte("world!"))
		assert.NilError(t, err)
		assert.Equal(t, pos2, int64(5))

		assert.Equal(t, log.Length(), int64(11))

		got, err := log.ReadAt(ctx, pos2, 6)
		assert.NilError(t, err)
		assert.Equal(t, string(got), "world!")

		got, err = log.ReadAt(ctx, pos1, 5)
		assert.NilError(t, err)
		assert.Equal(t, string(got), "hello")
	}
}

func TestOpenReaderBlocksTruncation(t *testing.T) {
	for _, log := range []LogicalLog{newTestFileLog(t), NewMemLog()} {
		ctx := context.Background()
		_, err := log.Append(ctx, []byte("0123456789"))
		assert.NilError(t, err)

		handle := log.OpenReader(2)
		assert.Assert(t, !log.CanTruncate(5))
		assert.Assert(t, log.CanTruncate(2))

		handle.Release()
		assert.Assert(t, log.CanTruncate(5))

		// Release is idempotent.
		handle.Release()
	}
}

func TestRenameCopyLogAtomically(t *testing.T) {
	for _, log := range []LogicalLog{newTestFileLog(t), NewMemLog()} {
		ctx := context.Background()
		_, err := log.Append(ctx, []byte("old-content"))
		assert.NilError(t, err)

		_, err = log.AppendToCopyLog(ctx, []byte("new"))
		assert.NilError(t, err)
		_, err = log.AppendToCopyLog(ctx, []byte("-content"))
		assert.NilError(t, err)

		assert.NilError(t, log.RenameCopyLogAtomically(ctx))

		assert.Equal(t, log.Length(), int64(len("new-content")))
		got, err := log.ReadAt(ctx, 0, int(log.Length()))
		assert.NilError(t, err)
		assert.Equal(t, string(got), "new-content")
	}
}

func TestTruncateDiscardsPrefixAndRebasesPositions(t *testing.T) {
	for _, log := range []LogicalLog{newTestFileLog(t), NewMemLog()} {
		ctx := context.Background()
		_, err := log.Append(ctx, []byte("0123456789"))
		assert.NilError(t, err)

		assert.NilError(t, log.Truncate(ctx, 4))

		got, err := log.ReadAt(ctx, 4, 6)
		assert.NilError(t, err)
		assert.Equal(t, string(got), "456789")

		// Truncating again to an earlier or equal position is a no-op.
		assert.NilError(t, log.Truncate(ctx, 2))

		more, err := log.Append(ctx, []byte("X"))
		assert.NilError(t, err)
		assert.Equal(t, more, int64(10))
	}
}

func TestTruncateRespectsOpenReader(t *testing.T) {
	for _, log := range []LogicalLog{newTestFileLog(t), NewMemLog()} {
		ctx := context.Background()
		_, err := log.Append(ctx, []byte("0123456789"))
		assert.NilError(t, err)

		handle := log.OpenReader(3)
		assert.Assert(t, !log.CanTruncate(5))
		handle.Release()
		assert.Assert(t, log.CanTruncate(5))
		assert.NilError(t, log.Truncate(ctx, 5))
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	log := NewMemLog()
	ctx := context.Background()
	assert.NilError(t, log.Close())

	_, err := log.Append(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = log.ReadAt(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
