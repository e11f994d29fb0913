package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/replicatorapi"
)

// kvStateProvider is the demonstration hosting-service implementation of
// replicatorapi.StateProvider: a plain in-memory key/value store keyed by
// an Operation or single-operation BeginTransaction record's Metadata
// field, set to its Redo payload. It also satisfies checkpoint.Provider
// (a checkpoint just snapshots the map) and copytail.StateStreamer/
// TargetSink (a full copy streams the snapshot as one chunk), so cmd/txlogd
// can wire every collaborator interface against one concrete type instead
// of a handful of single-method stubs.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/storage/manager/registry.go's
// mutex-guarded in-memory table, generalized from per-database state to an
// opaque key/value space the logging engine never inspects.
type kvStateProvider struct {
	mu   sync.Mutex
	data map[string][]byte

	// snapshot holds the encoded state captured by the most recent
	// PerformCheckpoint call and is dropped by the following
	// CompleteCheckpoint. consumed records whether NextStateChunk has
	// already sent its single full-copy chunk since that PerformCheckpoint.
	snapshot []byte
	consumed bool
}

func newKVStateProvider() *kvStateProvider {
	return &kvStateProvider{data: make(map[string][]byte)}
}

func (p *kvStateProvider) Apply(ctx context.Context, rec record.LogRecord, phase replicatorapi.Phase) error {
	key, value, ok := keyValueOf(rec)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.data[key] = value
	p.mu.Unlock()
	return nil
}

func (p *kvStateProvider) Unlock(ctx context.Context, rec record.LogRecord) error {
	return nil
}

// keyValueOf extracts the demo key/value pair a BeginTransaction or
// Operation record carries, if any. Every other record kind is metadata
// the provider observes but has nothing to store.
func keyValueOf(rec record.LogRecord) (key string, value []byte, ok bool) {
	switch v := rec.(type) {
	case *record.BeginTransactionLogRecord:
		if len(v.Metadata) == 0 {
			return "", nil, false
		}
		return string(v.Metadata), v.Redo, true
	case *record.OperationLogRecord:
		if len(v.Metadata) == 0 {
			return "", nil, false
		}
		return string(v.Metadata), v.Redo, true
	default:
		return "", nil, false
	}
}

// PerformCheckpoint snapshots the current key/value space; CompleteCheckpoint
// discards it once the checkpoint manager confirms it's durable.
func (p *kvStateProvider) PerformCheckpoint(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = encodeSnapshot(p.data)
	p.consumed = false
	return nil
}

func (p *kvStateProvider) CompleteCheckpoint(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = nil
	return nil
}

// NextStateChunk implements copytail.StateStreamer for a full-copy build:
// the whole snapshot goes out as one chunk, then a nil signals end of
// stream.
func (p *kvStateProvider) NextStateChunk(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return nil, nil
	}
	p.consumed = true
	return encodeSnapshot(p.data), nil
}

// ApplyUpdateEpoch, ApplyBarrier, ApplyLogRecord and ApplyStateChunk
// implement copytail.TargetSink for a receiving replica.
func (p *kvStateProvider) ApplyUpdateEpoch(ctx context.Context, rec *record.UpdateEpochLogRecord) error {
	return nil
}

func (p *kvStateProvider) ApplyBarrier(ctx context.Context, rec *record.BarrierLogRecord) error {
	return nil
}

func (p *kvStateProvider) ApplyLogRecord(ctx context.Context, rec record.LogRecord) error {
	key, value, ok := keyValueOf(rec)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.data[key] = value
	p.mu.Unlock()
	return nil
}

func (p *kvStateProvider) ApplyStateChunk(ctx context.Context, chunk []byte) error {
	decoded, err := decodeSnapshot(chunk)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.data = decoded
	p.mu.Unlock()
	return nil
}

func (p *kvStateProvider) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

// encodeSnapshot/decodeSnapshot serialize the map as a sequence of
// length-prefixed key/value pairs; the wire format is internal to this
// demo provider, not part of the logging engine's own framing.
func encodeSnapshot(data map[string][]byte) []byte {
	out := make([]byte, 0, 64)
	for k, v := range data {
		out = appendLenPrefixed(out, []byte(k))
		out = appendLenPrefixed(out, v)
	}
	return out
}

func appendLenPrefixed(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	n := uint32(len(b))
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func decodeSnapshot(b []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for len(b) > 0 {
		key, rest, err := readLenPrefixed(b)
		if err != nil {
			return nil, err
		}
		value, rest2, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		out[string(key)] = value
		b = rest2
	}
	return out, nil
}

func readLenPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("demoprovider: truncated length prefix")
	}
	n := int(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	b = b[4:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("demoprovider: truncated field")
	}
	return b[:n], b[n:], nil
}
