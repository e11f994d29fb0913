package copytail

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/joydb/txlog/internal/config"
	"github.com/joydb/txlog/internal/locallog"
	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/replicatedlog"
	"github.com/joydb/txlog/internal/replicatorapi"
)

// sequentialReplicator assigns Lsns in strictly increasing order, standing
// in for the external replicator spec.md §1 places out of scope.
type sequentialReplicator struct {
	next int64
}

func (r *sequentialReplicator) ReplicateAsync(ctx context.Context, rec record.LogRecord) (record.LogicalSequenceNumber, error) {
	lsn := atomic.AddInt64(&r.next, 1) - 1
	return record.LogicalSequenceNumber(lsn), nil
}

type noopCallback struct{}

func (noopCallback) ProcessFlushedRecords(ctx context.Context, batch logwriter.FlushedBatch) {}

// trackingProvider records every record it was asked to Apply.
type trackingProvider struct {
	applied []record.LogRecord
}

func (p *trackingProvider) Apply(ctx context.Context, rec record.LogRecord, phase replicatorapi.Phase) error {
	p.applied = append(p.applied, rec)
	return nil
}

func (p *trackingProvider) Unlock(ctx context.Context, rec record.LogRecord) error { return nil }

type fakeAborter struct{ called int }

func (f *fakeAborter) AbortPendingCheckpoint() error {
	f.called++
	return nil
}

type fakeSourceLog struct {
	pv        []record.ProgressVectorEntry
	tailEpoch record.Epoch
	head      *record.IndexingLogRecord
}

func (f fakeSourceLog) ProgressVector() []record.ProgressVectorEntry { return f.pv }
func (f fakeSourceLog) TailEpoch() record.Epoch                      { return f.tailEpoch }
func (f fakeSourceLog) LogHeadRecord() *record.IndexingLogRecord     { return f.head }

type fakeStateStreamer struct {
	chunks [][]byte
	i      int
}

func (f *fakeStateStreamer) NextStateChunk(ctx context.Context) ([]byte, error) {
	if f.i >= len(f.chunks) {
		return nil, nil
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

type recordingSink struct {
	epoch   *record.UpdateEpochLogRecord
	barrier *record.BarrierLogRecord
	chunks  [][]byte
	records []record.LogRecord
}

func (s *recordingSink) ApplyUpdateEpoch(ctx context.Context, rec *record.UpdateEpochLogRecord) error {
	s.epoch = rec
	return nil
}

func (s *recordingSink) ApplyBarrier(ctx context.Context, rec *record.BarrierLogRecord) error {
	s.barrier = rec
	return nil
}

func (s *recordingSink) ApplyLogRecord(ctx context.Context, rec record.LogRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) ApplyStateChunk(ctx context.Context, chunk []byte) error {
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

// stack bundles one replica's collaborators over a shared log, mirroring
// internal/recovery's test harness.
type stack struct {
	writer        *logwriter.Writer
	replicatedLog *replicatedlog.Manager
}

func newStack(log locallog.LogicalLog) *stack {
	writer := logwriter.NewWriter(log, noopCallback{})
	replicatedLog := replicatedlog.NewManager(writer, log, &sequentialReplicator{}, 1)
	return &stack{writer: writer, replicatedLog: replicatedLog}
}

func TestDecideCopyMode(t *testing.T) {
	epochA := record.Epoch{DataLossVersion: 1, ConfigurationVersion: 1}
	epochB := record.Epoch{DataLossVersion: 2, ConfigurationVersion: 1}
	pv := []record.ProgressVectorEntry{{Epoch: epochA, StartingLsn: 0}, {Epoch: epochB, StartingLsn: 10}}

	assert.Equal(t, DecideCopyMode(false, 5, epochA, 0, pv), ModeFull)
	assert.Equal(t, DecideCopyMode(true, 12, epochB, 0, pv), ModePartialCopyLog)
	assert.Equal(t, DecideCopyMode(true, 12, epochA, 0, pv), ModeFalseProgress) // epoch at lsn 12 is epochB, not epochA
	assert.Equal(t, DecideCopyMode(true, 3, epochA, 5, pv), ModeFalseProgress)  // tail below source head
}

func TestCopyMetadataRoundTrip(t *testing.T) {
	meta := CopyMetadata{MetadataVersion: 1, CopyStage: StageLogRecords, SourceReplicaId: 99}
	wire := EncodeCopyMetadata(meta)
	assert.Equal(t, len(wire), 16)

	decoded, err := DecodeCopyMetadata(wire)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, meta)

	_, err = DecodeCopyMetadata(wire[:8])
	assert.ErrorContains(t, err, "16 bytes")
}

func TestBuildFullCopyStreamsEpochBarrierAndState(t *testing.T) {
	ctx := context.Background()
	epoch := record.Epoch{DataLossVersion: 1, ConfigurationVersion: 3}
	source := fakeSourceLog{tailEpoch: epoch}
	builder := NewBuilder(locallog.NewMemLog(), source, config.Default(), 7)

	var buf bytes.Buffer
	streamer := &fakeStateStreamer{chunks: [][]byte{[]byte("chunk1"), []byte("chunk2")}}
	mode, err := builder.Build(ctx, &buf, TargetState{HasLog: false}, streamer)
	assert.NilError(t, err)
	assert.Equal(t, mode, ModeFull)

	sink := &recordingSink{}
	meta, err := NewReceiver(sink).Receive(ctx, &buf)
	assert.NilError(t, err)
	assert.Equal(t, meta.CopyStage, StageFullCopyState)
	assert.Equal(t, meta.SourceReplicaId, uint64(7))

	assert.Assert(t, sink.epoch != nil)
	assert.Equal(t, sink.epoch.Epoch, epoch)
	assert.Assert(t, sink.barrier != nil)
	assert.DeepEqual(t, sink.chunks, [][]byte{[]byte("chunk1"), []byte("chunk2")})
}

func TestBuildPartialCopyLogStreamsOnlyRecordsAboveTargetTail(t *testing.T) {
	ctx := context.Background()
	log := locallog.NewMemLog()
	s := newStack(log)

	begin1 := record.NewBeginTransactionLogRecord(1, false, nil, nil, nil)
	_, err := s.replicatedLog.ReplicateAndLog(ctx, begin1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	op1 := record.NewOperationLogRecord(1, record.LinkTo(begin1), nil, nil, nil)
	_, err = s.replicatedLog.ReplicateAndLog(ctx, op1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	end1 := record.NewEndTransactionLogRecord(1, true, record.LinkTo(op1))
	_, err = s.replicatedLog.ReplicateAndLog(ctx, end1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	op2 := record.NewOperationLogRecord(2, record.InvalidPhysicalLink, nil, nil, nil)
	_, err = s.replicatedLog.ReplicateAndLog(ctx, op2)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	builder := NewBuilder(log, fakeSourceLog{}, config.Default(), 1)

	var buf bytes.Buffer
	target := TargetState{HasLog: true, TailLsn: begin1.GetLsn(), TailEpoch: record.InvalidEpoch}
	mode, err := builder.Build(ctx, &buf, target, nil)
	assert.NilError(t, err)
	assert.Equal(t, mode, ModePartialCopyLog)

	sink := &recordingSink{}
	meta, err := NewReceiver(sink).Receive(ctx, &buf)
	assert.NilError(t, err)
	assert.Equal(t, meta.CopyStage, StageLogRecords)

	assert.Equal(t, len(sink.records), 3)
	assert.Equal(t, sink.records[0].GetRecordType(), record.Operation)
	assert.Equal(t, sink.records[0].GetLsn(), op1.GetLsn())
	assert.Equal(t, sink.records[1].GetRecordType(), record.EndTransaction)
	assert.Equal(t, sink.records[2].GetRecordType(), record.Operation)
	assert.Equal(t, sink.records[2].GetLsn(), op2.GetLsn())
}

// TestTruncateTailUndoesOpsAcrossBeginCheckpoint is scenario S8: a committed
// transaction, a checkpoint, and two more operations are logged; truncating
// the tail back to the committed transaction's end must undo both
// operations and the checkpoint, leaving the committed transaction intact.
func TestTruncateTailUndoesOpsAcrossBeginCheckpoint(t *testing.T) {
	ctx := context.Background()
	log := locallog.NewMemLog()
	s := newStack(log)

	begin1 := record.NewBeginTransactionLogRecord(1, false, nil, nil, nil)
	_, err := s.replicatedLog.ReplicateAndLog(ctx, begin1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	op1 := record.NewOperationLogRecord(1, record.LinkTo(begin1), nil, nil, nil)
	_, err = s.replicatedLog.ReplicateAndLog(ctx, op1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	end1 := record.NewEndTransactionLogRecord(1, true, record.LinkTo(op1))
	_, err = s.replicatedLog.ReplicateAndLog(ctx, end1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	beginCkpt := record.NewBeginCheckpointLogRecord(record.InvalidPhysicalLink, end1.GetLsn(), s.replicatedLog.ProgressVector())
	_, err = s.replicatedLog.ReplicateAndLog(ctx, beginCkpt)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	op2a := record.NewOperationLogRecord(1, record.LinkTo(beginCkpt), nil, nil, nil)
	_, err = s.replicatedLog.ReplicateAndLog(ctx, op2a)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	op2b := record.NewOperationLogRecord(1, record.LinkTo(op2a), nil, nil, nil)
	_, err = s.replicatedLog.ReplicateAndLog(ctx, op2b)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	lengthBeforeTruncate := log.Length()
	assert.Assert(t, lengthBeforeTruncate > 0)

	provider := &trackingProvider{}
	aborter := &fakeAborter{}
	undo := &UndoContext{Provider: provider, TxnMap: nil, CheckpointMgr: aborter}

	targetTailLsn := end1.GetLsn()
	err = TruncateTail(ctx, log, s.writer, s.replicatedLog, undo, record.InvalidLsn, targetTailLsn)
	assert.NilError(t, err)

	assert.Equal(t, len(provider.applied), 2)
	assert.Equal(t, provider.applied[0].GetLsn(), op2b.GetLsn())
	assert.Equal(t, provider.applied[1].GetLsn(), op2a.GetLsn())
	assert.Equal(t, aborter.called, 1)

	assert.Equal(t, s.replicatedLog.InsertedTailLsn(), targetTailLsn)
	tail := s.replicatedLog.TailRecord()
	assert.Assert(t, tail != nil)
	marker, ok := tail.(*record.TruncateTailLogRecord)
	assert.Assert(t, ok)
	assert.Equal(t, marker.TargetTailLsn, targetTailLsn)

	assert.Assert(t, log.Length() < lengthBeforeTruncate)
}

func TestTruncateTailRejectsCrossingLastStableLsn(t *testing.T) {
	ctx := context.Background()
	log := locallog.NewMemLog()
	s := newStack(log)

	begin1 := record.NewBeginTransactionLogRecord(1, false, nil, nil, nil)
	_, err := s.replicatedLog.ReplicateAndLog(ctx, begin1)
	assert.NilError(t, err)
	assert.NilError(t, s.writer.FlushAsync(ctx, "test"))

	undo := &UndoContext{Provider: &trackingProvider{}, TxnMap: nil, CheckpointMgr: &fakeAborter{}}
	err = TruncateTail(ctx, log, s.writer, s.replicatedLog, undo, record.LogicalSequenceNumber(5), record.LogicalSequenceNumber(0))
	assert.ErrorContains(t, err, "last stable lsn")
}
