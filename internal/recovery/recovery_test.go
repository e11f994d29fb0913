package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/joydb/txlog/internal/checkpoint"
	"github.com/joydb/txlog/internal/clock"
	"github.com/joydb/txlog/internal/config"
	"github.com/joydb/txlog/internal/dispatch"
	"github.com/joydb/txlog/internal/locallog"
	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/opprocessor"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/replicatedlog"
	"github.com/joydb/txlog/internal/replicatorapi"
	"github.com/joydb/txlog/internal/txn"
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

// trackingProvider records every Apply/Unlock call and can be made to fail
// for a configured record type.
type trackingProvider struct {
	mu       sync.Mutex
	applied  []record.LogRecord
	unlocked []record.LogRecord
	failFor  record.RecordType
}

func (p *trackingProvider) Apply(ctx context.Context, rec record.LogRecord, phase replicatorapi.Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor != record.Invalid && rec.GetRecordType() == p.failFor {
		return errors.New("simulated apply failure")
	}
	p.applied = append(p.applied, rec)
	return nil
}

func (p *trackingProvider) Unlock(ctx context.Context, rec record.LogRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlocked = append(p.unlocked, rec)
	return nil
}

type noRecoveryState struct{}

func (noRecoveryState) InRecovery() bool           { return false }
func (noRecoveryState) Role() dispatch.ReplicaRole { return dispatch.RoleUnknown }

type fakeHeadSource struct{}

func (fakeHeadSource) LatestIndexingRecordBefore(lsn record.LogicalSequenceNumber) *record.IndexingLogRecord {
	return nil
}

type fakeCheckpointProvider struct{}

func (fakeCheckpointProvider) PerformCheckpoint(ctx context.Context) error  { return nil }
func (fakeCheckpointProvider) CompleteCheckpoint(ctx context.Context) error { return nil }

type fakeFaultReporter struct{ mu sync.Mutex; faults []error }

func (f *fakeFaultReporter) ReportFault(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, err)
}

// stack bundles one replica's worth of collaborators over a shared log, so
// tests can build up log content with one stack and recover it with another
// — simulating a restart without leaving the package's abstractions.
type stack struct {
	writer        *logwriter.Writer
	replicatedLog *replicatedlog.Manager
	txnMap        *txn.Map
	processor     *opprocessor.Processor
	provider      *trackingProvider
	checkpointMgr *checkpoint.Manager
	clk           *clock.FakeClock
}

func newStack(t *testing.T, log locallog.LogicalLog) *stack {
	t.Helper()
	provider := &trackingProvider{}
	processor := opprocessor.NewProcessor(provider)
	dispatcher := dispatch.NewSerialDispatcher(noRecoveryState{}, processor, &fakeFaultReporter{})
	writer := logwriter.NewWriter(log, dispatcher)
	replicatedLog := replicatedlog.NewManager(writer, log, &sequentialReplicator{}, 1)
	txnMap := txn.NewMap()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	checkpointMgr := checkpoint.NewManager(replicatedLog, txnMap, fakeHeadSource{}, fakeCheckpointProvider{}, &fakeFaultReporter{}, clk, config.Default())
	return &stack{
		writer:        writer,
		replicatedLog: replicatedLog,
		txnMap:        txnMap,
		processor:     processor,
		provider:      provider,
		checkpointMgr: checkpointMgr,
		clk:           clk,
	}
}

func TestOpenOnFreshLogLogsCreationMarker(t *testing.T) {
	log := locallog.NewMemLog()
	s := newStack(t, log)
	mgr := NewManager(log, s.writer, s.replicatedLog, s.txnMap, s.processor, s.checkpointMgr)

	result, err := mgr.Open(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, result.WasFreshLog)
	assert.Equal(t, result.LastStableLsn, record.InvalidLsn)

	assert.NilError(t, s.writer.FlushAsync(context.Background(), "test"))
	assert.Assert(t, log.Length() > 0)
}

func TestOpenReplaysExistingLogAndReconstructsPendingTransaction(t *testing.T) {
	ctx := context.Background()
	log := locallog.NewMemLog()

	// Stack A: write a committed transaction, then a still-pending one, and
	// a checkpoint taken while the second transaction was open.
	a := newStack(t, log)

	_, err := a.replicatedLog.UpdateEpoch(ctx, record.Epoch{DataLossVersion: 1, ConfigurationVersion: 1}, 1)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	begin1 := record.NewBeginTransactionLogRecord(1, false, nil, nil, nil)
	_, err = a.replicatedLog.ReplicateAndLog(ctx, begin1)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	op1 := record.NewOperationLogRecord(1, record.LinkTo(begin1), nil, nil, nil)
	_, err = a.replicatedLog.ReplicateAndLog(ctx, op1)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	end1 := record.NewEndTransactionLogRecord(1, true, record.LinkTo(op1))
	_, err = a.replicatedLog.ReplicateAndLog(ctx, end1)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	begin2 := record.NewBeginTransactionLogRecord(2, false, nil, nil, nil)
	_, err = a.replicatedLog.ReplicateAndLog(ctx, begin2)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	pv := a.replicatedLog.ProgressVector()
	beginCkpt := record.NewBeginCheckpointLogRecord(record.LinkTo(begin2), end1.GetLsn(), pv)
	beginCkpt.PeriodicState = record.PeriodicCheckpointStarted
	beginCkpt.LastPeriodicCheckpointTime = 1000
	beginCkpt.LastPeriodicTruncationTime = 2000
	_, err = a.replicatedLog.ReplicateAndLog(ctx, beginCkpt)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	op2 := record.NewOperationLogRecord(2, record.LinkTo(begin2), nil, nil, nil)
	_, err = a.replicatedLog.ReplicateAndLog(ctx, op2)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	lastPsnBeforeRestart := op2.GetPsn()

	// Stack B: a fresh set of collaborators over the same log, as if the
	// process had just restarted.
	b := newStack(t, log)
	mgr := NewManager(log, b.writer, b.replicatedLog, b.txnMap, b.processor, b.checkpointMgr)

	result, err := mgr.Open(ctx)
	assert.NilError(t, err)
	assert.Assert(t, !result.WasFreshLog)
	assert.Equal(t, result.LastStableLsn, end1.GetLsn())
	assert.Equal(t, b.txnMap.PendingCount(), 1)
	assert.DeepEqual(t, b.txnMap.PendingIDs(), []uint64{2})

	// Only the chain from begin2 onward was replayed; the already-settled
	// txn1 records are not re-applied.
	assert.Equal(t, len(b.provider.applied), 3) // begin2, beginCkpt, op2

	// Psn continuity: records enqueued after Open must continue from where
	// the prior process left off, not restart at zero. Open itself logs an
	// InformationRecovered marker at lastPsnBeforeRestart+1, so this one
	// lands right after it.
	marker := record.NewInformationLogRecord(record.InformationClosed)
	_, err = b.replicatedLog.ReplicateAndLog(ctx, marker)
	assert.NilError(t, err)
	assert.Equal(t, marker.GetPsn(), lastPsnBeforeRestart+2)

	// Periodic state carried across restart: PeriodicCheckpointStarted
	// makes PeriodicTimerDuration ignore the elapsed-time fast path and
	// always report a full interval.
	assert.Equal(t, b.checkpointMgr.PeriodicTimerDuration(), config.Default().LogTruncationInterval())

	// Progress vector carried across restart.
	assert.Equal(t, len(b.replicatedLog.ProgressVector()), len(pv))
}

func TestOpenFailsFatallyOnApplyErrorDuringReplay(t *testing.T) {
	ctx := context.Background()
	log := locallog.NewMemLog()

	a := newStack(t, log)
	begin := record.NewBeginTransactionLogRecord(1, false, nil, nil, nil)
	_, err := a.replicatedLog.ReplicateAndLog(ctx, begin)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	op := record.NewOperationLogRecord(1, record.LinkTo(begin), nil, nil, nil)
	_, err = a.replicatedLog.ReplicateAndLog(ctx, op)
	assert.NilError(t, err)
	assert.NilError(t, a.writer.FlushAsync(ctx, "test"))

	b := newStack(t, log)
	b.provider.failFor = record.Operation
	mgr := NewManager(log, b.writer, b.replicatedLog, b.txnMap, b.processor, b.checkpointMgr)

	_, err = mgr.Open(ctx)
	assert.ErrorContains(t, err, "apply failed")
}
