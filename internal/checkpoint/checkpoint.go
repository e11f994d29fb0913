// Package checkpoint implements the checkpoint manager of spec.md §4.8:
// the prepare/perform/complete protocol for a single in-flight checkpoint,
// the truncate-head policy that retires log prefixes behind a chosen
// indexing record, and the periodic timer duration formula that drives
// both independent of byte thresholds.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/wal/writer.go's
// WriteCheckpoint (fsync-then-record-LSN pattern) and
// _examples/LeeNgari-RDBMS/internal/storage/manager/wal_manager.go's
// checksum-gathering checkpoint call, generalized to the full
// prepare/perform/complete state machine. The periodic timer's clock
// injection is grounded on internal/clock.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/joydb/txlog/internal/clock"
	"github.com/joydb/txlog/internal/config"
	"github.com/joydb/txlog/internal/dispatch"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/tracing"
)

// Provider is the state-provider side of the checkpoint protocol: the
// actual disk I/O that persists state-provider data at a checkpoint.
type Provider interface {
	PerformCheckpoint(ctx context.Context) error
	CompleteCheckpoint(ctx context.Context) error
}

// ReplicatedLog is the subset of *replicatedlog.Manager the checkpoint
// manager needs; kept as an interface so tests can fake it without
// constructing a full replication stack.
type ReplicatedLog interface {
	ReplicateAndLog(ctx context.Context, rec record.LogRecord) (int, error)
	TruncateHead(ctx context.Context, headRecord *record.IndexingLogRecord) error
	ProgressVector() []record.ProgressVectorEntry
}

// TransactionMap is the subset of *txn.Map the checkpoint manager
// consults for the earliest still-pending transaction.
type TransactionMap interface {
	EarliestPendingLsn() record.LogicalSequenceNumber
}

// HeadCandidateSource locates the newest indexing record eligible to
// become the new log head, used by the truncate-head protocol.
type HeadCandidateSource interface {
	LatestIndexingRecordBefore(lsn record.LogicalSequenceNumber) *record.IndexingLogRecord
}

// Manager is the checkpoint manager of spec.md §4.8. Only one checkpoint
// may be in flight at a time.
type Manager struct {
	mu sync.Mutex

	replicatedLog ReplicatedLog
	txnMap        TransactionMap
	headSource    HeadCandidateSource
	provider      Provider
	faults        dispatch.FaultReporter
	clock         clock.Clock
	cfg           config.Config
	tracer        tracing.Tracer

	state         record.CheckpointState
	currentBegin  *record.BeginCheckpointLogRecord
	currentHead   *record.IndexingLogRecord
	bytesSinceLast uint64

	periodicState              record.PeriodicCheckpointState
	lastPeriodicCheckpointTime time.Time
	lastPeriodicTruncationTime time.Time

	truncationAborted bool
}

// NewManager builds a checkpoint Manager.
func NewManager(replicatedLog ReplicatedLog, txnMap TransactionMap, headSource HeadCandidateSource, provider Provider, faults dispatch.FaultReporter, clk clock.Clock, cfg config.Config) *Manager {
	now := clk.Now()
	return &Manager{
		replicatedLog:              replicatedLog,
		txnMap:                     txnMap,
		headSource:                 headSource,
		provider:                   provider,
		faults:                     faults,
		clock:                      clk,
		cfg:                        cfg,
		state:                      record.CheckpointStateReady,
		periodicState:              record.PeriodicNotStarted,
		lastPeriodicCheckpointTime: now,
		lastPeriodicTruncationTime: now,
	}
}

// SetTracer enables spans around PrepareCheckpoint and PerformCheckpoint;
// the zero Tracer (the default) is inert, so this is opt-in.
func (m *Manager) SetTracer(t tracing.Tracer) { m.tracer = t }

// NotifyBytesAppended accrues n bytes of physical-log growth toward the
// checkpoint byte threshold; CheckpointIfNecessary resets this to zero
// once a checkpoint actually starts.
func (m *Manager) NotifyBytesAppended(n uint64) {
	m.mu.Lock()
	m.bytesSinceLast += n
	m.mu.Unlock()
}

// State returns the current in-flight checkpoint's state (Ready when idle).
func (m *Manager) State() record.CheckpointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CheckpointIfNecessary is consulted after every logical insertion and by
// the periodic timer. It runs the whole prepare/perform/complete protocol
// synchronously when policy says to.
func (m *Manager) CheckpointIfNecessary(ctx context.Context) error {
	m.mu.Lock()
	due := m.state == record.CheckpointStateReady &&
		(m.bytesSinceLast >= m.cfg.CheckpointThresholdBytes() || m.periodicCheckpointDueLocked())
	m.mu.Unlock()
	if !due {
		return nil
	}
	return m.runCheckpoint(ctx)
}

func (m *Manager) periodicCheckpointDueLocked() bool {
	interval := m.cfg.LogTruncationInterval()
	if interval == 0 {
		return false
	}
	elapsed := m.clock.Now().Sub(m.lastPeriodicCheckpointTime)
	return elapsed >= interval
}

func (m *Manager) runCheckpoint(ctx context.Context) error {
	begin, err := m.prepareCheckpoint(ctx)
	if err != nil {
		return err
	}
	return m.performAndComplete(ctx, begin)
}

// prepareCheckpoint logs BeginCheckpointLogRecord (state Ready) and moves
// local state to Prepared.
func (m *Manager) prepareCheckpoint(ctx context.Context) (begin *record.BeginCheckpointLogRecord, err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.PrepareCheckpoint")
	defer func() { span.End(err) }()

	m.mu.Lock()
	earliestLink := record.InvalidPhysicalLink
	pv := m.replicatedLog.ProgressVector()
	m.mu.Unlock()

	earliestLsn := m.txnMap.EarliestPendingLsn()
	begin = record.NewBeginCheckpointLogRecord(earliestLink, earliestLsn, pv)
	begin.PeriodicState = m.periodicState
	begin.LastPeriodicCheckpointTime = m.lastPeriodicCheckpointTime.UnixNano()
	begin.LastPeriodicTruncationTime = m.lastPeriodicTruncationTime.UnixNano()

	if _, err = m.replicatedLog.ReplicateAndLog(ctx, begin); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.bytesSinceLast = 0
	m.state = record.CheckpointStatePrepared
	m.currentBegin = begin
	m.mu.Unlock()
	return begin, nil
}

func (m *Manager) performAndComplete(ctx context.Context, begin *record.BeginCheckpointLogRecord) (err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.PerformCheckpoint")
	defer func() { span.End(err) }()

	if err := m.provider.PerformCheckpoint(ctx); err != nil {
		m.mu.Lock()
		m.state = record.CheckpointStateFaulted
		m.mu.Unlock()
		m.faults.ReportFault(err)
		return err
	}

	logHeadLsn := m.txnMap.EarliestPendingLsn()
	end := record.NewEndCheckpointLogRecord(record.LinkTo(begin), logHeadLsn)
	if _, err := m.replicatedLog.ReplicateAndLog(ctx, end); err != nil {
		m.mu.Lock()
		m.state = record.CheckpointStateFaulted
		m.mu.Unlock()
		m.faults.ReportFault(err)
		return err
	}

	m.mu.Lock()
	m.state = record.CheckpointStateCompleted
	m.lastPeriodicCheckpointTime = m.clock.Now()
	m.mu.Unlock()

	if err := m.provider.CompleteCheckpoint(ctx); err != nil {
		m.mu.Lock()
		m.state = record.CheckpointStateFaulted
		m.mu.Unlock()
		m.faults.ReportFault(err)
		return err
	}

	complete := record.NewCompleteCheckpointLogRecord(linkToIndexing(m.currentHead))
	if _, err := m.replicatedLog.ReplicateAndLog(ctx, complete); err != nil {
		m.faults.ReportFault(err)
		return err
	}

	m.mu.Lock()
	m.state = record.CheckpointStateReady
	m.currentBegin = nil
	m.mu.Unlock()
	return nil
}

// SeedPeriodicState primes the periodic-checkpoint timer and the current log
// head from what internal/recovery reconstructed from the existing physical
// log, so the first PeriodicTimerDuration call after Open measures elapsed
// time from the pre-restart baseline instead of from process start.
func (m *Manager) SeedPeriodicState(state record.PeriodicCheckpointState, lastCheckpointTime, lastTruncationTime time.Time, currentHead *record.IndexingLogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodicState = state
	m.lastPeriodicCheckpointTime = lastCheckpointTime
	m.lastPeriodicTruncationTime = lastTruncationTime
	m.currentHead = currentHead
}

// AbortPendingCheckpoint cancels a prepared-but-not-completed checkpoint.
func (m *Manager) AbortPendingCheckpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == record.CheckpointStatePrepared {
		m.state = record.CheckpointStateAborted
	}
	return nil
}

// AbortPendingLogHeadTruncation cancels a pending truncate-head: the
// TruncateHeadLogRecord, if already logged, stays in the log but the
// physical truncation is never performed.
func (m *Manager) AbortPendingLogHeadTruncation() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncationAborted = true
	return nil
}

// TruncateHeadIfNecessary implements the truncate-head protocol: pick the
// latest indexing record older than the earliest pending transaction and
// newer than the current head, verify it clears the Psn and byte-delta
// thresholds (or that the periodic-truncation interval bypasses the byte
// threshold), and delegate the actual trim to the replicated log manager.
func (m *Manager) TruncateHeadIfNecessary(ctx context.Context) error {
	m.mu.Lock()
	aborted := m.truncationAborted
	m.truncationAborted = false
	currentHead := m.currentHead
	m.mu.Unlock()
	if aborted {
		return nil
	}

	candidate := m.headSource.LatestIndexingRecordBefore(m.txnMap.EarliestPendingLsn())
	if candidate == nil {
		return nil
	}
	if currentHead != nil && candidate.GetPsn() <= currentHead.GetPsn() {
		return nil
	}

	periodicElapsed := m.periodicTruncationDue()
	if !periodicElapsed {
		var currentPos int64
		if currentHead != nil {
			currentPos = currentHead.GetRecordPosition()
		}
		delta := candidate.GetRecordPosition() - currentPos
		if delta < int64(m.cfg.TruncationThresholdBytes()) {
			return nil
		}
	}

	if err := m.replicatedLog.TruncateHead(ctx, candidate); err != nil {
		return err
	}

	m.mu.Lock()
	m.currentHead = candidate
	m.lastPeriodicTruncationTime = m.clock.Now()
	m.mu.Unlock()
	return nil
}

// linkToIndexing avoids record.LinkTo's typed-nil-interface trap: a
// (*record.IndexingLogRecord)(nil) boxed into the LogRecord interface is
// non-nil as an interface value, so LinkTo would dereference it.
func linkToIndexing(head *record.IndexingLogRecord) record.PhysicalLink {
	if head == nil {
		return record.InvalidPhysicalLink
	}
	return record.LinkTo(head)
}

func (m *Manager) periodicTruncationDue() bool {
	interval := m.cfg.LogTruncationInterval()
	if interval == 0 {
		return false
	}
	m.mu.Lock()
	elapsed := m.clock.Now().Sub(m.lastPeriodicTruncationTime)
	m.mu.Unlock()
	return elapsed >= interval
}

// PeriodicTimerDuration computes how long the periodic checkpoint/
// truncation timer should sleep before firing again, per spec.md §4.8:
// when no periodic cycle has started, it fires immediately once the
// interval has elapsed since the last one; otherwise it always waits a
// full interval (the in-progress cycle's own steps self-pace it).
func (m *Manager) PeriodicTimerDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval := m.cfg.LogTruncationInterval()
	elapsed := m.clock.Now().Sub(m.lastPeriodicCheckpointTime)
	if m.periodicState == record.PeriodicNotStarted {
		if elapsed >= interval {
			return 0
		}
		return interval - elapsed
	}
	return interval
}
