// Package recovery implements the Open phase of spec.md §4.9: on startup it
// walks the existing physical log backward to locate the most recent
// checkpoint, reconstructs the progress vector, last-stable-Lsn and
// periodic-checkpoint timers from it, then forward-replays every physical
// and logical record from that point to the tail through the operation
// processor in Phase Recovery, re-inserting any transaction still pending
// at the tail into the transaction map. Any apply failure during this walk
// is fatal to Open: unlike the live run loop, it is never reported through
// FaultReporter, it simply fails the call.
//
// Grounded end to end on _examples/LeeNgari-RDBMS/internal/wal/recovery.go's
// RecoveryManager: its Recover() dispatch between RecoverFromCheckpoint and
// RecoverFromScratch, its forward scan accumulating transaction state via a
// tracker, and its checkpoint-checksum verification, generalized from that
// teacher's single checkpoint-file-plus-WAL-scan shape to this module's
// single self-describing physical log with checkpoint state embedded
// directly in BeginCheckpointLogRecord.
package recovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/joydb/txlog/internal/checkpoint"
	"github.com/joydb/txlog/internal/dispatch"
	"github.com/joydb/txlog/internal/locallog"
	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/opprocessor"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/replicatedlog"
	"github.com/joydb/txlog/internal/replicatorapi"
	"github.com/joydb/txlog/internal/tracing"
	"github.com/joydb/txlog/internal/txn"
)

// Result summarizes what Open reconstructed, for the host to log and act on.
type Result struct {
	TailLsn                 record.LogicalSequenceNumber
	LastStableLsn           record.LogicalSequenceNumber
	TailEpoch               record.Epoch
	ProgressVector          []record.ProgressVectorEntry
	RecoveredPendingCount   int
	RecoveredTransactionIDs []uint64
	WasFreshLog             bool
}

// Manager is the recovery manager of spec.md §4.9.
type Manager struct {
	log           locallog.LogicalLog
	writer        *logwriter.Writer
	replicatedLog *replicatedlog.Manager
	txnMap        *txn.Map
	processor     *opprocessor.Processor
	checkpointMgr *checkpoint.Manager
	tracer        tracing.Tracer
}

// SetTracer enables a span around Open; the zero Tracer (the default) is
// inert, so this is opt-in.
func (m *Manager) SetTracer(t tracing.Tracer) { m.tracer = t }

// NewManager builds a recovery Manager over the collaborators Open will seed.
func NewManager(log locallog.LogicalLog, writer *logwriter.Writer, replicatedLog *replicatedlog.Manager, txnMap *txn.Map, processor *opprocessor.Processor, checkpointMgr *checkpoint.Manager) *Manager {
	return &Manager{
		log:           log,
		writer:        writer,
		replicatedLog: replicatedLog,
		txnMap:        txnMap,
		processor:     processor,
		checkpointMgr: checkpointMgr,
	}
}

// Open runs the recovery walk and seeds every collaborator for the run that
// follows. It must be called exactly once, before any live traffic reaches
// the writer, replicated log or processor.
func (m *Manager) Open(ctx context.Context) (result *Result, err error) {
	ctx, span := m.tracer.Start(ctx, "recovery.Open")
	defer func() { span.End(err) }()

	tailPos := m.log.Length()
	if tailPos == 0 {
		return m.openFresh(ctx)
	}
	return m.openExisting(ctx, tailPos)
}

func (m *Manager) openFresh(ctx context.Context) (*Result, error) {
	m.processor.SetPhase(replicatorapi.PhaseRecovery)
	m.processor.SetMinApplyLsn(record.InvalidLsn)

	if _, err := m.replicatedLog.ReplicateAndLog(ctx, record.NewInformationLogRecord(record.InformationCreated)); err != nil {
		return nil, fmt.Errorf("recovery: logging creation marker on fresh log: %w", err)
	}

	return &Result{
		TailLsn:       record.InvalidLsn,
		LastStableLsn: record.InvalidLsn,
		TailEpoch:     record.InvalidEpoch,
		WasFreshLog:   true,
	}, nil
}

func (m *Manager) openExisting(ctx context.Context, tailPos int64) (*Result, error) {
	chain, err := m.collectRecoveryChain(ctx, tailPos)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading existing log: %w", err)
	}

	baseline := extractCheckpointBaseline(chain)

	m.processor.SetPhase(replicatorapi.PhaseRecovery)
	m.processor.SetMinApplyLsn(record.InvalidLsn)

	replay, err := m.replay(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("recovery: replaying log: %w", err)
	}

	m.writer.SeedPsn(replay.lastPsn+1, replay.lastPhysicalRecord, tailPos)
	m.replicatedLog.SeedFromRecovery(
		replay.lastPhysicalRecord,
		replay.tailEpoch,
		baseline.progressVector,
		replay.logHeadRecord,
		replay.lastCompletedBegin,
		replay.lastCompletedEnd,
		replay.tailLsn,
	)
	m.replicatedLog.SeedLastStableLsn(baseline.lastStableLsn)
	m.checkpointMgr.SeedPeriodicState(
		baseline.periodicState,
		time.Unix(0, baseline.lastPeriodicCheckpointTime),
		time.Unix(0, baseline.lastPeriodicTruncationTime),
		replay.logHeadRecord,
	)
	m.processor.SetMinApplyLsn(baseline.lastStableLsn)

	if _, err := m.replicatedLog.ReplicateAndLog(ctx, record.NewInformationLogRecord(record.InformationRecovered)); err != nil {
		return nil, fmt.Errorf("recovery: logging recovery marker: %w", err)
	}

	return &Result{
		TailLsn:                 replay.tailLsn,
		LastStableLsn:           baseline.lastStableLsn,
		TailEpoch:               replay.tailEpoch,
		ProgressVector:          baseline.progressVector,
		RecoveredPendingCount:   m.txnMap.PendingCount(),
		RecoveredTransactionIDs: m.txnMap.PendingIDs(),
	}, nil
}

// checkpointBaseline is what a BeginCheckpointLogRecord embeds, carried
// forward as the do-not-apply-below line and periodic-timer baseline once
// recovery finds the most recent one.
type checkpointBaseline struct {
	lastStableLsn              record.LogicalSequenceNumber
	progressVector             []record.ProgressVectorEntry
	periodicState              record.PeriodicCheckpointState
	lastPeriodicCheckpointTime int64
	lastPeriodicTruncationTime int64
}

func extractCheckpointBaseline(chain []record.LogRecord) checkpointBaseline {
	baseline := checkpointBaseline{
		lastStableLsn: record.InvalidLsn,
		periodicState: record.PeriodicNotStarted,
	}
	for _, rec := range chain {
		begin, ok := rec.(*record.BeginCheckpointLogRecord)
		if !ok {
			continue
		}
		baseline.lastStableLsn = begin.LastStableLsn
		baseline.progressVector = append([]record.ProgressVectorEntry(nil), begin.ProgressVector...)
		baseline.periodicState = begin.PeriodicState
		baseline.lastPeriodicCheckpointTime = begin.LastPeriodicCheckpointTime
		baseline.lastPeriodicTruncationTime = begin.LastPeriodicTruncationTime
		break
	}
	return baseline
}

// collectRecoveryChain walks the log backward from its tail, stopping once
// it has collected the most recent BeginCheckpointLogRecord together with
// whatever record its EarliestPendingTransaction link points to (a
// transaction that began before the checkpoint but was still open when it
// was taken), or the start of the log if it holds no BeginCheckpointLogRecord.
// The returned slice is in forward chronological order.
func (m *Manager) collectRecoveryChain(ctx context.Context, tailPos int64) ([]record.LogRecord, error) {
	var reverseChain []record.LogRecord
	stopAtPsn := record.InvalidPsn
	haveStop := false

	pos := tailPos
	for pos > 0 {
		rec, framePos, err := readBackward(ctx, m.log, pos)
		if err != nil {
			return nil, err
		}
		reverseChain = append(reverseChain, rec)

		if begin, ok := rec.(*record.BeginCheckpointLogRecord); ok && !haveStop {
			haveStop = true
			stopAtPsn = begin.GetPsn()
			if !begin.EarliestPendingTransaction.IsInvalid() && begin.EarliestPendingTransaction.Psn < stopAtPsn {
				stopAtPsn = begin.EarliestPendingTransaction.Psn
			}
		}

		pos = framePos
		if haveStop && rec.GetPsn() <= stopAtPsn {
			break
		}
	}

	chain := make([]record.LogRecord, len(reverseChain))
	for i, rec := range reverseChain {
		chain[len(reverseChain)-1-i] = rec
	}
	return chain, nil
}

// replayState accumulates what forward replay observes: everything the
// replicated log manager, writer and checkpoint manager need seeded.
type replayState struct {
	tailLsn            record.LogicalSequenceNumber
	tailEpoch          record.Epoch
	lastPsn            record.PhysicalSequenceNumber
	lastPhysicalRecord record.LogRecord
	logHeadRecord      *record.IndexingLogRecord
	lastCompletedBegin *record.BeginCheckpointLogRecord
	lastCompletedEnd   *record.EndCheckpointLogRecord
}

func (m *Manager) replay(ctx context.Context, chain []record.LogRecord) (*replayState, error) {
	state := &replayState{
		tailLsn:   record.InvalidLsn,
		tailEpoch: record.InvalidEpoch,
		lastPsn:   record.InvalidPsn,
	}
	indexingByPsn := make(map[record.PhysicalSequenceNumber]*record.IndexingLogRecord)
	beginByPsn := make(map[record.PhysicalSequenceNumber]*record.BeginCheckpointLogRecord)

	for _, rec := range chain {
		if err := m.replayOne(ctx, rec, state, indexingByPsn, beginByPsn); err != nil {
			return nil, err
		}
		state.tailLsn = rec.GetLsn()
		state.lastPsn = rec.GetPsn()
		state.lastPhysicalRecord = rec
	}
	return state, nil
}

func (m *Manager) replayOne(
	ctx context.Context,
	rec record.LogRecord,
	state *replayState,
	indexingByPsn map[record.PhysicalSequenceNumber]*record.IndexingLogRecord,
	beginByPsn map[record.PhysicalSequenceNumber]*record.BeginCheckpointLogRecord,
) error {
	switch v := rec.(type) {
	case *record.IndexingLogRecord:
		indexingByPsn[v.GetPsn()] = v
		state.tailEpoch = v.Epoch
	case *record.UpdateEpochLogRecord:
		state.tailEpoch = v.Epoch
	case *record.BeginCheckpointLogRecord:
		beginByPsn[v.GetPsn()] = v
	case *record.EndCheckpointLogRecord:
		state.lastCompletedEnd = v
		if begin, ok := beginByPsn[v.BeginCheckpointRecord.Psn]; ok {
			state.lastCompletedBegin = begin
		}
	case *record.CompleteCheckpointLogRecord:
		if head, ok := indexingByPsn[v.LogHeadRecord.Psn]; ok {
			state.logHeadRecord = head
		}
	case *record.BeginTransactionLogRecord:
		t := txn.Restore(v.TransactionId, txn.Active)
		m.txnMap.Insert(t)
		t.SetEarliestLsn(v.GetLsn())
		m.txnMap.MarkPending(v.TransactionId, v)
	case *record.OperationLogRecord:
		m.txnMap.SetLatestRecord(v.TransactionId, v)
	case *record.EndTransactionLogRecord:
		m.txnMap.SetLatestRecord(v.TransactionId, v)
		m.txnMap.CompleteTransaction(v.TransactionId, v.GetLsn())
		if t, ok := m.txnMap.Get(v.TransactionId); ok {
			terminal := txn.Aborted
			if v.IsCommitted {
				terminal = txn.Committed
			}
			t.RestoreTerminalState(terminal, v.GetLsn())
		}
	}

	mode := dispatch.IdentifyProcessingModeForRecord(rec.GetRecordType(), dispatch.RoleUnknown, false)
	if err := m.processor.ProcessRecord(ctx, rec, mode); err != nil {
		return fmt.Errorf("apply failed for %s at lsn %d: %w", rec.GetRecordType(), rec.GetLsn(), err)
	}
	return nil
}

func readFrameLength(ctx context.Context, log locallog.LogicalLog, pos int64) (uint32, error) {
	b, err := log.ReadAt(ctx, pos, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// readBackward decodes the record whose frame ends at endPos, per the
// codec's length-prefixed/suffixed backward-read contract, returning the
// position its frame starts at (where the previous record's frame ends).
func readBackward(ctx context.Context, log locallog.LogicalLog, endPos int64) (record.LogRecord, int64, error) {
	if endPos < 8 {
		return nil, 0, fmt.Errorf("recovery: position %d too small to hold a record frame", endPos)
	}
	suffix, err := readFrameLength(ctx, log, endPos-4)
	if err != nil {
		return nil, 0, err
	}
	frameStart := endPos - int64(8+suffix)
	if frameStart < 0 {
		return nil, 0, fmt.Errorf("recovery: corrupt frame length %d trailing position %d", suffix, endPos)
	}
	frame, err := log.ReadAt(ctx, frameStart, int(8+suffix))
	if err != nil {
		return nil, 0, err
	}
	rec, err := record.Read(frame, true)
	if err != nil {
		return nil, 0, err
	}
	return rec, frameStart, nil
}
