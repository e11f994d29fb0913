// Package dispatch implements the records dispatcher of spec.md §4.6: it
// receives a logwriter.FlushedBatch and hands each record to the
// operation processor exactly once, in per-transaction order, respecting
// barriers. Two interchangeable strategies share the same contract —
// SerialDispatcher for the common case, ParallelDispatcher for fanning
// concurrent transactions out between barriers.
//
// Grounded on the worker-pool/errgroup fan-out in
// _examples/bobanetwork-v3-erigon/eth/stagedsync/stage_execute.go
// (errgroup.WithContext driving a bounded worker set over a shared input)
// for ParallelDispatcher's per-barrier-group concurrency, and on
// _examples/LeeNgari-RDBMS/internal/storage/manager/registry.go's
// mutex-guarded state tracking for the dispatcher's recovery/role flag.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/tracing"
)

// ProcessingMode classifies how a flushed record should move through the
// dispatcher.
type ProcessingMode int

const (
	// Normal records (BeginTransaction, Operation, EndTransaction) apply
	// in per-transaction order, concurrently across transactions.
	Normal ProcessingMode = iota
	// ApplyImmediately records (Barrier, BeginCheckpoint once the replica
	// knows its role and has finished recovery) act as synchronization
	// points: nothing from the next group starts until everything before
	// them has completed.
	ApplyImmediately
	// ProcessImmediately records are metadata-only bookkeeping
	// (Information, UpdateEpoch, Indexing, TruncateTail, and the
	// checkpoint/truncation endpoint records) with no apply step.
	ProcessImmediately
)

func (m ProcessingMode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case ApplyImmediately:
		return "ApplyImmediately"
	case ProcessImmediately:
		return "ProcessImmediately"
	default:
		return "Unknown"
	}
}

// ReplicaRole is the subset of replica state the classifier needs: whether
// this replica currently acts as primary.
type ReplicaRole int

const (
	RoleUnknown ReplicaRole = iota
	RolePrimary
	RoleSecondary
)

// IdentifyProcessingModeForRecord implements the table in spec.md §4.6.
// Barrier and BeginCheckpoint classify as ApplyImmediately only once
// recovery has finished and the replica has a known role; during recovery
// they fall back to ProcessImmediately; so by the time this function
// returns ApplyImmediately, recovery is known complete and the caller may
// treat it as a genuine synchronization point.
func IdentifyProcessingModeForRecord(rt record.RecordType, role ReplicaRole, recoveryComplete bool) ProcessingMode {
	switch rt {
	case record.BeginTransaction, record.Operation, record.EndTransaction:
		return Normal
	case record.Barrier, record.BeginCheckpoint:
		if recoveryComplete && role != RoleUnknown {
			return ApplyImmediately
		}
		return ProcessImmediately
	default:
		// EndCheckpoint, CompleteCheckpoint, TruncateHead, Backup,
		// Information, UpdateEpoch, Indexing, TruncateTail.
		return ProcessImmediately
	}
}

// RecordProcessor is the operation processor's side of the dispatch
// contract (internal/opprocessor implements it in production).
type RecordProcessor interface {
	// ProcessRecord applies or bookkeeps rec according to mode, returning
	// any apply-time error.
	ProcessRecord(ctx context.Context, rec record.LogRecord, mode ProcessingMode) error
	// ReleaseFaulted unblocks anything waiting on rec's completion without
	// applying it, used when the record's own flush failed.
	ReleaseFaulted(rec record.LogRecord, cause error)
}

// FaultReporter is notified of apply-time failures outside of recovery.
type FaultReporter interface {
	ReportFault(err error)
}

// StableLsnSink receives the Lsn of each Barrier the dispatcher finishes
// applying, so collaborators gating on last-stable-Lsn (internal/version,
// internal/txn's CompletedTransactions pruning) can advance in step with
// the run loop rather than polling. Optional: dispatchers built without one
// via NewSerialDispatcher/NewParallelDispatcher simply skip the hook.
type StableLsnSink interface {
	AdvanceLastStableLsn(lsn record.LogicalSequenceNumber)
}

// RecoveryState reports whether the dispatcher is still inside the
// recovery manager's replay, since the spec requires different failure
// semantics on each side of that boundary (fatal-to-open during recovery,
// ReportFault once running).
type RecoveryState interface {
	InRecovery() bool
	Role() ReplicaRole
}

// SerialDispatcher drains a flushed batch with a single apply path: total
// physical order already satisfies per-transaction order, so no grouping
// is needed.
type SerialDispatcher struct {
	mu        sync.Mutex
	state     RecoveryState
	processor RecordProcessor
	faults    FaultReporter
	logger    *slog.Logger
	stableLsn StableLsnSink
}

// NewSerialDispatcher builds a SerialDispatcher.
func NewSerialDispatcher(state RecoveryState, processor RecordProcessor, faults FaultReporter) *SerialDispatcher {
	return &SerialDispatcher{state: state, processor: processor, faults: faults, logger: slog.Default()}
}

// SetStableLsnSink wires sink to receive each Barrier's Lsn once applied.
func (d *SerialDispatcher) SetStableLsnSink(sink StableLsnSink) { d.stableLsn = sink }

// ProcessFlushedRecords implements logwriter.CallbackProcessor.
func (d *SerialDispatcher) ProcessFlushedRecords(ctx context.Context, batch logwriter.FlushedBatch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if batch.LogError != nil {
		for _, rec := range batch.Records {
			d.processor.ReleaseFaulted(rec, batch.LogError)
		}
		return
	}

	recoveryComplete := !d.state.InRecovery()
	role := d.state.Role()
	for _, rec := range batch.Records {
		mode := IdentifyProcessingModeForRecord(rec.GetRecordType(), role, recoveryComplete)
		if err := d.processor.ProcessRecord(ctx, rec, mode); err != nil {
			d.handleApplyError(rec, err)
			continue
		}
		d.notifyBarrier(rec, mode)
	}
}

func (d *SerialDispatcher) notifyBarrier(rec record.LogRecord, mode ProcessingMode) {
	if d.stableLsn == nil || mode != ApplyImmediately || rec.GetRecordType() != record.Barrier {
		return
	}
	d.stableLsn.AdvanceLastStableLsn(rec.GetLsn())
}

func (d *SerialDispatcher) handleApplyError(rec record.LogRecord, err error) {
	if d.state.InRecovery() {
		d.logger.Error("apply failed during recovery, fatal to open",
			slog.String("record_type", rec.GetRecordType().String()), slog.Any("error", err))
		panic(err) // recovery's caller wraps open() in a recover; see internal/recovery.
	}
	d.logger.Error("apply failed during run, reporting fault",
		slog.String("record_type", rec.GetRecordType().String()), slog.Any("error", err))
	d.faults.ReportFault(err)
}

// ParallelDispatcher groups contiguous Normal records between
// ApplyImmediately boundaries and applies different transactions within a
// group concurrently, preserving per-transaction order by running each
// transaction's own records through a single goroutine.
type ParallelDispatcher struct {
	mu        sync.Mutex
	state     RecoveryState
	processor RecordProcessor
	faults    FaultReporter
	logger    *slog.Logger
	stableLsn StableLsnSink
	metrics   *tracing.Metrics
}

// NewParallelDispatcher builds a ParallelDispatcher.
func NewParallelDispatcher(state RecoveryState, processor RecordProcessor, faults FaultReporter) *ParallelDispatcher {
	return &ParallelDispatcher{state: state, processor: processor, faults: faults, logger: slog.Default()}
}

// SetStableLsnSink wires sink to receive each Barrier's Lsn once applied.
func (d *ParallelDispatcher) SetStableLsnSink(sink StableLsnSink) { d.stableLsn = sink }

// SetMetrics records each dispatched group's size through m.
func (d *ParallelDispatcher) SetMetrics(m *tracing.Metrics) { d.metrics = m }

// ProcessFlushedRecords implements logwriter.CallbackProcessor.
func (d *ParallelDispatcher) ProcessFlushedRecords(ctx context.Context, batch logwriter.FlushedBatch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if batch.LogError != nil {
		for _, rec := range batch.Records {
			d.processor.ReleaseFaulted(rec, batch.LogError)
		}
		return
	}

	recoveryComplete := !d.state.InRecovery()
	role := d.state.Role()

	var group []record.LogRecord
	flush := func() {
		if len(group) == 0 {
			return
		}
		d.applyGroupConcurrently(ctx, group)
		group = nil
	}

	for _, rec := range batch.Records {
		mode := IdentifyProcessingModeForRecord(rec.GetRecordType(), role, recoveryComplete)
		switch mode {
		case Normal:
			group = append(group, rec)
		case ApplyImmediately:
			flush()
			if err := d.processor.ProcessRecord(ctx, rec, mode); err != nil {
				d.handleApplyError(rec, err)
			} else {
				d.notifyBarrier(rec, mode)
			}
		case ProcessImmediately:
			if err := d.processor.ProcessRecord(ctx, rec, mode); err != nil {
				d.handleApplyError(rec, err)
			}
		}
	}
	flush()
}

// applyGroupConcurrently partitions group by TransactionId and runs each
// partition through a dedicated goroutine via errgroup, preserving
// per-transaction order while letting distinct transactions overlap.
func (d *ParallelDispatcher) applyGroupConcurrently(ctx context.Context, group []record.LogRecord) {
	d.metrics.RecordDispatchGroup(ctx, len(group))

	byTxn := make(map[uint64][]record.LogRecord)
	var order []uint64
	for _, rec := range group {
		txnID := txnIDOf(rec)
		if _, seen := byTxn[txnID]; !seen {
			order = append(order, txnID)
		}
		byTxn[txnID] = append(byTxn[txnID], rec)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, txnID := range order {
		records := byTxn[txnID]
		g.Go(func() error {
			for _, rec := range records {
				if err := d.processor.ProcessRecord(gCtx, rec, Normal); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// The failing transaction's own record carries the error context;
		// report once at the group level since errgroup only preserves
		// the first error across the fan-out.
		d.handleApplyError(group[0], err)
	}
}

func txnIDOf(rec record.LogRecord) uint64 {
	if t, ok := rec.(record.TransactionalRecord); ok {
		return t.GetTransactionId()
	}
	return 0
}

func (d *ParallelDispatcher) notifyBarrier(rec record.LogRecord, mode ProcessingMode) {
	if d.stableLsn == nil || mode != ApplyImmediately || rec.GetRecordType() != record.Barrier {
		return
	}
	d.stableLsn.AdvanceLastStableLsn(rec.GetLsn())
}

func (d *ParallelDispatcher) handleApplyError(rec record.LogRecord, err error) {
	if d.state.InRecovery() {
		d.logger.Error("apply failed during recovery, fatal to open",
			slog.String("record_type", rec.GetRecordType().String()), slog.Any("error", err))
		panic(err)
	}
	d.logger.Error("apply failed during run, reporting fault",
		slog.String("record_type", rec.GetRecordType().String()), slog.Any("error", err))
	d.faults.ReportFault(err)
}
