// Package opprocessor implements the operation processor of spec.md §4.7:
// it invokes the state provider's Apply/Unlock in the right phase,
// enforces the recovered/copied checkpoint LSN as a do-not-apply-below
// line, and exposes the three Wait*ProcessingAsync futures the checkpoint
// manager and close path use to know when in-flight apply work has
// drained.
//
// A transaction's Operation records (and, for a multi-operation
// transaction, the operation embedded in its BeginTransaction record) are
// buffered rather than applied individually: Apply runs once per committed
// transaction at its EndTransaction record, and Unlock runs once for the
// whole transaction on commit but once per buffered operation on abort,
// mirroring the lock bookkeeping a real state provider would do (a
// single-operation transaction takes no transaction-scoped lock at all, so
// it never calls Unlock either way).
//
// Grounded on _examples/LeeNgari-RDBMS/internal/wal/recovery.go's
// ReplayTarget interface (ReplayInsert/ReplayUpdate/ReplayDelete)
// generalized to replicatorapi.StateProvider's Apply/Unlock boundary with
// an explicit phase parameter.
package opprocessor

import (
	"context"
	"sync"

	"github.com/joydb/txlog/internal/dispatch"
	"github.com/joydb/txlog/internal/record"
	"github.com/joydb/txlog/internal/replicatorapi"
)

// waitCounter implements the "two counters incremented at
// prepare-to-process and decremented at processed-completion" contract of
// spec.md §4.7: Wait blocks until the count is back at zero.
type waitCounter struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int64
}

func newWaitCounter() *waitCounter {
	c := &waitCounter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *waitCounter) increment() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *waitCounter) decrement() {
	c.mu.Lock()
	c.n--
	if c.n == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *waitCounter) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.n > 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pendingTxn buffers a live transaction's lockable records until its
// EndTransaction arrives.
type pendingTxn struct {
	singleOp bool
	// lockable holds the BeginTransaction record (when the transaction is
	// not single-operation) followed by each subsequent Operation record:
	// exactly the records an abort must individually Unlock.
	lockable []record.LogRecord
}

// Processor is the operation processor of spec.md §4.7. It implements
// dispatch.RecordProcessor.
type Processor struct {
	mu          sync.Mutex
	provider    replicatorapi.StateProvider
	phase       replicatorapi.Phase
	minApplyLsn record.LogicalSequenceNumber

	txnMu   sync.Mutex
	pending map[uint64]*pendingTxn

	logicalCounter  *waitCounter
	physicalCounter *waitCounter
}

// NewProcessor builds a Processor delegating apply/unlock to provider.
func NewProcessor(provider replicatorapi.StateProvider) *Processor {
	return &Processor{
		provider:        provider,
		minApplyLsn:     record.InvalidLsn,
		pending:         make(map[uint64]*pendingTxn),
		logicalCounter:  newWaitCounter(),
		physicalCounter: newWaitCounter(),
	}
}

// SetPhase changes which phase subsequent Apply calls report.
func (p *Processor) SetPhase(phase replicatorapi.Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// SetMinApplyLsn sets the do-not-apply-below line: a recovered or copied
// checkpoint's LastStableLsn, below which records are bookkept but never
// handed to the state provider's Apply.
func (p *Processor) SetMinApplyLsn(lsn record.LogicalSequenceNumber) {
	p.mu.Lock()
	p.minApplyLsn = lsn
	p.mu.Unlock()
}

func (p *Processor) currentPhase() replicatorapi.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Processor) belowApplyLine(rec record.LogRecord) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.minApplyLsn == record.InvalidLsn {
		return false
	}
	lsn := rec.GetLsn()
	return lsn != record.InvalidLsn && lsn < p.minApplyLsn
}

func (p *Processor) counterFor(rec record.LogRecord) *waitCounter {
	if rec.GetRecordType().IsPhysicalOnly() {
		return p.physicalCounter
	}
	return p.logicalCounter
}

// ProcessRecord implements dispatch.RecordProcessor. Transaction buffering
// (Apply once at commit, Unlock once on commit or per buffered op on abort)
// only happens on a primary: a primary is the only replica taking real
// locks that need releasing. Recovery and secondary replay apply every
// logical record immediately, in order, and never call Unlock at all (S2:
// "unlock is primary-only").
func (p *Processor) ProcessRecord(ctx context.Context, rec record.LogRecord, mode dispatch.ProcessingMode) error {
	counter := p.counterFor(rec)
	counter.increment()
	defer counter.decrement()

	if p.belowApplyLine(rec) {
		return nil
	}

	phase := p.currentPhase()
	if phase != replicatorapi.PhasePrimary {
		return p.provider.Apply(ctx, rec, phase)
	}

	switch v := rec.(type) {
	case *record.BeginTransactionLogRecord:
		return p.onBeginTransaction(ctx, v, phase)
	case *record.OperationLogRecord:
		p.bufferLockable(v.GetTransactionId(), v)
		return nil
	case *record.EndTransactionLogRecord:
		return p.onEndTransaction(ctx, v, mode, phase)
	default:
		return p.provider.Apply(ctx, rec, phase)
	}
}

// onBeginTransaction opens the transaction's buffer. A single-operation
// transaction carries its one operation embedded in this record but takes
// no transaction-scoped lock, so it is never added to the lockable list
// (and so never generates an Unlock). A multi-operation transaction's
// Begin record is itself the first lockable operation.
func (p *Processor) onBeginTransaction(ctx context.Context, rec *record.BeginTransactionLogRecord, phase replicatorapi.Phase) error {
	txn := &pendingTxn{singleOp: rec.IsSingleOperation}
	if !rec.IsSingleOperation {
		txn.lockable = append(txn.lockable, rec)
	}
	p.txnMu.Lock()
	p.pending[rec.TransactionId] = txn
	p.txnMu.Unlock()

	if !rec.IsSingleOperation {
		// Apply defers to EndTransaction; a multi-op Begin only reserves
		// its place in the lockable list, set above.
		return nil
	}
	// A single-operation transaction has no buffered apply to defer to: it
	// commits or aborts atomically with this one record's own metadata, so
	// apply it now.
	return p.provider.Apply(ctx, rec, phase)
}

func (p *Processor) bufferLockable(txnID uint64, rec record.LogRecord) {
	p.txnMu.Lock()
	defer p.txnMu.Unlock()
	txn, ok := p.pending[txnID]
	if !ok {
		// Operation arrived without an observed Begin (e.g. mid-stream
		// recovery replay); track it anonymously so an eventual abort can
		// still unlock it.
		txn = &pendingTxn{}
		p.pending[txnID] = txn
	}
	txn.lockable = append(txn.lockable, rec)
}

// onEndTransaction applies once on commit (Unlock once, for the whole
// transaction, unless it was single-operation) or, on abort, applies
// nothing and Unlocks each previously buffered lockable record
// individually.
func (p *Processor) onEndTransaction(ctx context.Context, rec *record.EndTransactionLogRecord, mode dispatch.ProcessingMode, phase replicatorapi.Phase) error {
	p.txnMu.Lock()
	txn := p.pending[rec.TransactionId]
	delete(p.pending, rec.TransactionId)
	p.txnMu.Unlock()

	singleOp := txn != nil && txn.singleOp
	var lockable []record.LogRecord
	if txn != nil {
		lockable = txn.lockable
	}

	if rec.IsCommitted {
		if err := p.provider.Apply(ctx, rec, phase); err != nil {
			return err
		}
		if singleOp || mode == dispatch.ProcessImmediately {
			return nil
		}
		return p.provider.Unlock(ctx, rec)
	}

	if singleOp || mode == dispatch.ProcessImmediately {
		return nil
	}
	for _, locked := range lockable {
		if err := p.provider.Unlock(ctx, locked); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseFaulted implements dispatch.RecordProcessor: the record's own
// flush failed, so it never reaches Apply, but its prepare/complete
// bookkeeping must still balance so Wait*ProcessingAsync callers unblock.
func (p *Processor) ReleaseFaulted(rec record.LogRecord, cause error) {
	counter := p.counterFor(rec)
	counter.increment()
	counter.decrement()
}

// WaitForLogicalRecordsProcessingAsync blocks until every logical record
// (everything except Indexing/UpdateEpoch/TruncateTail/Information) that
// was in flight has finished processing.
func (p *Processor) WaitForLogicalRecordsProcessingAsync(ctx context.Context) error {
	return p.logicalCounter.wait(ctx)
}

// WaitForPhysicalRecordsProcessingAsync blocks until every physical-only
// record that was in flight has finished processing.
func (p *Processor) WaitForPhysicalRecordsProcessingAsync(ctx context.Context) error {
	return p.physicalCounter.wait(ctx)
}

// WaitForAllRecordsProcessingAsync blocks until both counters have
// drained.
func (p *Processor) WaitForAllRecordsProcessingAsync(ctx context.Context) error {
	if err := p.logicalCounter.wait(ctx); err != nil {
		return err
	}
	return p.physicalCounter.wait(ctx)
}
