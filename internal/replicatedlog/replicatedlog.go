// Package replicatedlog implements the replicated log manager of
// spec.md §4.4: it tracks the tail record, tail epoch, log head, the
// checkpoint chain's most recent links, the progress vector and the last
// information record, and it turns the "assign LSN out of order, insert in
// order" contract into a single drain loop.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/storage/manager/registry.go
// (a mutex-guarded registry tracking per-database state) for its
// concurrency shape, and on
// _examples/other_examples/ab3a6163_sdrees-liftbridge__server-commitlog-interface.go.go's
// CommitLog interface (NewestOffset/OldestOffset/NewLeaderEpoch/
// HighWatermark) for the shape of an epoch-aware replicated-log interface.
package replicatedlog

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/joydb/txlog/internal/faberr"
	"github.com/joydb/txlog/internal/locallog"
	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/record"
)

// Replicator assigns an Lsn to a logical record and propagates it to the
// replica set. It is the external, wire-level collaborator spec.md §1
// explicitly places out of scope; this package only calls it.
type Replicator interface {
	ReplicateAsync(ctx context.Context, rec record.LogRecord) (record.LogicalSequenceNumber, error)
}

// IndexingPolicy decides whether Index() should append a new
// IndexingLogRecord, based on bytes buffered since the last one.
type IndexingPolicy interface {
	ShouldIndex(bufferedBytes uint64) bool
}

// pendingInsert is one item waiting in the out-of-order→in-order drain
// queue, keyed by Lsn.
type pendingInsert struct {
	lsn   record.LogicalSequenceNumber
	rec   record.LogRecord
	ready chan error
}

type lsnHeap []*pendingInsert

func (h lsnHeap) Len() int            { return len(h) }
func (h lsnHeap) Less(i, j int) bool  { return h[i].lsn < h[j].lsn }
func (h lsnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lsnHeap) Push(x interface{}) { *h = append(*h, x.(*pendingInsert)) }
func (h *lsnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Manager is the replicated log manager of spec.md §4.4.
type Manager struct {
	mu sync.Mutex

	writer     *logwriter.Writer
	log        locallog.LogicalLog
	replicator Replicator
	replicaID  uint64

	tailRecord                    record.LogRecord
	tailEpoch                     record.Epoch
	logHeadRecord                 *record.IndexingLogRecord
	lastCompletedBeginCheckpoint  *record.BeginCheckpointLogRecord
	lastInProgressBeginCheckpoint *record.BeginCheckpointLogRecord
	lastCompletedEndCheckpoint    *record.EndCheckpointLogRecord
	progressVector                []record.ProgressVectorEntry
	lastInformationRecord         *record.InformationLogRecord

	insertedTailLsn record.LogicalSequenceNumber
	lastStableLsn   record.LogicalSequenceNumber
	pending         lsnHeap
}

// NewManager builds a Manager over writer/log, replicating logical
// records through replicator.
func NewManager(writer *logwriter.Writer, log locallog.LogicalLog, replicator Replicator, replicaID uint64) *Manager {
	return &Manager{
		writer:          writer,
		log:             log,
		replicator:      replicator,
		replicaID:       replicaID,
		tailEpoch:       record.InvalidEpoch,
		insertedTailLsn: record.InvalidLsn,
		lastStableLsn:   record.InvalidLsn,
	}
}

// TailRecord returns the most recently inserted record, if any.
func (m *Manager) TailRecord() record.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tailRecord
}

// TailEpoch returns the epoch the tail record was written under.
func (m *Manager) TailEpoch() record.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tailEpoch
}

// ProgressVector returns a copy of the current progress vector.
func (m *Manager) ProgressVector() []record.ProgressVectorEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.ProgressVectorEntry, len(m.progressVector))
	copy(out, m.progressVector)
	return out
}

// InsertedTailLsn returns the Lsn of the last record actually inserted
// into the physical writer, in order.
func (m *Manager) InsertedTailLsn() record.LogicalSequenceNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertedTailLsn
}

// LastStableLsn returns the Lsn of the most recent Barrier the dispatcher
// has finished applying. internal/version treats this as the visibility
// Lsn new snapshot readers register against (spec.md §4.12).
func (m *Manager) LastStableLsn() record.LogicalSequenceNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStableLsn
}

// AdvanceLastStableLsn raises the last-stable-Lsn watermark to lsn, called
// by the dispatcher once a Barrier at lsn has been applied. It never moves
// backward: a Barrier can only ever advance stability.
func (m *Manager) AdvanceLastStableLsn(lsn record.LogicalSequenceNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn > m.lastStableLsn {
		m.lastStableLsn = lsn
	}
}

// SeedLastStableLsn primes the last-stable-Lsn watermark from what
// internal/recovery reconstructed from the most recent checkpoint.
func (m *Manager) SeedLastStableLsn(lsn record.LogicalSequenceNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStableLsn = lsn
}

// LogHeadRecord returns the indexing record marking the current log head,
// or nil if the log has never been head-truncated.
func (m *Manager) LogHeadRecord() *record.IndexingLogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logHeadRecord
}

// LastCompletedBeginCheckpoint returns the BeginCheckpoint record of the
// most recently completed checkpoint, or nil if none has completed yet.
func (m *Manager) LastCompletedBeginCheckpoint() *record.BeginCheckpointLogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCompletedBeginCheckpoint
}

// LastCompletedEndCheckpoint returns the EndCheckpoint record of the most
// recently completed checkpoint, or nil if none has completed yet.
func (m *Manager) LastCompletedEndCheckpoint() *record.EndCheckpointLogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCompletedEndCheckpoint
}

// SeedFromRecovery primes every field this manager would otherwise only
// learn by living through replication, using what internal/recovery
// reconstructed from the existing physical log. Callers must invoke this
// before any ReplicateAndLog call.
func (m *Manager) SeedFromRecovery(
	tailRecord record.LogRecord,
	tailEpoch record.Epoch,
	progressVector []record.ProgressVectorEntry,
	logHeadRecord *record.IndexingLogRecord,
	lastCompletedBegin *record.BeginCheckpointLogRecord,
	lastCompletedEnd *record.EndCheckpointLogRecord,
	insertedTailLsn record.LogicalSequenceNumber,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tailRecord = tailRecord
	m.tailEpoch = tailEpoch
	m.progressVector = progressVector
	m.logHeadRecord = logHeadRecord
	m.lastCompletedBeginCheckpoint = lastCompletedBegin
	m.lastCompletedEndCheckpoint = lastCompletedEnd
	m.insertedTailLsn = insertedTailLsn
}

// ReplicateAndLog assigns rec an Lsn via the external replicator, then
// waits for its turn to be inserted into the physical writer in Lsn order
// (spec.md §4.4's AwaitLsnOrderingTaskOnPrimaryAsync). It returns the
// number of bytes buffered by the physical writer for rec.
func (m *Manager) ReplicateAndLog(ctx context.Context, rec record.LogRecord) (int, error) {
	lsn, err := m.replicator.ReplicateAsync(ctx, rec)
	if err != nil {
		return 0, faberr.Wrap(faberr.NoWriteQuorum, "replicatedlog", "replicator rejected record", err)
	}
	rec.SetLsn(lsn)
	return m.awaitOrderedInsert(ctx, lsn, rec)
}

// awaitOrderedInsert implements AwaitLsnOrderingTaskOnPrimaryAsync:
// callers may reach here with Lsns out of order (concurrent replication
// round trips complete in any order); insertion into the physical writer
// must still happen strictly in Lsn order. A single drain loop, run by
// whichever caller's push makes progress possible, handles that ordering.
func (m *Manager) awaitOrderedInsert(ctx context.Context, lsn record.LogicalSequenceNumber, rec record.LogRecord) (int, error) {
	item := &pendingInsert{lsn: lsn, rec: rec, ready: make(chan error, 1)}

	m.mu.Lock()
	heap.Push(&m.pending, item)
	m.drainLocked(ctx)
	m.mu.Unlock()

	select {
	case err := <-item.ready:
		if err != nil {
			return 0, err
		}
		serialized, err := record.Write(rec, true)
		if err != nil {
			return 0, err
		}
		return len(serialized), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// drainLocked inserts every pending record whose Lsn is exactly
// insertedTailLsn+1, in order, re-checking the queue after each removal
// rather than deciding up front how many items it will process: a naive
// "check empty, then loop n times" drain can stop one item short if a
// concurrent Push made a second record ready while the first was being
// inserted. Must be called with m.mu held.
func (m *Manager) drainLocked(ctx context.Context) {
	for {
		if m.pending.Len() == 0 {
			return
		}
		next := m.pending[0]
		if next.lsn != m.insertedTailLsn+1 {
			return
		}
		item := heap.Pop(&m.pending).(*pendingInsert)

		pending, err := m.writer.EnqueueForFlush(item.rec)
		if err != nil {
			item.ready <- err
			continue
		}
		_ = pending // completion is awaited by FlushAsync callers, not here

		m.insertedTailLsn = item.lsn
		m.tailRecord = item.rec
		item.ready <- nil
	}
}

// Index appends an IndexingLogRecord if policy judges one due, given the
// writer's currently buffered bytes.
func (m *Manager) Index(ctx context.Context, policy IndexingPolicy) (*record.IndexingLogRecord, error) {
	if !policy.ShouldIndex(m.writer.BufferedBytes()) {
		return nil, nil
	}
	m.mu.Lock()
	epoch := m.tailEpoch
	m.mu.Unlock()

	rec := record.NewIndexingLogRecord(epoch)
	if err := m.appendMetadataRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateEpoch appends an UpdateEpochLogRecord and extends the progress
// vector with the new epoch's starting point.
func (m *Manager) UpdateEpoch(ctx context.Context, epoch record.Epoch, proposingReplicaID uint64) (*record.UpdateEpochLogRecord, error) {
	rec := record.NewUpdateEpochLogRecord(epoch, proposingReplicaID)
	if err := m.appendMetadataRecord(ctx, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tailEpoch = epoch
	m.progressVector = append(m.progressVector, record.ProgressVectorEntry{
		Epoch:       epoch,
		StartingLsn: rec.GetLsn(),
		ReplicaId:   proposingReplicaID,
	})
	m.mu.Unlock()
	return rec, nil
}

// appendMetadataRecord self-assigns the next Lsn to a physical-only record
// (one that never goes through the external replicator) and inserts it
// directly, since it is by construction already next in Lsn order.
func (m *Manager) appendMetadataRecord(ctx context.Context, rec record.LogRecord) error {
	m.mu.Lock()
	lsn := m.insertedTailLsn + 1
	rec.SetLsn(lsn)
	m.mu.Unlock()

	_, err := m.awaitOrderedInsert(ctx, lsn, rec)
	return err
}

// TruncateHead inserts a TruncateHeadLogRecord for headRecord, then blocks
// until every reader whose range intersects the trimmed prefix has
// released, and only then trims the logical log.
func (m *Manager) TruncateHead(ctx context.Context, headRecord *record.IndexingLogRecord) error {
	truncRec := record.NewTruncateHeadLogRecord(record.LinkTo(headRecord), headRecord.GetLsn())
	if err := m.appendMetadataRecord(ctx, truncRec); err != nil {
		return err
	}
	if err := m.writer.FlushAsync(ctx, "replicatedlog.TruncateHead"); err != nil {
		return err
	}

	targetPosition := headRecord.GetRecordPosition()
	if targetPosition == record.InvalidRecordPosition {
		return fmt.Errorf("replicatedlog: head record has no recorded position")
	}

	for !m.log.CanTruncate(targetPosition) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	m.mu.Lock()
	m.logHeadRecord = headRecord
	m.mu.Unlock()

	return m.log.Truncate(ctx, targetPosition)
}
