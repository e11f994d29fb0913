package txn

import (
	"sort"
	"sync"

	"github.com/joydb/txlog/internal/record"
)

// completedEntry is one entry of the CompletedTransactions index
// (spec.md §3.3): a transaction id completed at a given Lsn, pruned once
// the stable Lsn passes it.
type completedEntry struct {
	TxnID       uint64
	CompletedAt record.LogicalSequenceNumber
}

// Map is the transaction map of spec.md §3.3: txn-id → *Transaction plus
// the LatestRecords, PendingTransactions and CompletedTransactions
// auxiliary indexes.
type Map struct {
	mu sync.RWMutex

	byID                map[uint64]*Transaction
	latestRecords       map[uint64]record.LogRecord
	pendingTransactions map[uint64]*record.BeginTransactionLogRecord
	completed           []completedEntry
}

// NewMap returns an empty transaction map.
func NewMap() *Map {
	return &Map{
		byID:                make(map[uint64]*Transaction),
		latestRecords:       make(map[uint64]record.LogRecord),
		pendingTransactions: make(map[uint64]*record.BeginTransactionLogRecord),
	}
}

// Insert registers a newly created transaction.
func (m *Map) Insert(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[t.ID] = t
}

// Get returns the transaction registered under id, if any.
func (m *Map) Get(id uint64) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	return t, ok
}

// SetLatestRecord records r as the most recent record written for its
// transaction, per the LatestRecords index.
func (m *Map) SetLatestRecord(txnID uint64, r record.LogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestRecords[txnID] = r
}

// LatestRecord returns the most recent record for txnID, if any.
func (m *Map) LatestRecord(txnID uint64) (record.LogRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.latestRecords[txnID]
	return r, ok
}

// MarkPending registers begin as an open transaction contributing to
// earliest-pending tracking.
func (m *Map) MarkPending(txnID uint64, begin *record.BeginTransactionLogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingTransactions[txnID] = begin
}

// EarliestPendingLsn returns the smallest Lsn among still-open
// transactions, or record.InvalidLsn if none are pending.
func (m *Map) EarliestPendingLsn() record.LogicalSequenceNumber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	earliest := record.InvalidLsn
	for _, begin := range m.pendingTransactions {
		if earliest == record.InvalidLsn || begin.GetLsn() < earliest {
			earliest = begin.GetLsn()
		}
	}
	return earliest
}

// Forget removes txnID from every index: the PendingTransactions entry, the
// LatestRecords entry and the Transaction itself. Used by
// internal/copytail's false-progress undo walk when a BeginTransaction
// record above the new tail is undone — the transaction never happened
// from this replica's perspective once the truncation completes.
func (m *Map) Forget(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, txnID)
	delete(m.latestRecords, txnID)
	delete(m.pendingTransactions, txnID)
}

// CompleteTransaction removes txnID from PendingTransactions and appends
// it to the ordered CompletedTransactions sequence at completedAtLsn.
func (m *Map) CompleteTransaction(txnID uint64, completedAtLsn record.LogicalSequenceNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingTransactions, txnID)
	m.completed = append(m.completed, completedEntry{TxnID: txnID, CompletedAt: completedAtLsn})
	sort.Slice(m.completed, func(i, j int) bool { return m.completed[i].CompletedAt < m.completed[j].CompletedAt })
}

// PruneCompleted drops CompletedTransactions entries that completed at or
// before uptoStableLsn; those transactions can no longer affect recovery
// once the barrier at uptoStableLsn has stabilized.
func (m *Map) PruneCompleted(uptoStableLsn record.LogicalSequenceNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.completed) && m.completed[i].CompletedAt <= uptoStableLsn {
		i++
	}
	m.completed = m.completed[i:]
}

// CompletedCount reports how many CompletedTransactions entries remain.
func (m *Map) CompletedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.completed)
}

// PendingCount reports how many transactions are currently pending.
func (m *Map) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pendingTransactions)
}

// PendingIDs returns the transaction ids currently pending, in no
// particular order. Used by internal/recovery to report what it
// reconstructed and by tests.
func (m *Map) PendingIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.pendingTransactions))
	for id := range m.pendingTransactions {
		ids = append(ids, id)
	}
	return ids
}

// CheckInvariant verifies spec.md §3.3's invariant:
// earliest_pending_lsn ≤ last_stable_lsn + 1 ≤ tail_lsn.
// When no transaction is pending the first inequality is vacuously true.
func (m *Map) CheckInvariant(lastStableLsn, tailLsn record.LogicalSequenceNumber) bool {
	if lastStableLsn+1 > tailLsn {
		return false
	}
	earliest := m.EarliestPendingLsn()
	if earliest == record.InvalidLsn {
		return true
	}
	return earliest <= lastStableLsn+1
}
