package main

import (
	"sort"
	"sync"

	"github.com/joydb/txlog/internal/record"
)

// headTracker implements checkpoint.HeadCandidateSource by remembering
// every IndexingLogRecord the replicated log manager has produced, since
// nothing else in this module already indexes them by Lsn. Grounded on
// _examples/LeeNgari-RDBMS/internal/query/indexing's in-memory index build
// over an append-only record set, generalized from table rows to
// IndexingLogRecords ordered by Lsn.
type headTracker struct {
	mu      sync.Mutex
	records []*record.IndexingLogRecord
}

func newHeadTracker() *headTracker {
	return &headTracker{}
}

// record appends rec, maintaining ascending Lsn order; callers must supply
// indexing records in the order replicatedlog.Manager.Index produces them,
// which already satisfies this.
func (t *headTracker) record(rec *record.IndexingLogRecord) {
	if rec == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
}

// LatestIndexingRecordBefore returns the newest tracked indexing record
// whose Lsn is strictly less than lsn, or nil if none qualifies.
func (t *headTracker) LatestIndexingRecordBefore(lsn record.LogicalSequenceNumber) *record.IndexingLogRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.records), func(i int) bool {
		return t.records[i].GetLsn() >= lsn
	})
	if idx == 0 {
		return nil
	}
	return t.records[idx-1]
}
