package main

import (
	"context"
	"sync/atomic"

	"github.com/joydb/txlog/internal/record"
)

// loopReplicator implements replicatedlog.Replicator for a single-node
// deployment: there is no write quorum to round-trip, so ReplicateAsync
// simply hands out the next Lsn in order, the same contract a 3-replica
// quorum would satisfy once every acknowledgement is in. Grounded on
// _examples/other_examples/ab3a6163_sdrees-liftbridge__server-commitlog-interface.go.go's
// single-writer NewestOffset counter, generalized to an atomic Lsn cursor.
type loopReplicator struct {
	next int64
}

func newLoopReplicator() *loopReplicator {
	return &loopReplicator{}
}

func (r *loopReplicator) ReplicateAsync(ctx context.Context, rec record.LogRecord) (record.LogicalSequenceNumber, error) {
	if err := ctx.Err(); err != nil {
		return record.InvalidLsn, err
	}
	lsn := atomic.AddInt64(&r.next, 1) - 1
	return record.LogicalSequenceNumber(lsn), nil
}
