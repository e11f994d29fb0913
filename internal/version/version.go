// Package version implements the version manager of spec.md §4.12: the
// MVCC visibility tracker snapshot readers register against, coordinated
// with checkpoint removal so a checkpoint never discards state a live
// snapshot reader can still observe.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/domain/schema/table.go's
// per-entity sync.RWMutex + explicit Lock/Unlock/RLock/RUnlock style,
// generalized from one mutex per table to one mutex per registered
// visibility Lsn ("fine-grained locking per vsn bucket", spec.md §5).
package version

import (
	"context"
	"sort"
	"sync"

	"github.com/joydb/txlog/internal/record"
)

// StableLsnSource is the subset of *replicatedlog.Manager the version
// manager consults: the current last-stable-Lsn is what a newly registered
// snapshot reader sees as its visibility Lsn.
type StableLsnSource interface {
	LastStableLsn() record.LogicalSequenceNumber
}

// bucket tracks one registered visibility Lsn: how many readers currently
// hold it pinned, and the completion channels anyone removing a version or
// checkpoint that spans it is waiting on.
type bucket struct {
	mu      sync.Mutex
	count   int
	waiters []chan struct{}
}

// Manager is the version manager of spec.md §4.12.
type Manager struct {
	mu      sync.RWMutex
	buckets map[record.LogicalSequenceNumber]*bucket
	source  StableLsnSource
}

// NewManager builds a Manager reading visibility Lsns from source.
func NewManager(source StableLsnSource) *Manager {
	return &Manager{
		buckets: make(map[record.LogicalSequenceNumber]*bucket),
		source:  source,
	}
}

// lockedBucket returns the bucket for vsn, creating it if absent. Callers
// must lock the returned bucket themselves before touching its fields.
func (m *Manager) lockedBucket(vsn record.LogicalSequenceNumber) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[vsn]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[vsn]; ok {
		return b
	}
	b = &bucket{}
	m.buckets[vsn] = b
	return b
}

// RegisterAsync pins the current last-stable-Lsn as a visibility Lsn and
// returns it. A snapshot reader holds this Lsn until it calls UnRegister;
// while pinned, TryRemoveVersion/TryRemoveCheckpointAsync calls spanning it
// must wait.
func (m *Manager) RegisterAsync(ctx context.Context) (record.LogicalSequenceNumber, error) {
	select {
	case <-ctx.Done():
		return record.InvalidLsn, ctx.Err()
	default:
	}
	vsn := m.source.LastStableLsn()
	b := m.lockedBucket(vsn)
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	return vsn, nil
}

// UnRegister releases one pin on vsn. Registering the same vsn N times
// requires N UnRegister calls before it is considered fully released and
// any pending removal waiters are woken. Unregistering a vsn that was
// never registered is a no-op.
func (m *Manager) UnRegister(vsn record.LogicalSequenceNumber) {
	m.mu.RLock()
	b, ok := m.buckets[vsn]
	m.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	if b.count > 0 {
		b.count--
	}
	var waiters []chan struct{}
	if b.count == 0 {
		waiters, b.waiters = b.waiters, nil
	}
	b.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	m.pruneIfEmpty(vsn, b)
}

// pruneIfEmpty drops vsn's bucket once nothing references it, so a replica
// that lives a long time does not accumulate one bucket per Lsn ever
// registered.
func (m *Manager) pruneIfEmpty(vsn record.LogicalSequenceNumber, b *bucket) {
	b.mu.Lock()
	empty := b.count == 0 && len(b.waiters) == 0
	b.mu.Unlock()
	if !empty {
		return
	}
	m.mu.Lock()
	if cur, ok := m.buckets[vsn]; ok && cur == b {
		delete(m.buckets, vsn)
	}
	m.mu.Unlock()
}

// blockingVsns returns the currently registered (count > 0) visibility
// Lsns in [lo, hi), sorted ascending.
func (m *Manager) blockingVsns(lo, hi record.LogicalSequenceNumber) []record.LogicalSequenceNumber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []record.LogicalSequenceNumber
	for vsn, b := range m.buckets {
		if vsn < lo || vsn >= hi {
			continue
		}
		b.mu.Lock()
		count := b.count
		b.mu.Unlock()
		if count > 0 {
			out = append(out, vsn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveResult is what TryRemoveVersion returns when it cannot complete
// immediately: the set of visibility Lsns currently blocking the removal,
// plus one completion future per blocking Lsn that fires once that Lsn has
// been fully un-registered.
type RemoveResult struct {
	SourceID     uint64
	BlockingVsns []record.LogicalSequenceNumber
	completions  map[record.LogicalSequenceNumber]<-chan struct{}
}

// Wait blocks until every blocking Lsn in r has dropped to zero
// registrations, or ctx is cancelled first.
func (r *RemoveResult) Wait(ctx context.Context) error {
	for _, vsn := range r.BlockingVsns {
		ch := r.completions[vsn]
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TryRemoveVersion implements spec.md §4.12's version-removal gate: a
// state provider proposing to retire the version range [version,
// nextVersion) for sourceID succeeds immediately if no snapshot reader
// currently holds a visibility Lsn inside that range; otherwise it returns
// a RemoveResult the caller can Wait on.
func (m *Manager) TryRemoveVersion(sourceID uint64, version, nextVersion record.LogicalSequenceNumber) (*RemoveResult, bool) {
	blocking := m.blockingVsns(version, nextVersion)
	if len(blocking) == 0 {
		return nil, true
	}

	completions := make(map[record.LogicalSequenceNumber]<-chan struct{}, len(blocking))
	for _, vsn := range blocking {
		completions[vsn] = m.waitChannelFor(vsn)
	}
	return &RemoveResult{SourceID: sourceID, BlockingVsns: blocking, completions: completions}, false
}

// waitChannelFor registers a completion channel against vsn's bucket,
// already closed if the bucket has since dropped to zero between
// blockingVsns observing it and this call.
func (m *Manager) waitChannelFor(vsn record.LogicalSequenceNumber) <-chan struct{} {
	b := m.lockedBucket(vsn)
	ch := make(chan struct{})
	b.mu.Lock()
	if b.count == 0 {
		close(ch)
	} else {
		b.waiters = append(b.waiters, ch)
	}
	b.mu.Unlock()
	return ch
}

// TryRemoveCheckpointAsync implements spec.md §4.12's checkpoint-removal
// gate: it completes immediately if no registered visibility Lsn lies in
// [checkpointLsn, nextCheckpointLsn), otherwise it blocks until every
// blocking Lsn has been un-registered down to zero or ctx is cancelled.
func (m *Manager) TryRemoveCheckpointAsync(ctx context.Context, checkpointLsn, nextCheckpointLsn record.LogicalSequenceNumber) error {
	result, ok := m.TryRemoveVersion(0, checkpointLsn, nextCheckpointLsn)
	if ok {
		return nil
	}
	return result.Wait(ctx)
}
