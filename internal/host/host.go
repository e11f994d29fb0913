// Package host implements the Multi-CodePackage activation state machine of
// spec.md §4.13: a table of (instance, activation id) entries that tracks
// which code packages are tentatively or fully activated, enforcing
// idempotent activation requests, dropping stale ones, and panicking as a
// coding error on an activation id that skips ahead of the table's current one.
//
// Grounded on
// _examples/original_source/src/prod/src/Hosting2/MultiCodePackageApplicationHost.cpp's
// ActivateCodePackageRequestAsyncProcessor (table lookup/compare table in
// EnsureValidRequest) and CodePackageTerminationAsyncHandler (remove-then-
// notify-with-retry-on-timeout-only). Uses *zap.Logger the way the teacher's
// domain layer uses *slog.Logger, and go.uber.org/multierr to aggregate
// failures across a DeactivateAll sweep the way internal/logwriter aggregates
// flush-callback errors.
package host

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// InstanceID identifies a code package independent of how many times it has
// been activated.
type InstanceID string

// ActivationID orders successive activations of the same InstanceID. Activation
// ids are assigned by the caller (the cluster's hosting subsystem) and are
// expected to be monotonically increasing per InstanceID.
type ActivationID uint64

type entryState int

const (
	tentative entryState = iota
	valid
)

type entry struct {
	activationID ActivationID
	state        entryState
}

// Notifier sends the termination notification RPC of spec.md §4.13,
// retried only while it keeps failing with a timeout.
type Notifier interface {
	NotifyTermination(ctx context.Context, instance InstanceID, activation ActivationID) error
}

// TimeoutClassifier reports whether err represents a timeout, the only
// condition under which NotifyTermination retries.
type TimeoutClassifier func(err error) bool

// Host is the Multi-CodePackage activation host: a table of code package
// entries guarded by a single mutex, mirroring the original's single
// CodePackageTable critical section.
type Host struct {
	mu       sync.Mutex
	table    map[InstanceID]*entry
	notifier Notifier
	isTO     TimeoutClassifier
	logger   *zap.Logger
}

// New builds a Host. notifier and isTimeout may be nil, in which case
// HandleTermination and DeactivateAll skip the RPC (useful for standalone recovery-manager
// tests that never need to talk to a cluster).
func New(notifier Notifier, isTimeout TimeoutClassifier, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		table:    make(map[InstanceID]*entry),
		notifier: notifier,
		isTO:     isTimeout,
		logger:   logger,
	}
}

// ActivateResult reports how BeginActivate classified the request.
type ActivateResult int

const (
	// ActivationStarted means no entry existed; the caller should proceed to
	// create the runtime and call CompleteActivate/FailActivate.
	ActivationStarted ActivateResult = iota
	// ActivationAlreadyComplete means this exact activation id is already
	// valid; treat the request as a success with no further work.
	ActivationAlreadyComplete
	// ActivationDropped means the request is either a concurrent duplicate
	// of an in-flight tentative activation, or stale (activation id lower
	// than the table's current entry); the caller should drop it silently.
	ActivationDropped
)

// BeginActivate classifies an activation request against the table,
// mirroring EnsureValidRequest's three-way compare: this activation id
// already valid, an equal or lower activation id arriving twice (dropped),
// or a genuinely new one (started, with a tentative entry added).
//
// A request carrying an activation id GREATER than the table's recorded
// current one is a coding error in the original: Fabric never activates an
// instance past its current activation without first deactivating it, so
// skipping straight ahead means a deactivation was missed. Panics
// accordingly. A LOWER activation id is simply stale, arriving after a
// newer one already superseded it, and is dropped silently.
func (h *Host) BeginActivate(instance InstanceID, activation ActivationID) ActivateResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.table[instance]
	if !ok {
		h.table[instance] = &entry{activationID: activation, state: tentative}
		h.logger.Debug("activation started", zap.String("instance", string(instance)), zap.Uint64("activation", uint64(activation)))
		return ActivationStarted
	}

	switch {
	case e.activationID == activation:
		if e.state == valid {
			return ActivationAlreadyComplete
		}
		h.logger.Warn("dropping duplicate activation request, activation in progress",
			zap.String("instance", string(instance)), zap.Uint64("activation", uint64(activation)))
		return ActivationDropped
	case activation > e.activationID:
		panic(fmt.Sprintf("host: received activation request for instance %s with activation id %d higher than current %d without an intervening deactivation", instance, activation, e.activationID))
	default:
		h.logger.Warn("dropping stale activation request",
			zap.String("instance", string(instance)), zap.Uint64("activation", uint64(activation)), zap.Uint64("current", uint64(e.activationID)))
		return ActivationDropped
	}
}

// CompleteActivate marks instance's tentative entry valid once the runtime
// has been created and the code package host has accepted it.
func (h *Host) CompleteActivate(instance InstanceID, activation ActivationID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.table[instance]
	if !ok || e.activationID != activation {
		return
	}
	e.state = valid
	h.logger.Debug("activation completed", zap.String("instance", string(instance)), zap.Uint64("activation", uint64(activation)))
}

// FailActivate removes instance's tentative entry after a failed activation
// attempt, the CleanEntry path of the original.
func (h *Host) FailActivate(instance InstanceID, activation ActivationID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.table[instance]; ok && e.activationID == activation {
		delete(h.table, instance)
	}
}

// Deactivate removes a valid entry, the synchronous half of the original's
// DeactivateCodePackageRequestAsyncProcessor. Returns false if no matching
// entry was present, mirroring a drop of a stale deactivation.
func (h *Host) Deactivate(instance InstanceID, activation ActivationID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.table[instance]
	if !ok || e.activationID != activation {
		return false
	}
	delete(h.table, instance)
	return true
}

// HandleTermination implements CodePackageTerminationAsyncHandler: remove
// the entry regardless of whether it was present (a terminated process may
// race a concurrent deactivation), then best-effort notify the caller's
// cluster via Notifier, retrying only on a classified timeout.
func (h *Host) HandleTermination(ctx context.Context, instance InstanceID, activation ActivationID) error {
	h.mu.Lock()
	delete(h.table, instance)
	h.mu.Unlock()

	if h.notifier == nil {
		return nil
	}

	for {
		err := h.notifier.NotifyTermination(ctx, instance, activation)
		if err == nil {
			return nil
		}
		if h.isTO != nil && h.isTO(err) {
			h.logger.Debug("retrying termination notification after timeout",
				zap.String("instance", string(instance)), zap.Uint64("activation", uint64(activation)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		h.logger.Warn("not retrying termination notification",
			zap.String("instance", string(instance)), zap.Uint64("activation", uint64(activation)), zap.Error(err))
		return err
	}
}

// IsValid reports whether instance has a fully-activated entry at
// activation, used by duplicate-activation checks elsewhere in the host
// boundary (e.g. an IPC handler re-delivering a message after a timeout).
func (h *Host) IsValid(instance InstanceID, activation ActivationID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.table[instance]
	return ok && e.activationID == activation && e.state == valid
}

// DeactivateAll tears down every currently tracked entry, used on host
// shutdown. Aggregates per-entry notification errors with multierr rather
// than failing fast, since one code package's stuck notification should not
// block deactivating the rest.
func (h *Host) DeactivateAll(ctx context.Context) error {
	h.mu.Lock()
	snapshot := make(map[InstanceID]ActivationID, len(h.table))
	for instance, e := range h.table {
		snapshot[instance] = e.activationID
	}
	h.table = make(map[InstanceID]*entry)
	h.mu.Unlock()

	var aggregate error
	for instance, activation := range snapshot {
		if h.notifier == nil {
			continue
		}
		if err := h.notifier.NotifyTermination(ctx, instance, activation); err != nil {
			aggregate = multierr.Append(aggregate, fmt.Errorf("host: notify termination for %s/%d: %w", instance, activation, err))
		}
	}
	return aggregate
}
