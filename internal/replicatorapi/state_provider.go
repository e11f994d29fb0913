// Package replicatorapi defines the boundary between the logging engine
// and its external collaborators: the concrete state-provider layer
// (apply/unlock/checkpoint-disk I/O) that spec.md §1 explicitly places out
// of scope. internal/opprocessor is the only caller of StateProvider.
package replicatorapi

import (
	"context"

	"github.com/joydb/txlog/internal/record"
)

// Phase tells a StateProvider which replay context a record is being
// applied under, since apply semantics differ across them (spec.md §4.7).
type Phase int

const (
	PhasePrimary Phase = iota
	PhaseSecondary
	PhaseRecovery
	PhaseFalseProgress
)

func (p Phase) String() string {
	switch p {
	case PhasePrimary:
		return "Primary"
	case PhaseSecondary:
		return "Secondary"
	case PhaseRecovery:
		return "Recovery"
	case PhaseFalseProgress:
		return "FalseProgress"
	default:
		return "Unknown"
	}
}

// StateProvider is implemented by the hosting service; the logging engine
// never inspects what it does, only invokes it in order.
type StateProvider interface {
	// Apply performs the state change described by rec under phase. For
	// metadata-only records (Indexing, UpdateEpoch, Information,
	// TruncateTail, checkpoint endpoints) Apply is still invoked so the
	// provider can observe progress, but is free to treat it as a no-op.
	Apply(ctx context.Context, rec record.LogRecord, phase Phase) error
	// Unlock releases whatever resource Apply acquired on rec's behalf
	// (e.g. a per-key lock taken for an Operation record). The operation
	// processor calls it only on a primary and only for multi-operation
	// transactions: after Apply on a committing EndTransaction, and on
	// abort for each buffered BeginTransaction and Operation record, which
	// never went through Apply.
	Unlock(ctx context.Context, rec record.LogRecord) error
}
