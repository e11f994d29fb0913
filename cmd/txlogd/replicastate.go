package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/joydb/txlog/internal/dispatch"
	"github.com/joydb/txlog/internal/host"
)

// replicaState tracks this process's role and recovery status for the
// dispatcher's dispatch.RecoveryState contract, and reports apply-time
// faults to the operator log for the dispatch.FaultReporter contract.
// Grounded on _examples/LeeNgari-RDBMS/internal/storage/manager/registry.go's
// mutex-guarded state flags, generalized from a per-database open flag to
// a single replica's recovery/role pair tracked with atomics since both
// are read far more often than written.
type replicaState struct {
	recovering atomic.Bool
	role       atomic.Int32
	logger     *slog.Logger
}

func newReplicaState(logger *slog.Logger) *replicaState {
	s := &replicaState{logger: logger}
	s.recovering.Store(true)
	s.role.Store(int32(dispatch.RoleUnknown))
	return s
}

func (s *replicaState) InRecovery() bool { return s.recovering.Load() }

func (s *replicaState) Role() dispatch.ReplicaRole {
	return dispatch.ReplicaRole(s.role.Load())
}

func (s *replicaState) setRecovering(v bool) { s.recovering.Store(v) }

func (s *replicaState) setRole(role dispatch.ReplicaRole) { s.role.Store(int32(role)) }

// ReportFault implements dispatch.FaultReporter: outside of recovery, an
// apply failure is logged and otherwise swallowed, since this demo host has
// no cluster health subsystem to escalate to.
func (s *replicaState) ReportFault(err error) {
	s.logger.Error("apply fault reported", slog.Any("error", err))
}

// noopNotifier implements host.Notifier for a standalone demo process: there
// is no cluster to notify of a code package's termination.
type noopNotifier struct{}

func (noopNotifier) NotifyTermination(ctx context.Context, instance host.InstanceID, activation host.ActivationID) error {
	return nil
}

// neverTimeout implements host.TimeoutClassifier for noopNotifier, whose
// NotifyTermination never fails and so never needs a retry decision.
func neverTimeout(err error) bool { return false }
