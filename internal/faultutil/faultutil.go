// Package faultutil is a test-hook fault-injection table for the
// state-provider APIs of spec.md §5: a single lock protects a table of
// per-API delay/block/fail directives, and WaitUntilSignaled suspends or
// fails its caller as the directive for the named API says. The table is
// consulted only where a caller invokes WaitUntilSignaled; no other package
// in this module does, so the engine's own state-provider calls never
// consult it. An empty table makes every lookup a no-op pass-through.
//
// Grounded on
// _examples/original_source/src/prod/src/data/txnreplicator/loggingreplicator/ApiFaultUtility.cpp's
// ApiName + FaultInfo table (BlockApi/DelayApi/FailApi/ClearFault guarded by
// a single spin lock, consulted by WaitUntilSignaled before an API runs).
// The C++ original polls in 1ms quanta inside WaitUntilSignaled; this port
// replaces polling with a channel-based wake on ClearFault, since Go has no
// equivalent reason to busy-wait.
package faultutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ApiName identifies a state-provider API call that can be faulted, mirroring
// ApiFaultUtility.h's ApiName enum.
type ApiName int

const (
	Invalid ApiName = iota
	ReplicateAsync
	ApplyAsync
	Unlock
	PrepareCheckpoint
	PerformCheckpoint
	CompleteCheckpoint
	WaitForLogFlushUptoLsn
)

func (a ApiName) String() string {
	switch a {
	case ReplicateAsync:
		return "ReplicateAsync"
	case ApplyAsync:
		return "ApplyAsync"
	case Unlock:
		return "Unlock"
	case PrepareCheckpoint:
		return "PrepareCheckpoint"
	case PerformCheckpoint:
		return "PerformCheckpoint"
	case CompleteCheckpoint:
		return "CompleteCheckpoint"
	case WaitForLogFlushUptoLsn:
		return "WaitForLogFlushUptoLsn"
	default:
		return "Invalid"
	}
}

// faultInfo is one row of the fault table: apiName waits delay (forever, if
// blocked) then fails with err if err is non-nil.
type faultInfo struct {
	delay time.Duration
	err   error
	// signal is closed by ClearFault/FailApi/DelayApi/BlockApi whenever this
	// row changes, so a waiter parked in WaitUntilSignaled wakes immediately
	// instead of on its next poll.
	signal chan struct{}
}

const blockedForever = time.Duration(1<<63 - 1) // math.MaxInt64, mirrors Common::TimeSpan::MaxValue

// Utility is the fault-injection table. The zero value is ready to use and
// behaves as an always-pass-through table.
type Utility struct {
	mu   sync.Mutex
	rows map[ApiName]*faultInfo
}

// New returns an empty Utility.
func New() *Utility {
	return &Utility{rows: make(map[ApiName]*faultInfo)}
}

func (u *Utility) set(apiName ApiName, delay time.Duration, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rows == nil {
		u.rows = make(map[ApiName]*faultInfo)
	}
	if prev, ok := u.rows[apiName]; ok {
		close(prev.signal)
	}
	u.rows[apiName] = &faultInfo{delay: delay, err: err, signal: make(chan struct{})}
}

// BlockApi suspends every future call to apiName indefinitely, until
// ClearFault is called.
func (u *Utility) BlockApi(apiName ApiName) {
	u.set(apiName, blockedForever, nil)
}

// DelayApi suspends every future call to apiName for duration, then lets it
// proceed.
func (u *Utility) DelayApi(apiName ApiName, duration time.Duration) {
	u.set(apiName, duration, nil)
}

// FailApi makes every future call to apiName return err immediately.
func (u *Utility) FailApi(apiName ApiName, err error) {
	u.set(apiName, 0, err)
}

// ClearFault removes any directive on apiName, waking anything parked in
// WaitUntilSignaled for it. Calling ClearFault for an API with no directive
// in place is a no-op, unlike the original's assertion, since production
// callers run with no directives at all and should not need to track which
// APIs tests have faulted.
func (u *Utility) ClearFault(apiName ApiName) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if row, ok := u.rows[apiName]; ok {
		close(row.signal)
		delete(u.rows, apiName)
	}
}

func (u *Utility) snapshot(apiName ApiName) (*faultInfo, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	row, ok := u.rows[apiName]
	return row, ok
}

// WaitUntilSignaled blocks until apiName's current directive's delay has
// elapsed (immediately, if there is none), returning the directive's error
// if it faults the call. Woken early by any later ClearFault/BlockApi/
// DelayApi/FailApi call on apiName rather than polling to completion, so a
// test can unblock a goroutine parked here without waiting out the delay.
func (u *Utility) WaitUntilSignaled(ctx context.Context, apiName ApiName) error {
	for {
		row, ok := u.snapshot(apiName)
		if !ok {
			return nil
		}

		timer := time.NewTimer(row.delay)
		select {
		case <-timer.C:
			timer.Stop()
			return row.err
		case <-row.signal:
			timer.Stop()
			// Directive changed (or was cleared) while waiting; re-read and
			// loop, mirroring the original's "reset duration to wait if
			// value has changed" behavior.
			continue
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// FaultInfo reports the directive currently in force for apiName, for
// assertions in tests that want to observe the table without waiting on it.
func (u *Utility) FaultInfo(apiName ApiName) (delay time.Duration, err error, present bool) {
	row, ok := u.snapshot(apiName)
	if !ok {
		return 0, nil, false
	}
	return row.delay, row.err, true
}

// String summarizes the table for logging as the number of APIs that
// currently carry a directive, e.g. in a ReportFault call site that wants to
// note a test fault was in play.
func (u *Utility) String() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fmt.Sprintf("faultutil(%d active)", len(u.rows))
}
