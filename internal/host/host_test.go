package host

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"gotest.tools/v3/assert"
)

func TestBeginActivateStartsNewEntry(t *testing.T) {
	h := New(nil, nil, nil)
	result := h.BeginActivate("pkgA", 1)
	assert.Equal(t, result, ActivationStarted)
}

func TestBeginActivateDuplicateInFlightIsDropped(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 1)
	result := h.BeginActivate("pkgA", 1)
	assert.Equal(t, result, ActivationDropped)
}

func TestBeginActivateDuplicateAfterCompleteIsAlreadyComplete(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 1)
	h.CompleteActivate("pkgA", 1)
	result := h.BeginActivate("pkgA", 1)
	assert.Equal(t, result, ActivationAlreadyComplete)
}

func TestBeginActivateStaleRequestIsDropped(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 5)
	h.CompleteActivate("pkgA", 5)
	result := h.BeginActivate("pkgA", 3)
	assert.Equal(t, result, ActivationDropped)
}

func TestBeginActivateHigherThanCurrentPanics(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 5)
	defer func() {
		r := recover()
		assert.Assert(t, r != nil)
	}()
	h.BeginActivate("pkgA", 7)
}

func TestFailActivateRemovesTentativeEntry(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 1)
	h.FailActivate("pkgA", 1)
	result := h.BeginActivate("pkgA", 1)
	assert.Equal(t, result, ActivationStarted)
}

func TestDeactivateRemovesValidEntry(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 1)
	h.CompleteActivate("pkgA", 1)
	assert.Assert(t, h.Deactivate("pkgA", 1))
	assert.Assert(t, !h.IsValid("pkgA", 1))
}

func TestDeactivateUnknownEntryReturnsFalse(t *testing.T) {
	h := New(nil, nil, nil)
	assert.Assert(t, !h.Deactivate("pkgA", 1))
}

type fakeNotifier struct {
	attempts  int32
	failUntil int32
	failWith  error
}

func (f *fakeNotifier) NotifyTermination(ctx context.Context, instance InstanceID, activation ActivationID) error {
	n := atomic.AddInt32(&f.attempts, 1)
	if n <= f.failUntil {
		return f.failWith
	}
	return nil
}

var errTimeout = errors.New("timeout")

func isTimeout(err error) bool { return errors.Is(err, errTimeout) }

func TestHandleTerminationRetriesOnlyOnTimeout(t *testing.T) {
	notifier := &fakeNotifier{failUntil: 2, failWith: errTimeout}
	h := New(notifier, isTimeout, nil)
	h.BeginActivate("pkgA", 1)
	h.CompleteActivate("pkgA", 1)

	err := h.HandleTermination(context.Background(), "pkgA", 1)
	assert.NilError(t, err)
	assert.Equal(t, notifier.attempts, int32(3))
	assert.Assert(t, !h.IsValid("pkgA", 1))
}

func TestHandleTerminationGivesUpOnNonTimeoutError(t *testing.T) {
	nonTimeout := errors.New("permanent failure")
	notifier := &fakeNotifier{failUntil: 1, failWith: nonTimeout}
	h := New(notifier, isTimeout, nil)
	h.BeginActivate("pkgA", 1)

	err := h.HandleTermination(context.Background(), "pkgA", 1)
	assert.Assert(t, errors.Is(err, nonTimeout))
	assert.Equal(t, notifier.attempts, int32(1))
}

func TestHandleTerminationRemovesEntryEvenWithoutNotifier(t *testing.T) {
	h := New(nil, nil, nil)
	h.BeginActivate("pkgA", 1)
	h.CompleteActivate("pkgA", 1)

	err := h.HandleTermination(context.Background(), "pkgA", 1)
	assert.NilError(t, err)
	assert.Assert(t, !h.IsValid("pkgA", 1))
}

func TestDeactivateAllAggregatesErrors(t *testing.T) {
	failing := errors.New("notify failed")
	notifier := &fakeNotifier{failUntil: 1000, failWith: failing}
	h := New(notifier, isTimeout, nil)
	h.BeginActivate("pkgA", 1)
	h.CompleteActivate("pkgA", 1)
	h.BeginActivate("pkgB", 1)
	h.CompleteActivate("pkgB", 1)

	err := h.DeactivateAll(context.Background())
	assert.Assert(t, err != nil)
	assert.Assert(t, !h.IsValid("pkgA", 1))
	assert.Assert(t, !h.IsValid("pkgB", 1))
}
