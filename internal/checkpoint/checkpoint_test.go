package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/joydb/txlog/internal/clock"
	"github.com/joydb/txlog/internal/config"
	"github.com/joydb/txlog/internal/record"
)

type fakeReplicatedLog struct {
	logged        []record.LogRecord
	truncated     []*record.IndexingLogRecord
	replicateFail bool
	truncateFail  bool
}

func (f *fakeReplicatedLog) ReplicateAndLog(ctx context.Context, rec record.LogRecord) (int, error) {
	if f.replicateFail {
		return 0, errors.New("simulated replication failure")
	}
	f.logged = append(f.logged, rec)
	return 0, nil
}

func (f *fakeReplicatedLog) TruncateHead(ctx context.Context, headRecord *record.IndexingLogRecord) error {
	if f.truncateFail {
		return errors.New("simulated truncation failure")
	}
	f.truncated = append(f.truncated, headRecord)
	return nil
}

func (f *fakeReplicatedLog) ProgressVector() []record.ProgressVectorEntry { return nil }

type fakeTxnMap struct {
	earliest record.LogicalSequenceNumber
}

func (f *fakeTxnMap) EarliestPendingLsn() record.LogicalSequenceNumber { return f.earliest }

type fakeHeadSource struct {
	candidate *record.IndexingLogRecord
}

func (f *fakeHeadSource) LatestIndexingRecordBefore(lsn record.LogicalSequenceNumber) *record.IndexingLogRecord {
	return f.candidate
}

type fakeProvider struct {
	performFail  bool
	completeFail bool
	performed    int
	completed    int
}

func (p *fakeProvider) PerformCheckpoint(ctx context.Context) error {
	p.performed++
	if p.performFail {
		return errors.New("simulated perform failure")
	}
	return nil
}

func (p *fakeProvider) CompleteCheckpoint(ctx context.Context) error {
	p.completed++
	if p.completeFail {
		return errors.New("simulated complete failure")
	}
	return nil
}

type fakeFaultReporter struct {
	faults []error
}

func (f *fakeFaultReporter) ReportFault(err error) { f.faults = append(f.faults, err) }

func newTestManager(cfg config.Config) (*Manager, *fakeReplicatedLog, *fakeTxnMap, *fakeHeadSource, *fakeProvider, *fakeFaultReporter, *clock.FakeClock) {
	rl := &fakeReplicatedLog{}
	tm := &fakeTxnMap{earliest: 0}
	hs := &fakeHeadSource{}
	provider := &fakeProvider{}
	faults := &fakeFaultReporter{}
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(rl, tm, hs, provider, faults, clk, cfg)
	return m, rl, tm, hs, provider, faults, clk
}

func TestCheckpointIfNecessarySkipsWhenBelowThreshold(t *testing.T) {
	cfg := config.Default()
	m, rl, _, _, provider, _, _ := newTestManager(cfg)

	assert.NilError(t, m.CheckpointIfNecessary(context.Background()))
	assert.Equal(t, len(rl.logged), 0)
	assert.Equal(t, provider.performed, 0)
}

func TestCheckpointIfNecessaryRunsFullProtocolOnceThresholdCrossed(t *testing.T) {
	cfg := config.Default()
	m, rl, _, _, provider, faults, _ := newTestManager(cfg)

	m.NotifyBytesAppended(cfg.CheckpointThresholdBytes())
	assert.NilError(t, m.CheckpointIfNecessary(context.Background()))

	assert.Equal(t, provider.performed, 1)
	assert.Equal(t, provider.completed, 1)
	assert.Equal(t, len(rl.logged), 3) // Begin, End, Complete
	assert.Equal(t, m.State(), record.CheckpointStateReady)
	assert.Equal(t, len(faults.faults), 0)
}

func TestCheckpointFaultsOnPerformFailureAndReportsFault(t *testing.T) {
	cfg := config.Default()
	m, rl, _, _, provider, faults, _ := newTestManager(cfg)
	provider.performFail = true

	m.NotifyBytesAppended(cfg.CheckpointThresholdBytes())
	err := m.CheckpointIfNecessary(context.Background())
	assert.ErrorContains(t, err, "simulated perform failure")

	assert.Equal(t, m.State(), record.CheckpointStateFaulted)
	assert.Equal(t, len(faults.faults), 1)
	assert.Equal(t, len(rl.logged), 1) // only Begin got logged
}

func TestAbortPendingCheckpointOnlyAffectsPreparedState(t *testing.T) {
	cfg := config.Default()
	m, _, _, _, _, _, _ := newTestManager(cfg)

	assert.NilError(t, m.AbortPendingCheckpoint())
	assert.Equal(t, m.State(), record.CheckpointStateReady)
}

func TestTruncateHeadIfNecessarySkipsWithoutCandidate(t *testing.T) {
	cfg := config.Default()
	m, rl, _, _, _, _, _ := newTestManager(cfg)

	assert.NilError(t, m.TruncateHeadIfNecessary(context.Background()))
	assert.Equal(t, len(rl.truncated), 0)
}

func TestTruncateHeadIfNecessarySkipsBelowByteDelta(t *testing.T) {
	cfg := config.Default()
	m, rl, _, hs, _, _, _ := newTestManager(cfg)

	candidate := record.NewIndexingLogRecord(record.Epoch{})
	candidate.SetPsn(5)
	candidate.SetRecordPosition(10) // far below TruncationThresholdBytes
	hs.candidate = candidate

	assert.NilError(t, m.TruncateHeadIfNecessary(context.Background()))
	assert.Equal(t, len(rl.truncated), 0)
}

func TestTruncateHeadIfNecessaryTruncatesOncePeriodicIntervalElapsed(t *testing.T) {
	cfg := config.Default()
	cfg.LogTruncationIntervalSeconds = 60
	m, rl, _, hs, _, _, clk := newTestManager(cfg)

	candidate := record.NewIndexingLogRecord(record.Epoch{})
	candidate.SetPsn(5)
	candidate.SetRecordPosition(10)
	hs.candidate = candidate

	clk.Advance(2 * time.Minute)
	assert.NilError(t, m.TruncateHeadIfNecessary(context.Background()))
	assert.Equal(t, len(rl.truncated), 1)
}

func TestAbortPendingLogHeadTruncationSkipsNextAttempt(t *testing.T) {
	cfg := config.Default()
	cfg.LogTruncationIntervalSeconds = 60
	m, rl, _, hs, _, _, clk := newTestManager(cfg)

	candidate := record.NewIndexingLogRecord(record.Epoch{})
	candidate.SetRecordPosition(10)
	hs.candidate = candidate
	clk.Advance(2 * time.Minute)

	assert.NilError(t, m.AbortPendingLogHeadTruncation())
	assert.NilError(t, m.TruncateHeadIfNecessary(context.Background()))
	assert.Equal(t, len(rl.truncated), 0)
}

func TestPeriodicTimerDurationFiresImmediatelyOnceElapsedWhenNotStarted(t *testing.T) {
	cfg := config.Default()
	cfg.LogTruncationIntervalSeconds = 60
	m, _, _, _, _, _, clk := newTestManager(cfg)

	assert.Equal(t, m.PeriodicTimerDuration(), 60*time.Second)

	clk.Advance(90 * time.Second)
	assert.Equal(t, m.PeriodicTimerDuration(), time.Duration(0))
}
