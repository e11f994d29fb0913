package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/joydb/txlog/internal/logwriter"
	"github.com/joydb/txlog/internal/record"
)

func TestIdentifyProcessingModeForRecord(t *testing.T) {
	cases := []struct {
		name             string
		rt               record.RecordType
		role             ReplicaRole
		recoveryComplete bool
		want             ProcessingMode
	}{
		{"begin always normal", record.BeginTransaction, RolePrimary, true, Normal},
		{"operation always normal", record.Operation, RoleSecondary, false, Normal},
		{"end txn always normal", record.EndTransaction, RoleUnknown, true, Normal},
		{"barrier applies once role known and recovered", record.Barrier, RolePrimary, true, ApplyImmediately},
		{"barrier during recovery is metadata only", record.Barrier, RolePrimary, false, ProcessImmediately},
		{"barrier with unknown role is metadata only", record.Barrier, RoleUnknown, true, ProcessImmediately},
		{"begin checkpoint mirrors barrier", record.BeginCheckpoint, RoleSecondary, true, ApplyImmediately},
		{"information is metadata only", record.Information, RolePrimary, true, ProcessImmediately},
		{"update epoch is metadata only", record.UpdateEpoch, RolePrimary, true, ProcessImmediately},
		{"indexing is metadata only", record.Indexing, RolePrimary, true, ProcessImmediately},
		{"truncate tail is metadata only", record.TruncateTail, RolePrimary, true, ProcessImmediately},
		{"end checkpoint is metadata only", record.EndCheckpoint, RolePrimary, true, ProcessImmediately},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := IdentifyProcessingModeForRecord(c.rt, c.role, c.recoveryComplete)
			assert.Equal(t, got, c.want)
		})
	}
}

type fakeState struct {
	inRecovery bool
	role       ReplicaRole
}

func (s *fakeState) InRecovery() bool  { return s.inRecovery }
func (s *fakeState) Role() ReplicaRole { return s.role }

type recordingProcessor struct {
	mu       sync.Mutex
	applied  []record.LogRecord
	released []record.LogRecord
	failFor  record.RecordType
}

func (p *recordingProcessor) ProcessRecord(ctx context.Context, rec record.LogRecord, mode ProcessingMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor != record.Invalid && rec.GetRecordType() == p.failFor {
		return errors.New("simulated apply failure")
	}
	p.applied = append(p.applied, rec)
	return nil
}

func (p *recordingProcessor) ReleaseFaulted(rec record.LogRecord, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, rec)
}

type recordingFaultReporter struct {
	mu     sync.Mutex
	faults []error
}

func (r *recordingFaultReporter) ReportFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, err)
}

func beginTxn(id uint64) *record.BeginTransactionLogRecord {
	return record.NewBeginTransactionLogRecord(id, false, nil, nil, nil)
}

func opFor(id uint64, parent record.PhysicalLink) *record.OperationLogRecord {
	return record.NewOperationLogRecord(id, parent, nil, nil, nil)
}

func TestSerialDispatcherAppliesEveryRecordInOrder(t *testing.T) {
	processor := &recordingProcessor{}
	faults := &recordingFaultReporter{}
	d := NewSerialDispatcher(&fakeState{role: RolePrimary}, processor, faults)

	batch := logwriter.FlushedBatch{Records: []record.LogRecord{
		beginTxn(1), opFor(1, record.InvalidPhysicalLink), record.NewEndTransactionLogRecord(1, true, record.InvalidPhysicalLink),
	}}
	d.ProcessFlushedRecords(context.Background(), batch)

	assert.Equal(t, len(processor.applied), 3)
	assert.Equal(t, len(faults.faults), 0)
}

func TestSerialDispatcherReleasesFaultedRecordsWithoutApplying(t *testing.T) {
	processor := &recordingProcessor{}
	faults := &recordingFaultReporter{}
	d := NewSerialDispatcher(&fakeState{role: RolePrimary}, processor, faults)

	batch := logwriter.FlushedBatch{LogError: errors.New("disk gone"), Records: []record.LogRecord{beginTxn(1)}}
	d.ProcessFlushedRecords(context.Background(), batch)

	assert.Equal(t, len(processor.applied), 0)
	assert.Equal(t, len(processor.released), 1)
}

func TestSerialDispatcherReportsFaultOnApplyErrorWhenRunning(t *testing.T) {
	processor := &recordingProcessor{failFor: record.Operation}
	faults := &recordingFaultReporter{}
	d := NewSerialDispatcher(&fakeState{role: RolePrimary}, processor, faults)

	batch := logwriter.FlushedBatch{Records: []record.LogRecord{opFor(1, record.InvalidPhysicalLink)}}
	d.ProcessFlushedRecords(context.Background(), batch)

	assert.Equal(t, len(faults.faults), 1)
}

func TestParallelDispatcherAppliesDistinctTransactionsConcurrently(t *testing.T) {
	processor := &recordingProcessor{}
	faults := &recordingFaultReporter{}
	d := NewParallelDispatcher(&fakeState{role: RolePrimary}, processor, faults)

	batch := logwriter.FlushedBatch{Records: []record.LogRecord{
		beginTxn(1), beginTxn(2),
		opFor(1, record.InvalidPhysicalLink), opFor(2, record.InvalidPhysicalLink),
		record.NewEndTransactionLogRecord(1, true, record.InvalidPhysicalLink),
		record.NewEndTransactionLogRecord(2, true, record.InvalidPhysicalLink),
	}}
	d.ProcessFlushedRecords(context.Background(), batch)

	assert.Equal(t, len(processor.applied), 6)
}

func TestParallelDispatcherTreatsBarrierAsSynchronizationPoint(t *testing.T) {
	processor := &recordingProcessor{}
	faults := &recordingFaultReporter{}
	d := NewParallelDispatcher(&fakeState{role: RolePrimary}, processor, faults)

	batch := logwriter.FlushedBatch{Records: []record.LogRecord{
		beginTxn(1),
		record.NewBarrierLogRecord(),
		opFor(1, record.InvalidPhysicalLink),
	}}
	d.ProcessFlushedRecords(context.Background(), batch)

	assert.Equal(t, len(processor.applied), 3)
}

func TestParallelDispatcherMetadataOnlyRecordsBypassGrouping(t *testing.T) {
	processor := &recordingProcessor{}
	faults := &recordingFaultReporter{}
	d := NewParallelDispatcher(&fakeState{role: RolePrimary, inRecovery: true}, processor, faults)

	batch := logwriter.FlushedBatch{Records: []record.LogRecord{
		record.NewInformationLogRecord(record.InformationCreated),
		record.NewUpdateEpochLogRecord(record.Epoch{DataLossVersion: 1}, 1),
	}}
	d.ProcessFlushedRecords(context.Background(), batch)

	assert.Equal(t, len(processor.applied), 2)
}
