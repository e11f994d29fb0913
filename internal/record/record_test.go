package record

import (
	"encoding/binary"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteReadRoundTripPhysical(t *testing.T) {
	rec := NewOperationLogRecord(42, PhysicalLink{Psn: 7}, []byte("meta"), []byte("undo"), []byte("redo"))
	rec.SetLsn(100)
	rec.SetPsn(55)
	rec.SetRecordPosition(4096)
	rec.SetPreviousPhysicalRecord(PhysicalLink{Psn: 54})

	serialized, err := Write(rec, true)
	assert.NilError(t, err)

	got, err := Read(serialized, true)
	assert.NilError(t, err)

	op, ok := got.(*OperationLogRecord)
	assert.Assert(t, ok)
	assert.Equal(t, op.GetLsn(), LogicalSequenceNumber(100))
	assert.Equal(t, op.GetPsn(), PhysicalSequenceNumber(55))
	assert.Equal(t, op.GetRecordPosition(), int64(4096))
	assert.Equal(t, op.GetPreviousPhysicalRecord().Psn, PhysicalSequenceNumber(54))
	assert.Equal(t, op.TransactionId, uint64(42))
	assert.DeepEqual(t, op.Metadata, []byte("meta"))
	assert.DeepEqual(t, op.Undo, []byte("undo"))
	assert.DeepEqual(t, op.Redo, []byte("redo"))
	assert.Equal(t, op.ParentRecord.Psn, PhysicalSequenceNumber(7))
}

func TestWriteReadRoundTripLogical(t *testing.T) {
	rec := NewBeginTransactionLogRecord(9, true, []byte("m"), nil, nil)
	rec.SetLsn(12)

	serialized, err := Write(rec, false)
	assert.NilError(t, err)

	got, err := Read(serialized, false)
	assert.NilError(t, err)

	begin, ok := got.(*BeginTransactionLogRecord)
	assert.Assert(t, ok)
	assert.Equal(t, begin.GetLsn(), LogicalSequenceNumber(12))
	assert.Equal(t, begin.GetPsn(), InvalidPsn)
	assert.Equal(t, begin.GetRecordPosition(), InvalidRecordPosition)
	assert.Equal(t, begin.TransactionId, uint64(9))
	assert.Equal(t, begin.IsSingleOperation, true)
}

func TestAllVariantsRoundTrip(t *testing.T) {
	pv := []ProgressVectorEntry{{Epoch: Epoch{1, 1}, StartingLsn: 0, ReplicaId: 1, Timestamp: 1000}}
	variants := []LogRecord{
		NewIndexingLogRecord(Epoch{1, 0}),
		NewUpdateEpochLogRecord(Epoch{1, 1}, 7),
		NewBarrierLogRecord(),
		NewBeginTransactionLogRecord(1, false, []byte("m"), []byte("u"), []byte("r")),
		NewOperationLogRecord(1, PhysicalLink{Psn: 3}, []byte("m"), []byte("u"), []byte("r")),
		NewEndTransactionLogRecord(1, true, PhysicalLink{Psn: 4}),
		NewBeginCheckpointLogRecord(PhysicalLink{Psn: 2}, 10, pv),
		NewEndCheckpointLogRecord(PhysicalLink{Psn: 5}, 11),
		NewCompleteCheckpointLogRecord(PhysicalLink{Psn: 6}),
		NewTruncateHeadLogRecord(PhysicalLink{Psn: 1}, 3),
		NewTruncateTailLogRecord(20),
		NewBackupLogRecord([16]byte{1}, [16]byte{}, Epoch{1, 0}, 0, Epoch{1, 1}, 9),
		NewInformationLogRecord(InformationRecovered),
	}

	for _, v := range variants {
		v.SetPsn(99)
		v.SetRecordPosition(256)
		serialized, err := Write(v, true)
		assert.NilError(t, err, "%s", v.GetRecordType())

		got, err := Read(serialized, true)
		assert.NilError(t, err, "%s", v.GetRecordType())
		assert.Equal(t, got.GetRecordType(), v.GetRecordType())
	}
}

func TestRecordLengthInvariant(t *testing.T) {
	rec := NewBarrierLogRecord()
	rec.SetLsn(3)
	serialized, err := Write(rec, false)
	assert.NilError(t, err)

	assert.Equal(t, rec.GetRecordLength(), uint32(len(serialized)-8))
	prefix := binary.LittleEndian.Uint32(serialized[0:4])
	assert.Equal(t, prefix, rec.GetRecordLength())
}

func TestBackwardReadFromTrailingOffset(t *testing.T) {
	a := NewBarrierLogRecord()
	a.SetLsn(1)
	sa, err := Write(a, false)
	assert.NilError(t, err)

	b := NewInformationLogRecord(InformationCreated)
	b.SetLsn(2)
	sb, err := Write(b, false)
	assert.NilError(t, err)

	stream := append(append([]byte{}, sa...), sb...)
	endOfStream := len(stream)

	suffix := binary.LittleEndian.Uint32(stream[endOfStream-4 : endOfStream])
	start := endOfStream - 8 - int(suffix)
	recordBytes := stream[start:endOfStream]

	got, err := Read(recordBytes, false)
	assert.NilError(t, err)
	assert.Equal(t, got.GetRecordType(), Information)
	assert.Equal(t, got.GetLsn(), LogicalSequenceNumber(2))
}

func TestReadDetectsChecksumCorruption(t *testing.T) {
	rec := NewBarrierLogRecord()
	rec.SetLsn(5)
	serialized, err := Write(rec, false)
	assert.NilError(t, err)

	serialized[5] ^= 0xFF

	_, err = Read(serialized, false)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestReadRejectsAsPhysicalMismatch(t *testing.T) {
	rec := NewBarrierLogRecord()
	rec.SetLsn(1)
	serialized, err := Write(rec, false)
	assert.NilError(t, err)

	_, err = Read(serialized, true)
	assert.ErrorContains(t, err, "asPhysical=true")
}

func TestInvalidPhysicalLink(t *testing.T) {
	assert.Assert(t, InvalidPhysicalLink.IsInvalid())
	assert.Assert(t, !LinkTo(NewBarrierLogRecord()).IsInvalid())
	assert.Assert(t, LinkTo(nil).IsInvalid())
}

func TestEpochOrdering(t *testing.T) {
	assert.Assert(t, InvalidEpoch.Less(Epoch{0, 0}))
	assert.Assert(t, Epoch{1, 0}.Less(Epoch{1, 1}))
	assert.Assert(t, !Epoch{2, 0}.Less(Epoch{1, 5}))
	assert.Assert(t, Epoch{3, 4}.Equal(Epoch{3, 4}))
}
