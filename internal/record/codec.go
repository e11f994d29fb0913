package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Write serializes r into a self-describing byte sequence bookended by a
// 4-byte little-endian length prefix and an identical 4-byte suffix, so a
// reader holding only a trailing file offset can seek backward by reading
// the 4 bytes immediately before it (spec.md §4.1's backward-read
// contract). r.RecordLength is set as a side effect to len(serialized)-8.
//
// When asPhysical is true the physical fields (Psn, RecordPosition and the
// previous-physical-record link) are embedded, matching what the physical
// log writer persists locally. When false they are omitted: that is the
// wire form used for replication and the copy stream, where the receiving
// replica assigns its own Psn on local insertion.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/wal/writer.go's per-record
// CRC32 trailer and length-prefixed framing, generalized to a polymorphic
// record set and a physical/logical dual encoding.
func Write(r LogRecord, asPhysical bool) ([]byte, error) {
	var body bytes.Buffer

	body.WriteByte(byte(r.GetRecordType()))
	writeInt64(&body, int64(r.GetLsn()))

	if asPhysical {
		body.WriteByte(1)
		writeInt64(&body, int64(r.GetPsn()))
		writeInt64(&body, r.GetRecordPosition())
		writeInt64(&body, int64(r.GetPreviousPhysicalRecord().Psn))
	} else {
		body.WriteByte(0)
	}

	if err := encodeVariant(&body, r); err != nil {
		return nil, fmt.Errorf("record: encode %s: %w", r.GetRecordType(), err)
	}

	crc := crc32.ChecksumIEEE(body.Bytes())
	content := make([]byte, body.Len()+4)
	copy(content, body.Bytes())
	binary.LittleEndian.PutUint32(content[body.Len():], crc)

	length := uint32(len(content))
	out := make([]byte, 4+len(content)+4)
	binary.LittleEndian.PutUint32(out[0:4], length)
	copy(out[4:4+len(content)], content)
	binary.LittleEndian.PutUint32(out[4+len(content):], length)

	r.SetRecordLength(length)
	return out, nil
}

// Read is the inverse of Write. asPhysical must match how data was written;
// a mismatch returns an error rather than silently misparsing the stream.
func Read(data []byte, asPhysical bool) (LogRecord, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("record: buffer too short (%d bytes)", len(data))
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if uint64(len(data)) < uint64(length)+8 {
		return nil, fmt.Errorf("record: buffer shorter than declared length %d", length)
	}
	content := data[4 : 4+length]
	suffix := binary.LittleEndian.Uint32(data[4+length : 8+length])
	if suffix != length {
		return nil, fmt.Errorf("record: corrupt framing, prefix %d != suffix %d", length, suffix)
	}
	if len(content) < 4 {
		return nil, fmt.Errorf("record: content too short for crc trailer")
	}
	body := content[:len(content)-4]
	wantCrc := binary.LittleEndian.Uint32(content[len(content)-4:])
	if gotCrc := crc32.ChecksumIEEE(body); gotCrc != wantCrc {
		return nil, fmt.Errorf("record: checksum mismatch: want %x got %x", wantCrc, gotCrc)
	}

	br := bytes.NewReader(body)
	recType, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	lsn, err := readInt64(br)
	if err != nil {
		return nil, err
	}
	physicalFlag, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if (physicalFlag == 1) != asPhysical {
		return nil, fmt.Errorf("record: asPhysical=%v requested but record was encoded with physical=%v", asPhysical, physicalFlag == 1)
	}

	var psn, recordPosition, prevPsn int64 = int64(InvalidPsn), InvalidRecordPosition, int64(InvalidPsn)
	if physicalFlag == 1 {
		if psn, err = readInt64(br); err != nil {
			return nil, err
		}
		if recordPosition, err = readInt64(br); err != nil {
			return nil, err
		}
		if prevPsn, err = readInt64(br); err != nil {
			return nil, err
		}
	}

	rec, err := decodeVariant(RecordType(recType), br)
	if err != nil {
		return nil, fmt.Errorf("record: decode %s: %w", RecordType(recType), err)
	}

	rec.SetLsn(LogicalSequenceNumber(lsn))
	if physicalFlag == 1 {
		rec.SetPsn(PhysicalSequenceNumber(psn))
		rec.SetRecordPosition(recordPosition)
		rec.SetPreviousPhysicalRecord(PhysicalLink{Psn: PhysicalSequenceNumber(prevPsn)})
	}
	rec.SetRecordLength(length)
	return rec, nil
}

func encodeVariant(buf *bytes.Buffer, r LogRecord) error {
	switch v := r.(type) {
	case *IndexingLogRecord:
		writeEpoch(buf, v.Epoch)
	case *UpdateEpochLogRecord:
		writeEpoch(buf, v.Epoch)
		writeUint64(buf, v.ReplicaId)
	case *BarrierLogRecord:
		// no payload
	case *BeginTransactionLogRecord:
		writeUint64(buf, v.TransactionId)
		writeBool(buf, v.IsSingleOperation)
		writeBytesField(buf, v.Metadata)
		writeBytesField(buf, v.Undo)
		writeBytesField(buf, v.Redo)
	case *OperationLogRecord:
		writeUint64(buf, v.TransactionId)
		writeBytesField(buf, v.Metadata)
		writeBytesField(buf, v.Undo)
		writeBytesField(buf, v.Redo)
		writeInt64(buf, int64(v.ParentRecord.Psn))
	case *EndTransactionLogRecord:
		writeUint64(buf, v.TransactionId)
		writeBool(buf, v.IsCommitted)
		writeInt64(buf, int64(v.ParentRecord.Psn))
	case *BeginCheckpointLogRecord:
		writeInt64(buf, int64(v.EarliestPendingTransaction.Psn))
		buf.WriteByte(byte(v.CheckpointState))
		writeInt64(buf, int64(v.LastStableLsn))
		writeProgressVector(buf, v.ProgressVector)
		buf.WriteByte(byte(v.PeriodicState))
		writeInt64(buf, v.LastPeriodicCheckpointTime)
		writeInt64(buf, v.LastPeriodicTruncationTime)
	case *EndCheckpointLogRecord:
		writeInt64(buf, int64(v.BeginCheckpointRecord.Psn))
		writeInt64(buf, int64(v.LogHeadLsn))
	case *CompleteCheckpointLogRecord:
		writeInt64(buf, int64(v.LogHeadRecord.Psn))
	case *TruncateHeadLogRecord:
		writeInt64(buf, int64(v.HeadRecord.Psn))
		writeInt64(buf, int64(v.NewHeadLsn))
		buf.WriteByte(byte(v.TruncationState))
	case *TruncateTailLogRecord:
		writeInt64(buf, int64(v.TargetTailLsn))
	case *BackupLogRecord:
		buf.Write(v.BackupId[:])
		buf.Write(v.ParentBackupId[:])
		writeEpoch(buf, v.StartingEpoch)
		writeInt64(buf, int64(v.StartingLsn))
		writeEpoch(buf, v.BackupEpoch)
		writeInt64(buf, int64(v.BackupLsn))
	case *InformationLogRecord:
		buf.WriteByte(byte(v.InformationEvent))
	default:
		return fmt.Errorf("unknown record implementation %T", r)
	}
	return nil
}

func decodeVariant(t RecordType, br *bytes.Reader) (LogRecord, error) {
	switch t {
	case Indexing:
		epoch, err := readEpoch(br)
		if err != nil {
			return nil, err
		}
		return &IndexingLogRecord{BaseRecord: newBase(Indexing), Epoch: epoch}, nil

	case UpdateEpoch:
		epoch, err := readEpoch(br)
		if err != nil {
			return nil, err
		}
		replicaID, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		return &UpdateEpochLogRecord{BaseRecord: newBase(UpdateEpoch), Epoch: epoch, ReplicaId: replicaID}, nil

	case Barrier:
		return &BarrierLogRecord{BaseRecord: newBase(Barrier)}, nil

	case BeginTransaction:
		txnID, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		single, err := readBool(br)
		if err != nil {
			return nil, err
		}
		metadata, err := readBytesField(br)
		if err != nil {
			return nil, err
		}
		undo, err := readBytesField(br)
		if err != nil {
			return nil, err
		}
		redo, err := readBytesField(br)
		if err != nil {
			return nil, err
		}
		return &BeginTransactionLogRecord{
			BaseRecord:        newBase(BeginTransaction),
			TransactionId:     txnID,
			IsSingleOperation: single,
			Metadata:          metadata,
			Undo:              undo,
			Redo:              redo,
		}, nil

	case Operation:
		txnID, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		metadata, err := readBytesField(br)
		if err != nil {
			return nil, err
		}
		undo, err := readBytesField(br)
		if err != nil {
			return nil, err
		}
		redo, err := readBytesField(br)
		if err != nil {
			return nil, err
		}
		parentPsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &OperationLogRecord{
			BaseRecord:    newBase(Operation),
			TransactionId: txnID,
			Metadata:      metadata,
			Undo:          undo,
			Redo:          redo,
			ParentRecord:  PhysicalLink{Psn: PhysicalSequenceNumber(parentPsn)},
		}, nil

	case EndTransaction:
		txnID, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		committed, err := readBool(br)
		if err != nil {
			return nil, err
		}
		parentPsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &EndTransactionLogRecord{
			BaseRecord:    newBase(EndTransaction),
			TransactionId: txnID,
			IsCommitted:   committed,
			ParentRecord:  PhysicalLink{Psn: PhysicalSequenceNumber(parentPsn)},
		}, nil

	case BeginCheckpoint:
		earliestPsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		stateByte, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		lastStable, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		pv, err := readProgressVector(br)
		if err != nil {
			return nil, err
		}
		periodicByte, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		lastCkpt, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		lastTrunc, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &BeginCheckpointLogRecord{
			BaseRecord:                 newBase(BeginCheckpoint),
			EarliestPendingTransaction: PhysicalLink{Psn: PhysicalSequenceNumber(earliestPsn)},
			CheckpointState:            CheckpointState(stateByte),
			LastStableLsn:              LogicalSequenceNumber(lastStable),
			ProgressVector:             pv,
			PeriodicState:              PeriodicCheckpointState(periodicByte),
			LastPeriodicCheckpointTime: lastCkpt,
			LastPeriodicTruncationTime: lastTrunc,
		}, nil

	case EndCheckpoint:
		beginPsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		logHeadLsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &EndCheckpointLogRecord{
			BaseRecord:            newBase(EndCheckpoint),
			BeginCheckpointRecord: PhysicalLink{Psn: PhysicalSequenceNumber(beginPsn)},
			LogHeadLsn:            LogicalSequenceNumber(logHeadLsn),
		}, nil

	case CompleteCheckpoint:
		logHeadPsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &CompleteCheckpointLogRecord{
			BaseRecord:    newBase(CompleteCheckpoint),
			LogHeadRecord: PhysicalLink{Psn: PhysicalSequenceNumber(logHeadPsn)},
		}, nil

	case TruncateHead:
		headPsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		newHeadLsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		truncState, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		return &TruncateHeadLogRecord{
			BaseRecord:      newBase(TruncateHead),
			HeadRecord:      PhysicalLink{Psn: PhysicalSequenceNumber(headPsn)},
			NewHeadLsn:      LogicalSequenceNumber(newHeadLsn),
			TruncationState: TruncationState(truncState),
		}, nil

	case TruncateTail:
		targetLsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &TruncateTailLogRecord{BaseRecord: newBase(TruncateTail), TargetTailLsn: LogicalSequenceNumber(targetLsn)}, nil

	case Backup:
		var backupID, parentID [16]byte
		if _, err := io.ReadFull(br, backupID[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(br, parentID[:]); err != nil {
			return nil, err
		}
		startEpoch, err := readEpoch(br)
		if err != nil {
			return nil, err
		}
		startLsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		endEpoch, err := readEpoch(br)
		if err != nil {
			return nil, err
		}
		endLsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		return &BackupLogRecord{
			BaseRecord:     newBase(Backup),
			BackupId:       backupID,
			ParentBackupId: parentID,
			StartingEpoch:  startEpoch,
			StartingLsn:    LogicalSequenceNumber(startLsn),
			BackupEpoch:    endEpoch,
			BackupLsn:      LogicalSequenceNumber(endLsn),
		}, nil

	case Information:
		eventByte, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		return &InformationLogRecord{BaseRecord: newBase(Information), InformationEvent: InformationEvent(eventByte)}, nil

	default:
		return nil, fmt.Errorf("unknown record type %d", t)
	}
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r io.ByteReader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeBytesField(buf *bytes.Buffer, b []byte) {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readBytesField(br *bytes.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(br, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lengthBytes[:])
	if length == 0 {
		return nil, nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeEpoch(buf *bytes.Buffer, e Epoch) {
	writeInt64(buf, e.DataLossVersion)
	writeInt64(buf, e.ConfigurationVersion)
}

func readEpoch(r io.Reader) (Epoch, error) {
	dataLoss, err := readInt64(r)
	if err != nil {
		return Epoch{}, err
	}
	config, err := readInt64(r)
	if err != nil {
		return Epoch{}, err
	}
	return Epoch{DataLossVersion: dataLoss, ConfigurationVersion: config}, nil
}

func writeProgressVector(buf *bytes.Buffer, pv []ProgressVectorEntry) {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(pv)))
	buf.Write(count[:])
	for _, e := range pv {
		writeEpoch(buf, e.Epoch)
		writeInt64(buf, int64(e.StartingLsn))
		writeUint64(buf, e.ReplicaId)
		writeInt64(buf, e.Timestamp)
	}
}

func readProgressVector(br *bytes.Reader) ([]ProgressVectorEntry, error) {
	var countBytes [4]byte
	if _, err := io.ReadFull(br, countBytes[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBytes[:])
	if count == 0 {
		return nil, nil
	}
	pv := make([]ProgressVectorEntry, count)
	for i := range pv {
		epoch, err := readEpoch(br)
		if err != nil {
			return nil, err
		}
		startingLsn, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		replicaID, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		timestamp, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		pv[i] = ProgressVectorEntry{
			Epoch:       epoch,
			StartingLsn: LogicalSequenceNumber(startingLsn),
			ReplicaId:   replicaID,
			Timestamp:   timestamp,
		}
	}
	return pv, nil
}
