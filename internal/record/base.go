package record

// LogRecord is implemented by every record variant. The getters/setters
// form the common header spec.md §3.1 requires on every record
// (RecordType, Lsn, Psn, RecordPosition, RecordLength) plus the physical
// chain link every record carries once inserted into a local log.
type LogRecord interface {
	GetRecordType() RecordType
	GetLsn() LogicalSequenceNumber
	SetLsn(LogicalSequenceNumber)
	GetPsn() PhysicalSequenceNumber
	SetPsn(PhysicalSequenceNumber)
	GetRecordPosition() int64
	SetRecordPosition(int64)
	GetRecordLength() uint32
	SetRecordLength(uint32)
	GetPreviousPhysicalRecord() PhysicalLink
	SetPreviousPhysicalRecord(PhysicalLink)
}

// BaseRecord is embedded by every concrete record struct and supplies the
// LogRecord method set by promotion.
type BaseRecord struct {
	RecordType             RecordType
	Lsn                    LogicalSequenceNumber
	Psn                    PhysicalSequenceNumber
	RecordPosition         int64
	RecordLength           uint32
	PreviousPhysicalRecord PhysicalLink
}

func newBase(t RecordType) BaseRecord {
	return BaseRecord{
		RecordType:             t,
		Lsn:                    InvalidLsn,
		Psn:                    InvalidPsn,
		RecordPosition:         InvalidRecordPosition,
		RecordLength:           InvalidRecordLength,
		PreviousPhysicalRecord: InvalidPhysicalLink,
	}
}

func (b *BaseRecord) GetRecordType() RecordType { return b.RecordType }

func (b *BaseRecord) GetLsn() LogicalSequenceNumber { return b.Lsn }
func (b *BaseRecord) SetLsn(v LogicalSequenceNumber) { b.Lsn = v }

func (b *BaseRecord) GetPsn() PhysicalSequenceNumber { return b.Psn }
func (b *BaseRecord) SetPsn(v PhysicalSequenceNumber) { b.Psn = v }

func (b *BaseRecord) GetRecordPosition() int64  { return b.RecordPosition }
func (b *BaseRecord) SetRecordPosition(v int64) { b.RecordPosition = v }

func (b *BaseRecord) GetRecordLength() uint32  { return b.RecordLength }
func (b *BaseRecord) SetRecordLength(v uint32) { b.RecordLength = v }

func (b *BaseRecord) GetPreviousPhysicalRecord() PhysicalLink { return b.PreviousPhysicalRecord }
func (b *BaseRecord) SetPreviousPhysicalRecord(l PhysicalLink) { b.PreviousPhysicalRecord = l }
