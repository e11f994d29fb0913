package record

// TransactionalRecord is implemented by the three record kinds that belong
// to a transaction (spec.md §3.1/§4.5): BeginTransaction, Operation and
// EndTransaction.
type TransactionalRecord interface {
	LogRecord
	GetTransactionId() uint64
	GetParentRecord() PhysicalLink
}

// IndexingLogRecord anchors the start of a new epoch at a given physical
// position; recovery's tail search and the replicated log manager's index
// both walk the chain of indexing records to locate epoch boundaries.
type IndexingLogRecord struct {
	BaseRecord
	Epoch Epoch
}

func NewIndexingLogRecord(epoch Epoch) *IndexingLogRecord {
	r := &IndexingLogRecord{BaseRecord: newBase(Indexing), Epoch: epoch}
	return r
}

// UpdateEpochLogRecord records a configuration change: a new epoch starting
// at this record's Lsn, proposed by ReplicaId.
type UpdateEpochLogRecord struct {
	BaseRecord
	Epoch     Epoch
	ReplicaId uint64
}

func NewUpdateEpochLogRecord(epoch Epoch, replicaID uint64) *UpdateEpochLogRecord {
	return &UpdateEpochLogRecord{BaseRecord: newBase(UpdateEpoch), Epoch: epoch, ReplicaId: replicaID}
}

// BarrierLogRecord is a content-free synchronization point: every record
// before it in Lsn order is guaranteed visible once the barrier's waiters
// are satisfied (spec.md §4.6/§4.7).
type BarrierLogRecord struct {
	BaseRecord
}

func NewBarrierLogRecord() *BarrierLogRecord {
	return &BarrierLogRecord{BaseRecord: newBase(Barrier)}
}

// BeginTransactionLogRecord opens a transaction. When IsSingleOperation is
// set, the transaction's one operation is carried in this record and the
// operation processor applies it on arrival and never unlocks it. Such a
// transaction is still closed by its own EndTransaction record; recovery
// keeps it pending until that record is replayed.
type BeginTransactionLogRecord struct {
	BaseRecord
	TransactionId     uint64
	IsSingleOperation bool
	Metadata          []byte
	Undo              []byte
	Redo              []byte
}

func NewBeginTransactionLogRecord(txnID uint64, isSingleOp bool, metadata, undo, redo []byte) *BeginTransactionLogRecord {
	return &BeginTransactionLogRecord{
		BaseRecord:        newBase(BeginTransaction),
		TransactionId:     txnID,
		IsSingleOperation: isSingleOp,
		Metadata:          metadata,
		Undo:              undo,
		Redo:              redo,
	}
}

func (r *BeginTransactionLogRecord) GetTransactionId() uint64    { return r.TransactionId }
func (r *BeginTransactionLogRecord) GetParentRecord() PhysicalLink { return InvalidPhysicalLink }

// OperationLogRecord is one state-changing step inside a transaction. The
// ParentRecord link chains to the previous record (Begin or prior
// Operation) written under the same TransactionId, letting the operation
// processor and recovery walk a transaction backward without a side index.
type OperationLogRecord struct {
	BaseRecord
	TransactionId uint64
	Metadata      []byte
	Undo          []byte
	Redo          []byte
	ParentRecord  PhysicalLink
}

func NewOperationLogRecord(txnID uint64, parent PhysicalLink, metadata, undo, redo []byte) *OperationLogRecord {
	return &OperationLogRecord{
		BaseRecord:    newBase(Operation),
		TransactionId: txnID,
		Metadata:      metadata,
		Undo:          undo,
		Redo:          redo,
		ParentRecord:  parent,
	}
}

func (r *OperationLogRecord) GetTransactionId() uint64      { return r.TransactionId }
func (r *OperationLogRecord) GetParentRecord() PhysicalLink { return r.ParentRecord }

// EndTransactionLogRecord closes a transaction, committed or aborted.
type EndTransactionLogRecord struct {
	BaseRecord
	TransactionId uint64
	IsCommitted   bool
	ParentRecord  PhysicalLink
}

func NewEndTransactionLogRecord(txnID uint64, committed bool, parent PhysicalLink) *EndTransactionLogRecord {
	return &EndTransactionLogRecord{
		BaseRecord:    newBase(EndTransaction),
		TransactionId: txnID,
		IsCommitted:   committed,
		ParentRecord:  parent,
	}
}

func (r *EndTransactionLogRecord) GetTransactionId() uint64      { return r.TransactionId }
func (r *EndTransactionLogRecord) GetParentRecord() PhysicalLink { return r.ParentRecord }

// BeginCheckpointLogRecord opens a checkpoint. EarliestPendingTransaction
// pins the oldest still-open transaction at the moment the checkpoint was
// taken; a crash before EndCheckpoint forces recovery to replay from there.
// The periodic-checkpoint fields are the persisted form of the state
// described in spec.md §3.5, carried so a restart resumes the policy
// without losing track of elapsed time.
type BeginCheckpointLogRecord struct {
	BaseRecord
	EarliestPendingTransaction PhysicalLink
	CheckpointState            CheckpointState
	LastStableLsn              LogicalSequenceNumber
	ProgressVector             []ProgressVectorEntry
	PeriodicState              PeriodicCheckpointState
	LastPeriodicCheckpointTime int64
	LastPeriodicTruncationTime int64
}

func NewBeginCheckpointLogRecord(earliestPending PhysicalLink, lastStable LogicalSequenceNumber, pv []ProgressVectorEntry) *BeginCheckpointLogRecord {
	return &BeginCheckpointLogRecord{
		BaseRecord:                 newBase(BeginCheckpoint),
		EarliestPendingTransaction: earliestPending,
		CheckpointState:            CheckpointStateReady,
		LastStableLsn:              lastStable,
		ProgressVector:             pv,
		PeriodicState:              PeriodicNotStarted,
	}
}

// EndCheckpointLogRecord closes a checkpoint. BeginCheckpointRecord links
// back to the BeginCheckpoint this record completes; LogHeadLsn is the
// earliest Lsn still needed after this checkpoint (spec.md §4.8).
type EndCheckpointLogRecord struct {
	BaseRecord
	BeginCheckpointRecord PhysicalLink
	LogHeadLsn            LogicalSequenceNumber
}

func NewEndCheckpointLogRecord(begin PhysicalLink, logHeadLsn LogicalSequenceNumber) *EndCheckpointLogRecord {
	return &EndCheckpointLogRecord{
		BaseRecord:            newBase(EndCheckpoint),
		BeginCheckpointRecord: begin,
		LogHeadLsn:            logHeadLsn,
	}
}

// CompleteCheckpointLogRecord marks that the checkpoint file itself has
// been durably written; LogHeadRecord links to the indexing record that
// becomes the new log head once truncation runs.
type CompleteCheckpointLogRecord struct {
	BaseRecord
	LogHeadRecord PhysicalLink
}

func NewCompleteCheckpointLogRecord(logHead PhysicalLink) *CompleteCheckpointLogRecord {
	return &CompleteCheckpointLogRecord{BaseRecord: newBase(CompleteCheckpoint), LogHeadRecord: logHead}
}

// TruncateHeadLogRecord moves the log's reachable head forward.
// HeadRecord links to the indexing record that becomes the new head;
// TruncationState tracks whether the physical bytes before it have
// actually been discarded yet.
type TruncateHeadLogRecord struct {
	BaseRecord
	HeadRecord      PhysicalLink
	NewHeadLsn      LogicalSequenceNumber
	TruncationState TruncationState
}

func NewTruncateHeadLogRecord(headRecord PhysicalLink, newHeadLsn LogicalSequenceNumber) *TruncateHeadLogRecord {
	return &TruncateHeadLogRecord{
		BaseRecord:      newBase(TruncateHead),
		HeadRecord:      headRecord,
		NewHeadLsn:      newHeadLsn,
		TruncationState: TruncationReady,
	}
}

// TruncateTailLogRecord undoes false progress: every physical record after
// TargetTailLsn must be undone and discarded (spec.md §4.10).
type TruncateTailLogRecord struct {
	BaseRecord
	TargetTailLsn LogicalSequenceNumber
}

func NewTruncateTailLogRecord(targetTailLsn LogicalSequenceNumber) *TruncateTailLogRecord {
	return &TruncateTailLogRecord{BaseRecord: newBase(TruncateTail), TargetTailLsn: targetTailLsn}
}

// BackupLogRecord marks that a backup was taken covering
// [StartingEpoch,StartingLsn] through [BackupEpoch,BackupLsn]. Field names
// mirror the backup metadata file's own fields (spec.md §3.6) so the two
// stay trivially comparable during chain analysis.
type BackupLogRecord struct {
	BaseRecord
	BackupId       [16]byte
	ParentBackupId [16]byte
	StartingEpoch  Epoch
	StartingLsn    LogicalSequenceNumber
	BackupEpoch    Epoch
	BackupLsn      LogicalSequenceNumber
}

func NewBackupLogRecord(id, parent [16]byte, startEpoch Epoch, startLsn LogicalSequenceNumber, endEpoch Epoch, endLsn LogicalSequenceNumber) *BackupLogRecord {
	return &BackupLogRecord{
		BaseRecord:     newBase(Backup),
		BackupId:       id,
		ParentBackupId: parent,
		StartingEpoch:  startEpoch,
		StartingLsn:    startLsn,
		BackupEpoch:    endEpoch,
		BackupLsn:      endLsn,
	}
}

// InformationLogRecord is a content-free audit marker (replica created,
// recovered, closed, restored from backup, ...).
type InformationLogRecord struct {
	BaseRecord
	InformationEvent InformationEvent
}

func NewInformationLogRecord(event InformationEvent) *InformationLogRecord {
	return &InformationLogRecord{BaseRecord: newBase(Information), InformationEvent: event}
}
