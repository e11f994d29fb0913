// Package record implements the polymorphic, chained log-record model
// described in spec.md §3.1 and §4.1: typed records identified by a
// RecordType tag, each carrying an Lsn (logical sequence number), a Psn
// (physical sequence number), a byte RecordPosition, and a RecordLength,
// with a length-prefixed/suffixed binary encoding that lets a reader walk
// the log backward from any position.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/wal/types.go (binary layout,
// little-endian, CRC32 trailer, 8-byte alignment) generalized from the
// teacher's 7 DML-shaped record kinds to the spec's 13 polymorphic kinds.
package record

// LogicalSequenceNumber (LSN) is the per-replica monotonic id of a
// replicated logical record.
type LogicalSequenceNumber int64

// PhysicalSequenceNumber (PSN) is the per-log monotonic id of a physical
// record on disk.
type PhysicalSequenceNumber int64

// Invalid sentinels (spec.md §3.1: "An invalid sentinel has all four set to
// dedicated invalid constants").
const (
	InvalidLsn            LogicalSequenceNumber  = -1
	InvalidPsn            PhysicalSequenceNumber = -1
	InvalidRecordPosition int64                  = -1
	InvalidRecordLength   uint32                 = 0
)

// RecordType tags the variant of a LogRecord.
type RecordType uint8

const (
	Invalid RecordType = iota
	Indexing
	UpdateEpoch
	Barrier
	BeginTransaction
	Operation
	EndTransaction
	BeginCheckpoint
	EndCheckpoint
	CompleteCheckpoint
	TruncateHead
	TruncateTail
	Backup
	Information
)

func (t RecordType) String() string {
	switch t {
	case Invalid:
		return "Invalid"
	case Indexing:
		return "Indexing"
	case UpdateEpoch:
		return "UpdateEpoch"
	case Barrier:
		return "Barrier"
	case BeginTransaction:
		return "BeginTransaction"
	case Operation:
		return "Operation"
	case EndTransaction:
		return "EndTransaction"
	case BeginCheckpoint:
		return "BeginCheckpoint"
	case EndCheckpoint:
		return "EndCheckpoint"
	case CompleteCheckpoint:
		return "CompleteCheckpoint"
	case TruncateHead:
		return "TruncateHead"
	case TruncateTail:
		return "TruncateTail"
	case Backup:
		return "Backup"
	case Information:
		return "Information"
	default:
		return "Unknown"
	}
}

// IsPhysicalOnly reports whether t only ever participates in the physical
// chain (i.e. it never carries transactional content). Used by the
// dispatcher to classify processing mode (spec.md §4.6).
func (t RecordType) IsPhysicalOnly() bool {
	switch t {
	case Indexing, UpdateEpoch, TruncateTail, Information:
		return true
	default:
		return false
	}
}

// Epoch identifies a configuration era. Epochs strictly increase across a
// progress vector (spec.md §3.4).
type Epoch struct {
	DataLossVersion      int64
	ConfigurationVersion int64
}

// InvalidEpoch is the sentinel epoch for records written before any
// UpdateEpoch has been logged.
var InvalidEpoch = Epoch{DataLossVersion: -1, ConfigurationVersion: -1}

// Less reports whether e sorts strictly before o by (DataLossVersion,
// ConfigurationVersion).
func (e Epoch) Less(o Epoch) bool {
	if e.DataLossVersion != o.DataLossVersion {
		return e.DataLossVersion < o.DataLossVersion
	}
	return e.ConfigurationVersion < o.ConfigurationVersion
}

// Equal reports whether e and o identify the same epoch.
func (e Epoch) Equal(o Epoch) bool {
	return e.DataLossVersion == o.DataLossVersion && e.ConfigurationVersion == o.ConfigurationVersion
}

// ProgressVectorEntry is one entry of the progress vector (spec.md §3.4):
// the epoch that began at StartingLsn on ReplicaId, timestamped for
// diagnostics.
type ProgressVectorEntry struct {
	Epoch       Epoch
	StartingLsn LogicalSequenceNumber
	ReplicaId   uint64
	Timestamp   int64 // unix nanos
}

// CheckpointState tracks a BeginCheckpoint record through the protocol in
// spec.md §4.8.
type CheckpointState uint8

const (
	CheckpointStateInvalid CheckpointState = iota
	CheckpointStateReady
	CheckpointStatePrepared
	CheckpointStateCompleted
	CheckpointStateAborted
	CheckpointStateFaulted
)

func (s CheckpointState) String() string {
	switch s {
	case CheckpointStateReady:
		return "Ready"
	case CheckpointStatePrepared:
		return "Prepared"
	case CheckpointStateCompleted:
		return "Completed"
	case CheckpointStateAborted:
		return "Aborted"
	case CheckpointStateFaulted:
		return "Faulted"
	default:
		return "Invalid"
	}
}

// PeriodicCheckpointState is the persisted periodic-checkpoint policy state
// (spec.md §3.5), embedded in every BeginCheckpoint record so it survives a
// restart.
type PeriodicCheckpointState uint8

const (
	PeriodicNotStarted PeriodicCheckpointState = iota
	PeriodicReady
	PeriodicCheckpointStarted
	PeriodicCheckpointCompleted
	PeriodicTruncationStarted
)

func (s PeriodicCheckpointState) String() string {
	switch s {
	case PeriodicReady:
		return "Ready"
	case PeriodicCheckpointStarted:
		return "CheckpointStarted"
	case PeriodicCheckpointCompleted:
		return "CheckpointCompleted"
	case PeriodicTruncationStarted:
		return "TruncationStarted"
	default:
		return "NotStarted"
	}
}

// TruncationState tracks a TruncateHeadLogRecord (spec.md §3.1).
type TruncationState uint8

const (
	TruncationInvalid TruncationState = iota
	TruncationReady
	TruncationApplied
)

func (s TruncationState) String() string {
	switch s {
	case TruncationReady:
		return "Ready"
	case TruncationApplied:
		return "Applied"
	default:
		return "Invalid"
	}
}

// InformationEvent names the audit event an Information record marks
// (spec.md §3.1).
type InformationEvent uint8

const (
	InformationInvalid InformationEvent = iota
	InformationCreated
	InformationRecovered
	InformationClosed
	InformationRestoredFromBackup
	InformationBuildCompleted
)

func (e InformationEvent) String() string {
	switch e {
	case InformationCreated:
		return "Created"
	case InformationRecovered:
		return "Recovered"
	case InformationClosed:
		return "Closed"
	case InformationRestoredFromBackup:
		return "RestoredFromBackup"
	case InformationBuildCompleted:
		return "BuildCompleted"
	default:
		return "Invalid"
	}
}
