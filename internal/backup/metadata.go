// Package backup implements the backup metadata file format and folder
// analysis of spec.md §4.11/§6.2: a fixed, length-prefixed metadata record
// per backup folder, and a directory walk that validates and linearizes
// the Full→Incremental chain a restore replays.
//
// The temp-file-then-rename write path is grounded on
// _examples/LeeNgari-RDBMS/internal/storage/writer/writer.go's SaveTable,
// generalized from JSON documents to a fixed binary layout. The checksum
// placement (trailing footer, crc32.ChecksumIEEE) is grounded on
// _examples/LeeNgari-RDBMS/internal/wal/recovery.go's CalculateFileCRC32.
package backup

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"

	"github.com/joydb/txlog/internal/record"
)

// Option distinguishes a full backup from an incremental one (spec.md
// §3.6's backup-option).
type Option uint32

const (
	OptionInvalid Option = iota
	OptionFull
	OptionIncremental
)

func (o Option) String() string {
	switch o {
	case OptionFull:
		return "Full"
	case OptionIncremental:
		return "Incremental"
	default:
		return "Invalid"
	}
}

// Metadata is the fixed-layout backup metadata record of spec.md §3.6/§6.2.
type Metadata struct {
	Option         Option
	BackupId       uuid.UUID
	ParentBackupId uuid.UUID
	PartitionId    uuid.UUID
	ReplicaId      uint64
	StartingEpoch  record.Epoch
	StartingLsn    record.LogicalSequenceNumber
	BackupEpoch    record.Epoch
	BackupLsn      record.LogicalSequenceNumber
}

const (
	backupMagic      = 0x42414b31 // "1KAB" little-endian
	metadataVersion1 = 1

	metadataBodySize = 116 // everything but the trailing crc32 footer
	metadataFileSize = metadataBodySize + 4
)

// WriteFile serializes m to path using a temp-file-then-rename so a
// cancelled or crashed write never leaves a partial metadata file visible
// under its real name.
func WriteFile(path string, m Metadata) error {
	body := make([]byte, metadataBodySize)
	binary.LittleEndian.PutUint32(body[0:4], backupMagic)
	binary.LittleEndian.PutUint32(body[4:8], metadataVersion1)
	binary.LittleEndian.PutUint32(body[8:12], uint32(m.Option))
	copy(body[12:28], m.BackupId[:])
	copy(body[28:44], m.ParentBackupId[:])
	copy(body[44:60], m.PartitionId[:])
	binary.LittleEndian.PutUint64(body[60:68], m.ReplicaId)
	binary.LittleEndian.PutUint64(body[68:76], uint64(m.StartingEpoch.DataLossVersion))
	binary.LittleEndian.PutUint64(body[76:84], uint64(m.StartingEpoch.ConfigurationVersion))
	binary.LittleEndian.PutUint64(body[84:92], uint64(m.StartingLsn))
	binary.LittleEndian.PutUint64(body[92:100], uint64(m.BackupEpoch.DataLossVersion))
	binary.LittleEndian.PutUint64(body[100:108], uint64(m.BackupEpoch.ConfigurationVersion))
	binary.LittleEndian.PutUint64(body[108:116], uint64(m.BackupLsn))

	out := make([]byte, metadataFileSize)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[metadataBodySize:], crc32.ChecksumIEEE(body))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return fmt.Errorf("backup: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backup: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// ReadFile is the inverse of WriteFile: it verifies the file size and the
// footer checksum before trusting any field.
func ReadFile(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("backup: read %s: %w", path, err)
	}
	if len(data) != metadataFileSize {
		return Metadata{}, fmt.Errorf("backup: %s has size %d, want %d", path, len(data), metadataFileSize)
	}

	body := data[:metadataBodySize]
	wantCRC := binary.LittleEndian.Uint32(data[metadataBodySize:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return Metadata{}, fmt.Errorf("backup: %s checksum mismatch: got %08x want %08x", path, gotCRC, wantCRC)
	}

	if magic := binary.LittleEndian.Uint32(body[0:4]); magic != backupMagic {
		return Metadata{}, fmt.Errorf("backup: %s has bad magic %08x", path, magic)
	}

	var m Metadata
	m.Option = Option(binary.LittleEndian.Uint32(body[8:12]))
	copy(m.BackupId[:], body[12:28])
	copy(m.ParentBackupId[:], body[28:44])
	copy(m.PartitionId[:], body[44:60])
	m.ReplicaId = binary.LittleEndian.Uint64(body[60:68])
	m.StartingEpoch.DataLossVersion = int64(binary.LittleEndian.Uint64(body[68:76]))
	m.StartingEpoch.ConfigurationVersion = int64(binary.LittleEndian.Uint64(body[76:84]))
	m.StartingLsn = record.LogicalSequenceNumber(binary.LittleEndian.Uint64(body[84:92]))
	m.BackupEpoch.DataLossVersion = int64(binary.LittleEndian.Uint64(body[92:100]))
	m.BackupEpoch.ConfigurationVersion = int64(binary.LittleEndian.Uint64(body[100:108]))
	m.BackupLsn = record.LogicalSequenceNumber(binary.LittleEndian.Uint64(body[108:116]))
	return m, nil
}
