package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/joydb/txlog/internal/record"
)

// Manager writes and restores backup folders under one root directory,
// following the layout of spec.md §6.2.
type Manager struct {
	root        string
	partitionID uuid.UUID
	replicaID   uint64
}

// NewManager builds a Manager rooted at root for the given partition and
// replica.
func NewManager(root string, partitionID uuid.UUID, replicaID uint64) *Manager {
	return &Manager{root: root, partitionID: partitionID, replicaID: replicaID}
}

// TakeFull writes a new full backup folder and returns its metadata and
// the folder it was written to. replicatorLog is the opaque byte stream
// the replicated log produced for this backup (may be empty); the caller
// populates StateManager/ separately, since its content is opaque to this
// layer per §6.2.
func (m *Manager) TakeFull(ctx context.Context, backupEpoch record.Epoch, backupLsn record.LogicalSequenceNumber, replicatorLog []byte) (Metadata, string, error) {
	meta := Metadata{
		Option:         OptionFull,
		BackupId:       uuid.New(),
		ParentBackupId: uuid.Nil,
		PartitionId:    m.partitionID,
		ReplicaId:      m.replicaID,
		StartingEpoch:  record.InvalidEpoch,
		StartingLsn:    record.InvalidLsn,
		BackupEpoch:    backupEpoch,
		BackupLsn:      backupLsn,
	}
	dir, err := m.writeFolder(meta, "FullMetadata", replicatorLog)
	return meta, dir, err
}

// TakeIncremental writes a new incremental backup folder chained off
// parent and returns its metadata and folder.
func (m *Manager) TakeIncremental(ctx context.Context, parent Metadata, backupEpoch record.Epoch, backupLsn record.LogicalSequenceNumber, replicatorLog []byte) (Metadata, string, error) {
	meta := Metadata{
		Option:         OptionIncremental,
		BackupId:       uuid.New(),
		ParentBackupId: parent.BackupId,
		PartitionId:    m.partitionID,
		ReplicaId:      m.replicaID,
		StartingEpoch:  parent.BackupEpoch,
		StartingLsn:    parent.BackupLsn + 1,
		BackupEpoch:    backupEpoch,
		BackupLsn:      backupLsn,
	}
	dir, err := m.writeFolder(meta, "IncrementalMetadata", replicatorLog)
	return meta, dir, err
}

func (m *Manager) writeFolder(meta Metadata, metadataFilename string, replicatorLog []byte) (string, error) {
	dir := filepath.Join(m.root, meta.BackupId.String())
	if err := os.MkdirAll(filepath.Join(dir, "StateManager"), 0755); err != nil {
		return "", fmt.Errorf("backup: creating StateManager dir under %s: %w", dir, err)
	}

	replicatorDir := filepath.Join(dir, "Replicator")
	if err := os.MkdirAll(replicatorDir, 0755); err != nil {
		return "", fmt.Errorf("backup: creating Replicator dir under %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(replicatorDir, "ReplicatorBackupLog"), replicatorLog, 0644); err != nil {
		return "", fmt.Errorf("backup: writing replicator log under %s: %w", dir, err)
	}

	if err := WriteFile(filepath.Join(dir, metadataFilename), meta); err != nil {
		return "", err
	}
	return dir, nil
}

// Restore validates the backup chain under m.root and returns it
// linearized, ready for sequential replay starting from the Full backup.
func (m *Manager) Restore(ctx context.Context) ([]ChainEntry, error) {
	return NewFolderInfo(m.root).AnalyzeAsync(ctx)
}
