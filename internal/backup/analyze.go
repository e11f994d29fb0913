package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/joydb/txlog/internal/faberr"
)

// ChainEntry pairs a decoded Metadata with the backup folder it came from.
type ChainEntry struct {
	Metadata Metadata
	Dir      string
}

// FolderInfo analyzes a directory of backup folders per spec.md §4.11.
type FolderInfo struct {
	root string
}

// NewFolderInfo builds a FolderInfo rooted at root, a directory whose
// immediate subdirectories are each one backup folder laid out per §6.2.
func NewFolderInfo(root string) *FolderInfo {
	return &FolderInfo{root: root}
}

// AnalyzeAsync validates the backup chain rooted at f.root and returns it
// linearized from the Full backup through its deepest unique descendant,
// per the rules validateChain applies.
func (f *FolderInfo) AnalyzeAsync(ctx context.Context) ([]ChainEntry, error) {
	dirEntries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("backup: reading %s: %w", f.root, err)
	}

	var entries []ChainEntry
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(f.root, de.Name())
		meta, err := loadFolderMetadata(dir)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ChainEntry{Metadata: meta, Dir: dir})
	}

	return validateChain(entries)
}

func loadFolderMetadata(dir string) (Metadata, error) {
	fullPath := filepath.Join(dir, "FullMetadata")
	if _, err := os.Stat(fullPath); err == nil {
		return ReadFile(fullPath)
	}
	incPath := filepath.Join(dir, "IncrementalMetadata")
	if _, err := os.Stat(incPath); err == nil {
		return ReadFile(incPath)
	}
	return Metadata{}, fmt.Errorf("backup: %s contains neither FullMetadata nor IncrementalMetadata", dir)
}

// validateChain applies rules 1-4 and 6 of spec.md §4.11 against the flat
// set of backup folders found under a root. An incremental's StartingLsn is
// not checked against its parent's BackupLsn.
func validateChain(entries []ChainEntry) ([]ChainEntry, error) {
	byID := make(map[uuid.UUID]*ChainEntry, len(entries))
	for i := range entries {
		byID[entries[i].Metadata.BackupId] = &entries[i]
	}

	// Rule 1: exactly one Full.
	var full *ChainEntry
	fullCount := 0
	for i := range entries {
		if entries[i].Metadata.Option == OptionFull {
			fullCount++
			full = &entries[i]
		}
	}
	if fullCount == 0 {
		return nil, faberr.New(faberr.MissingFullBackup, "backup", "no full backup present in "+fmt.Sprint(len(entries))+" folders")
	}
	if fullCount > 1 {
		return nil, faberr.New(faberr.InvalidOperation, "backup", "more than one full backup present")
	}

	// Rule 2: every incremental's parent must be a known backup.
	children := make(map[uuid.UUID][]*ChainEntry)
	for i := range entries {
		e := &entries[i]
		if e.Metadata.Option != OptionIncremental {
			continue
		}
		parent, ok := byID[e.Metadata.ParentBackupId]
		if !ok {
			return nil, faberr.New(faberr.InvalidParameter, "backup", fmt.Sprintf("incremental %s's parent %s is absent", e.Metadata.BackupId, e.Metadata.ParentBackupId))
		}
		if e.Metadata.StartingLsn < parent.Metadata.StartingLsn {
			return nil, faberr.New(faberr.InvalidParameter, "backup", fmt.Sprintf("incremental %s starts before its parent's chain begins", e.Metadata.BackupId))
		}
		children[e.Metadata.ParentBackupId] = append(children[e.Metadata.ParentBackupId], e)
	}

	// Rule 4: dataLossVersion must be non-decreasing along every edge.
	for parentID, kids := range children {
		parent := byID[parentID]
		for _, k := range kids {
			parentDLV := parent.Metadata.BackupEpoch.DataLossVersion
			if k.Metadata.StartingEpoch.DataLossVersion < parentDLV || k.Metadata.BackupEpoch.DataLossVersion < parentDLV {
				return nil, faberr.New(faberr.InvalidParameter, "backup", fmt.Sprintf("incremental %s's epoch regresses data-loss version", k.Metadata.BackupId))
			}
		}
	}

	subtreeSize := make(map[uuid.UUID]int)
	var sizeOf func(id uuid.UUID) int
	sizeOf = func(id uuid.UUID) int {
		if s, ok := subtreeSize[id]; ok {
			return s
		}
		total := 1
		for _, c := range children[id] {
			total += sizeOf(c.Metadata.BackupId)
		}
		subtreeSize[id] = total
		return total
	}
	sizeOf(full.Metadata.BackupId)

	// Rule 3: at most one child branch per fork may grow beyond itself.
	for id, kids := range children {
		growing := 0
		for _, k := range kids {
			if sizeOf(k.Metadata.BackupId) >= 2 {
				growing++
			}
		}
		if growing > 1 {
			return nil, faberr.New(faberr.InvalidParameter, "backup", fmt.Sprintf("backup %s has more than one growing branch", id))
		}
	}

	// Rule 6: walk the surviving linear path, trimming dead single-node
	// siblings at every fork. Branches of equal subtree size break the tie
	// on whichever backup reaches the higher BackupLsn, not directory order.
	chain := []ChainEntry{*full}
	current := full
	for {
		kids := children[current.Metadata.BackupId]
		if len(kids) == 0 {
			break
		}
		next := kids[0]
		for _, k := range kids[1:] {
			ks, ns := sizeOf(k.Metadata.BackupId), sizeOf(next.Metadata.BackupId)
			if ks > ns || (ks == ns && k.Metadata.BackupLsn > next.Metadata.BackupLsn) {
				next = k
			}
		}
		chain = append(chain, *next)
		current = next
	}
	return chain, nil
}
