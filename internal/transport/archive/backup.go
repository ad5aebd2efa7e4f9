package archive

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flowmesh/worksync/internal/conflict"
	"github.com/flowmesh/worksync/internal/utils"
)

const (
	backupPrefix  = "worksync-backup-"
	backupSuffix  = ".tar.gz"
	defaultRetain = 10
)

// BackupManager keeps a bounded set of snapshot backups, created before
// destructive operations like import or restore.
type BackupManager struct {
	dir    string
	retain int
}

// NewBackupManager creates the backup directory if needed. A retain of 0
// keeps the default of 10 backups.
func NewBackupManager(dir string, retain int) (*BackupManager, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	if retain <= 0 {
		retain = defaultRetain
	}
	return &BackupManager{dir: dir, retain: retain}, nil
}

// Create writes a backup of the snapshot and prunes old ones past the
// retention bound. Returns the backup path.
func (b *BackupManager) Create(snap *conflict.Snapshot, deviceName string) (string, error) {
	name := fmt.Sprintf("%s%s%s", backupPrefix, time.Now().UTC().Format("20060102-150405.000"), backupSuffix)
	path := filepath.Join(b.dir, name)

	if err := Export(path, snap, NewMetadata(snap, deviceName)); err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	b.prune()

	slog.Info("backup created", "path", path)
	return path, nil
}

// List returns backup paths, newest first.
func (b *BackupManager) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > len(backupPrefix)+len(backupSuffix) &&
			name[:len(backupPrefix)] == backupPrefix &&
			name[len(name)-len(backupSuffix):] == backupSuffix {
			out = append(out, filepath.Join(b.dir, name))
		}
	}

	// timestamped names sort chronologically
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// RestoreLatest imports the most recent backup.
func (b *BackupManager) RestoreLatest() (*conflict.Snapshot, *Metadata, error) {
	backups, err := b.List()
	if err != nil {
		return nil, nil, err
	}
	if len(backups) == 0 {
		return nil, nil, fmt.Errorf("no backups in %s", b.dir)
	}
	return Import(backups[0])
}

func (b *BackupManager) prune() {
	backups, err := b.List()
	if err != nil {
		slog.Warn("backup prune", "error", err)
		return
	}
	for _, path := range backups[min(b.retain, len(backups)):] {
		if err := os.Remove(path); err != nil {
			slog.Warn("backup prune", "path", path, "error", err)
		}
	}
}

// ImportWithBackup backs up the current snapshot, then imports the
// archive. The returned snapshot has not been adopted; callers feed it
// through the conflict detector.
func ImportWithBackup(path string, current *conflict.Snapshot, backups *BackupManager, deviceName string) (*conflict.Snapshot, *Metadata, error) {
	if current != nil && backups != nil {
		if _, err := backups.Create(current, deviceName); err != nil {
			return nil, nil, err
		}
	}
	return Import(path)
}
