package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/worksync/internal/conflict"
)

func testSnapshot() *conflict.Snapshot {
	return &conflict.Snapshot{
		Workspaces: []conflict.Workspace{
			{ID: "ws-main", Name: "Main", Settings: map[string]any{"layout": "grid"}},
		},
		Preferences: map[string]any{"theme": map[string]any{"mode": "light"}},
		Version:     "7",
		Timestamp:   1000,
		DeviceID:    "dev-a",
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.tar.gz")
	snap := testSnapshot()

	require.NoError(t, Export(path, snap, NewMetadata(snap, "Laptop")))

	got, meta, err := Import(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum(), got.Checksum())
	assert.Equal(t, "dev-a", meta.DeviceID)
	assert.Equal(t, "Laptop", meta.DeviceName)
	assert.Equal(t, snap.Checksum(), meta.Checksum)
	assert.WithinDuration(t, time.Now(), meta.CreatedAt, time.Minute)
}

func TestImportMissingFile(t *testing.T) {
	_, _, err := Import(filepath.Join(t.TempDir(), "nope.tar.gz"))
	assert.Error(t, err)
}

func TestImportChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	snap := testSnapshot()

	meta := NewMetadata(snap, "")
	meta.Checksum = "deadbeef"
	require.NoError(t, Export(path, snap, meta))

	_, _, err := Import(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBackupCreateAndRestore(t *testing.T) {
	b, err := NewBackupManager(t.TempDir(), 5)
	require.NoError(t, err)

	snap := testSnapshot()
	path, err := b.Create(snap, "Laptop")
	require.NoError(t, err)
	assert.FileExists(t, path)

	got, meta, err := b.RestoreLatest()
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum(), got.Checksum())
	assert.Equal(t, "dev-a", meta.DeviceID)
}

func TestBackupRetentionBound(t *testing.T) {
	b, err := NewBackupManager(t.TempDir(), 2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := b.Create(testSnapshot(), "")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond) // distinct timestamps in names
	}

	backups, err := b.List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestRestoreWithoutBackups(t *testing.T) {
	b, err := NewBackupManager(t.TempDir(), 2)
	require.NoError(t, err)

	_, _, err = b.RestoreLatest()
	assert.Error(t, err)
}

func TestImportWithBackupSnapshotsCurrent(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackupManager(filepath.Join(dir, "backups"), 5)
	require.NoError(t, err)

	incoming := testSnapshot()
	incoming.Preferences["theme"] = map[string]any{"mode": "dark"}
	archivePath := filepath.Join(dir, "incoming.tar.gz")
	require.NoError(t, Export(archivePath, incoming, NewMetadata(incoming, "")))

	current := testSnapshot()
	got, _, err := ImportWithBackup(archivePath, current, b, "Laptop")
	require.NoError(t, err)
	assert.Equal(t, incoming.Checksum(), got.Checksum())

	// the pre-import state is restorable
	restored, _, err := b.RestoreLatest()
	require.NoError(t, err)
	assert.Equal(t, current.Checksum(), restored.Checksum())
}
