package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitializedDetector(t *testing.T) *Detector {
	t.Helper()
	d := NewDetector("dev-a")
	require.NoError(t, d.Initialize(baseSnapshot("dev-a")))
	return d
}

func TestSyncIdenticalSnapshotKeepsChecksum(t *testing.T) {
	d := newInitializedDetector(t)
	before := d.Checksum()

	remote := baseSnapshot("dev-b")
	res, err := d.SyncSettings(remote)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Zero(t, res.Changes)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, before, d.Checksum())
}

func TestSyncCleanMergeAdoptsResult(t *testing.T) {
	d := newInitializedDetector(t)
	before := d.Current()

	remote := baseSnapshot("dev-b")
	remote.Timestamp = 2000
	remote.Preferences["editor"] = map[string]any{"font": "mono"}

	res, err := d.SyncSettings(remote)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Changes)

	cur := d.Current()
	assert.Contains(t, cur.Preferences, "editor")
	assert.NotEqual(t, before.Version, cur.Version)
	assert.Equal(t, "dev-a", cur.DeviceID)
	assert.Equal(t, uint64(1), cur.VectorClock.Get("dev-a"))
}

func TestSyncWithConflictDoesNotMutate(t *testing.T) {
	d := newInitializedDetector(t)
	before := d.Checksum()

	var notified []*Conflict
	d.SetEvents(Events{ConflictDetected: func(c *Conflict) { notified = append(notified, c) }})

	remote := baseSnapshot("dev-b")
	remote.Preferences["theme"] = map[string]any{"mode": "dark"}

	res, err := d.SyncSettings(remote)
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "preferences_theme", res.Conflicts[0].ID)
	assert.Equal(t, before, d.Checksum(), "local snapshot untouched on conflict")
	assert.Len(t, notified, 1)
	assert.Len(t, d.Conflicts(), 1)
}

func TestSyncSingleFlight(t *testing.T) {
	d := newInitializedDetector(t)

	// hold the single-flight guard as an in-flight sync would
	d.syncMu.Lock()
	_, err := d.SyncSettings(baseSnapshot("dev-b"))
	assert.ErrorIs(t, err, ErrSyncInProgress)
	d.syncMu.Unlock()

	// released guard lets the next attempt through
	res, err := d.SyncSettings(baseSnapshot("dev-b"))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSyncBeforeInitialize(t *testing.T) {
	d := NewDetector("dev-a")
	_, err := d.SyncSettings(baseSnapshot("dev-b"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}
