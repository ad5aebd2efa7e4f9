package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{UserID: "user@example.com"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.NotEmpty(t, cfg.DeviceID)
	assert.LessOrEqual(t, len(cfg.DeviceID), 16)
	assert.Equal(t, "manual", cfg.ConflictResolution)
}

func TestValidateDeviceIDStable(t *testing.T) {
	a := &Config{UserID: "user@example.com"}
	b := &Config{UserID: "user@example.com"}
	require.NoError(t, a.Validate())
	require.NoError(t, b.Validate())
	assert.Equal(t, a.DeviceID, b.DeviceID)
}

func TestValidateRequiresUserID(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{UserID: "u@e.com", ServerURL: "not a url"}
	assert.Error(t, cfg.Validate())

	cfg = &Config{UserID: "u@e.com", Encoding: "xml"}
	assert.Error(t, cfg.Validate())

	cfg = &Config{UserID: "u@e.com", ConflictResolution: "coin_flip"}
	assert.Error(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := &Config{
		UserID:             "user@example.com",
		ServerURL:          "https://sync.example.com",
		AutoSync:           true,
		ConflictResolution: "auto_local",
	}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, got.Path)
	assert.Equal(t, "user@example.com", got.UserID)
	assert.Equal(t, "https://sync.example.com", got.ServerURL)
	assert.True(t, got.AutoSync)
	assert.Equal(t, "auto_local", got.ConflictResolution)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{UserID: "u@e.com", DataDir: "/tmp/ws"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("/tmp/ws", "worksync.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/tmp/ws", "backups"), cfg.BackupDir())
}
