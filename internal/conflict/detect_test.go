package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/worksync/internal/vclock"
)

func baseSnapshot(deviceID string) *Snapshot {
	return &Snapshot{
		Workspaces: []Workspace{
			{
				ID:       "ws-main",
				Name:     "Main",
				Settings: map[string]any{"layout": "grid"},
				Apps: []WorkspaceApp{
					{ID: "app-mail", Name: "Mail"},
				},
			},
		},
		Plugins: map[string]PluginConfig{
			"spellcheck": {
				Enabled:     true,
				Settings:    map[string]any{"lang": "en"},
				Permissions: []string{"read"},
			},
		},
		Preferences: map[string]any{
			"theme": map[string]any{"mode": "light"},
		},
		Version:   "1",
		Timestamp: 1000,
		DeviceID:  deviceID,
	}
}

func TestDetectNoConflictsOnIdenticalSnapshots(t *testing.T) {
	local := baseSnapshot("dev-a")
	remote := local.Clone()
	remote.DeviceID = "dev-b"

	assert.Empty(t, DetectConflicts(local, remote))
}

func TestDetectPreferenceConflictDeterministicID(t *testing.T) {
	local := baseSnapshot("dev-a")
	remote := baseSnapshot("dev-b")
	remote.Preferences["theme"] = map[string]any{"mode": "dark"}

	conflicts := DetectConflicts(local, remote)
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.Equal(t, "preferences_theme", c.ID)
	assert.Equal(t, "preferences.theme", c.Path)
	assert.Equal(t, TypeConcurrentEdit, c.Type)
	assert.JSONEq(t, `{"mode":"light"}`, string(c.Local.Value))
	assert.JSONEq(t, `{"mode":"dark"}`, string(c.Remote.Value))
}

func TestDetectPluginConflicts(t *testing.T) {
	local := baseSnapshot("dev-a")
	remote := baseSnapshot("dev-b")
	remote.Plugins["spellcheck"] = PluginConfig{
		Enabled:     true,
		Settings:    map[string]any{"lang": "de"},
		Permissions: []string{"read", "write"},
	}

	conflicts := DetectConflicts(local, remote)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "plugin_permissions_spellcheck", conflicts[0].ID)
	assert.Equal(t, "plugin_settings_spellcheck", conflicts[1].ID)
	assert.Equal(t, TypePluginPermissions, conflicts[0].Type)
	assert.Equal(t, TypePluginSettings, conflicts[1].Type)
}

func TestDetectWorkspaceConflicts(t *testing.T) {
	local := baseSnapshot("dev-a")
	remote := baseSnapshot("dev-b")
	remote.Workspaces[0].Settings = map[string]any{"layout": "list"}
	remote.Workspaces[0].Apps = append(remote.Workspaces[0].Apps, WorkspaceApp{ID: "app-cal"})

	conflicts := DetectConflicts(local, remote)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "workspace_apps_ws-main", conflicts[0].ID)
	assert.Equal(t, "workspace_settings_ws-main", conflicts[1].ID)
}

func TestDetectAdditionsAreNotConflicts(t *testing.T) {
	local := baseSnapshot("dev-a")
	remote := baseSnapshot("dev-b")
	remote.Workspaces = append(remote.Workspaces, Workspace{ID: "ws-new"})
	remote.Plugins["translator"] = PluginConfig{Enabled: true}
	remote.Preferences["editor"] = map[string]any{"font": "mono"}

	assert.Empty(t, DetectConflicts(local, remote))
}

func TestDetectOrderedClocksSkipScan(t *testing.T) {
	local := baseSnapshot("dev-a")
	remote := baseSnapshot("dev-b")
	remote.Preferences["theme"] = map[string]any{"mode": "dark"}

	// remote causally follows local, so the divergence is not concurrent
	local.VectorClock = vclock.Clock{"dev-a": 1}
	remote.VectorClock = vclock.Clock{"dev-a": 1, "dev-b": 2}

	assert.Empty(t, DetectConflicts(local, remote))

	// concurrent clocks do conflict
	remote.VectorClock = vclock.Clock{"dev-b": 2}
	assert.Len(t, DetectConflicts(local, remote), 1)
}
