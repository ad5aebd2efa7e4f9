package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// detectThemeConflict drives the detector into a single preferences_theme
// conflict between light (local) and dark (remote).
func detectThemeConflict(t *testing.T) *Detector {
	t.Helper()
	d := newInitializedDetector(t)

	remote := baseSnapshot("dev-b")
	remote.Preferences["theme"] = map[string]any{"mode": "dark"}

	res, err := d.SyncSettings(remote)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	return d
}

func TestResolveLocalKeepsLocalValue(t *testing.T) {
	d := detectThemeConflict(t)

	c, err := d.ResolveConflict(ResolveRequest{ConflictID: "preferences_theme", Resolution: ResolutionLocal})
	require.NoError(t, err)
	assert.Equal(t, ResolutionLocal, c.Resolution)

	theme := d.Current().Preferences["theme"].(map[string]any)
	assert.Equal(t, "light", theme["mode"])
	assert.Empty(t, d.Conflicts())
}

func TestResolveRemoteAdoptsRemoteValue(t *testing.T) {
	d := detectThemeConflict(t)

	_, err := d.ResolveConflict(ResolveRequest{ConflictID: "preferences_theme", Resolution: ResolutionRemote})
	require.NoError(t, err)

	theme := d.Current().Preferences["theme"].(map[string]any)
	assert.Equal(t, "dark", theme["mode"])
}

func TestResolveMergeAutoMergesObjects(t *testing.T) {
	d := newInitializedDetector(t)

	remote := baseSnapshot("dev-b")
	remote.Preferences["theme"] = map[string]any{"mode": "dark", "accent": "blue"}

	res, err := d.SyncSettings(remote)
	require.NoError(t, err)
	require.False(t, res.Success)

	_, err = d.ResolveConflict(ResolveRequest{ConflictID: "preferences_theme", Resolution: ResolutionMerge})
	require.NoError(t, err)

	theme := d.Current().Preferences["theme"].(map[string]any)
	assert.Equal(t, "dark", theme["mode"], "remote wins on key collision")
	assert.Equal(t, "blue", theme["accent"])
}

func TestResolveMergeWithExplicitValue(t *testing.T) {
	d := detectThemeConflict(t)

	_, err := d.ResolveConflict(ResolveRequest{
		ConflictID:  "preferences_theme",
		Resolution:  ResolutionMerge,
		MergedValue: []byte(`{"mode":"auto"}`),
	})
	require.NoError(t, err)

	theme := d.Current().Preferences["theme"].(map[string]any)
	assert.Equal(t, "auto", theme["mode"])
}

func TestResolveUnknownConflict(t *testing.T) {
	d := newInitializedDetector(t)
	_, err := d.ResolveConflict(ResolveRequest{ConflictID: "nope", Resolution: ResolutionLocal})
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestResolveEmitsNotification(t *testing.T) {
	d := detectThemeConflict(t)

	var resolved []*Conflict
	d.SetEvents(Events{ConflictResolved: func(c *Conflict) { resolved = append(resolved, c) }})

	_, err := d.ResolveConflict(ResolveRequest{ConflictID: "preferences_theme", Resolution: ResolutionLocal})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "preferences_theme", resolved[0].ID)
}

func TestResolveWorkspaceWithDottedID(t *testing.T) {
	d := NewDetector("dev-a")
	local := baseSnapshot("dev-a")
	local.Workspaces[0].ID = "ws.team.alpha"
	require.NoError(t, d.Initialize(local))

	remote := baseSnapshot("dev-b")
	remote.Workspaces[0].ID = "ws.team.alpha"
	remote.Workspaces[0].Name = "Shared"

	res, err := d.SyncSettings(remote)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "ws.team.alpha", res.Conflicts[0].EntityID)

	_, err = d.ResolveConflict(ResolveRequest{
		ConflictID: "workspace_settings_ws.team.alpha",
		Resolution: ResolutionRemote,
	})
	require.NoError(t, err)
	assert.Equal(t, "Shared", d.Current().Workspace("ws.team.alpha").Name)
}

func TestResolvePluginPermissions(t *testing.T) {
	d := newInitializedDetector(t)

	remote := baseSnapshot("dev-b")
	p := remote.Plugins["spellcheck"]
	p.Permissions = []string{"read", "net"}
	remote.Plugins["spellcheck"] = p

	res, err := d.SyncSettings(remote)
	require.NoError(t, err)
	require.False(t, res.Success)

	_, err = d.ResolveConflict(ResolveRequest{
		ConflictID: "plugin_permissions_spellcheck",
		Resolution: ResolutionMerge,
	})
	require.NoError(t, err)

	perms := d.Current().Plugins["spellcheck"].Permissions
	assert.ElementsMatch(t, []string{"read", "net"}, perms)
}
