package conflict

import (
	"fmt"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/flowmesh/worksync/internal/vclock"
)

// Type classifies which field group a conflict belongs to.
type Type string

const (
	TypeWorkspaceSettings Type = "workspace_settings"
	TypeWorkspaceApps     Type = "workspace_apps"
	TypePluginSettings    Type = "plugin_settings"
	TypePluginPermissions Type = "plugin_permissions"
	TypeConcurrentEdit    Type = "concurrent_edit"
)

// Side holds one side's value of a conflicting field group.
type Side struct {
	Value       gojson.RawMessage `json:"value"`
	Timestamp   int64             `json:"timestamp"`
	DeviceID    string            `json:"deviceId"`
	VectorClock vclock.Clock      `json:"vectorClock,omitempty"`
}

// Conflict is one divergent field group between two snapshots.
// Its ID is deterministic: derived from the group type and entity id, so
// the same divergence yields the same id on every device.
type Conflict struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`     // dotted field path, e.g. preferences.theme
	EntityID    string     `json:"entityId"` // workspace/plugin id or preference key; may contain dots
	Type        Type       `json:"type"`
	Description string     `json:"description"`
	Local       Side       `json:"local"`
	Remote      Side       `json:"remote"`
	Resolution  Resolution `json:"resolution,omitempty"`
}

// DetectConflicts compares two snapshots field-group by field-group and
// returns one Conflict per divergent group, sorted by id.
//
// Groups present on only one side are additions, not conflicts; the merge
// picks those up. When both snapshots carry vector clocks and one causally
// precedes the other there is nothing concurrent, so no conflicts either.
func DetectConflicts(local, remote *Snapshot) []*Conflict {
	if local == nil || remote == nil {
		return nil
	}

	if len(local.VectorClock) > 0 && len(remote.VectorClock) > 0 {
		if ord := local.VectorClock.Compare(remote.VectorClock); ord != vclock.Concurrent {
			return nil
		}
	}

	var out []*Conflict
	add := func(id, path, entity string, typ Type, desc string, localVal, remoteVal any) {
		out = append(out, &Conflict{
			ID:          id,
			Path:        path,
			EntityID:    entity,
			Type:        typ,
			Description: desc,
			Local:       side(local, localVal),
			Remote:      side(remote, remoteVal),
		})
	}

	// workspaces by id
	for i := range local.Workspaces {
		lw := &local.Workspaces[i]
		rw := remote.Workspace(lw.ID)
		if rw == nil {
			continue
		}
		lSettings := workspaceSettingsGroup(lw)
		rSettings := workspaceSettingsGroup(rw)
		if canonJSON(lSettings) != canonJSON(rSettings) {
			add(
				"workspace_settings_"+lw.ID,
				"workspaces."+lw.ID+".settings",
				lw.ID,
				TypeWorkspaceSettings,
				fmt.Sprintf("workspace %q settings differ", lw.ID),
				lSettings, rSettings,
			)
		}
		if canonJSON(lw.Apps) != canonJSON(rw.Apps) {
			add(
				"workspace_apps_"+lw.ID,
				"workspaces."+lw.ID+".apps",
				lw.ID,
				TypeWorkspaceApps,
				fmt.Sprintf("workspace %q app list differs", lw.ID),
				lw.Apps, rw.Apps,
			)
		}
	}

	// plugins by id
	for id, lp := range local.Plugins {
		rp, ok := remote.Plugins[id]
		if !ok {
			continue
		}
		lSettings := pluginSettingsGroup(lp)
		rSettings := pluginSettingsGroup(rp)
		if canonJSON(lSettings) != canonJSON(rSettings) {
			add(
				"plugin_settings_"+id,
				"plugins."+id+".settings",
				id,
				TypePluginSettings,
				fmt.Sprintf("plugin %q settings differ", id),
				lSettings, rSettings,
			)
		}
		if canonJSON(lp.Permissions) != canonJSON(rp.Permissions) {
			add(
				"plugin_permissions_"+id,
				"plugins."+id+".permissions",
				id,
				TypePluginPermissions,
				fmt.Sprintf("plugin %q permissions differ", id),
				lp.Permissions, rp.Permissions,
			)
		}
	}

	// preferences sub-objects individually
	for key, lv := range local.Preferences {
		rv, ok := remote.Preferences[key]
		if !ok {
			continue
		}
		if canonJSON(lv) != canonJSON(rv) {
			add(
				"preferences_"+key,
				"preferences."+key,
				key,
				TypeConcurrentEdit,
				fmt.Sprintf("preference %q edited concurrently", key),
				lv, rv,
			)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// workspaceSettingsGroup is the settings field group of a workspace: its
// name plus settings map, everything except the app list.
func workspaceSettingsGroup(w *Workspace) map[string]any {
	return map[string]any{
		"name":     w.Name,
		"settings": w.Settings,
	}
}

// pluginSettingsGroup is the settings field group of a plugin: enabled
// flag plus settings, excluding permissions.
func pluginSettingsGroup(p PluginConfig) map[string]any {
	return map[string]any{
		"enabled":  p.Enabled,
		"settings": p.Settings,
	}
}

func side(s *Snapshot, value any) Side {
	raw, err := gojson.Marshal(value)
	if err != nil {
		raw = gojson.RawMessage("null")
	}
	var clk vclock.Clock
	if len(s.VectorClock) > 0 {
		clk = s.VectorClock.Clone()
	}
	return Side{
		Value:       raw,
		Timestamp:   s.Timestamp,
		DeviceID:    s.DeviceID,
		VectorClock: clk,
	}
}
