package conflict

import (
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
)

// Resolution picks which side of a conflict wins.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLocal, ResolutionRemote, ResolutionMerge:
		return true
	}
	return false
}

// ResolveRequest resolves one outstanding conflict.
// MergedValue is only consulted for ResolutionMerge; when nil a generic
// auto-merge of both sides is applied.
type ResolveRequest struct {
	ConflictID  string
	Resolution  Resolution
	MergedValue gojson.RawMessage
}

// ResolveConflict applies the requested resolution: the resolved value is
// written back into the field the conflict path denotes, the conflict is
// removed from the outstanding list and a resolved notification fires.
// An unknown conflict id fails with ErrConflictNotFound.
func (d *Detector) ResolveConflict(req ResolveRequest) (*Conflict, error) {
	if !req.Resolution.Valid() {
		return nil, fmt.Errorf("invalid resolution %q", req.Resolution)
	}

	d.mu.Lock()
	c, ok := d.conflicts[req.ConflictID]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, req.ConflictID)
	}

	var resolved gojson.RawMessage
	switch req.Resolution {
	case ResolutionLocal:
		resolved = c.Local.Value
	case ResolutionRemote:
		resolved = c.Remote.Value
	case ResolutionMerge:
		if req.MergedValue != nil {
			resolved = req.MergedValue
		} else {
			resolved = autoMergeValues(c.Local.Value, c.Remote.Value)
		}
	}

	if err := d.applyResolvedLocked(c, resolved); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("apply resolution for %s: %w", c.ID, err)
	}

	c.Resolution = req.Resolution
	delete(d.conflicts, c.ID)

	d.local.Version = NewVersion()
	d.local.Timestamp = time.Now().UnixMilli()
	d.local.VectorClock.Increment(d.deviceID)
	d.checksum = d.local.Checksum()
	d.mu.Unlock()

	d.notifyResolved(c)
	return c, nil
}

// applyResolvedLocked writes the resolved value into the snapshot field
// the conflict denotes. The entity is addressed by EntityID rather than by
// parsing Path, since ids may themselves contain dots. Caller holds d.mu.
func (d *Detector) applyResolvedLocked(c *Conflict, value gojson.RawMessage) error {
	if c.EntityID == "" {
		return fmt.Errorf("conflict %s has no entity id", c.ID)
	}

	switch c.Type {
	case TypeWorkspaceSettings:
		var group struct {
			Name     string         `json:"name"`
			Settings map[string]any `json:"settings"`
		}
		if err := gojson.Unmarshal(value, &group); err != nil {
			return err
		}
		w := d.local.Workspace(c.EntityID)
		if w == nil {
			return fmt.Errorf("workspace %q not in snapshot", c.EntityID)
		}
		w.Name = group.Name
		w.Settings = group.Settings
		return nil

	case TypeWorkspaceApps:
		var apps []WorkspaceApp
		if err := gojson.Unmarshal(value, &apps); err != nil {
			return err
		}
		w := d.local.Workspace(c.EntityID)
		if w == nil {
			return fmt.Errorf("workspace %q not in snapshot", c.EntityID)
		}
		w.Apps = apps
		return nil

	case TypePluginSettings:
		var group struct {
			Enabled  bool           `json:"enabled"`
			Settings map[string]any `json:"settings"`
		}
		if err := gojson.Unmarshal(value, &group); err != nil {
			return err
		}
		p, ok := d.local.Plugins[c.EntityID]
		if !ok {
			return fmt.Errorf("plugin %q not in snapshot", c.EntityID)
		}
		p.Enabled = group.Enabled
		p.Settings = group.Settings
		d.local.Plugins[c.EntityID] = p
		return nil

	case TypePluginPermissions:
		var perms []string
		if err := gojson.Unmarshal(value, &perms); err != nil {
			return err
		}
		p, ok := d.local.Plugins[c.EntityID]
		if !ok {
			return fmt.Errorf("plugin %q not in snapshot", c.EntityID)
		}
		p.Permissions = perms
		d.local.Plugins[c.EntityID] = p
		return nil

	case TypeConcurrentEdit:
		var v any
		if err := gojson.Unmarshal(value, &v); err != nil {
			return err
		}
		if d.local.Preferences == nil {
			d.local.Preferences = make(map[string]any)
		}
		d.local.Preferences[c.EntityID] = v
		return nil

	default:
		return fmt.Errorf("unknown conflict type %q", c.Type)
	}
}

// autoMergeValues merges two raw JSON values generically: object union
// preferring remote on key collision, array union of distinct values, and
// otherwise the remote value.
func autoMergeValues(local, remote gojson.RawMessage) gojson.RawMessage {
	var lv, rv any
	if gojson.Unmarshal(local, &lv) != nil || gojson.Unmarshal(remote, &rv) != nil {
		return remote
	}

	switch l := lv.(type) {
	case map[string]any:
		r, ok := rv.(map[string]any)
		if !ok {
			return remote
		}
		merged := mergeMaps(l, r)
		out, err := gojson.Marshal(merged)
		if err != nil {
			return remote
		}
		return out

	case []any:
		r, ok := rv.([]any)
		if !ok {
			return remote
		}
		seen := make(map[string]struct{}, len(l))
		merged := make([]any, 0, len(l)+len(r))
		for _, v := range l {
			seen[canonJSON(v)] = struct{}{}
			merged = append(merged, v)
		}
		for _, v := range r {
			if _, ok := seen[canonJSON(v)]; !ok {
				merged = append(merged, v)
			}
		}
		out, err := gojson.Marshal(merged)
		if err != nil {
			return remote
		}
		return out

	default:
		return remote
	}
}
