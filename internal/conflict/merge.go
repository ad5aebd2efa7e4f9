package conflict

// MergeSnapshots combines two snapshots that detected no conflicts.
//
// The side with the larger timestamp is the merge base and the other side
// is layered on top: object-valued fields merge key-by-key with the overlay
// winning per overlapping key, and array-valued fields merge by identity
// key when they have one (workspaces, apps) or by set union of distinct
// values (permission lists). Equal timestamps break the tie on the origin
// device id so every device computes the same base.
func MergeSnapshots(local, remote *Snapshot) *Snapshot {
	base, overlay := local, remote
	if remote.Timestamp > local.Timestamp ||
		(remote.Timestamp == local.Timestamp && remote.DeviceID < local.DeviceID) {
		base, overlay = remote, local
	}

	out := base.Clone()
	ov := overlay.Clone()

	out.Workspaces = mergeWorkspaces(out.Workspaces, ov.Workspaces)

	if out.Plugins == nil && len(ov.Plugins) > 0 {
		out.Plugins = make(map[string]PluginConfig, len(ov.Plugins))
	}
	for id, op := range ov.Plugins {
		bp, ok := out.Plugins[id]
		if !ok {
			out.Plugins[id] = op
			continue
		}
		bp.Enabled = op.Enabled
		bp.Settings = mergeMaps(bp.Settings, op.Settings)
		bp.Permissions = unionStrings(bp.Permissions, op.Permissions)
		out.Plugins[id] = bp
	}

	out.Preferences = mergeMaps(out.Preferences, ov.Preferences)

	// merged snapshot carries the combined causal history
	clk := base.VectorClock.Clone()
	if clk == nil {
		clk = make(map[string]uint64)
	}
	clk.Merge(overlay.VectorClock)
	out.VectorClock = clk

	return out
}

// mergeWorkspaces merges by workspace id: overlay entries overwrite
// matching fields of base entries, unmatched overlay entries append.
func mergeWorkspaces(base, overlay []Workspace) []Workspace {
	index := make(map[string]int, len(base))
	for i := range base {
		index[base[i].ID] = i
	}
	for _, ow := range overlay {
		i, ok := index[ow.ID]
		if !ok {
			base = append(base, ow)
			index[ow.ID] = len(base) - 1
			continue
		}
		bw := &base[i]
		if ow.Name != "" {
			bw.Name = ow.Name
		}
		bw.Settings = mergeMaps(bw.Settings, ow.Settings)
		bw.Apps = mergeApps(bw.Apps, ow.Apps)
	}
	return base
}

func mergeApps(base, overlay []WorkspaceApp) []WorkspaceApp {
	index := make(map[string]int, len(base))
	for i := range base {
		index[base[i].ID] = i
	}
	for _, oa := range overlay {
		i, ok := index[oa.ID]
		if !ok {
			base = append(base, oa)
			index[oa.ID] = len(base) - 1
			continue
		}
		ba := &base[i]
		if oa.Name != "" {
			ba.Name = oa.Name
		}
		ba.Config = mergeMaps(ba.Config, oa.Config)
	}
	return base
}

// mergeMaps merges overlay into base key-by-key, overlay winning on
// overlapping keys; nested maps merge recursively.
func mergeMaps(base, overlay map[string]any) map[string]any {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := ov.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = ov
	}
	return out
}

// unionStrings appends distinct overlay values onto base, preserving order.
func unionStrings(base, overlay []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	for _, s := range overlay {
		if _, ok := seen[s]; !ok {
			base = append(base, s)
			seen[s] = struct{}{}
		}
	}
	return base
}
