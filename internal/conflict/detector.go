package conflict

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Events are optional notification hooks fired by the detector.
// Handlers run synchronously; panics are recovered and logged.
type Events struct {
	ConflictDetected func(*Conflict)
	ConflictResolved func(*Conflict)
}

// SyncResult is the outcome of one sync attempt against a remote snapshot.
type SyncResult struct {
	Success   bool
	Changes   int
	Conflicts []*Conflict
}

// Detector owns the local authoritative snapshot, detects divergences
// against remote snapshots and merges clean ones. A single detector
// instance allows only one sync in flight at a time.
type Detector struct {
	deviceID string
	events   Events

	mu        sync.Mutex // guards local, checksum, conflicts
	local     *Snapshot
	checksum  string
	conflicts map[string]*Conflict

	syncMu sync.Mutex // single-flight guard for SyncSettings
}

// NewDetector creates a detector for the given local device.
func NewDetector(deviceID string) *Detector {
	return &Detector{
		deviceID:  deviceID,
		conflicts: make(map[string]*Conflict),
	}
}

// SetEvents registers notification hooks. Must be called before use.
func (d *Detector) SetEvents(ev Events) {
	d.events = ev
}

// Initialize adopts cfg as the authoritative local snapshot and computes
// its checksum.
func (d *Detector) Initialize(cfg *Snapshot) error {
	if cfg == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.local = cfg.Clone()
	d.checksum = d.local.Checksum()
	slog.Debug("conflict detector initialized", "device", d.deviceID, "checksum", d.checksum[:8])
	return nil
}

// Current returns a copy of the local snapshot, nil before Initialize.
func (d *Detector) Current() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local.Clone()
}

// Checksum returns the content hash of the current local snapshot.
func (d *Detector) Checksum() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checksum
}

// Conflicts returns the outstanding conflicts sorted by id.
func (d *Detector) Conflicts() []*Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Conflict, 0, len(d.conflicts))
	for _, c := range d.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SyncSettings runs one sync attempt against a remote snapshot.
//
// If another sync is in flight the call fails fast with ErrSyncInProgress.
// If conflicts are found, they are recorded and returned with Success=false
// and the local snapshot stays untouched; the caller must resolve them
// before retrying. Otherwise the snapshots are merged, the merged result is
// adopted with a bumped version, checksum and vector clock, and the change
// count is returned.
func (d *Detector) SyncSettings(remote *Snapshot) (*SyncResult, error) {
	if !d.syncMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer d.syncMu.Unlock()

	d.mu.Lock()
	local := d.local.Clone()
	d.mu.Unlock()

	if local == nil {
		return nil, ErrNotInitialized
	}

	conflicts := DetectConflicts(local, remote)
	if len(conflicts) > 0 {
		d.mu.Lock()
		for _, c := range conflicts {
			d.conflicts[c.ID] = c
		}
		d.mu.Unlock()

		for _, c := range conflicts {
			d.notifyDetected(c)
		}
		slog.Warn("sync settings", "device", d.deviceID, "conflicts", len(conflicts))
		return &SyncResult{Success: false, Conflicts: conflicts}, nil
	}

	merged := MergeSnapshots(local, remote)
	changes := countChanges(local, merged)

	merged.Version = NewVersion()
	merged.Timestamp = time.Now().UnixMilli()
	merged.DeviceID = d.deviceID
	merged.VectorClock.Increment(d.deviceID)

	d.mu.Lock()
	d.local = merged
	d.checksum = merged.Checksum()
	d.mu.Unlock()

	slog.Debug("sync settings", "device", d.deviceID, "changes", changes)
	return &SyncResult{Success: true, Changes: changes}, nil
}

// countChanges counts field groups whose serialized value differs between
// the previous and the merged snapshot.
func countChanges(before, after *Snapshot) int {
	changes := 0

	seen := make(map[string]struct{})
	for i := range after.Workspaces {
		aw := &after.Workspaces[i]
		seen[aw.ID] = struct{}{}
		bw := before.Workspace(aw.ID)
		if bw == nil {
			changes += 2 // settings + apps groups both new
			continue
		}
		if canonJSON(workspaceSettingsGroup(bw)) != canonJSON(workspaceSettingsGroup(aw)) {
			changes++
		}
		if canonJSON(bw.Apps) != canonJSON(aw.Apps) {
			changes++
		}
	}

	for id, ap := range after.Plugins {
		bp, ok := before.Plugins[id]
		if !ok {
			changes += 2
			continue
		}
		if canonJSON(pluginSettingsGroup(bp)) != canonJSON(pluginSettingsGroup(ap)) {
			changes++
		}
		if canonJSON(bp.Permissions) != canonJSON(ap.Permissions) {
			changes++
		}
	}

	for key, av := range after.Preferences {
		bv, ok := before.Preferences[key]
		if !ok || canonJSON(bv) != canonJSON(av) {
			changes++
		}
	}

	return changes
}

func (d *Detector) notifyDetected(c *Conflict) {
	if d.events.ConflictDetected == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("conflict handler panic", "conflict", c.ID, "panic", r)
		}
	}()
	d.events.ConflictDetected(c)
}

func (d *Detector) notifyResolved(c *Conflict) {
	if d.events.ConflictResolved == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("conflict resolved handler panic", "conflict", c.ID, "panic", r)
		}
	}()
	d.events.ConflictResolved(c)
}
