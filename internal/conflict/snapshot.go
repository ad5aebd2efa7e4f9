package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/flowmesh/worksync/internal/utils"
	"github.com/flowmesh/worksync/internal/vclock"
)

// WorkspaceApp is a single app pinned inside a workspace.
type WorkspaceApp struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Workspace is one workspace definition inside a snapshot.
type Workspace struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
	Apps     []WorkspaceApp `json:"apps,omitempty"`
}

// PluginConfig is the synced configuration of one plugin.
type PluginConfig struct {
	Enabled     bool           `json:"enabled"`
	Settings    map[string]any `json:"settings,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
}

// Snapshot is a complete workspace sync configuration at a point in time.
// The coordinator owns the authoritative copy; everything else works on clones.
type Snapshot struct {
	Workspaces  []Workspace             `json:"workspaces"`
	Plugins     map[string]PluginConfig `json:"plugins"`
	Preferences map[string]any          `json:"preferences"`
	Version     string                  `json:"version"`
	Timestamp   int64                   `json:"timestamp"` // ms epoch
	DeviceID    string                  `json:"deviceId"`
	VectorClock vclock.Clock            `json:"vectorClock,omitempty"`
}

// NewVersion mints an opaque version token.
func NewVersion() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), utils.TokenHex(3))
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	data, err := gojson.Marshal(s)
	if err != nil {
		// a snapshot is plain JSON-able data; this cannot fail at runtime
		panic(fmt.Sprintf("clone snapshot: %v", err))
	}
	var out Snapshot
	if err := gojson.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone snapshot: %v", err))
	}
	return &out
}

// Workspace returns the workspace with the given id, nil if absent.
func (s *Snapshot) Workspace(id string) *Workspace {
	for i := range s.Workspaces {
		if s.Workspaces[i].ID == id {
			return &s.Workspaces[i]
		}
	}
	return nil
}

// Checksum computes a content hash over the snapshot's synced data.
// Versioning metadata (version, timestamp, device, clock) is excluded so
// two devices holding the same content agree on the checksum.
func (s *Snapshot) Checksum() string {
	canon := struct {
		Workspaces  []Workspace             `json:"workspaces"`
		Plugins     map[string]PluginConfig `json:"plugins"`
		Preferences map[string]any          `json:"preferences"`
	}{
		Workspaces:  append([]Workspace(nil), s.Workspaces...),
		Plugins:     s.Plugins,
		Preferences: s.Preferences,
	}
	sort.Slice(canon.Workspaces, func(i, j int) bool {
		return canon.Workspaces[i].ID < canon.Workspaces[j].ID
	})
	data, err := gojson.Marshal(canon)
	if err != nil {
		panic(fmt.Sprintf("checksum snapshot: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonJSON renders any value as canonical JSON (map keys sorted by the
// encoder) for comparison purposes.
func canonJSON(v any) string {
	data, err := gojson.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!err:%v", err)
	}
	return string(data)
}
