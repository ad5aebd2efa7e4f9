package wiremsg

import "encoding/json"

// PresenceStatus is the advertised availability of a device.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// DeviceRegister announces a device joining the channel.
type DeviceRegister struct {
	DeviceName   string   `json:"deviceName,omitempty"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DeviceUnregister announces a device leaving the channel for good.
type DeviceUnregister struct {
	Reason string `json:"reason,omitempty"`
}

// Heartbeat carries the sender's live channel stats.
type Heartbeat struct {
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesReceived uint64 `json:"messagesReceived"`
	BytesSent        uint64 `json:"bytesSent"`
	BytesReceived    uint64 `json:"bytesReceived"`
	QueueDepth       int    `json:"queueDepth"`
}

// DataSync carries a configuration snapshot (or a slice of one) along with
// the sender's vector clock.
type DataSync struct {
	Scope       string            `json:"scope,omitempty"` // workspace|plugins|preferences|full
	Config      json.RawMessage   `json:"config"`
	VectorClock map[string]uint64 `json:"vectorClock,omitempty"`
}

// ConflictResolution propagates the outcome of a resolved conflict.
type ConflictResolution struct {
	ConflictID    string          `json:"conflictId"`
	Resolution    string          `json:"resolution"` // local|remote|merge
	ResolvedValue json.RawMessage `json:"resolvedValue,omitempty"`
}

// PresenceUpdate carries a device's availability change.
type PresenceUpdate struct {
	Status      PresenceStatus `json:"status"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
}

// TypingIndicator is an ephemeral signal; senders should set a short TTL.
type TypingIndicator struct {
	WorkspaceID string `json:"workspaceId"`
	Field       string `json:"field,omitempty"`
	Active      bool   `json:"active"`
}

// WorkspaceSwitch signals the sender changed its active workspace.
type WorkspaceSwitch struct {
	WorkspaceID string `json:"workspaceId"`
}

// Ack confirms receipt of a critical-priority message.
type Ack struct {
	AckID  string `json:"ackId"` // id of the message being acknowledged
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	AckStatusOK    = "ok"
	AckStatusError = "error"
)
