package wiremsg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/flowmesh/worksync/internal/utils"
)

const idRandSize = 3

// Message is the wire envelope exchanged between devices.
// Payload is kept as raw JSON; use DecodePayload to get the typed form.
type Message struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	DeviceID    string          `json:"deviceId"`
	UserID      string          `json:"userId"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Timestamp   int64           `json:"timestamp"` // ms epoch, sender clock
	Payload     json.RawMessage `json:"payload,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retryCount,omitempty"`
	TTL         int64           `json:"ttl,omitempty"` // ms; discardable after elapsed
}

// New builds a Message of the given type with an encoded payload.
// Priority defaults to normal.
func New(typ MessageType, deviceID, userID string, payload any) (*Message, error) {
	raw, err := gojson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	return &Message{
		ID:        NewID(deviceID),
		Type:      typ,
		DeviceID:  deviceID,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
		Priority:  PriorityNormal,
	}, nil
}

// NewID generates a unique message id from the device id, the current
// timestamp and a short random suffix.
func NewID(deviceID string) string {
	return fmt.Sprintf("%s-%d-%s", deviceID, time.Now().UnixMilli(), utils.TokenHex(idRandSize))
}

// SentAt returns the sender timestamp as a time.Time.
func (m *Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Expired reports whether the message's TTL has elapsed at the given time.
// Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.SentAt().Add(time.Duration(m.TTL) * time.Millisecond))
}

// PayloadChecksum computes the hex sha256 of the payload bytes.
func (m *Message) PayloadChecksum() string {
	sum := sha256.Sum256(m.Payload)
	return hex.EncodeToString(sum[:])
}

// Seal stamps the payload checksum onto the message.
func (m *Message) Seal() *Message {
	m.Checksum = m.PayloadChecksum()
	return m
}

// VerifyChecksum reports whether the stored checksum matches the payload.
// Messages without a checksum verify trivially.
func (m *Message) VerifyChecksum() bool {
	if m.Checksum == "" {
		return true
	}
	return m.Checksum == m.PayloadChecksum()
}

// Validate checks the envelope invariants.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message missing id")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if m.DeviceID == "" {
		return fmt.Errorf("message %s missing deviceId", m.ID)
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return fmt.Errorf("message %s has invalid priority: %q", m.ID, m.Priority)
	}
	return nil
}

// DecodePayload unmarshals the raw payload into T.
func DecodePayload[T any](m *Message) (T, error) {
	var v T
	if err := gojson.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return v, nil
}
