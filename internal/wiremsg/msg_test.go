package wiremsg

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := New(MsgPresenceUpdate, "dev-a", "user-1", &PresenceUpdate{Status: PresenceOnline})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, MsgPresenceUpdate, msg.Type)
	assert.Equal(t, "dev-a", msg.DeviceID)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.NoError(t, msg.Validate())

	p, err := DecodePayload[PresenceUpdate](msg)
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, p.Status)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		id := NewID("dev-a")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestChecksum(t *testing.T) {
	msg, err := New(MsgDataSync, "dev-a", "user-1", &DataSync{Config: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)

	msg.Seal()
	assert.True(t, msg.VerifyChecksum())

	msg.Payload = json.RawMessage(`{"tampered":true}`)
	assert.False(t, msg.VerifyChecksum())

	// no checksum means nothing to verify
	msg.Checksum = ""
	assert.True(t, msg.VerifyChecksum())
}

func TestExpired(t *testing.T) {
	msg, err := New(MsgTypingIndicator, "dev-a", "user-1", &TypingIndicator{Active: true})
	require.NoError(t, err)

	now := msg.SentAt()
	assert.False(t, msg.Expired(now), "no ttl set")

	msg.TTL = 500
	assert.False(t, msg.Expired(now.Add(100*time.Millisecond)))
	assert.True(t, msg.Expired(now.Add(time.Second)))
}

func TestValidate(t *testing.T) {
	msg, err := New(MsgHeartbeat, "dev-a", "user-1", &Heartbeat{})
	require.NoError(t, err)
	require.NoError(t, msg.Validate())

	bad := *msg
	bad.Type = MessageType("bogus")
	assert.Error(t, bad.Validate())

	bad = *msg
	bad.DeviceID = ""
	assert.Error(t, bad.Validate())

	bad = *msg
	bad.Priority = Priority("urgent")
	assert.Error(t, bad.Validate())
}

func TestRoundTripJSON(t *testing.T) {
	msg, err := New(MsgAck, "dev-b", "user-1", &Ack{AckID: "dev-a-123-abc", Status: AckStatusOK})
	require.NoError(t, err)
	msg.Priority = PriorityHigh

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, MsgAck, decoded.Type)
	assert.Equal(t, PriorityHigh, decoded.Priority)

	ack, err := DecodePayload[Ack](&decoded)
	require.NoError(t, err)
	assert.Equal(t, "dev-a-123-abc", ack.AckID)
}
