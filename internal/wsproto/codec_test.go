package wsproto

import (
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

func newTestMessage(t *testing.T) *wiremsg.Message {
	t.Helper()
	msg, err := wiremsg.New(wiremsg.MsgSettingsSync, "dev-a", "user-1", &wiremsg.DataSync{
		Scope:       "preferences",
		Config:      []byte(`{"theme":{"mode":"dark"}}`),
		VectorClock: map[string]uint64{"dev-a": 3},
	})
	require.NoError(t, err)
	msg.Priority = wiremsg.PriorityHigh
	msg.Seal()
	return msg
}

func TestRoundTripJSON(t *testing.T) {
	msg := newTestMessage(t)

	typ, data, err := Marshal(msg, EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	decoded, enc, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.Checksum, decoded.Checksum)
	assert.True(t, decoded.VerifyChecksum())
}

func TestRoundTripMsgPack(t *testing.T) {
	msg := newTestMessage(t)

	typ, data, err := Marshal(msg, EncodingMsgPack)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	require.GreaterOrEqual(t, len(data), 4)
	assert.Equal(t, byte('W'), data[0])
	assert.Equal(t, byte('S'), data[1])

	decoded, enc, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.Equal(t, EncodingMsgPack, enc)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Priority, decoded.Priority)
	assert.True(t, decoded.VerifyChecksum())

	ds, err := wiremsg.DecodePayload[wiremsg.DataSync](decoded)
	require.NoError(t, err)
	assert.Equal(t, "preferences", ds.Scope)
	assert.Equal(t, uint64(3), ds.VectorClock["dev-a"])
}

func TestUnmarshalBadEnvelope(t *testing.T) {
	_, _, err := Unmarshal(websocket.MessageBinary, []byte{0x00, 0x01})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'W', 'S', 99, 0})
	assert.Error(t, err)
}

func TestPreferredEncoding(t *testing.T) {
	assert.Equal(t, EncodingJSON, PreferredEncoding(""))
	assert.Equal(t, EncodingMsgPack, PreferredEncoding("msgpack,json"))
	assert.Equal(t, EncodingJSON, PreferredEncoding("protobuf, json"))
}
