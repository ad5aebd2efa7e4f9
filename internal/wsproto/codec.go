package wsproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

// Encoding indicates which wire encoding is used for WebSocket messages.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('W')
	magic1  = byte('S')
	version = byte(1)
)

// PreferredEncoding parses a comma-separated preference list (e.g. "msgpack,json").
// Returns EncodingJSON if the list is empty or unknown.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// wireMessage is the msgpack shape of the envelope. The payload stays as
// raw JSON bytes inside the msgpack frame.
type wireMessage struct {
	ID          string `msgpack:"id"`
	Type        string `msgpack:"type"`
	DeviceID    string `msgpack:"dev"`
	UserID      string `msgpack:"usr"`
	WorkspaceID string `msgpack:"wks,omitempty"`
	Timestamp   int64  `msgpack:"ts"`
	Payload     []byte `msgpack:"pld"`
	Checksum    string `msgpack:"sum,omitempty"`
	Priority    string `msgpack:"pri"`
	RetryCount  int    `msgpack:"rty,omitempty"`
	TTL         int64  `msgpack:"ttl,omitempty"`
}

// Marshal encodes a message for WebSocket transport.
// JSON uses TextMessage. MsgPack uses BinaryMessage with an envelope:
// [magic][version][encoding][payload].
func Marshal(msg *wiremsg.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	w := wireMessage{
		ID:          msg.ID,
		Type:        string(msg.Type),
		DeviceID:    msg.DeviceID,
		UserID:      msg.UserID,
		WorkspaceID: msg.WorkspaceID,
		Timestamp:   msg.Timestamp,
		Payload:     msg.Payload,
		Checksum:    msg.Checksum,
		Priority:    string(msg.Priority),
		RetryCount:  msg.RetryCount,
		TTL:         msg.TTL,
	}
	payload, err := msgpack.Marshal(&w)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a message.
func Unmarshal(typ websocket.MessageType, data []byte) (*wiremsg.Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg wiremsg.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing WS envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported ws envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			var w wireMessage
			if err := msgpack.Unmarshal(payload, &w); err != nil {
				return nil, enc, err
			}
			msg := &wiremsg.Message{
				ID:          w.ID,
				Type:        wiremsg.MessageType(w.Type),
				DeviceID:    w.DeviceID,
				UserID:      w.UserID,
				WorkspaceID: w.WorkspaceID,
				Timestamp:   w.Timestamp,
				Payload:     w.Payload,
				Checksum:    w.Checksum,
				Priority:    wiremsg.Priority(w.Priority),
				RetryCount:  w.RetryCount,
				TTL:         w.TTL,
			}
			return msg, enc, nil
		case EncodingJSON:
			// Allow binary JSON envelopes if ever used.
			var msg wiremsg.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, enc, err
			}
			return &msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown ws encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}
