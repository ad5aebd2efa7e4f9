package channel

import "errors"

var (
	ErrNotConnected     = errors.New("channel not connected")
	ErrChannelClosed    = errors.New("channel closed")
	ErrAckTimeout       = errors.New("ack timeout")
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
	ErrQueueFull        = errors.New("offline queue full")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrReconnectFailed  = errors.New("reconnect attempts exhausted")
	ErrEncrypt          = errors.New("payload encryption failed")
	ErrDecrypt          = errors.New("payload decryption failed")
)
