package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowmesh/worksync/internal/wiremsg"
	"github.com/flowmesh/worksync/internal/wsproto"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultAckTimeout        = 10 * time.Second
	defaultMaxReconnects     = 10
	defaultCompressThreshold = 1024

	reconnectDelay    = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
	reconnectTimeout  = 10 * time.Second

	seenCacheSize = 4096
)

// State is the connection state of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Handler consumes an inbound message. Handlers run on the dispatch
// goroutine; panics are isolated per handler.
type Handler func(msg *wiremsg.Message)

// Events are optional lifecycle callbacks.
type Events struct {
	StateChanged       func(State)
	ReconnectFailed    func(err error)
	DeviceConnected    func(deviceID string)
	DeviceDisconnected func(deviceID string)
}

// Config configures a Channel.
type Config struct {
	URL          string
	DeviceID     string
	UserID       string
	DeviceName   string
	Platform     string
	Version      string
	Capabilities []string

	Encoding             wsproto.Encoding
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	MaxReconnectAttempts int
	CompressThreshold    int

	Cipher   Cipher
	Queue    *OfflineQueue
	Registry *Registry
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = defaultCompressThreshold
	}
}

// Channel is a reliable message channel to the sync endpoint: it
// reconnects with backoff, queues messages composed while offline, tracks
// acks for critical messages and maintains peer presence.
type Channel struct {
	cfg    Config
	events Events

	mu               sync.RWMutex
	sock             *socket
	state            State
	reconnectAttempt int
	reconnectBase    time.Duration

	hmu      sync.RWMutex
	handlers map[wiremsg.MessageType][]Handler

	ackMu       sync.Mutex
	pendingAcks map[string]chan *wiremsg.Ack

	seen *lru.Cache[string, struct{}]

	msgsSent     atomic.Uint64
	msgsReceived atomic.Uint64
	lastRecvMs   atomic.Int64

	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64
	checksumFail atomic.Uint64
	duplicates   atomic.Uint64
	expired      atomic.Uint64
	reconnects   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Stats is a point-in-time snapshot of channel counters.
type Stats struct {
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesReceived uint64 `json:"messagesReceived"`
	BytesSent        uint64 `json:"bytesSent"`
	BytesReceived    uint64 `json:"bytesReceived"`
	ChecksumFailures uint64 `json:"checksumFailures"`
	Duplicates       uint64 `json:"duplicates"`
	Expired          uint64 `json:"expired"`
	Reconnects       uint64 `json:"reconnects"`
	QueueDepth       int    `json:"queueDepth"`
}

// New creates a channel. Call Connect to establish the connection.
func New(cfg Config, events Events) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("channel: missing endpoint url")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("channel: missing device id")
	}
	cfg.withDefaults()

	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("channel: seen cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:           cfg,
		events:        events,
		state:         StateDisconnected,
		reconnectBase: reconnectDelay,
		handlers:      make(map[wiremsg.MessageType][]Handler),
		pendingAcks:   make(map[string]chan *wiremsg.Ack),
		seen:          seen,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// On registers a handler for a message type.
func (c *Channel) On(typ wiremsg.MessageType, h Handler) {
	c.hmu.Lock()
	c.handlers[typ] = append(c.handlers[typ], h)
	c.hmu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the channel has a live socket.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// LastReceived is the time of the last inbound message, zero if none yet.
func (c *Channel) LastReceived() time.Time {
	ms := c.lastRecvMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	s := Stats{
		MessagesSent:     c.msgsSent.Load(),
		MessagesReceived: c.msgsReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
		ChecksumFailures: c.checksumFail.Load(),
		Duplicates:       c.duplicates.Load(),
		Expired:          c.expired.Load(),
		Reconnects:       c.reconnects.Load(),
	}
	if c.cfg.Queue != nil {
		if depth, err := c.cfg.Queue.Depth(); err == nil {
			s.QueueDepth = depth
		}
	}
	return s
}

// Connect establishes the connection, announces this device and replays
// the offline queue.
func (c *Channel) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	c.mu.Lock()
	if c.sock != nil && c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)

	sock, err := c.connectLocked(ctx)
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	go c.manageConnection(sock)
	go c.heartbeatLoop(sock)

	if err := c.announce(); err != nil {
		slog.Warn("channel announce", "error", err)
	}
	c.replayQueue()
	return nil
}

// connectLocked dials a new socket. Caller holds c.mu. The given context
// bounds the dial only; the pumps run under the channel's lifetime context
// so a reconnect-attempt timeout cannot kill a healthy connection.
func (c *Channel) connectLocked(ctx context.Context) (*socket, error) {
	if c.sock != nil {
		c.sock.close()
		c.sock = nil
	}

	sock, err := dialSocket(ctx, c.cfg.URL, c.cfg.DeviceID, c.cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("channel connect: %w", err)
	}
	sock.start(c.ctx)

	c.sock = sock
	c.setStateLocked(StateConnected)
	slog.Info("channel connected", "endpoint", c.cfg.URL, "encoding", c.cfg.Encoding)
	return sock, nil
}

// Send delivers a message to the endpoint. While disconnected the message
// is stored in the offline queue for replay. Critical-priority messages
// block until the peer acks or the ack timeout elapses.
func (c *Channel) Send(ctx context.Context, msg *wiremsg.Message) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}

	if err := sealPayload(msg, c.cfg.Cipher, c.cfg.CompressThreshold); err != nil {
		return fmt.Errorf("channel send %s: %w", msg.ID, err)
	}

	c.mu.RLock()
	sock := c.sock
	connected := c.state == StateConnected
	c.mu.RUnlock()

	if !connected || sock == nil {
		return c.enqueueOffline(msg)
	}

	var ackCh chan *wiremsg.Ack
	if msg.Priority == wiremsg.PriorityCritical && msg.Type != wiremsg.MsgAck {
		ackCh = c.trackAck(msg.ID)
	}

	if err := c.push(sock, msg); err != nil {
		if ackCh != nil {
			c.dropAck(msg.ID)
		}
		// socket saturated or gone; keep the message
		msg.RetryCount++
		if qerr := c.enqueueOffline(msg); qerr != nil {
			return fmt.Errorf("%w (queue: %v)", err, qerr)
		}
		return nil
	}

	if ackCh == nil {
		return nil
	}
	return c.awaitAck(ctx, msg.ID, ackCh)
}

func (c *Channel) push(sock *socket, msg *wiremsg.Message) error {
	select {
	case <-sock.closing:
		return ErrNotConnected
	default:
	}

	select {
	case <-sock.closing:
		return ErrNotConnected
	case sock.msgTx <- msg:
		c.msgsSent.Add(1)
		c.bytesSent.Add(uint64(len(msg.Payload)))
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Channel) enqueueOffline(msg *wiremsg.Message) error {
	if c.cfg.Queue == nil {
		return ErrNotConnected
	}
	if err := c.cfg.Queue.Enqueue(msg); err != nil {
		return fmt.Errorf("channel queue %s: %w", msg.ID, err)
	}
	slog.Debug("channel queued offline", "id", msg.ID, "type", msg.Type)
	return nil
}

func (c *Channel) trackAck(msgID string) chan *wiremsg.Ack {
	ch := make(chan *wiremsg.Ack, 1)
	c.ackMu.Lock()
	c.pendingAcks[msgID] = ch
	c.ackMu.Unlock()
	return ch
}

func (c *Channel) dropAck(msgID string) {
	c.ackMu.Lock()
	delete(c.pendingAcks, msgID)
	c.ackMu.Unlock()
}

func (c *Channel) awaitAck(ctx context.Context, msgID string, ackCh chan *wiremsg.Ack) error {
	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return ErrChannelClosed
		}
		if ack.Status == wiremsg.AckStatusError {
			return fmt.Errorf("channel: peer rejected %s: %s", msgID, ack.Error)
		}
		return nil

	case <-timer.C:
		c.dropAck(msgID)
		return fmt.Errorf("%w: %s", ErrAckTimeout, msgID)

	case <-ctx.Done():
		c.dropAck(msgID)
		return ctx.Err()
	}
}

// announce sends the device registration for this device.
func (c *Channel) announce() error {
	msg, err := wiremsg.New(wiremsg.MsgDeviceRegister, c.cfg.DeviceID, c.cfg.UserID, wiremsg.DeviceRegister{
		DeviceName:   c.cfg.DeviceName,
		Platform:     c.cfg.Platform,
		Version:      c.cfg.Version,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	msg.Priority = wiremsg.PriorityHigh
	return c.Send(c.ctx, msg)
}

// replayQueue drains the offline queue through the live socket in
// enqueue order, oldest first. Replay halts at the first failed send; the
// failed message and everything behind it stay queued, in order, for the
// next reconnect.
func (c *Channel) replayQueue() {
	if c.cfg.Queue == nil {
		return
	}

	pending, err := c.cfg.Queue.Pending()
	if err != nil {
		slog.Error("channel replay", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	replayed := 0
	for _, msg := range pending {
		c.mu.RLock()
		sock := c.sock
		connected := c.state == StateConnected
		c.mu.RUnlock()

		if !connected || sock == nil {
			break
		}
		if err := c.push(sock, msg); err != nil {
			slog.Warn("channel replay halted", "id", msg.ID, "error", err)
			break
		}
		if err := c.cfg.Queue.Remove(msg.ID); err != nil {
			slog.Warn("channel replay dequeue", "id", msg.ID, "error", err)
		}
		replayed++
	}

	if replayed > 0 {
		slog.Info("channel replayed offline queue", "count", replayed, "pending", len(pending)-replayed)
	}
}

// manageConnection consumes inbound messages until the socket dies, then
// drives reconnection.
func (c *Channel) manageConnection(sock *socket) {
	go c.consumeMessages(sock)

	select {
	case <-sock.closed:
		clean := sock.peerClosedClean()

		c.mu.Lock()
		current := c.sock == sock
		if current {
			c.sock = nil
			if clean {
				// the peer said goodbye; a manual Connect is required
				c.setStateLocked(StateDisconnected)
			} else {
				c.setStateLocked(StateReconnecting)
				c.reconnectAttempt = 0
			}
		}
		c.mu.Unlock()

		if !current || clean {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		default:
			c.reconnectWithBackoff()
		}

	case <-c.ctx.Done():
		return
	}
}

func (c *Channel) consumeMessages(sock *socket) {
	for {
		select {
		case <-c.ctx.Done():
			return

		case <-sock.closed:
			return

		case msg, ok := <-sock.msgRx:
			if !ok {
				return
			}
			c.bytesRecv.Add(uint64(len(msg.Payload)))
			c.handleInbound(msg)
		}
	}
}

// handleInbound runs the receive pipeline: dedupe, TTL, unseal, checksum,
// presence bookkeeping, ack handling, then handler dispatch.
func (c *Channel) handleInbound(msg *wiremsg.Message) {
	c.msgsReceived.Add(1)
	c.lastRecvMs.Store(time.Now().UnixMilli())

	if _, dup := c.seen.Get(msg.ID); dup {
		c.duplicates.Add(1)
		slog.Debug("channel rx duplicate", "id", msg.ID)
		return
	}
	c.seen.Add(msg.ID, struct{}{})

	if msg.Expired(time.Now()) {
		c.expired.Add(1)
		slog.Debug("channel rx expired", "id", msg.ID, "type", msg.Type)
		return
	}

	if err := openPayload(msg, c.cfg.Cipher); err != nil {
		slog.Warn("channel rx unseal", "id", msg.ID, "error", err)
		return
	}

	if !msg.VerifyChecksum() {
		c.checksumFail.Add(1)
		slog.Warn("channel rx dropped", "id", msg.ID, "type", msg.Type, "from", msg.DeviceID, "error", ErrChecksumMismatch)
		return
	}

	c.trackPresence(msg)

	if msg.Type == wiremsg.MsgAck {
		c.resolveAck(msg)
		return
	}

	if msg.Priority == wiremsg.PriorityCritical {
		c.sendAck(msg, wiremsg.AckStatusOK, "")
	}

	c.dispatch(msg)
}

// trackPresence updates the registry from inbound traffic.
func (c *Channel) trackPresence(msg *wiremsg.Message) {
	reg := c.cfg.Registry
	if reg == nil || msg.DeviceID == "" || msg.DeviceID == c.cfg.DeviceID {
		return
	}

	var err error
	switch msg.Type {
	case wiremsg.MsgDeviceRegister:
		if p, derr := wiremsg.DecodePayload[wiremsg.DeviceRegister](msg); derr == nil {
			err = reg.Register(msg.DeviceID, p)
			if err == nil && c.events.DeviceConnected != nil {
				c.events.DeviceConnected(msg.DeviceID)
			}
		}
	case wiremsg.MsgDeviceUnregister:
		err = reg.Unregister(msg.DeviceID)
		if err == nil && c.events.DeviceDisconnected != nil {
			c.events.DeviceDisconnected(msg.DeviceID)
		}
	case wiremsg.MsgPresenceUpdate:
		if p, derr := wiremsg.DecodePayload[wiremsg.PresenceUpdate](msg); derr == nil {
			err = reg.SetPresence(msg.DeviceID, p.Status, p.WorkspaceID)
		}
	default:
		err = reg.Touch(msg.DeviceID)
	}

	if err != nil {
		slog.Warn("channel presence", "device", msg.DeviceID, "error", err)
	}
}

func (c *Channel) resolveAck(msg *wiremsg.Message) {
	ack, err := wiremsg.DecodePayload[wiremsg.Ack](msg)
	if err != nil {
		slog.Warn("channel rx ack decode", "id", msg.ID, "error", err)
		return
	}

	c.ackMu.Lock()
	ch, ok := c.pendingAcks[ack.AckID]
	if ok {
		delete(c.pendingAcks, ack.AckID)
	}
	c.ackMu.Unlock()

	if ok {
		ch <- &ack
	}
}

func (c *Channel) sendAck(msg *wiremsg.Message, status, errText string) {
	ack, err := wiremsg.New(wiremsg.MsgAck, c.cfg.DeviceID, c.cfg.UserID, wiremsg.Ack{
		AckID:  msg.ID,
		Status: status,
		Error:  errText,
	})
	if err != nil {
		return
	}
	ack.Priority = wiremsg.PriorityHigh

	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock == nil {
		return
	}
	ack.Seal()
	if err := c.push(sock, ack); err != nil {
		slog.Warn("channel ack send", "for", msg.ID, "error", err)
	}
}

func (c *Channel) dispatch(msg *wiremsg.Message) {
	c.hmu.RLock()
	handlers := c.handlers[msg.Type]
	c.hmu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("channel rx unhandled", "id", msg.ID, "type", msg.Type)
		return
	}

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("channel handler panic", "type", msg.Type, "panic", r)
				}
			}()
			h(msg)
		}()
	}
}

// reconnectWithBackoff retries the connection with capped exponential
// backoff and jitter. After MaxReconnectAttempts failures the channel
// gives up and reports ReconnectFailed.
func (c *Channel) reconnectWithBackoff() {
	delay := c.reconnectBase

	for {
		c.mu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			slog.Error("channel reconnect exhausted", "attempts", attempt-1)
			c.mu.Lock()
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			c.rejectPendingAcks()
			if c.events.ReconnectFailed != nil {
				c.events.ReconnectFailed(fmt.Errorf("%w after %d attempts", ErrReconnectFailed, attempt-1))
			}
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		slog.Info("channel reconnecting", "attempt", attempt, "delay", delay)

		ctx, cancel := context.WithTimeout(c.ctx, reconnectTimeout)
		c.mu.Lock()
		sock, err := c.connectLocked(ctx)
		c.mu.Unlock()
		cancel()

		if err == nil {
			c.reconnects.Add(1)
			go c.manageConnection(sock)
			go c.heartbeatLoop(sock)
			if aerr := c.announce(); aerr != nil {
				slog.Warn("channel announce", "error", aerr)
			}
			c.replayQueue()
			return
		}

		delay = min(delay*2, maxReconnectDelay)
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = time.Duration(float64(delay) * jitterFactor)
	}
}

// heartbeatLoop publishes channel stats while the socket lives.
func (c *Channel) heartbeatLoop(sock *socket) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-sock.closed:
			return
		case <-ticker.C:
			stats := c.Stats()
			msg, err := wiremsg.New(wiremsg.MsgHeartbeat, c.cfg.DeviceID, c.cfg.UserID, wiremsg.Heartbeat{
				MessagesSent:     stats.MessagesSent,
				MessagesReceived: stats.MessagesReceived,
				BytesSent:        stats.BytesSent,
				BytesReceived:    stats.BytesReceived,
				QueueDepth:       stats.QueueDepth,
			})
			if err != nil {
				continue
			}
			msg.Priority = wiremsg.PriorityLow
			msg.Seal()
			if err := c.push(sock, msg); err != nil {
				slog.Debug("channel heartbeat", "error", err)
			}
		}
	}
}

// Close shuts the channel down for good. Pending ack waiters fail with
// ErrChannelClosed.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// best effort goodbye
	if c.IsConnected() {
		if msg, err := wiremsg.New(wiremsg.MsgDeviceUnregister, c.cfg.DeviceID, c.cfg.UserID, wiremsg.DeviceUnregister{
			Reason: "shutdown",
		}); err == nil {
			msg.Seal()
			c.mu.RLock()
			sock := c.sock
			c.mu.RUnlock()
			if sock != nil {
				_ = c.push(sock, msg)
			}
		}
	}

	c.cancel()

	c.mu.Lock()
	if c.sock != nil {
		c.sock.close()
		c.sock = nil
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.rejectPendingAcks()
	slog.Info("channel closed")
	return nil
}

func (c *Channel) rejectPendingAcks() {
	c.ackMu.Lock()
	for id, ch := range c.pendingAcks {
		close(ch)
		delete(c.pendingAcks, id)
	}
	c.ackMu.Unlock()
}

// setStateLocked updates the state and fires the callback. Caller holds c.mu.
func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.events.StateChanged != nil {
		go c.events.StateChanged(s)
	}
}
