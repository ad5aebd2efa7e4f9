package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/flowmesh/worksync/internal/wiremsg"
	"github.com/flowmesh/worksync/internal/wsproto"
)

const (
	sockChannelSize  = 256
	sockPingPeriod   = 15 * time.Second
	sockPingTimeout  = 5 * time.Second
	sockWriteTimeout = 5 * time.Second
	sockMaxFrameSize = 4 * 1024 * 1024 // 4MB
)

// socket owns one WebSocket connection and its read/write pumps.
type socket struct {
	conn      *websocket.Conn
	msgRx     chan *wiremsg.Message // messages received from the websocket
	msgTx     chan *wiremsg.Message // messages sent to the websocket
	closed    chan struct{}         // websocket is closed
	closing   chan struct{}         // websocket is closing
	encoding  wsproto.Encoding      // negotiated encoding for this connection
	closeOnce sync.Once             // ensures the connection is closed only once
	wg        sync.WaitGroup        // waitGroup for the read and write loops
	closeCode atomic.Int32          // close status received from the peer, -1 if none
	bytesRx   atomic.Int64
	bytesTx   atomic.Int64
}

// dialSocket connects to the sync endpoint. The dial context bounds only
// the handshake; the caller starts the pumps with the context they should
// live under.
func dialSocket(ctx context.Context, endpoint, deviceID string, enc wsproto.Encoding) (*socket, error) {
	u, err := url.Parse(toWebsocketURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("device", deviceID)
	q.Set("encoding", enc.String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	conn.SetReadLimit(sockMaxFrameSize)

	return newSocket(conn, enc), nil
}

func newSocket(conn *websocket.Conn, enc wsproto.Encoding) *socket {
	s := &socket{
		conn:     conn,
		msgRx:    make(chan *wiremsg.Message, sockChannelSize),
		msgTx:    make(chan *wiremsg.Message, sockChannelSize),
		closed:   make(chan struct{}),
		closing:  make(chan struct{}),
		encoding: enc,
	}
	s.closeCode.Store(-1)
	return s
}

// peerClosedClean reports whether the peer ended the connection with a
// normal closure (code 1000). Local shutdown does not count.
func (s *socket) peerClosedClean() bool {
	return websocket.StatusCode(s.closeCode.Load()) == websocket.StatusNormalClosure
}

func (s *socket) start(ctx context.Context) {
	s.wg.Add(2)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
}

func (s *socket) close() {
	s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	s.wg.Wait()
}

func (s *socket) closeConnection(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.conn.Close(status, reason)

		// wait for both read and write loops to finish
		s.wg.Wait()

		close(s.closed)
		close(s.msgRx)
		// msgTx stays open: pushers race with shutdown and check closing
		// instead; the write loop exits via closing
	})
}

func (s *socket) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("socket reader shutdown")
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				s.closeCode.Store(int32(code))
			}
			if !isExpectedCloseError(err) {
				slog.Warn("socket RECV", "error", err)
			}
			return
		}
		s.bytesRx.Add(int64(len(raw)))

		msg, _, uerr := wsproto.Unmarshal(typ, raw)
		if uerr != nil {
			slog.Warn("socket RECV decode", "error", uerr)
			continue
		}

		select {
		case <-s.closing:
			return

		case s.msgRx <- msg:
			// delivered

		default:
			slog.Warn("socket RECV buffer full", "dropped", msg.ID, "type", msg.Type)
		}
	}
}

func (s *socket) writeLoop(ctx context.Context) {
	pingTicker := time.NewTicker(sockPingPeriod)
	defer func() {
		slog.Debug("socket writer shutdown")
		pingTicker.Stop()
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.closing:
			return

		case msg, ok := <-s.msgTx:
			if !ok {
				return
			}

			slog.Debug("socket SEND", "id", msg.ID, "type", msg.Type)

			ctxWrite, cancel := context.WithTimeout(ctx, sockWriteTimeout)
			typ, frame, err := wsproto.Marshal(msg, s.encoding)
			if err == nil {
				err = s.conn.Write(ctxWrite, typ, frame)
			}
			cancel()

			if err != nil {
				slog.Error("socket SEND", "error", err)
				return
			}
			s.bytesTx.Add(int64(len(frame)))

		case <-pingTicker.C:
			ctxPing, cancel := context.WithTimeout(ctx, sockPingTimeout)
			err := s.conn.Ping(ctxPing)
			cancel()

			if err != nil {
				slog.Error("socket PING", "error", err)
				return
			}
		}
	}
}

// isExpectedCloseError returns true if the error is an expected connection closure.
func isExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}

// toWebsocketURL converts an HTTP URL to a WebSocket URL.
func toWebsocketURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[8:]
	} else if strings.HasPrefix(u, "http://") {
		return "ws://" + u[7:]
	}
	return u
}
