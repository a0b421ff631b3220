package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/logging"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/metrics"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/protocol"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/room"
	"github.com/utkarshjosh/quiz-maker-sub000/internal/v1/types"
)

const (
	// sendQueueSize bounds the per-connection outbound queue. A client that
	// cannot drain this many messages is closed rather than allowed to apply
	// backpressure to the room.
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	// readWait is the read deadline; any inbound frame (including pongs)
	// pushes it forward.
	readWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxMissedPings = 3
	maxMessageSize = 64 * 1024
)

// wsConnection is the subset of *websocket.Conn the client uses, extracted so
// tests can drive the pumps with a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// Client is one authenticated WebSocket connection. It implements
// types.ClientConn; the hub and rooms only ever see that interface.
type Client struct {
	conn        wsConnection
	gw          *Gateway
	userID      types.UserIDType
	displayName types.DisplayNameType

	send chan *protocol.Message
	quit chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	currentRoom *room.Room
	missedPings int

	closeOnce sync.Once
}

func newClient(conn wsConnection, gw *Gateway, userID types.UserIDType, displayName types.DisplayNameType) *Client {
	return &Client{
		conn:        conn,
		gw:          gw,
		userID:      userID,
		displayName: displayName,
		send:        make(chan *protocol.Message, sendQueueSize),
		quit:        make(chan struct{}),
	}
}

var _ types.ClientConn = (*Client)(nil)

func (c *Client) UserID() types.UserIDType { return c.userID }

func (c *Client) DisplayName() types.DisplayNameType { return c.displayName }

// Send enqueues a message without blocking. Overflow means the consumer is
// too slow to be worth keeping: the connection is closed with 1001 and the
// error is returned.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
		return nil
	default:
		logging.Warn(context.Background(), "send queue overflow, closing connection",
			zap.String("user_id", string(c.userID)))
		c.CloseWithStatus(websocket.CloseGoingAway, "send queue overflow")
		return errSendQueueFull
	}
}

// CloseWithStatus records the close code and signals the write pump, which
// flushes everything already queued before the close frame goes out and the
// socket drops. Safe to call multiple times and from any goroutine.
func (c *Client) CloseWithStatus(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.quit)
	})
}

// drainAndClose writes whatever is still queued, then the recorded close
// frame. One shared deadline bounds the whole flush so a dead peer cannot
// stall teardown. Runs only on the write pump goroutine.
func (c *Client) drainAndClose() {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.SetWriteDeadline(deadline)
	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			frame := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, frame, deadline)
			return
		}
	}
}

// Room returns the room this connection has joined, if any.
func (c *Client) Room() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRoom
}

func (c *Client) setRoom(r *room.Room) {
	c.mu.Lock()
	c.currentRoom = r
	c.mu.Unlock()
}

func (c *Client) resetMissedPings() {
	c.mu.Lock()
	c.missedPings = 0
	c.mu.Unlock()
}

// bumpMissedPings increments the counter and reports whether the connection
// has missed too many in a row.
func (c *Client) bumpMissedPings() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPings++
	return c.missedPings >= maxMissedPings
}

// readPump reads frames until the connection dies, routing each decoded
// message through the gateway dispatcher. It owns connection cleanup.
func (c *Client) readPump() {
	defer func() {
		c.gw.hub.Unregister(c)
		if r := c.Room(); r != nil {
			// Only the user's current connection may mark them offline; a
			// superseded connection tearing down after its replacement has
			// rejoined must not shadow the live one.
			if _, ok := c.gw.hub.Connection(c.userID); !ok {
				r.Disconnect(c.userID)
			}
		}
		c.CloseWithStatus(websocket.CloseNormalClosure, "")
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.resetMissedPings()

		start := time.Now()
		msg, payload, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Malformed input earns an error frame, not a disconnect.
			_ = c.Send(protocol.ErrorMessageFrom(err))
			metrics.WebsocketEvents.WithLabelValues("invalid", "rejected").Inc()
			continue
		}

		c.gw.dispatch(c, msg, payload)
		metrics.WebsocketEvents.WithLabelValues(msg.Type, "ok").Inc()
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}
}

// writePump serializes queued messages onto the wire and drives the
// application-level ping cadence.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Error(context.Background(), "failed to marshal outbound message", zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if c.bumpMissedPings() {
				c.CloseWithStatus(websocket.CloseGoingAway, "ping timeout")
				c.drainAndClose()
				return
			}
			ping := protocol.MustMessage(protocol.TypePing, protocol.PingPayload{
				Timestamp: time.Now().UnixMilli(),
			})
			data, _ := json.Marshal(ping)
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.quit:
			c.drainAndClose()
			return
		}
	}
}
