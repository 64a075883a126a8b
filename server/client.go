package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// WebSocket heartbeat settings to detect disconnected clients
	PING_INTERVAL = 10 * time.Second // Frequency of sending ping messages
	PONG_WAIT     = 60 * time.Second // Time to wait for a pong response before considering client disconnected
	WRITE_WAIT    = 10 * time.Second

	SEND_BUFFER      = 256 // Outgoing frames buffered per client
	INBOUND_RATE     = 60  // Inbound messages per second
	INBOUND_BURST    = 30
	MAX_MESSAGE_SIZE = 64 << 10
)

// frame is one outgoing WebSocket message.
type frame struct {
	binary bool
	data   []byte
}

// WebSocketClient represents a single connected client.
type WebSocketClient struct {
	ID      string
	conn    *websocket.Conn
	send    chan frame
	done    chan struct{}
	limiter *rate.Limiter
	log     *zap.Logger

	// Owned by the session loop.
	slot    int
	dropped int
}

// NewWebSocketClient creates a client for conn with a fresh connection id.
func NewWebSocketClient(conn *websocket.Conn, log *zap.Logger) *WebSocketClient {
	id := uuid.NewString()
	return &WebSocketClient{
		ID:      id,
		conn:    conn,
		send:    make(chan frame, SEND_BUFFER),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(INBOUND_RATE, INBOUND_BURST),
		log:     log.With(zap.String("conn", id)),
		slot:    noSlot,
	}
}

// Slot returns the car slot the client drives, or -1 before it joined.
func (c *WebSocketClient) Slot() int { return c.slot }

// enqueue hands f to the write pump without blocking. It reports false when the
// client's buffer is full.
func (c *WebSocketClient) enqueue(f frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		c.dropped++
		return false
	}
}

// ReadPump continuously reads messages from the WebSocket connection and hands
// them to the session loop. It unregisters the client when the connection ends.
func (c *WebSocketClient) ReadPump(loop *Loop) {
	defer func() {
		loop.Unregister(c)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(MAX_MESSAGE_SIZE)
	c.conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Client: unexpected close", zap.Error(err))
			} else {
				c.log.Debug("Client: read ended", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.log.Debug("Client: message dropped, inbound rate exceeded")
			continue
		}
		msg, err := parseClientMessage(kind == websocket.BinaryMessage, message)
		if err != nil {
			c.log.Warn("Client: invalid message", zap.Error(err))
			continue
		}
		if !loop.Submit(c, msg) {
			return
		}
	}
}

// WritePump sends queued frames and periodic pings until the send channel is
// closed or the read side terminates.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(PING_INTERVAL)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind := websocket.TextMessage
			if f.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, f.data); err != nil {
				c.log.Debug("Client: write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("Client: ping failed", zap.Error(err))
				return
			}

		case <-c.done:
			err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				c.log.Debug("Client: final close failed", zap.Error(err))
			}
			return
		}
	}
}
