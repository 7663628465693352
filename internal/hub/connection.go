package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound frame.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod sends a protocol-level ping well inside pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// inboundFrame is the shape of the two frame types the hub accepts from a client. Anything else is ignored.
type inboundFrame struct {
	Type string `json:"type"`
}

// Connection is a single live WebSocket bound to exactly one conversation and one authenticated user. It owns two
// goroutines (readPump, writePump) and communicates with the Hub only through its send channel and the Hub's
// register/deregister/broadcast methods.
type Connection struct {
	hub            *Hub
	conn           *websocket.Conn
	conversationID string
	userID         string
	orgID          string

	send chan []byte
	log  zerolog.Logger

	// done is closed to signal shutdown; send is never closed directly so a racing enqueue never panics on a
	// send-on-closed-channel.
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(h *Hub, conn *websocket.Conn, conversationID, userID, orgID string, logger zerolog.Logger) *Connection {
	return &Connection{
		hub:            h,
		conn:           conn,
		conversationID: conversationID,
		userID:         userID,
		orgID:          orgID,
		send:           make(chan []byte, 256),
		done:           make(chan struct{}),
		log:            logger,
	}
}

// UserID returns the connection's authenticated user ID.
func (c *Connection) UserID() string { return c.userID }

// ConversationID returns the conversation this connection is bound to.
func (c *Connection) ConversationID() string { return c.conversationID }

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue delivers msg to the connection's write loop. A full buffer or a closed connection drops the message rather
// than blocking the caller, since a broadcast must not stall on one slow peer.
func (c *Connection) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Str("user_id", c.userID).Msg("connection send buffer full, dropping")
	}
}

// readPump reads inbound frames and dispatches the two opcodes the hub understands. It owns deregistration: the
// moment the read loop exits for any reason, the connection is removed from its conversation set.
func (c *Connection) readPump() {
	defer func() {
		c.hub.deregister(c, "read_closed")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ping":
			c.hub.sendTo(c, newPongEvent())
		case "typing":
			c.hub.broadcast(c.conversationID, newTypingEvent(c.userID))
		}
		// Every other inbound frame is ignored: writes happen exclusively via the Message Engine's REST surface.
	}
}

// writePump drains the send channel onto the socket and issues periodic protocol pings to detect dead peers. It
// exits when done is closed, draining any buffered messages first so a graceful close still reaches the client.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// closeWithCode sends a WebSocket close frame and closes the underlying connection.
func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// mustMarshal encodes one of the typed event structs in this package. Every such struct declares its own "type"
// field and a handful of scalar fields, so marshaling cannot fail in practice; a failure falls back to a minimal
// frame rather than panicking mid-broadcast.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"unknown"}`)
	}
	return b
}
