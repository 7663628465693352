package hub

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orgchat/chatcore/internal/auth"
	"github.com/orgchat/chatcore/internal/message"
	"github.com/orgchat/chatcore/internal/permission"
)

// ClosePolicyViolation is the standard WebSocket close code (RFC 6455 §7.4.1) used when upgrade-time authorization
// fails: missing/invalid token, missing chat:read scope, or a Denied/Unavailable permission decision.
const ClosePolicyViolation = 1008

const (
	// defaultPoolMinWorkers and defaultPoolMaxWorkers bound the goroutine burst a single broadcast can cause; sized
	// generously since a send is a cheap non-blocking channel write, not real work.
	defaultPoolMinWorkers = 4
	defaultPoolMaxWorkers = 256
)

// Hub maintains per-conversation sets of live connections and fans events out to them. Unlike a process-wide
// connection registry keyed by user, membership here is scoped to the conversation a connection was authorized
// against at upgrade time, since nothing requires a single user's connections across conversations to be reachable
// as a group.
type Hub struct {
	mu            sync.RWMutex
	conversations map[string]map[*Connection]struct{}

	pool *pond.WorkerPool
	log  zerolog.Logger
}

// New builds a Hub. poolSize bounds the number of goroutines a single broadcast may use concurrently; it has no
// bearing on how many connections the hub can hold.
func New(poolSize int, logger zerolog.Logger) *Hub {
	if poolSize <= 0 {
		poolSize = defaultPoolMaxWorkers
	}
	return &Hub{
		conversations: make(map[string]map[*Connection]struct{}),
		pool:          pond.New(poolSize, poolSize*2, pond.MinWorkers(defaultPoolMinWorkers), pond.IdleTimeout(30*time.Second)),
		log:           logger,
	}
}

// resolver is the subset of *permission.Resolver the upgrade path needs.
type resolver interface {
	Check(ctx context.Context, orgID, userID, permission, resourceID string) (permission.Decision, error)
}

// Serve performs upgrade-time authorization and, on success, runs the connection's pumps until it disconnects. It
// blocks for the lifetime of the connection; callers run it in the goroutine the WebSocket upgrade handler provides.
// tokenStr is the bearer credential pulled from the upgrade request's query string before the handshake completed
// (the raw fasthttp WebSocket connection carries no request context of its own).
func (h *Hub) Serve(conn *websocket.Conn, tokenStr string, validator *auth.Validator, res resolver, conversationID string) {
	defer func() { _ = conn.Close() }()

	if tokenStr == "" {
		closeConn(conn, ClosePolicyViolation, "missing token")
		return
	}
	authCtx, err := validator.Validate(tokenStr)
	if err != nil {
		closeConn(conn, ClosePolicyViolation, "invalid token")
		return
	}
	if !authCtx.HasScope("chat:read") {
		closeConn(conn, ClosePolicyViolation, "missing chat:read scope")
		return
	}

	decision, err := res.Check(context.Background(), authCtx.OrgID, authCtx.UserID, "chat:read", conversationID)
	if err != nil || decision.Outcome != permission.Allowed {
		closeConn(conn, ClosePolicyViolation, "not authorized for conversation")
		return
	}

	c := newConnection(h, conn, conversationID, authCtx.UserID, authCtx.OrgID, h.log)
	h.register(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	c.readPump()
	c.closeSend()
	wg.Wait()
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// register adds a connection to its conversation's set and announces it to existing peers.
func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	set, ok := h.conversations[c.conversationID]
	if !ok {
		set = make(map[*Connection]struct{})
		h.conversations[c.conversationID] = set
	}
	set[c] = struct{}{}
	count := len(set)
	h.mu.Unlock()

	h.sendTo(c, newConnectedEvent(c.conversationID, c.userID, c.orgID))
	h.broadcastExcept(c.conversationID, c, newPresenceEvent("user_joined", c.userID, count))
}

// deregister removes a connection from its conversation's set, deleting the set entirely once it is empty, and
// announces the departure to remaining peers.
func (h *Hub) deregister(c *Connection, reason string) {
	h.mu.Lock()
	set, ok := h.conversations[c.conversationID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	count := len(set)
	if count == 0 {
		delete(h.conversations, c.conversationID)
	}
	h.mu.Unlock()

	c.closeSend()
	h.log.Debug().Str("user_id", c.userID).Str("conversation_id", c.conversationID).Str("reason", reason).Msg("connection deregistered")
	h.broadcast(c.conversationID, newPresenceEvent("user_left", c.userID, count))
}

// sendTo delivers ev to a single connection. A connection that is already shutting down is deregistered with reason
// "send_error". The actual I/O happens asynchronously in the connection's writePump; a full send buffer drops the
// frame (see enqueue) and does not deregister the connection.
func (h *Hub) sendTo(c *Connection, ev any) {
	select {
	case <-c.done:
		h.deregister(c, "send_error")
		return
	default:
	}
	c.enqueue(mustMarshal(ev))
}

// broadcast sends ev to every connection bound to conversationID in parallel. It snapshots the member set under the
// lock then releases it before dispatching, so slow peers cannot stall registration of others, and never serializes
// sends across a large conversation.
func (h *Hub) broadcast(conversationID string, ev any) {
	h.broadcastExcept(conversationID, nil, ev)
}

// broadcastExcept is broadcast's implementation; skip, if non-nil, is omitted from the fan-out (used by register so
// a newly joined connection does not receive its own user_joined announcement).
func (h *Hub) broadcastExcept(conversationID string, skip *Connection, ev any) {
	h.mu.RLock()
	set, ok := h.conversations[conversationID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	members := make([]*Connection, 0, len(set))
	for c := range set {
		if c == skip {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	payload := mustMarshal(ev)
	var wg sync.WaitGroup
	wg.Add(len(members))
	for _, c := range members {
		c := c
		h.pool.Submit(func() {
			defer wg.Done()
			select {
			case <-c.done:
				h.deregister(c, "broadcast_error")
				return
			default:
			}
			c.enqueue(payload)
		})
	}
	wg.Wait()
}

// ShutdownAll notifies every live connection across every conversation that the server is going away, closes each
// socket, and clears the hub. Individual close failures are tolerated; the goal is a best-effort, parallel drain.
func (h *Hub) ShutdownAll() {
	h.mu.Lock()
	var all []*Connection
	for _, set := range h.conversations {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conversations = make(map[string]map[*Connection]struct{})
	h.mu.Unlock()

	if len(all) == 0 {
		h.pool.StopAndWait()
		return
	}

	payload := mustMarshal(newShutdownEvent("server shutting down, please reconnect"))
	var wg sync.WaitGroup
	wg.Add(len(all))
	for _, c := range all {
		c := c
		h.pool.Submit(func() {
			defer wg.Done()
			c.enqueue(payload)
			c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
			c.closeSend()
		})
	}
	wg.Wait()
	h.pool.StopAndWait()
}

// ConnectionCount returns the number of live connections bound to a conversation.
func (h *Hub) ConnectionCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[conversationID])
}

// BroadcastNewMessage implements message.Broadcaster.
func (h *Hub) BroadcastNewMessage(conversationID string, msg message.Message) {
	h.broadcast(conversationID, newMessageEvent("new_message", toWireMessage(msg)))
}

// BroadcastMessageUpdated implements message.Broadcaster.
func (h *Hub) BroadcastMessageUpdated(conversationID string, msg message.Message) {
	h.broadcast(conversationID, newMessageEvent("message_updated", toWireMessage(msg)))
}

// BroadcastMessageDeleted implements message.Broadcaster.
func (h *Hub) BroadcastMessageDeleted(conversationID string, messageID uuid.UUID) {
	h.broadcast(conversationID, newMessageDeletedEvent(messageID.String()))
}

func toWireMessage(msg message.Message) wireMessage {
	return wireMessage{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}
