// Package hub implements the per-conversation WebSocket fan-out registry: connection registration, parallel
// broadcast, and the narrow set of inbound frames the hub itself understands (ping/typing). Message writes happen
// exclusively through the Message Engine's REST surface; the hub is read-only with respect to persistence.
package hub

import "time"

// Outbound event shapes. Each is a flat JSON object carrying only the fields named by the wire contract; there is
// no shared envelope, so every struct declares "type" itself and marshals exactly as shown below.
//
//	{"type":"connected",       "conversation_id":…, "user_id":…, "org_id":…}
//	{"type":"user_joined",     "user_id":…, "connection_count":n}
//	{"type":"user_left",       "user_id":…, "connection_count":n}
//	{"type":"user_typing",     "user_id":…}
//	{"type":"new_message",     "message":{…}}
//	{"type":"message_updated", "message":{…}}
//	{"type":"message_deleted", "message_id":…}
//	{"type":"server_shutdown", "message":"…"}

type connectedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	OrgID          string `json:"org_id"`
}

func newConnectedEvent(conversationID, userID, orgID string) connectedEvent {
	return connectedEvent{Type: "connected", ConversationID: conversationID, UserID: userID, OrgID: orgID}
}

// presenceEvent is the payload for both user_joined and user_left.
type presenceEvent struct {
	Type            string `json:"type"`
	UserID          string `json:"user_id"`
	ConnectionCount int    `json:"connection_count"`
}

func newPresenceEvent(typ, userID string, count int) presenceEvent {
	return presenceEvent{Type: typ, UserID: userID, ConnectionCount: count}
}

type typingEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

func newTypingEvent(userID string) typingEvent {
	return typingEvent{Type: "user_typing", UserID: userID}
}

// wireMessage is the "message" object nested in new_message/message_updated events.
type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type messageEvent struct {
	Type    string      `json:"type"`
	Message wireMessage `json:"message"`
}

func newMessageEvent(typ string, msg wireMessage) messageEvent {
	return messageEvent{Type: typ, Message: msg}
}

type messageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

func newMessageDeletedEvent(messageID string) messageDeletedEvent {
	return messageDeletedEvent{Type: "message_deleted", MessageID: messageID}
}

type shutdownEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newShutdownEvent(message string) shutdownEvent {
	return shutdownEvent{Type: "server_shutdown", Message: message}
}

// pongEvent answers an inbound ping frame. It is not part of the stable wire contract; clients that don't send
// ping frames never see it.
type pongEvent struct {
	Type string `json:"type"`
}

func newPongEvent() pongEvent {
	return pongEvent{Type: "pong"}
}
