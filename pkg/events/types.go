// Package events delivers live updates to WebSocket clients.
//
// ════════════════════════════════════════════════════════════════
// Channels
// ════════════════════════════════════════════════════════════════
//
//	chat:<chat_id>   chat.status       one message per status change of
//	                                   the chat's streaming session
//	user:<user_id>   history.changed   the user's saved history has a new
//	                                   version; clients reload over REST
//
// A client subscribes with {"action":"subscribe","channel":"chat:<id>"}.
// After subscription.confirmed a chat channel immediately receives the
// current chat.status, so late subscribers start from the live state.
// Status messages are snapshots, not deltas: intermediate states may be
// coalesced and only the latest one is guaranteed to arrive.
//
// history.changed originates from the history store. With the PostgreSQL
// backend every replica receives it through NOTIFY on the chat_history
// channel; other backends publish it in-process after each save.
//
// ════════════════════════════════════════════════════════════════
package events

import "strings"

// Event types sent to clients.
const (
	EventTypeChatStatus     = "chat.status"
	EventTypeHistoryChanged = "history.changed"
)

// Channel kinds.
const (
	KindChat = "chat"
	KindUser = "user"
)

// ChatChannel returns the channel name for a chat's status events.
// Format: "chat:{chat_id}"
func ChatChannel(chatID string) string {
	return KindChat + ":" + chatID
}

// UserChannel returns the channel name for a user's history events.
// Format: "user:{user_id}"
func UserChannel(userID string) string {
	return KindUser + ":" + userID
}

// ParseChannel splits a channel name into its kind and id.
func ParseChannel(channel string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(channel, ":")
	if !ok || id == "" || (kind != KindChat && kind != KindUser) {
		return "", "", false
	}
	return kind, id, true
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "chat:abc-123"
}
