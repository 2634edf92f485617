package events

import (
	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

// ChatStatusPayload is the payload for chat.status events.
type ChatStatusPayload struct {
	Type      string            `json:"type"`    // always EventTypeChatStatus
	ChatID    string            `json:"chat_id"` // owning chat
	Active    bool              `json:"active"`  // false once the session is gone
	Status    stream.ChatStatus `json:"status"`  // zero value when inactive
	Timestamp string            `json:"timestamp"`
}

// HistoryChangedPayload is the payload for history.changed events.
type HistoryChangedPayload struct {
	Type      string `json:"type"`    // always EventTypeHistoryChanged
	UserID    string `json:"user_id"` // owner of the saved history
	Version   int64  `json:"version"` // version after the save
	Timestamp string `json:"timestamp"`
}
