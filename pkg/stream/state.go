// Package stream coordinates streaming model sessions per chat and keeps
// the observable per-chat status.
//
// Status is an immutable State snapshot changed only by Reduce, applied by
// a single Store. The Coordinator runs one session per chat id, turns
// provider events into transitions and persists the resulting messages.
package stream

import (
	"sort"
	"time"
)

// ChatStatus is the ephemeral status of one chat's active session.
type ChatStatus struct {
	RequestID string `json:"request_id"`

	// Loading is true until the first thinking or response output arrives.
	Loading   bool `json:"loading"`
	Streaming bool `json:"streaming"`
	Thinking  bool `json:"thinking"`

	Text              string    `json:"text"`
	ThinkingText      string    `json:"thinking_text,omitempty"`
	ThinkingStartedAt time.Time `json:"thinking_started_at,omitzero"`
	ThinkingDuration  float64   `json:"thinking_duration,omitempty"`

	// ExecutingTool names the tool being executed, if any.
	ExecutingTool string `json:"executing_tool,omitempty"`
}

// State maps chat ids to the status of their active session. A chat without
// an active session has no entry. State values are never mutated.
type State struct {
	chats map[string]ChatStatus
}

// Status returns the status of chatID and whether it has an active session.
func (s State) Status(chatID string) (ChatStatus, bool) {
	st, ok := s.chats[chatID]
	return st, ok
}

// IsLoading reports whether chatID is waiting for its first output.
func (s State) IsLoading(chatID string) bool {
	return s.chats[chatID].Loading
}

// IsStreaming reports whether chatID has an active session.
func (s State) IsStreaming(chatID string) bool {
	return s.chats[chatID].Streaming
}

// IsThinking reports whether chatID is in its thinking phase.
func (s State) IsThinking(chatID string) bool {
	return s.chats[chatID].Thinking
}

// ExecutingTool returns the tool chatID is executing, or "".
func (s State) ExecutingTool(chatID string) string {
	return s.chats[chatID].ExecutingTool
}

// Text returns the response text accumulated for the current bubble.
func (s State) Text(chatID string) string {
	return s.chats[chatID].Text
}

// ChatIDs returns the chats with an active session in sorted order.
func (s State) ChatIDs() []string {
	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of active sessions.
func (s State) Len() int {
	return len(s.chats)
}

// with returns a copy of s with chatID set to st.
func (s State) with(chatID string, st ChatStatus) State {
	chats := make(map[string]ChatStatus, len(s.chats)+1)
	for k, v := range s.chats {
		chats[k] = v
	}
	chats[chatID] = st
	return State{chats: chats}
}

// without returns a copy of s with chatID removed.
func (s State) without(chatID string) State {
	chats := make(map[string]ChatStatus, len(s.chats))
	for k, v := range s.chats {
		if k != chatID {
			chats[k] = v
		}
	}
	return State{chats: chats}
}
