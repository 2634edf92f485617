package stream

import (
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
)

// Msg is a state transition. The set of transitions is closed.
type Msg interface {
	chatID() string
	isMsg()
}

// SessionStarted registers a new session for a chat, superseding any
// previous one.
type SessionStarted struct {
	ChatID    string
	RequestID string
}

// EventReceived applies a provider event of the session RequestID.
type EventReceived struct {
	ChatID    string
	RequestID string
	Event     llm.Event
	At        time.Time
}

// ToolFinished clears the executing-tool indicator.
type ToolFinished struct {
	ChatID    string
	RequestID string
}

// SessionEnded removes the session RequestID after it was resolved
// outside the event stream.
type SessionEnded struct {
	ChatID    string
	RequestID string
}

// SessionCleared removes whatever session a chat has. Used by cancel
// and stop.
type SessionCleared struct {
	ChatID string
}

func (m SessionStarted) chatID() string { return m.ChatID }
func (m EventReceived) chatID() string  { return m.ChatID }
func (m ToolFinished) chatID() string   { return m.ChatID }
func (m SessionEnded) chatID() string   { return m.ChatID }
func (m SessionCleared) chatID() string { return m.ChatID }

func (SessionStarted) isMsg() {}
func (EventReceived) isMsg()  {}
func (ToolFinished) isMsg()   {}
func (SessionEnded) isMsg()   {}
func (SessionCleared) isMsg() {}

// Reduce returns the state after applying m to s, and whether it changed.
// Messages tagged with a request id that is not the chat's current one
// are ignored.
func Reduce(s State, m Msg) (State, bool) {
	switch m := m.(type) {
	case SessionStarted:
		return s.with(m.ChatID, ChatStatus{
			RequestID: m.RequestID,
			Loading:   true,
			Streaming: true,
		}), true

	case SessionCleared:
		if _, ok := s.chats[m.ChatID]; !ok {
			return s, false
		}
		return s.without(m.ChatID), true

	case SessionEnded:
		if !current(s, m.ChatID, m.RequestID) {
			return s, false
		}
		return s.without(m.ChatID), true

	case ToolFinished:
		if !current(s, m.ChatID, m.RequestID) {
			return s, false
		}
		st := s.chats[m.ChatID]
		st.ExecutingTool = ""
		return s.with(m.ChatID, st), true

	case EventReceived:
		if !current(s, m.ChatID, m.RequestID) {
			return s, false
		}
		return applyEvent(s, m)

	default:
		return s, false
	}
}

func current(s State, chatID, requestID string) bool {
	st, ok := s.chats[chatID]
	return ok && st.RequestID == requestID
}

func applyEvent(s State, m EventReceived) (State, bool) {
	st := s.chats[m.ChatID]

	switch ev := m.Event.(type) {
	case llm.ThinkingStarted:
		st.Loading = false
		st.Thinking = true
		st.ThinkingStartedAt = m.At

	case llm.ThinkingPartial:
		st.Loading = false
		st.ThinkingText += ev.Text

	case llm.ThinkingComplete:
		st.Thinking = false
		st.ThinkingDuration = ev.DurationSeconds
		if st.ThinkingDuration == 0 && !st.ThinkingStartedAt.IsZero() {
			st.ThinkingDuration = m.At.Sub(st.ThinkingStartedAt).Seconds()
		}

	case llm.PartialResponse:
		st.Loading = false
		st.Text += ev.Text

	case llm.ToolCallRequest:
		st.Loading = false
		st.ExecutingTool = ev.Call.Name

	case llm.MessagesAdded:
		st.Text = ""
		st.Thinking = false
		st.ThinkingText = ""
		st.ThinkingStartedAt = time.Time{}
		st.ThinkingDuration = 0

	case llm.Complete, llm.Error:
		return s.without(m.ChatID), true

	default:
		// StatusChange and unknown events are diagnostic only.
		return s, false
	}

	return s.with(m.ChatID, st), true
}
