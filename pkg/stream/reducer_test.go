package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
)

func apply(t *testing.T, s State, msgs ...Msg) State {
	t.Helper()
	for _, m := range msgs {
		s, _ = Reduce(s, m)
	}
	return s
}

func ev(chatID, requestID string, e llm.Event) EventReceived {
	return EventReceived{ChatID: chatID, RequestID: requestID, Event: e, At: time.Unix(100, 0)}
}

func TestReduce_PartialsConcatenateInOrder(t *testing.T) {
	parts := []string{"Hel", "lo", ", ", "wor", "ld"}
	s := apply(t, State{}, SessionStarted{ChatID: "a", RequestID: "r1"})
	assert.True(t, s.IsLoading("a"))

	for _, p := range parts {
		s = apply(t, s, ev("a", "r1", llm.PartialResponse{Text: p}))
	}

	assert.Equal(t, "Hello, world", s.Text("a"))
	assert.True(t, s.IsStreaming("a"))
	assert.False(t, s.IsLoading("a"))
}

func TestReduce_TerminalEventsClearChat(t *testing.T) {
	for name, terminal := range map[string]llm.Event{
		"complete": llm.Complete{FullText: "done"},
		"error":    llm.Error{Message: "boom"},
	} {
		t.Run(name, func(t *testing.T) {
			s := apply(t, State{},
				SessionStarted{ChatID: "a", RequestID: "r1"},
				SessionStarted{ChatID: "b", RequestID: "r2"},
				ev("a", "r1", llm.ThinkingStarted{}),
				ev("a", "r1", llm.PartialResponse{Text: "x"}),
				ev("a", "r1", terminal),
			)

			_, ok := s.Status("a")
			assert.False(t, ok)
			assert.False(t, s.IsLoading("a"))
			assert.False(t, s.IsStreaming("a"))
			assert.False(t, s.IsThinking("a"))
			assert.True(t, s.IsStreaming("b"), "other chats are untouched")
		})
	}
}

func TestReduce_StaleRequestIgnored(t *testing.T) {
	s := apply(t, State{},
		SessionStarted{ChatID: "a", RequestID: "old"},
		ev("a", "old", llm.PartialResponse{Text: "old text"}),
		SessionStarted{ChatID: "a", RequestID: "new"},
	)
	assert.Empty(t, s.Text("a"), "a new session starts with an empty buffer")

	for _, m := range []Msg{
		ev("a", "old", llm.PartialResponse{Text: "late"}),
		ev("a", "old", llm.Complete{FullText: "late"}),
		ToolFinished{ChatID: "a", RequestID: "old"},
		SessionEnded{ChatID: "a", RequestID: "old"},
		ev("b", "new", llm.PartialResponse{Text: "unknown chat"}),
	} {
		next, changed := Reduce(s, m)
		assert.False(t, changed, "%T", m)
		assert.Equal(t, s, next)
	}

	st, ok := s.Status("a")
	require.True(t, ok)
	assert.Equal(t, "new", st.RequestID)
}

func TestReduce_MessagesAddedStartsNewBubble(t *testing.T) {
	s := apply(t, State{},
		SessionStarted{ChatID: "a", RequestID: "r"},
		EventReceived{ChatID: "a", RequestID: "r", Event: llm.ThinkingStarted{}, At: time.Unix(1000, 0)},
		ev("a", "r", llm.ThinkingPartial{Text: "which tool?"}),
		ev("a", "r", llm.ThinkingComplete{DurationSeconds: 1}),
		ev("a", "r", llm.PartialResponse{Text: "Let me check."}),
		ev("a", "r", llm.ToolCallRequest{Call: llm.ToolCall{ID: "c1", Name: "current_datetime"}, RequestID: "t1"}),
	)
	assert.Equal(t, "current_datetime", s.ExecutingTool("a"))

	s = apply(t, s,
		ToolFinished{ChatID: "a", RequestID: "r"},
		ev("a", "r", llm.MessagesAdded{}),
	)
	assert.Empty(t, s.ExecutingTool("a"))
	assert.Empty(t, s.Text("a"))
	assert.True(t, s.IsStreaming("a"))
	st, _ := s.Status("a")
	assert.False(t, st.Thinking)
	assert.Empty(t, st.ThinkingText, "reasoning belongs to the saved message")
	assert.True(t, st.ThinkingStartedAt.IsZero())
	assert.Zero(t, st.ThinkingDuration)

	s = apply(t, s, ev("a", "r", llm.PartialResponse{Text: "It is noon."}))
	assert.Equal(t, "It is noon.", s.Text("a"))
}

func TestReduce_Thinking(t *testing.T) {
	start := time.Unix(1000, 0)
	s := apply(t, State{},
		SessionStarted{ChatID: "a", RequestID: "r"},
		EventReceived{ChatID: "a", RequestID: "r", Event: llm.ThinkingStarted{}, At: start},
		ev("a", "r", llm.ThinkingPartial{Text: "first, "}),
		ev("a", "r", llm.ThinkingPartial{Text: "then"}),
	)
	st, _ := s.Status("a")
	assert.True(t, st.Thinking)
	assert.Equal(t, start, st.ThinkingStartedAt)
	assert.Equal(t, "first, then", st.ThinkingText)

	reported := apply(t, s, ev("a", "r", llm.ThinkingComplete{DurationSeconds: 4.5, Status: "completed"}))
	st, _ = reported.Status("a")
	assert.False(t, st.Thinking)
	assert.Equal(t, "first, then", st.ThinkingText, "thinking stays visible")
	assert.InDelta(t, 4.5, st.ThinkingDuration, 1e-9)

	measured := apply(t, s, EventReceived{ChatID: "a", RequestID: "r", Event: llm.ThinkingComplete{}, At: start.Add(3 * time.Second)})
	st, _ = measured.Status("a")
	assert.InDelta(t, 3.0, st.ThinkingDuration, 1e-9)
}

func TestReduce_Clearing(t *testing.T) {
	s := apply(t, State{}, SessionStarted{ChatID: "a", RequestID: "r"})

	_, changed := Reduce(s, ev("a", "r", llm.StatusChange{Status: "queued"}))
	assert.False(t, changed)

	_, changed = Reduce(s, SessionEnded{ChatID: "a", RequestID: "other"})
	assert.False(t, changed)

	cleared, changed := Reduce(s, SessionCleared{ChatID: "a"})
	assert.True(t, changed)
	assert.Zero(t, cleared.Len())

	_, changed = Reduce(cleared, SessionCleared{ChatID: "a"})
	assert.False(t, changed)

	ended, changed := Reduce(s, SessionEnded{ChatID: "a", RequestID: "r"})
	assert.True(t, changed)
	assert.Zero(t, ended.Len())
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	before := apply(t, State{}, SessionStarted{ChatID: "a", RequestID: "r"})
	after := apply(t, before,
		ev("a", "r", llm.PartialResponse{Text: "x"}),
		SessionStarted{ChatID: "b", RequestID: "r2"},
	)

	assert.Empty(t, before.Text("a"))
	assert.Equal(t, 1, before.Len())
	assert.Equal(t, []string{"a", "b"}, after.ChatIDs())
}
