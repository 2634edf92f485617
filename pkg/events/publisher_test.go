package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

type sent struct {
	channel string
	payload map[string]any
}

// recorder implements Broadcaster.
type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Broadcast(channel string, event []byte) {
	var payload map[string]any
	_ = json.Unmarshal(event, &payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{channel: channel, payload: payload})
}

func (r *recorder) last(channel string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].channel == channel {
			return r.sent[i].payload
		}
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestPublisher_ChatStatus(t *testing.T) {
	st := stream.NewStore()
	rec := &recorder{}
	p := NewPublisher(rec)
	p.Start(st)
	t.Cleanup(p.Stop)

	st.Dispatch(stream.SessionStarted{ChatID: "c1", RequestID: "r1"})
	st.Dispatch(stream.EventReceived{ChatID: "c1", RequestID: "r1", Event: llm.PartialResponse{Text: "Hel"}, At: time.Now()})
	st.Dispatch(stream.EventReceived{ChatID: "c1", RequestID: "r1", Event: llm.PartialResponse{Text: "lo"}, At: time.Now()})

	require.Eventually(t, func() bool {
		last := rec.last(ChatChannel("c1"))
		if last == nil {
			return false
		}
		status, _ := last["status"].(map[string]any)
		return status["text"] == "Hello"
	}, time.Second, 5*time.Millisecond)

	last := rec.last(ChatChannel("c1"))
	assert.Equal(t, EventTypeChatStatus, last["type"])
	assert.Equal(t, "c1", last["chat_id"])
	assert.Equal(t, true, last["active"])

	st.Dispatch(stream.SessionCleared{ChatID: "c1"})
	require.Eventually(t, func() bool {
		return rec.last(ChatChannel("c1"))["active"] == false
	}, time.Second, 5*time.Millisecond)
}

func TestPublisher_HistoryChanged(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec)
	p.Start(stream.NewStore())
	t.Cleanup(p.Stop)

	p.PublishHistoryChanged("alice", 3)
	require.Eventually(t, func() bool { return rec.last(UserChannel("alice")) != nil }, time.Second, 5*time.Millisecond)

	last := rec.last(UserChannel("alice"))
	assert.Equal(t, EventTypeHistoryChanged, last["type"])
	assert.Equal(t, "alice", last["user_id"])
	assert.Equal(t, float64(3), last["version"])
	assert.NotEmpty(t, last["timestamp"])
}

func TestPublisher_CoalescesToLatestVersion(t *testing.T) {
	rec := &recorder{}
	p := NewPublisher(rec)

	// Nothing is delivered before Start, so both updates are pending together.
	p.PublishHistoryChanged("alice", 5)
	p.PublishHistoryChanged("alice", 4)
	p.Start(stream.NewStore())
	p.Stop()

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, float64(5), rec.last(UserChannel("alice"))["version"])
}

func TestPublisher_Stop(t *testing.T) {
	st := stream.NewStore()
	rec := &recorder{}
	p := NewPublisher(rec)
	p.Start(st)
	p.Stop()
	p.Stop()

	st.Dispatch(stream.SessionStarted{ChatID: "c1", RequestID: "r1"})
	p.PublishHistoryChanged("alice", 1)
	assert.Zero(t, rec.count())

	assert.NotPanics(t, NewPublisher(rec).Stop, "stopping a publisher that never started")
}
