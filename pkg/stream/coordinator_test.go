package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/tools"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// transcript records appended messages per chat.
type transcript struct {
	mu   sync.Mutex
	msgs map[string][]models.Message
}

func newTranscript() *transcript {
	return &transcript{msgs: make(map[string][]models.Message)}
}

func (tr *transcript) AppendMessages(_ context.Context, _, chatID string, msgs ...models.Message) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.msgs[chatID] = append(tr.msgs[chatID], msgs...)
	return nil
}

func (tr *transcript) messages(chatID string) []models.Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]models.Message(nil), tr.msgs[chatID]...)
}

// fakeTools executes every call with result, after release is closed
// when set.
type fakeTools struct {
	mu      sync.Mutex
	calls   []llm.ToolCall
	result  llm.ToolResult
	release chan struct{}
}

func (f *fakeTools) Definitions(enabled []string) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(enabled))
	for _, n := range enabled {
		defs = append(defs, llm.ToolDefinition{Name: n})
	}
	return defs
}

func (f *fakeTools) Execute(ctx context.Context, _ tools.Context, _ []string, call llm.ToolCall) (llm.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	res := f.result
	res.CallID = call.ID
	res.Name = call.Name
	return res, nil
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	coord *Coordinator
	store *Store
	tr    *transcript
	turns chan Turn
}

func newHarness(t *testing.T, executor ToolExecutor, cfg Config) *harness {
	t.Helper()
	h := &harness{store: NewStore(), tr: newTranscript(), turns: make(chan Turn, 8)}
	h.coord = NewCoordinator(h.store, h.tr, executor, cfg)
	h.coord.OnTurnComplete(func(_ context.Context, turn Turn) { h.turns <- turn })
	t.Cleanup(h.coord.Stop)
	return h
}

func (h *harness) start(t *testing.T, chatID string, p llm.Provider) string {
	t.Helper()
	id, err := h.coord.StartSession(Request{
		UserID:       "alice",
		ChatID:       chatID,
		Provider:     p,
		Model:        "gpt-test",
		Messages:     []models.Message{{Role: models.RoleUser, Text: "Hello"}},
		EnabledTools: []string{"lookup"},
	})
	require.NoError(t, err)
	return id
}

// waitDone waits until chatID has n persisted messages and no session.
func (h *harness) waitDone(t *testing.T, chatID string, n int) []models.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.tr.messages(chatID)) == n && !h.store.Snapshot().IsStreaming(chatID)
	}, waitFor, tick)
	return h.tr.messages(chatID)
}

func TestCoordinator_CompleteScenario(t *testing.T) {
	h := newHarness(t, nil, Config{})
	p := llm.NewScriptedProvider("test", llm.Events(
		llm.PartialResponse{Text: "Hi"},
		llm.PartialResponse{Text: " there"},
		llm.Complete{FullText: "Hi there"},
	))

	requestID := h.start(t, "chat-1", p)
	assert.NotEmpty(t, requestID)

	msgs := h.waitDone(t, "chat-1", 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hi there", msgs[0].Text)
	assert.Equal(t, "gpt-test", msgs[0].Model)
	assert.False(t, msgs[0].IsError)

	select {
	case turn := <-h.turns:
		assert.Equal(t, "chat-1", turn.ChatID)
		assert.Equal(t, "alice", turn.UserID)
		assert.Equal(t, "Hi there", turn.Message.Text)
	case <-time.After(waitFor):
		t.Fatal("turn hook not called")
	}

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "chat-1", reqs[0].ChatID)
	assert.Empty(t, reqs[0].Tools, "no executor, no tools")
	assert.False(t, h.coord.Active("chat-1"))
}

func TestCoordinator_CompleteWithoutPartialsUsesFullText(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.start(t, "c", llm.NewScriptedProvider("test", llm.Events(llm.Complete{FullText: "whole answer"})))

	msgs := h.waitDone(t, "c", 1)
	assert.Equal(t, "whole answer", msgs[0].Text)
}

func TestCoordinator_ThinkingIsPersisted(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.start(t, "c", llm.NewScriptedProvider("test", llm.Events(
		llm.ThinkingStarted{},
		llm.ThinkingPartial{Text: "considering"},
		llm.ThinkingComplete{DurationSeconds: 2.5, Status: "completed"},
		llm.StatusChange{Status: "answering"},
		llm.PartialResponse{Text: "42"},
		llm.Complete{},
	)))

	msgs := h.waitDone(t, "c", 1)
	assert.Equal(t, "42", msgs[0].Text)
	assert.Equal(t, "considering", msgs[0].Thinking)
	assert.InDelta(t, 2.5, msgs[0].ThinkingSec, 1e-9)
}

func TestCoordinator_ErrorsBecomeMessages(t *testing.T) {
	tests := []struct {
		name     string
		provider *llm.ScriptedProvider
		want     []string
	}{
		{
			name:     "error event",
			provider: llm.NewScriptedProvider("test", llm.Events(llm.Error{Message: "quota exceeded", Code: "429"})),
			want:     []string{"Error: quota exceeded"},
		},
		{
			name: "error after partial text",
			provider: llm.NewScriptedProvider("test", llm.Events(
				llm.PartialResponse{Text: "Partial"},
				llm.Error{Message: "connection reset"},
			)),
			want: []string{"Partial", "Error: connection reset"},
		},
		{
			name:     "stream closes without terminal event",
			provider: llm.NewScriptedProvider("test", llm.Events(llm.PartialResponse{Text: ""})),
			want:     []string{"Error: stream ended unexpectedly"},
		},
		{
			name:     "stream fails to start",
			provider: &llm.ScriptedProvider{ProviderName: "test", StreamErr: errors.New("dial tcp: refused")},
			want:     []string{"Error: dial tcp: refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, Config{})
			h.start(t, "c", tt.provider)

			msgs := h.waitDone(t, "c", len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, models.RoleAssistant, msgs[i].Role)
				assert.Equal(t, want, msgs[i].Text)
			}
			assert.True(t, msgs[len(msgs)-1].IsError)
			assert.Empty(t, h.turns, "failed turns do not trigger the turn hook")
		})
	}
}

func TestCoordinator_ToolErrorResumesStream(t *testing.T) {
	executor := &fakeTools{result: llm.ToolResult{Content: "service unavailable", IsError: true}}
	h := newHarness(t, executor, Config{})

	var (
		mu       sync.Mutex
		executed []string
	)
	h.store.Subscribe(func(chatID string, st ChatStatus, _ bool) {
		mu.Lock()
		executed = append(executed, st.ExecutingTool)
		mu.Unlock()
	})

	p := llm.NewScriptedProvider("test", llm.Events(
		llm.PartialResponse{Text: "Let me look."},
		llm.ToolCallRequest{Call: llm.ToolCall{ID: "call-1", Name: "lookup", Arguments: `{"q":"x"}`}, RequestID: "tr-1"},
		llm.PartialResponse{Text: "The lookup failed."},
		llm.Complete{},
	))
	h.start(t, "c", p)

	msgs := h.waitDone(t, "c", 3)
	assert.Equal(t, "Let me look.", msgs[0].Text)
	assert.Equal(t, models.RoleToolCall, msgs[1].Role)
	require.NotNil(t, msgs[1].ToolCall)
	assert.Equal(t, models.ToolCallRecord{
		CallID: "call-1", Name: "lookup", Arguments: `{"q":"x"}`, Result: "service unavailable", IsError: true,
	}, *msgs[1].ToolCall)
	assert.Equal(t, "The lookup failed.", msgs[2].Text, "text after the tool call is a new message")

	results := p.ToolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "call-1", results[0].CallID)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, executed, "lookup")
	assert.Empty(t, h.store.Status("c").ExecutingTool)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "lookup", reqs[0].Tools[0].Name)
}

func TestCoordinator_SecondToolCallRejected(t *testing.T) {
	executor := &fakeTools{result: llm.ToolResult{Content: "found"}, release: make(chan struct{})}
	h := newHarness(t, executor, Config{})
	resume := make(chan struct{})

	p := llm.NewScriptedProvider("test", llm.Script{
		{Event: llm.ToolCallRequest{Call: llm.ToolCall{ID: "a", Name: "lookup"}, RequestID: "tr-a"}, Async: true},
		{Event: llm.ToolCallRequest{Call: llm.ToolCall{ID: "b", Name: "lookup"}, RequestID: "tr-b"}, Async: true},
		{Event: llm.PartialResponse{Text: "done"}, Wait: resume},
		{Event: llm.Complete{}},
	})
	h.start(t, "c", p)

	require.Eventually(t, func() bool { return len(p.ToolResults()) == 1 }, waitFor, tick)
	rejected := p.ToolResults()[0]
	assert.Equal(t, "b", rejected.CallID)
	assert.True(t, rejected.IsError)
	assert.Equal(t, msgToolRejected, rejected.Content)
	assert.Equal(t, "lookup", h.store.Status("c").ExecutingTool, "first call still executing")

	close(executor.release)
	require.Eventually(t, func() bool { return len(p.ToolResults()) == 2 }, waitFor, tick)
	assert.Equal(t, llm.ToolResult{CallID: "a", Name: "lookup", Content: "found"}, p.ToolResults()[1])

	close(resume)
	msgs := h.waitDone(t, "c", 2)
	assert.Equal(t, models.RoleToolCall, msgs[0].Role)
	assert.Equal(t, "done", msgs[1].Text)
	assert.Equal(t, 1, executor.callCount())
}

func TestCoordinator_EventsHeldBackDuringToolCall(t *testing.T) {
	executor := &fakeTools{result: llm.ToolResult{Content: "ok"}, release: make(chan struct{})}
	h := newHarness(t, executor, Config{})

	p := llm.NewScriptedProvider("test", llm.Script{
		{Event: llm.ToolCallRequest{Call: llm.ToolCall{ID: "a", Name: "lookup"}, RequestID: "tr-a"}, Async: true},
		{Event: llm.PartialResponse{Text: "after"}},
		{Event: llm.Complete{}},
	})
	h.start(t, "c", p)

	require.Eventually(t, func() bool { return executor.callCount() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.store.Status("c").Text, "output is not forwarded while the tool runs")
	assert.Empty(t, h.tr.messages("c"))

	close(executor.release)
	msgs := h.waitDone(t, "c", 2)
	assert.Equal(t, models.RoleToolCall, msgs[0].Role)
	assert.Equal(t, "after", msgs[1].Text)
}

func TestCoordinator_CancelClearsStateImmediately(t *testing.T) {
	h := newHarness(t, nil, Config{})
	never := make(chan struct{})
	p := llm.NewScriptedProvider("test", llm.Script{
		{Event: llm.PartialResponse{Text: "late"}, Wait: never},
		{Event: llm.Complete{}},
	})

	h.start(t, "c", p)
	assert.True(t, h.coord.Cancel("c"))

	st := h.store.Snapshot()
	assert.False(t, st.IsLoading("c"))
	assert.False(t, st.IsStreaming("c"))
	assert.False(t, h.coord.Active("c"))

	assert.False(t, h.coord.Cancel("c"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.tr.messages("c"), "cancelled sessions persist nothing")
}

func TestCoordinator_NewSessionSupersedesOld(t *testing.T) {
	h := newHarness(t, nil, Config{})
	gate := make(chan struct{})
	p := llm.NewScriptedProvider("test",
		llm.Script{
			{Event: llm.PartialResponse{Text: "first"}},
			{Event: llm.Complete{}, Wait: gate},
		},
		llm.Events(llm.PartialResponse{Text: "second"}, llm.Complete{}),
	)

	first := h.start(t, "c", p)
	require.Eventually(t, func() bool { return h.store.Status("c").Text == "first" }, waitFor, tick)

	second := h.start(t, "c", p)
	assert.NotEqual(t, first, second)
	close(gate)

	msgs := h.waitDone(t, "c", 1)
	assert.Equal(t, "second", msgs[0].Text)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.tr.messages("c"), 1, "the superseded session persists nothing")
}

func TestCoordinator_ConcurrentChats(t *testing.T) {
	h := newHarness(t, nil, Config{})
	gate := make(chan struct{})
	slow := llm.NewScriptedProvider("slow", llm.Script{
		{Event: llm.PartialResponse{Text: "slow"}},
		{Event: llm.Complete{}, Wait: gate},
	})
	fast := llm.NewScriptedProvider("fast", llm.Events(llm.PartialResponse{Text: "fast"}, llm.Complete{}))

	h.start(t, "a", slow)
	h.start(t, "b", fast)

	h.waitDone(t, "b", 1)
	assert.True(t, h.store.Snapshot().IsStreaming("a"))

	close(gate)
	msgs := h.waitDone(t, "a", 1)
	assert.Equal(t, "slow", msgs[0].Text)
}

func TestCoordinator_StopAndPersistPartial(t *testing.T) {
	h := newHarness(t, nil, Config{})
	never := make(chan struct{})
	p := llm.NewScriptedProvider("test", llm.Script{
		{Event: llm.PartialResponse{Text: "Half an ans"}},
		{Event: llm.Complete{}, Wait: never},
	})
	h.start(t, "c", p)
	require.Eventually(t, func() bool { return h.store.Status("c").Text == "Half an ans" }, waitFor, tick)

	stopped, err := h.coord.StopAndPersistPartial(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.False(t, h.store.Snapshot().IsStreaming("c"))

	msgs := h.tr.messages("c")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Half an ans", msgs[0].Text)
	assert.False(t, msgs[0].IsError)
	require.Len(t, h.turns, 1)
}

func TestCoordinator_StopAndPersistPartialWithoutText(t *testing.T) {
	h := newHarness(t, nil, Config{})
	never := make(chan struct{})
	h.start(t, "c", llm.NewScriptedProvider("test", llm.Script{{Event: llm.Complete{}, Wait: never}}))

	stopped, err := h.coord.StopAndPersistPartial(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Empty(t, h.tr.messages("c"))

	stopped, err = h.coord.StopAndPersistPartial(context.Background(), "c")
	require.NoError(t, err)
	assert.False(t, stopped)
}

// gatedTranscript blocks its first append until release is closed and
// then fails it with err when set.
type gatedTranscript struct {
	*transcript
	entered chan struct{}
	release chan struct{}
	err     error
	once    sync.Once
}

func (g *gatedTranscript) AppendMessages(ctx context.Context, userID, chatID string, msgs ...models.Message) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
		if g.err != nil {
			return g.err
		}
	}
	return g.transcript.AppendMessages(ctx, userID, chatID, msgs...)
}

func TestCoordinator_StopDuringInterimSave(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "interim save succeeds"},
		{name: "interim save fails", err: errors.New("database unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt := &gatedTranscript{
				transcript: newTranscript(),
				entered:    make(chan struct{}),
				release:    make(chan struct{}),
				err:        tt.err,
			}
			coord := NewCoordinator(NewStore(), gt, nil, Config{})
			t.Cleanup(coord.Stop)

			never := make(chan struct{})
			_, err := coord.StartSession(Request{
				UserID:   "alice",
				ChatID:   "c",
				Provider: llm.NewScriptedProvider("test", llm.Script{
					{Event: llm.PartialResponse{Text: "partial"}},
					{Event: llm.MessagesAdded{}},
					{Event: llm.Complete{}, Wait: never},
				}),
				Model:    "gpt-test",
				Messages: []models.Message{{Role: models.RoleUser, Text: "Hello"}},
			})
			require.NoError(t, err)

			select {
			case <-gt.entered:
			case <-time.After(waitFor):
				t.Fatal("interim save not started")
			}

			stopped := make(chan bool, 1)
			go func() {
				ok, err := coord.StopAndPersistPartial(context.Background(), "c")
				assert.NoError(t, err)
				stopped <- ok
			}()
			require.Eventually(t, func() bool { return !coord.Active("c") }, waitFor, tick)
			close(gt.release)

			select {
			case ok := <-stopped:
				assert.True(t, ok)
			case <-time.After(waitFor):
				t.Fatal("stop did not return")
			}

			msgs := gt.messages("c")
			require.Len(t, msgs, 1, "partial text is saved exactly once")
			assert.Equal(t, "partial", msgs[0].Text)
			assert.False(t, msgs[0].IsError)
		})
	}
}

func TestCoordinator_SupersedeWaitsForClaimedResult(t *testing.T) {
	gt := &gatedTranscript{
		transcript: newTranscript(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	coord := NewCoordinator(NewStore(), gt, nil, Config{})
	t.Cleanup(coord.Stop)

	_, err := coord.StartSession(Request{
		UserID:   "alice",
		ChatID:   "c",
		Provider: llm.NewScriptedProvider("test", llm.Events(llm.Complete{FullText: "old answer"})),
		Messages: []models.Message{{Role: models.RoleUser, Text: "Hello"}},
	})
	require.NoError(t, err)

	select {
	case <-gt.entered:
	case <-time.After(waitFor):
		t.Fatal("completion not being saved")
	}
	assert.False(t, coord.Active("c"), "the result is claimed")

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, coord.Supersede(short, "c"), context.DeadlineExceeded)

	superseded := make(chan error, 1)
	go func() { superseded <- coord.Supersede(context.Background(), "c") }()
	select {
	case err := <-superseded:
		t.Fatalf("returned while the old answer was being saved: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gt.release)
	select {
	case err := <-superseded:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("supersede did not return")
	}
	require.Len(t, gt.messages("c"), 1)
	assert.NoError(t, coord.Supersede(context.Background(), "c"), "nothing left to wait for")
}

func TestCoordinator_SessionTimeout(t *testing.T) {
	h := newHarness(t, nil, Config{SessionTimeout: 50 * time.Millisecond})
	never := make(chan struct{})
	h.start(t, "c", llm.NewScriptedProvider("test", llm.Script{{Event: llm.Complete{}, Wait: never}}))

	msgs := h.waitDone(t, "c", 1)
	assert.Equal(t, "Error: request timed out after 50ms", msgs[0].Text)
	assert.True(t, msgs[0].IsError)
}

func TestCoordinator_StopInterruptsSessions(t *testing.T) {
	h := newHarness(t, nil, Config{})
	never := make(chan struct{})
	h.start(t, "c", llm.NewScriptedProvider("test", llm.Script{{Event: llm.Complete{}, Wait: never}}))

	h.coord.Stop()

	msgs := h.tr.messages("c")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Error: request was interrupted", msgs[0].Text)
	assert.Zero(t, h.store.Snapshot().Len())

	_, err := h.coord.StartSession(Request{
		UserID:   "alice",
		ChatID:   "c",
		Provider: llm.NewScriptedProvider("test"),
		Messages: []models.Message{{Role: models.RoleUser, Text: "again"}},
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCoordinator_InvalidRequests(t *testing.T) {
	h := newHarness(t, nil, Config{})
	p := llm.NewScriptedProvider("test")
	msgs := []models.Message{{Role: models.RoleUser, Text: "hi"}}

	for name, req := range map[string]Request{
		"no chat":     {UserID: "u", Provider: p, Messages: msgs},
		"no user":     {ChatID: "c", Provider: p, Messages: msgs},
		"no provider": {UserID: "u", ChatID: "c", Messages: msgs},
		"no messages": {UserID: "u", ChatID: "c", Provider: p},
	} {
		_, err := h.coord.StartSession(req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
	assert.Zero(t, h.store.Snapshot().Len())
}
