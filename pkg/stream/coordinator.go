package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/tools"
)

var (
	// ErrShuttingDown is returned by StartSession after Stop.
	ErrShuttingDown = errors.New("coordinator is shutting down")

	// ErrInvalidRequest is returned for a request that cannot be streamed.
	ErrInvalidRequest = errors.New("invalid streaming request")
)

const (
	msgUnexpectedEnd = "stream ended unexpectedly"
	msgInterrupted   = "request was interrupted"
	msgToolRejected  = "tool call rejected: another tool call is still executing"
	msgNoTools       = "tools are not available"

	defaultPersistTimeout = 30 * time.Second
)

// ────────────────────────────────────────────────────────────
// Collaborators
// ────────────────────────────────────────────────────────────

// Persister appends messages to the active path of a chat.
type Persister interface {
	AppendMessages(ctx context.Context, userID, chatID string, msgs ...models.Message) error
}

// ToolExecutor runs tool calls for a chat. *tools.Executor implements it.
type ToolExecutor interface {
	Definitions(enabled []string) []llm.ToolDefinition
	Execute(ctx context.Context, cc tools.Context, enabled []string, call llm.ToolCall) (llm.ToolResult, error)
}

// Turn describes a persisted assistant turn.
type Turn struct {
	UserID   string
	ChatID   string
	Provider llm.Provider
	Message  models.Message
}

// TurnCompleteFunc is called after an assistant turn completes and its
// message has been persisted.
type TurnCompleteFunc func(ctx context.Context, turn Turn)

// Request describes one streaming exchange.
type Request struct {
	UserID             string
	ChatID             string
	GroupID            string
	Provider           llm.Provider
	Model              string
	Messages           []models.Message
	SystemPrompt       string
	WebSearch          bool
	ProjectAttachments []models.Attachment
	EnabledTools       []string
	ThinkingBudget     int
}

// Config holds coordinator settings.
type Config struct {
	// SessionTimeout bounds a whole session including tool round-trips.
	// Zero means no limit.
	SessionTimeout time.Duration

	// PersistTimeout bounds each write to the history store.
	PersistTimeout time.Duration
}

// ErrorMessage returns the assistant message recorded for a failed turn.
func ErrorMessage(model, detail string) models.Message {
	return models.Message{
		Role:    models.RoleAssistant,
		Text:    "Error: " + detail,
		Model:   model,
		IsError: true,
	}
}

// ────────────────────────────────────────────────────────────
// Coordinator
// ────────────────────────────────────────────────────────────

// Coordinator runs at most one streaming session per chat id. Sessions of
// different chats run concurrently. All status changes go through the store.
type Coordinator struct {
	store          *Store
	persister      Persister
	tools          ToolExecutor
	cfg            Config
	onTurnComplete TurnCompleteFunc
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*session // chatID → current session
	runners  map[string]*session // chatID → latest session whose runner is alive
	wg       sync.WaitGroup
	stopped  bool
}

// session is the runner-side record of one request.
type session struct {
	requestID string
	req       Request
	cancel    context.CancelFunc
	log       *slog.Logger
	done      chan struct{}

	// persistMu orders interim saves with StopAndPersistPartial.
	persistMu sync.Mutex

	// Buffers are shared with StopAndPersistPartial.
	mu            sync.Mutex
	text          string
	thinking      string
	thinkingStart time.Time
	thinkingSec   float64
	streamed      bool
	interim       bool

	// Runner goroutine only.
	tool     *llm.ToolCallRequest
	pending  []llm.Event
	toolDone chan toolOutcome
}

type toolOutcome struct {
	req    llm.ToolCallRequest
	result llm.ToolResult
}

// NewCoordinator creates a coordinator. executor may be nil, in which case
// every tool call gets an error result.
func NewCoordinator(store *Store, persister Persister, executor ToolExecutor, cfg Config) *Coordinator {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Coordinator{
		store:     store,
		persister: persister,
		tools:     executor,
		cfg:       cfg,
		now:       time.Now,
		sessions:  make(map[string]*session),
		runners:   make(map[string]*session),
	}
}

// OnTurnComplete sets the hook run after each completed turn. Set it
// before starting sessions.
func (c *Coordinator) OnTurnComplete(fn TurnCompleteFunc) {
	c.onTurnComplete = fn
}

// Store returns the status store the coordinator writes to.
func (c *Coordinator) Store() *Store {
	return c.store
}

// StartSession begins streaming req and returns its request id. A session
// already running for the chat is superseded: it is cancelled and nothing
// it does afterwards changes state or history.
func (c *Coordinator) StartSession(req Request) (string, error) {
	if req.ChatID == "" || req.UserID == "" {
		return "", fmt.Errorf("%w: user and chat are required", ErrInvalidRequest)
	}
	if req.Provider == nil {
		return "", fmt.Errorf("%w: no provider", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.cfg.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.SessionTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	requestID := uuid.NewString()
	s := &session{
		requestID: requestID,
		req:       req,
		cancel:    cancel,
		toolDone:  make(chan toolOutcome, 1),
		done:      make(chan struct{}),
		log:       slog.With("chat_id", req.ChatID, "request_id", requestID),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	if prev := c.sessions[req.ChatID]; prev != nil {
		prev.cancel()
		prev.log.Info("Streaming session superseded", "by_request_id", requestID)
	}
	c.sessions[req.ChatID] = s
	c.runners[req.ChatID] = s
	c.store.Dispatch(SessionStarted{ChatID: req.ChatID, RequestID: requestID})
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, s)
	return requestID, nil
}

// Cancel stops the chat's session. Its status is cleared before Cancel
// returns, even if the provider is slow to stop. Reports whether a session
// was running.
func (c *Coordinator) Cancel(chatID string) bool {
	s := c.detach(chatID)
	if s == nil {
		return false
	}
	s.cancel()
	s.log.Info("Streaming session cancelled")
	return true
}

// Supersede cancels the chat's session and waits until the chat's latest
// runner has returned, including one that already claimed its result and
// is still saving it. Afterwards no earlier session writes to the chat.
func (c *Coordinator) Supersede(ctx context.Context, chatID string) error {
	c.mu.Lock()
	last := c.runners[chatID]
	c.mu.Unlock()

	if s := c.detach(chatID); s != nil {
		s.cancel()
		s.log.Info("Streaming session superseded")
	}
	if last == nil {
		return nil
	}
	select {
	case <-last.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAndPersistPartial stops the chat's session and saves the text
// streamed so far as a completed assistant message. Nothing is saved when
// no text has arrived. Reports whether a session was running.
func (c *Coordinator) StopAndPersistPartial(ctx context.Context, chatID string) (bool, error) {
	s := c.detach(chatID)
	if s == nil {
		return false, nil
	}
	s.cancel()

	// Waits for an interim save in progress; what it saved is no longer
	// in the buffers.
	s.persistMu.Lock()
	s.mu.Lock()
	text, thinking, sec := s.text, s.thinking, s.thinkingSec
	s.mu.Unlock()
	s.persistMu.Unlock()

	s.log.Info("Streaming session stopped by user", "partial_len", len(text))
	if strings.TrimSpace(text) == "" {
		return true, nil
	}

	msg := c.assistantMessage(s, text, thinking, sec)
	if err := c.persister.AppendMessages(ctx, s.req.UserID, chatID, msg); err != nil {
		return true, fmt.Errorf("failed to persist partial response: %w", err)
	}
	c.turnComplete(s, msg)
	return true, nil
}

// Active reports whether chatID has a running session.
func (c *Coordinator) Active(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[chatID] != nil
}

// Stop rejects new sessions, interrupts running ones and waits for their
// runners to finish. Interrupted sessions record an error message. Safe to
// call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for _, s := range c.sessions {
		s.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// detach removes the chat's session and clears its status.
func (c *Coordinator) detach(chatID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[chatID]
	delete(c.sessions, chatID)
	c.store.Dispatch(SessionCleared{ChatID: chatID})
	return s
}

// claim makes s's runner the one to resolve it. It fails once s was
// cancelled, stopped by the user or superseded.
func (c *Coordinator) claim(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.req.ChatID] != s {
		return false
	}
	delete(c.sessions, s.req.ChatID)
	return true
}

// release ends s's runner.
func (c *Coordinator) release(s *session) {
	s.cancel()
	c.mu.Lock()
	if c.runners[s.req.ChatID] == s {
		delete(c.runners, s.req.ChatID)
	}
	c.mu.Unlock()
	close(s.done)
}

func (c *Coordinator) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[s.req.ChatID] == s
}

// ────────────────────────────────────────────────────────────
// Runner
// ────────────────────────────────────────────────────────────

func (c *Coordinator) run(ctx context.Context, s *session) {
	defer c.wg.Done()
	defer c.release(s)

	s.log.Info("Streaming session started",
		"provider", s.req.Provider.Name(),
		"model", s.req.Model,
		"messages", len(s.req.Messages),
		"tools", len(s.req.EnabledTools))

	var defs []llm.ToolDefinition
	if c.tools != nil && len(s.req.EnabledTools) > 0 {
		defs = c.tools.Definitions(s.req.EnabledTools)
	}

	ps, err := s.req.Provider.Stream(ctx, &llm.Request{
		UserID:             s.req.UserID,
		ChatID:             s.req.ChatID,
		Model:              s.req.Model,
		Messages:           s.req.Messages,
		SystemPrompt:       s.req.SystemPrompt,
		WebSearch:          s.req.WebSearch,
		ProjectAttachments: s.req.ProjectAttachments,
		Tools:              defs,
		ThinkingBudget:     s.req.ThinkingBudget,
	})
	if err != nil {
		if ctx.Err() != nil {
			c.finishContext(ctx, s)
			return
		}
		c.finishError(s, err.Error())
		return
	}
	defer func() { _ = ps.Close() }()

	for {
		select {
		case ev, ok := <-ps.Events():
			if !ok {
				if s.tool != nil {
					// The round-trip is recorded before held-back events.
					select {
					case out := <-s.toolDone:
						if c.toolFinished(ctx, s, ps, out) {
							return
						}
					case <-ctx.Done():
						c.finishContext(ctx, s)
						return
					}
				}
				if c.drainPending(ctx, s, ps) {
					return
				}
				if ctx.Err() != nil {
					c.finishContext(ctx, s)
					return
				}
				c.finishError(s, msgUnexpectedEnd)
				return
			}
			if _, isTool := ev.(llm.ToolCallRequest); s.tool != nil && !isTool {
				s.pending = append(s.pending, ev)
				continue
			}
			if c.handle(ctx, s, ps, ev) {
				return
			}

		case out := <-s.toolDone:
			if c.toolFinished(ctx, s, ps, out) {
				return
			}

		case <-ctx.Done():
			c.finishContext(ctx, s)
			return
		}
	}
}

// handle applies one event and reports whether the session ended.
func (c *Coordinator) handle(ctx context.Context, s *session, ps llm.Session, ev llm.Event) bool {
	now := c.now()

	switch e := ev.(type) {
	case llm.ThinkingStarted:
		s.mu.Lock()
		s.thinkingStart = now
		s.mu.Unlock()

	case llm.ThinkingPartial:
		s.mu.Lock()
		s.thinking += e.Text
		s.mu.Unlock()

	case llm.ThinkingComplete:
		s.mu.Lock()
		s.thinkingSec = e.DurationSeconds
		if s.thinkingSec == 0 && !s.thinkingStart.IsZero() {
			s.thinkingSec = now.Sub(s.thinkingStart).Seconds()
		}
		s.mu.Unlock()

	case llm.PartialResponse:
		s.mu.Lock()
		s.text += e.Text
		s.streamed = true
		s.mu.Unlock()

	case llm.ToolCallRequest:
		if s.tool != nil {
			c.rejectToolCall(ctx, s, ps, e)
			return false
		}
		s.tool = &e
		c.dispatch(s, ev, now)
		c.startTool(ctx, s, e)
		return false

	case llm.MessagesAdded:
		c.persistInterim(s, nil)

	case llm.Complete:
		c.finishComplete(s, e)
		return true

	case llm.Error:
		if e.Code != "" {
			s.log.Warn("Provider reported an error", "code", e.Code, "retryable", e.Retryable, "error", e.Message)
		}
		c.finishError(s, e.Message)
		return true

	case llm.StatusChange:
		s.log.Debug("Provider status changed", "status", e.Status)
		return false
	}

	c.dispatch(s, ev, now)
	return false
}

func (c *Coordinator) dispatch(s *session, ev llm.Event, at time.Time) {
	c.store.Dispatch(EventReceived{ChatID: s.req.ChatID, RequestID: s.requestID, Event: ev, At: at})
}

// drainPending replays events held back during a tool call. Reports
// whether the session ended.
func (c *Coordinator) drainPending(ctx context.Context, s *session, ps llm.Session) bool {
	for len(s.pending) > 0 && s.tool == nil {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		if c.handle(ctx, s, ps, ev) {
			return true
		}
	}
	return false
}

// ────────────────────────────────────────────────────────────
// Tool round-trips
// ────────────────────────────────────────────────────────────

func (c *Coordinator) startTool(ctx context.Context, s *session, req llm.ToolCallRequest) {
	s.log.Info("Executing tool", "tool", req.Call.Name, "call_id", req.Call.ID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.toolDone <- toolOutcome{req: req, result: c.executeTool(ctx, s, req.Call)}
	}()
}

func (c *Coordinator) executeTool(ctx context.Context, s *session, call llm.ToolCall) llm.ToolResult {
	if c.tools == nil {
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: msgNoTools, IsError: true}
	}
	cc := tools.Context{UserID: s.req.UserID, ChatID: s.req.ChatID, GroupID: s.req.GroupID}
	res, err := c.tools.Execute(ctx, cc, s.req.EnabledTools, call)
	if err != nil {
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
	}
	return res
}

// rejectToolCall answers a tool request that arrived while another call
// is executing. Calls of one chat never run interleaved.
func (c *Coordinator) rejectToolCall(ctx context.Context, s *session, ps llm.Session, req llm.ToolCallRequest) {
	s.log.Warn("Rejecting concurrent tool call",
		"tool", req.Call.Name,
		"in_flight_tool", s.tool.Call.Name)

	err := ps.SubmitToolResult(ctx, req.RequestID, llm.ToolResult{
		CallID:  req.Call.ID,
		Name:    req.Call.Name,
		Content: msgToolRejected,
		IsError: true,
	})
	if err != nil {
		s.log.Warn("Failed to submit tool rejection", "error", err)
	}
}

// toolFinished records the round-trip, resumes the provider stream and
// replays held-back events. Reports whether the session ended.
func (c *Coordinator) toolFinished(ctx context.Context, s *session, ps llm.Session, out toolOutcome) bool {
	s.tool = nil
	c.store.Dispatch(ToolFinished{ChatID: s.req.ChatID, RequestID: s.requestID})

	s.log.Info("Tool finished", "tool", out.req.Call.Name, "is_error", out.result.IsError)

	c.persistInterim(s, &models.ToolCallRecord{
		CallID:    out.req.Call.ID,
		Name:      out.req.Call.Name,
		Arguments: out.req.Call.Arguments,
		Result:    out.result.Content,
		IsError:   out.result.IsError,
	})
	c.dispatch(s, llm.MessagesAdded{}, c.now())

	if err := ps.SubmitToolResult(ctx, out.req.RequestID, out.result); err != nil {
		s.log.Warn("Failed to submit tool result", "error", err)
	}
	return c.drainPending(ctx, s, ps)
}

// ────────────────────────────────────────────────────────────
// Persistence
// ────────────────────────────────────────────────────────────

// persistInterim saves the text streamed so far and, if given, the tool
// transcript, then starts a fresh buffer. The buffers are kept when the
// session is no longer current or the save fails.
func (c *Coordinator) persistInterim(s *session, rec *models.ToolCallRecord) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if !c.isCurrent(s) {
		return
	}

	s.mu.Lock()
	text, thinking, sec := s.text, s.thinking, s.thinkingSec
	s.mu.Unlock()

	var msgs []models.Message
	if strings.TrimSpace(text) != "" {
		msgs = append(msgs, c.assistantMessage(s, text, thinking, sec))
	}
	if rec != nil {
		msgs = append(msgs, models.Message{
			Role:     models.RoleToolCall,
			Text:     rec.Name,
			ToolCall: rec,
			Datetime: c.now(),
		})
	}
	if len(msgs) > 0 && c.persist(s, msgs...) != nil {
		return
	}

	s.mu.Lock()
	s.text, s.thinking, s.thinkingSec, s.thinkingStart = "", "", 0, time.Time{}
	if len(msgs) > 0 {
		s.interim = true
	}
	s.mu.Unlock()
}

func (c *Coordinator) finishComplete(s *session, ev llm.Complete) {
	if !c.claim(s) {
		s.log.Debug("Dropping completion of a session no longer current")
		return
	}

	s.mu.Lock()
	text, thinking, sec := s.text, s.thinking, s.thinkingSec
	if !s.streamed {
		text = ev.FullText
	}
	interim := s.interim
	s.mu.Unlock()

	var msg *models.Message
	if strings.TrimSpace(text) != "" || !interim {
		m := c.assistantMessage(s, text, thinking, sec)
		if c.persist(s, m) == nil {
			msg = &m
		}
	}
	c.dispatch(s, ev, c.now())
	s.log.Info("Streaming session completed", "text_len", len(text))

	if msg != nil {
		c.turnComplete(s, *msg)
	}
}

func (c *Coordinator) finishError(s *session, detail string) {
	if !c.claim(s) {
		s.log.Debug("Dropping error of a session no longer current", "error", detail)
		return
	}

	s.mu.Lock()
	text, thinking, sec := s.text, s.thinking, s.thinkingSec
	s.mu.Unlock()

	var msgs []models.Message
	if strings.TrimSpace(text) != "" {
		msgs = append(msgs, c.assistantMessage(s, text, thinking, sec))
	}
	errMsg := ErrorMessage(s.req.Model, detail)
	errMsg.Datetime = c.now()
	msgs = append(msgs, errMsg)

	_ = c.persist(s, msgs...)
	c.dispatch(s, llm.Error{Message: detail}, c.now())
	s.log.Warn("Streaming session failed", "error", detail)
}

// finishContext resolves a session whose context ended. Cancelled and
// superseded sessions were already detached, so only timeouts and
// shutdown reach finishError.
func (c *Coordinator) finishContext(ctx context.Context, s *session) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.finishError(s, fmt.Sprintf("request timed out after %s", c.cfg.SessionTimeout))
		return
	}
	c.finishError(s, msgInterrupted)
}

func (c *Coordinator) persist(s *session, msgs ...models.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := c.persister.AppendMessages(ctx, s.req.UserID, s.req.ChatID, msgs...); err != nil {
		s.log.Error("Failed to persist messages", "count", len(msgs), "error", err)
		return err
	}
	return nil
}

func (c *Coordinator) assistantMessage(s *session, text, thinking string, thinkingSec float64) models.Message {
	return models.Message{
		Role:        models.RoleAssistant,
		Text:        text,
		Model:       s.req.Model,
		Datetime:    c.now(),
		Thinking:    thinking,
		ThinkingSec: thinkingSec,
	}
}

func (c *Coordinator) turnComplete(s *session, msg models.Message) {
	if c.onTurnComplete == nil {
		return
	}
	c.onTurnComplete(context.Background(), Turn{
		UserID:   s.req.UserID,
		ChatID:   s.req.ChatID,
		Provider: s.req.Provider,
		Message:  msg,
	})
}
