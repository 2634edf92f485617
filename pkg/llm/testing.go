package llm

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

// ScriptStep is one step of a scripted session. When Wait is set the step
// blocks until it is closed before emitting Event. A nil Event only waits.
// Async emits a ToolCallRequest without waiting for its result.
type ScriptStep struct {
	Event Event
	Wait  <-chan struct{}
	Async bool
}

// Script is the sequence of steps replayed by one scripted session.
type Script []ScriptStep

// Events builds a script that emits evs in order.
func Events(evs ...Event) Script {
	s := make(Script, len(evs))
	for i, ev := range evs {
		s[i] = ScriptStep{Event: ev}
	}
	return s
}

// ScriptedProvider replays scripted sessions. Each Stream call consumes the
// next script; the last one is reused once the list is exhausted. A scripted
// ToolCallRequest blocks the session until its result is submitted.
// The channel is closed when the script ends, with or without a terminal event.
type ScriptedProvider struct {
	ProviderName string
	StreamErr    error
	UploadErr    error

	mu          sync.Mutex
	scripts     []Script
	requests    []*Request
	toolResults []ToolResult
	uploads     []models.Attachment
}

// NewScriptedProvider creates a scripted provider.
func NewScriptedProvider(name string, scripts ...Script) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: name, scripts: scripts}
}

// AddScript appends a script.
func (p *ScriptedProvider) AddScript(s Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, s)
}

// Requests returns the requests received so far.
func (p *ScriptedProvider) Requests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Request(nil), p.requests...)
}

// ToolResults returns the tool results submitted so far.
func (p *ScriptedProvider) ToolResults() []ToolResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ToolResult(nil), p.toolResults...)
}

// Uploads returns the attachments uploaded so far.
func (p *ScriptedProvider) Uploads() []models.Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Attachment(nil), p.uploads...)
}

func (p *ScriptedProvider) Name() string { return p.ProviderName }

func (p *ScriptedProvider) Close() error { return nil }

func (p *ScriptedProvider) UploadFile(_ context.Context, _ string, att models.Attachment) (models.Attachment, error) {
	if p.UploadErr != nil {
		return att, p.UploadErr
	}
	att.RemoteID = "file-" + att.Name
	att.Provider = p.ProviderName
	p.mu.Lock()
	p.uploads = append(p.uploads, att)
	p.mu.Unlock()
	return att, nil
}

func (p *ScriptedProvider) Stream(ctx context.Context, req *Request) (Session, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script Script
	if n := len(p.scripts); n > 0 {
		script = p.scripts[0]
		if n > 1 {
			p.scripts = p.scripts[1:]
		}
	}
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &scriptedSession{
		provider: p,
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan Event),
		waiter:   newToolWaiter(),
	}
	go s.play(script)
	return s, nil
}

type scriptedSession struct {
	provider *ScriptedProvider
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan Event
	waiter   *toolWaiter
}

func (s *scriptedSession) Events() <-chan Event { return s.events }

func (s *scriptedSession) SubmitToolResult(_ context.Context, requestID string, result ToolResult) error {
	if err := s.waiter.submit(requestID, result); err != nil {
		return err
	}
	s.provider.mu.Lock()
	s.provider.toolResults = append(s.provider.toolResults, result)
	s.provider.mu.Unlock()
	return nil
}

func (s *scriptedSession) Close() error {
	s.waiter.close()
	s.cancel()
	return nil
}

func (s *scriptedSession) play(script Script) {
	defer close(s.events)
	for _, step := range script {
		if step.Wait != nil {
			select {
			case <-step.Wait:
			case <-s.ctx.Done():
				return
			}
		}
		if step.Event == nil {
			continue
		}
		var wait <-chan ToolResult
		if tc, ok := step.Event.(ToolCallRequest); ok {
			wait = s.waiter.register(tc.RequestID)
			if step.Async {
				wait = nil
			}
		}
		if !emit(s.ctx, s.events, step.Event) {
			return
		}
		if wait != nil {
			select {
			case <-wait:
			case <-s.ctx.Done():
				return
			}
		}
	}
}
