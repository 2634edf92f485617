// Package llm defines the streaming contract between the chat core and model
// providers, and implements it for OpenAI-compatible HTTP APIs and for a gRPC
// provider bridge.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

var (
	// ErrUnknownToolRequest is returned when a tool result names no pending request.
	ErrUnknownToolRequest = errors.New("unknown tool request")

	// ErrSessionClosed is returned when submitting to a finished session.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnsupportedProvider is returned for provider types with no implementation.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Provider starts streaming sessions against one configured model backend.
type Provider interface {
	Name() string

	// Stream starts a session. The returned session's event channel is
	// closed after a terminal event or when ctx is cancelled.
	Stream(ctx context.Context, req *Request) (Session, error)

	Close() error
}

// Session is one open streaming exchange.
type Session interface {
	Events() <-chan Event

	// SubmitToolResult resumes the stream after a ToolCallRequest.
	SubmitToolResult(ctx context.Context, requestID string, result ToolResult) error

	Close() error
}

// FileUploader is implemented by providers that accept uploaded files.
type FileUploader interface {
	UploadFile(ctx context.Context, userID string, att models.Attachment) (models.Attachment, error)
}

// Request is the input of one streaming exchange.
type Request struct {
	UserID             string
	ChatID             string
	Model              string
	Messages           []models.Message
	SystemPrompt       string
	WebSearch          bool
	ProjectAttachments []models.Attachment
	Tools              []ToolDefinition
	ThinkingBudget     int
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object.
	Parameters map[string]any
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolResult is the output of a tool call handed back to the model.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Collect drains a tool-less session and returns the completed text.
func Collect(ctx context.Context, p Provider, req *Request) (string, error) {
	sess, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				return "", fmt.Errorf("%s: stream ended unexpectedly", p.Name())
			}
			switch e := ev.(type) {
			case Complete:
				return e.FullText, nil
			case Error:
				return "", fmt.Errorf("%s: %s", p.Name(), e.Message)
			case ToolCallRequest:
				_ = sess.SubmitToolResult(ctx, e.RequestID, ToolResult{
					CallID: e.Call.ID, Name: e.Call.Name, Content: "tools are not available", IsError: true,
				})
			}
		}
	}
}

// toolWaiter tracks tool requests awaiting a result.
type toolWaiter struct {
	mu      sync.Mutex
	pending map[string]chan ToolResult
	closed  bool
}

func newToolWaiter() *toolWaiter {
	return &toolWaiter{pending: make(map[string]chan ToolResult)}
}

func (w *toolWaiter) register(requestID string) <-chan ToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan ToolResult, 1)
	w.pending[requestID] = ch
	return ch
}

func (w *toolWaiter) submit(requestID string, result ToolResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrSessionClosed
	}
	ch, ok := w.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToolRequest, requestID)
	}
	delete(w.pending, requestID)
	ch <- result
	return nil
}

func (w *toolWaiter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// emit delivers ev unless ctx is done first.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
