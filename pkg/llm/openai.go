package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/version"
	"github.com/google/uuid"
)

// maxErrorBody bounds how much of an error response body is read.
const maxErrorBody = 4 * 1024

// OpenAIProvider streams chat completions from an OpenAI-compatible API
// (OpenAI, OpenRouter) using server-sent events. Tool calls are resolved by
// pausing after a tool_calls finish, waiting for the submitted results, and
// issuing a follow-up request with the results appended.
type OpenAIProvider struct {
	name       string
	cfg        *config.LLMProviderConfig
	apiKey     string
	baseURL    string
	httpClient *http.Client
	bufferSize int
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(name string, cfg *config.LLMProviderConfig, apiKey string, bufferSize int, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cfg.Type.DefaultBaseURL()
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &OpenAIProvider{
		name:       name,
		cfg:        cfg,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		bufferSize: bufferSize,
	}
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Close releases idle HTTP connections.
func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Stream starts a session. The first HTTP request is issued by the session
// goroutine; transport failures surface as an Error event.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (Session, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &openAISession{
		provider: p,
		ctx:      sctx,
		cancel:   cancel,
		body:     body,
		events:   make(chan Event, p.bufferSize),
		waiter:   newToolWaiter(),
		log:      slog.With("provider", p.name, "chat_id", req.ChatID),
	}
	go s.run()
	return s, nil
}

// UploadFile uploads a local attachment through the files endpoint.
func (p *OpenAIProvider) UploadFile(ctx context.Context, _ string, att models.Attachment) (models.Attachment, error) {
	if !p.cfg.SupportsFiles {
		return att, fmt.Errorf("%s: file uploads not supported", p.name)
	}

	f, err := os.Open(att.LocalPath)
	if err != nil {
		return att, fmt.Errorf("failed to open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "user_data"); err != nil {
		return att, err
	}
	part, err := w.CreateFormFile("file", att.Name)
	if err != nil {
		return att, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return att, fmt.Errorf("failed to read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return att, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/files", &buf)
	if err != nil {
		return att, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return att, fmt.Errorf("upload request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return att, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return att, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.ID == "" {
		return att, fmt.Errorf("upload response carried no file id")
	}

	att.RemoteID = out.ID
	att.Provider = p.name
	return att, nil
}

func (p *OpenAIProvider) setHeaders(r *http.Request) {
	if p.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	r.Header.Set("User-Agent", version.Full())
	if p.cfg.Type == config.LLMProviderTypeOpenRouter {
		r.Header.Set("X-Title", version.AppName)
	}
}

// ────────────────────────────────────────────────────────────
// Wire types
// ────────────────────────────────────────────────────────────

type chatCompletionRequest struct {
	Model            string           `json:"model"`
	Messages         []chatMessage    `json:"messages"`
	Stream           bool             `json:"stream"`
	Tools            []chatTool       `json:"tools,omitempty"`
	WebSearchOptions *struct{}        `json:"web_search_options,omitempty"`
	Plugins          []map[string]any `json:"plugins,omitempty"`
	Reasoning        *reasoningParams `json:"reasoning,omitempty"`
}

type reasoningParams struct {
	MaxTokens int `json:"max_tokens"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type string        `json:"type"`
	Text string        `json:"text,omitempty"`
	File *filePartBody `json:"file,omitempty"`
}

type filePartBody struct {
	FileID string `json:"file_id"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    int              `json:"index"`
				ID       string           `json:"id"`
				Function chatToolCallFunc `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) buildRequest(req *Request) (*chatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%s: no messages to send", p.name)
	}

	body := &chatCompletionRequest{Model: model, Stream: true}

	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}

	history := TrimToContext(req.Messages, req.SystemPrompt, p.cfg.MaxContextTokens)
	lastUser := -1
	for i, m := range history {
		if m.Role == models.RoleUser {
			lastUser = i
		}
	}
	for i, m := range history {
		switch m.Role {
		case models.RoleUser:
			atts := m.Attachments
			if i == lastUser {
				atts = append(append([]models.Attachment{}, req.ProjectAttachments...), atts...)
			}
			body.Messages = append(body.Messages, chatMessage{Role: "user", Content: userContent(m.Text, atts)})
		case models.RoleAssistant:
			if m.IsError {
				continue
			}
			body.Messages = append(body.Messages, chatMessage{Role: "assistant", Content: m.Text})
		case models.RoleToolCall:
			if m.ToolCall == nil {
				continue
			}
			body.Messages = append(body.Messages,
				chatMessage{Role: "assistant", ToolCalls: []chatToolCall{{
					ID:       m.ToolCall.CallID,
					Type:     "function",
					Function: chatToolCallFunc{Name: m.ToolCall.Name, Arguments: m.ToolCall.Arguments},
				}}},
				chatMessage{Role: "tool", ToolCallID: m.ToolCall.CallID, Content: m.ToolCall.Result},
			)
		}
	}

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	if req.WebSearch {
		if p.cfg.Type == config.LLMProviderTypeOpenRouter {
			body.Plugins = []map[string]any{{"id": "web"}}
		} else {
			body.WebSearchOptions = &struct{}{}
		}
	}
	if req.ThinkingBudget > 0 && p.cfg.SupportsThinking && p.cfg.Type == config.LLMProviderTypeOpenRouter {
		body.Reasoning = &reasoningParams{MaxTokens: req.ThinkingBudget}
	}

	return body, nil
}

// userContent returns plain text, or content parts when files are attached.
// Attachments without a provider-side id are referenced by name only.
func userContent(text string, atts []models.Attachment) any {
	if len(atts) == 0 {
		return text
	}
	parts := []contentPart{{Type: "text", Text: text}}
	for _, a := range atts {
		if a.Uploaded() {
			parts = append(parts, contentPart{Type: "file", File: &filePartBody{FileID: a.RemoteID}})
		} else {
			parts = append(parts, contentPart{Type: "text", Text: fmt.Sprintf("[attached file: %s]", a.Name)})
		}
	}
	return parts
}

// ────────────────────────────────────────────────────────────
// Session
// ────────────────────────────────────────────────────────────

type openAISession struct {
	provider *OpenAIProvider
	ctx      context.Context
	cancel   context.CancelFunc
	body     *chatCompletionRequest
	events   chan Event
	waiter   *toolWaiter
	log      *slog.Logger

	closeOnce sync.Once
}

func (s *openAISession) Events() <-chan Event { return s.events }

func (s *openAISession) SubmitToolResult(_ context.Context, requestID string, result ToolResult) error {
	return s.waiter.submit(requestID, result)
}

func (s *openAISession) Close() error {
	s.closeOnce.Do(func() {
		s.waiter.close()
		s.cancel()
	})
	return nil
}

// roundResult is what one completion request produced.
type roundResult struct {
	text         string
	toolCalls    []chatToolCall
	finishReason string
}

func (s *openAISession) run() {
	defer close(s.events)
	defer s.waiter.close()

	for {
		round, errEv := s.round()
		if errEv != nil {
			emit(s.ctx, s.events, *errEv)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		if round.finishReason != "tool_calls" || len(round.toolCalls) == 0 {
			emit(s.ctx, s.events, Complete{FullText: round.text})
			return
		}

		assistant := chatMessage{Role: "assistant", ToolCalls: round.toolCalls}
		if round.text != "" {
			assistant.Content = round.text
		}
		s.body.Messages = append(s.body.Messages, assistant)

		for _, call := range round.toolCalls {
			result, ok := s.awaitTool(call)
			if !ok {
				return
			}
			s.body.Messages = append(s.body.Messages, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result.Content,
			})
		}
	}
}

func (s *openAISession) awaitTool(call chatToolCall) (ToolResult, bool) {
	requestID := uuid.NewString()
	ch := s.waiter.register(requestID)

	ev := ToolCallRequest{
		RequestID: requestID,
		Call:      ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments},
	}
	if !emit(s.ctx, s.events, ev) {
		return ToolResult{}, false
	}

	select {
	case r := <-ch:
		return r, true
	case <-s.ctx.Done():
		return ToolResult{}, false
	}
}

// round performs one completion request, forwarding text and reasoning
// deltas as they arrive.
func (s *openAISession) round() (*roundResult, *Error) {
	p := s.provider
	payload, err := json.Marshal(s.body)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(s.ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if s.ctx.Err() != nil {
			return &roundResult{}, nil
		}
		return nil, &Error{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Message:   fmt.Sprintf("%s returned status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(msg))),
			Code:      strconv.Itoa(resp.StatusCode),
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	return s.consume(resp.Body)
}

func (s *openAISession) consume(r io.Reader) (*roundResult, *Error) {
	reader := NewSSEReader(r)
	result := &roundResult{}
	var text strings.Builder
	calls := map[int]*chatToolCall{}
	var order []int

	var thinkingStart time.Time
	thinking := false
	endThinking := func() bool {
		if !thinking {
			return true
		}
		thinking = false
		return emit(s.ctx, s.events, ThinkingComplete{
			DurationSeconds: time.Since(thinkingStart).Seconds(),
			Status:          "completed",
		})
	}

	for {
		_, data, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return result, nil
			}
			return nil, &Error{Message: fmt.Sprintf("stream read failed: %v", err), Retryable: true}
		}
		if string(data) == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.log.Warn("Skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return nil, &Error{Message: chunk.Error.Message, Code: fmt.Sprint(chunk.Error.Code)}
		}

		for _, choice := range chunk.Choices {
			d := choice.Delta
			if reasoning := d.ReasoningContent + d.Reasoning; reasoning != "" {
				if !thinking {
					thinking = true
					thinkingStart = time.Now()
					if !emit(s.ctx, s.events, ThinkingStarted{}) {
						return result, nil
					}
				}
				if !emit(s.ctx, s.events, ThinkingPartial{Text: reasoning}) {
					return result, nil
				}
			}
			if d.Content != "" {
				if !endThinking() {
					return result, nil
				}
				text.WriteString(d.Content)
				if !emit(s.ctx, s.events, PartialResponse{Text: d.Content}) {
					return result, nil
				}
			}
			for _, tc := range d.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &chatToolCall{Type: "function"}
					calls[tc.Index] = call
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				call.Function.Name += tc.Function.Name
				call.Function.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				result.finishReason = choice.FinishReason
			}
		}
	}

	if !endThinking() {
		return result, nil
	}
	result.text = text.String()
	for _, idx := range order {
		result.toolCalls = append(result.toolCalls, *calls[idx])
	}
	return result, nil
}

// ────────────────────────────────────────────────────────────
// SSE reader
// ────────────────────────────────────────────────────────────

// SSEReader parses server-sent events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next event and returns its type and data.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if err == io.EOF {
				return "", nil, io.EOF
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}
		// id:, retry: and ":" comments are ignored

		if err == io.EOF {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}
