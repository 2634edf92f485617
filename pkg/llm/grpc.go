package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/version"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChatMethod is the full method name of the provider bridge's chat stream.
// Frames in both directions are google.protobuf.Struct values tagged by "type".
const ChatMethod = "/chatcore.llm.v1.LLMService/Chat"

// ChatStreamDesc describes the bidirectional chat stream.
var ChatStreamDesc = grpc.StreamDesc{
	StreamName:    "Chat",
	ServerStreams: true,
	ClientStreams: true,
}

// Frame types sent by the client.
const (
	frameStart      = "start"
	frameToolResult = "tool_result"
)

// GRPCProvider reaches providers without an OpenAI-compatible API
// (Google, Anthropic, Cohere, Poe) through a provider bridge service.
type GRPCProvider struct {
	name       string
	cfg        *config.LLMProviderConfig
	conn       *grpc.ClientConn
	bufferSize int
}

// NewGRPCProvider creates a provider for the bridge at cfg.GRPCAddr.
// grpc.NewClient dials lazily; the connection is made on the first stream.
func NewGRPCProvider(name string, cfg *config.LLMProviderConfig, bufferSize int, opts ...grpc.DialOption) (*GRPCProvider, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.Full()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.GRPCAddr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to provider bridge at %s: %w", cfg.GRPCAddr, err)
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &GRPCProvider{name: name, cfg: cfg, conn: conn, bufferSize: bufferSize}, nil
}

// Name returns the configured provider name.
func (p *GRPCProvider) Name() string { return p.name }

// Close releases the gRPC connection.
func (p *GRPCProvider) Close() error {
	return p.conn.Close()
}

// Stream opens a chat stream and sends the start frame.
func (p *GRPCProvider) Stream(ctx context.Context, req *Request) (Session, error) {
	sctx, cancel := context.WithCancel(ctx)
	sctx = metadata.AppendToOutgoingContext(sctx,
		"x-chatcore-user", req.UserID,
		"x-chatcore-chat", req.ChatID)

	cs, err := p.conn.NewStream(sctx, &ChatStreamDesc, ChatMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open chat stream: %w", err)
	}

	start, err := p.startFrame(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(start); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send start frame: %w", err)
	}

	s := &grpcSession{
		ctx:    sctx,
		cancel: cancel,
		stream: cs,
		events: make(chan Event, p.bufferSize),
		waiter: newToolWaiter(),
		log:    slog.With("provider", p.name, "chat_id", req.ChatID),
	}
	go s.recvLoop()
	return s, nil
}

func (p *GRPCProvider) startFrame(req *Request) (*structpb.Struct, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	messages := TrimToContext(req.Messages, req.SystemPrompt, p.cfg.MaxContextTokens)

	msgs := make([]any, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, messageFields(m))
	}
	tools := make([]any, 0, len(req.Tools))
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		})
	}

	frame, err := structpb.NewStruct(map[string]any{
		"type":                frameStart,
		"provider":            string(p.cfg.Type),
		"model":               model,
		"api_key_env":         p.cfg.APIKeyEnv,
		"system_prompt":       req.SystemPrompt,
		"web_search":          req.WebSearch,
		"thinking":            p.cfg.SupportsThinking,
		"thinking_budget":     req.ThinkingBudget,
		"messages":            msgs,
		"tools":               tools,
		"project_attachments": attachmentList(req.ProjectAttachments),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode start frame: %w", err)
	}
	return frame, nil
}

func messageFields(m models.Message) map[string]any {
	fields := map[string]any{
		"id":          m.ID,
		"role":        string(m.Role),
		"text":        m.Text,
		"attachments": attachmentList(m.Attachments),
	}
	if m.ToolCall != nil {
		fields["tool_call"] = map[string]any{
			"call_id":   m.ToolCall.CallID,
			"name":      m.ToolCall.Name,
			"arguments": m.ToolCall.Arguments,
			"result":    m.ToolCall.Result,
			"is_error":  m.ToolCall.IsError,
		}
	}
	return fields
}

func attachmentList(atts []models.Attachment) []any {
	out := make([]any, 0, len(atts))
	for _, a := range atts {
		out = append(out, map[string]any{
			"name":       a.Name,
			"mime_type":  a.MimeType,
			"local_path": a.LocalPath,
			"remote_id":  a.RemoteID,
		})
	}
	return out
}

type grpcSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream grpc.ClientStream
	events chan Event
	waiter *toolWaiter
	log    *slog.Logger

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (s *grpcSession) Events() <-chan Event { return s.events }

func (s *grpcSession) SubmitToolResult(_ context.Context, requestID string, result ToolResult) error {
	if err := s.waiter.submit(requestID, result); err != nil {
		return err
	}

	frame, err := structpb.NewStruct(map[string]any{
		"type":       frameToolResult,
		"request_id": requestID,
		"call_id":    result.CallID,
		"name":       result.Name,
		"content":    result.Content,
		"is_error":   result.IsError,
	})
	if err != nil {
		return fmt.Errorf("failed to encode tool result: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.SendMsg(frame); err != nil {
		return fmt.Errorf("failed to send tool result: %w", err)
	}
	return nil
}

func (s *grpcSession) Close() error {
	s.closeOnce.Do(func() {
		s.waiter.close()
		s.cancel()
	})
	return nil
}

func (s *grpcSession) recvLoop() {
	defer close(s.events)
	defer s.waiter.close()

	for {
		frame := &structpb.Struct{}
		if err := s.stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return
			}
			code := status.Code(err)
			emit(s.ctx, s.events, Error{
				Message:   status.Convert(err).Message(),
				Code:      code.String(),
				Retryable: code == codes.Unavailable || code == codes.ResourceExhausted,
			})
			return
		}

		ev := eventFromFrame(frame)
		if ev == nil {
			s.log.Debug("Ignoring unknown frame", "type", frame.GetFields()["type"].GetStringValue())
			continue
		}
		if tc, ok := ev.(ToolCallRequest); ok {
			s.waiter.register(tc.RequestID)
		}
		if !emit(s.ctx, s.events, ev) {
			return
		}
		if IsTerminal(ev) {
			s.sendMu.Lock()
			_ = s.stream.CloseSend()
			s.sendMu.Unlock()
			return
		}
	}
}

func eventFromFrame(f *structpb.Struct) Event {
	fields := f.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	switch EventType(str("type")) {
	case EventTypeThinkingStarted:
		return ThinkingStarted{}
	case EventTypeThinkingPartial:
		return ThinkingPartial{Text: str("text")}
	case EventTypeThinkingComplete:
		return ThinkingComplete{
			DurationSeconds: fields["duration_seconds"].GetNumberValue(),
			Status:          str("status"),
		}
	case EventTypePartialResponse:
		return PartialResponse{Text: str("text")}
	case EventTypeToolCallRequest:
		return ToolCallRequest{
			RequestID: str("request_id"),
			Call: ToolCall{
				ID:        str("call_id"),
				Name:      str("name"),
				Arguments: str("arguments"),
			},
		}
	case EventTypeMessagesAdded:
		return MessagesAdded{}
	case EventTypeComplete:
		return Complete{FullText: str("full_text")}
	case EventTypeError:
		return Error{
			Message:   str("message"),
			Code:      str("code"),
			Retryable: fields["retryable"].GetBoolValue(),
		}
	case EventTypeStatusChange:
		return StatusChange{Status: str("status")}
	default:
		return nil
	}
}
