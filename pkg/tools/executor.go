package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
)

// Executor runs tool calls. At most one call per chat executes at a time.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	inFlight sync.Map // chat id → call id
}

// NewExecutor creates an executor. timeout bounds each call; zero means none.
func NewExecutor(registry *Registry, timeout time.Duration) *Executor {
	return &Executor{registry: registry, timeout: timeout}
}

// Registry returns the registry the executor resolves tools from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Definitions returns the definitions of the enabled tools.
func (e *Executor) Definitions(enabled []string) []llm.ToolDefinition {
	return e.registry.Definitions(enabled)
}

// Execute runs call for the conversation cc, restricted to the enabled tool
// names. Tool failures of any kind are reported in the returned result with
// IsError set. The only error returned is ErrToolCallInFlight.
func (e *Executor) Execute(ctx context.Context, cc Context, enabled []string, call llm.ToolCall) (llm.ToolResult, error) {
	if prev, loaded := e.inFlight.LoadOrStore(cc.ChatID, call.ID); loaded {
		return llm.ToolResult{}, fmt.Errorf("%w: chat %s is executing %v", ErrToolCallInFlight, cc.ChatID, prev)
	}
	defer e.inFlight.Delete(cc.ChatID)

	log := slog.With("chat_id", cc.ChatID, "tool", call.Name, "call_id", call.ID)
	start := time.Now()

	content, err := e.run(ctx, cc, enabled, call)
	if err != nil {
		log.Warn("Tool call failed", "error", err, "duration", time.Since(start))
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}, nil
	}

	log.Debug("Tool call completed", "duration", time.Since(start), "result_len", len(content))
	return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: content}, nil
}

// InFlight reports whether chatID has a tool call executing.
func (e *Executor) InFlight(chatID string) bool {
	_, ok := e.inFlight.Load(chatID)
	return ok
}

func (e *Executor) run(ctx context.Context, cc Context, enabled []string, call llm.ToolCall) (string, error) {
	if !slices.Contains(enabled, call.Name) {
		if !e.registry.Has(call.Name) {
			return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
		}
		return "", fmt.Errorf("%w: %s", ErrToolNotEnabled, call.Name)
	}

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return "", err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	tool, err := e.registry.resolve(ctx, call.Name, cc)
	if err != nil {
		return "", err
	}
	return tool.Execute(ctx, args)
}

// ParseArguments decodes a JSON object of tool arguments. Empty input is
// an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
