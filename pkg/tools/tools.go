// Package tools resolves and executes model-issued tool calls. Tools are
// either registered once (static) or built per invocation from the current
// conversation (contextual); the executor treats both alike.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/llm"
)

var (
	// ErrToolNotFound indicates no tool is registered under the name
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNotEnabled indicates the tool exists but is not enabled for the request
	ErrToolNotEnabled = errors.New("tool not enabled")

	// ErrToolCallInFlight indicates the chat already has a tool call executing
	ErrToolCallInFlight = errors.New("tool call already in flight")

	// ErrDuplicateTool indicates a name is registered twice
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool is an executable tool.
type Tool interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Context identifies the conversation a tool call belongs to.
type Context struct {
	UserID  string
	ChatID  string
	GroupID string
}

// ContextualProvider builds a tool bound to one conversation. The built
// instance lives for a single call.
type ContextualProvider interface {
	Definition() llm.ToolDefinition
	Build(ctx context.Context, cc Context) (Tool, error)
}

// Registry holds static tools and contextual tool providers by name.
type Registry struct {
	mu         sync.RWMutex
	static     map[string]Tool
	contextual map[string]ContextualProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		static:     make(map[string]Tool),
		contextual: make(map[string]ContextualProvider),
	}
}

// Register adds a static tool.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.static[name] = t
	return nil
}

// RegisterContextual adds a contextual tool provider.
func (r *Registry) RegisterContextual(p ContextualProvider) error {
	name := p.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.contextual[name] = p
	return nil
}

func (r *Registry) exists(name string) bool {
	_, s := r.static[name]
	_, c := r.contextual[name]
	return s || c
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exists(name)
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.static)+len(r.contextual))
	for n := range r.static {
		names = append(names, n)
	}
	for n := range r.contextual {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions of the enabled tools that exist,
// in the order given.
func (r *Registry) Definitions(enabled []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []llm.ToolDefinition
	seen := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		if seen[name] {
			continue
		}
		seen[name] = true
		if t, ok := r.static[name]; ok {
			defs = append(defs, t.Definition())
		} else if p, ok := r.contextual[name]; ok {
			defs = append(defs, p.Definition())
		}
	}
	return defs
}

// resolve returns a tool instance for name, building contextual tools for cc.
func (r *Registry) resolve(ctx context.Context, name string, cc Context) (Tool, error) {
	r.mu.RLock()
	t, isStatic := r.static[name]
	p, isContextual := r.contextual[name]
	r.mu.RUnlock()

	switch {
	case isStatic:
		return t, nil
	case isContextual:
		return p.Build(ctx, cc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
}
