package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/branch"
	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/models"
)

// Built-in tool names.
const (
	CurrentDatetimeName = "current_datetime"
	ListGroupChatsName  = "list_group_chats"
	ReadGroupChatName   = "read_group_chat"
)

// HistoryLoader reads a user's stored history.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, userID string) (*models.History, error)
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry, history HistoryLoader) error {
	if err := r.Register(&CurrentDatetime{}); err != nil {
		return err
	}
	if err := r.RegisterContextual(&ListGroupChatsProvider{History: history}); err != nil {
		return err
	}
	return r.RegisterContextual(&ReadGroupChatProvider{History: history})
}

// CurrentDatetime reports the current date and time.
type CurrentDatetime struct {
	Now func() time.Time
}

func (t *CurrentDatetime) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        CurrentDatetimeName,
		Description: "Returns the current date and time. Optionally takes an IANA time zone such as Europe/Berlin.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA time zone name"},
			},
		},
	}
}

func (t *CurrentDatetime) Execute(_ context.Context, args map[string]any) (string, error) {
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown time zone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, 2006-01-02T15:04:05Z07:00"), nil
}

// ListGroupChatsProvider builds a tool listing the other chats in the
// current chat's group.
type ListGroupChatsProvider struct {
	History HistoryLoader
}

func (p *ListGroupChatsProvider) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ListGroupChatsName,
		Description: "Lists the other conversations in the same group or project as this one.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (p *ListGroupChatsProvider) Build(_ context.Context, cc Context) (Tool, error) {
	return &listGroupChats{history: p.History, cc: cc, def: p.Definition()}, nil
}

type listGroupChats struct {
	history HistoryLoader
	cc      Context
	def     llm.ToolDefinition
}

func (t *listGroupChats) Definition() llm.ToolDefinition { return t.def }

func (t *listGroupChats) Execute(ctx context.Context, _ map[string]any) (string, error) {
	if t.cc.GroupID == "" {
		return "This conversation is not part of a group.", nil
	}
	h, err := t.history.LoadHistory(ctx, t.cc.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}

	var b strings.Builder
	for _, c := range h.ChatsInGroup(t.cc.GroupID) {
		if c.ID == t.cc.ChatID {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (%d messages)\n", c.ID, c.Title, len(renderable(c)))
	}
	if b.Len() == 0 {
		return "There are no other conversations in this group.", nil
	}
	return b.String(), nil
}

// ReadGroupChatProvider builds a tool reading the transcript of another
// chat in the current chat's group.
type ReadGroupChatProvider struct {
	History HistoryLoader
}

func (p *ReadGroupChatProvider) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ReadGroupChatName,
		Description: "Reads the messages of another conversation in the same group. Use list_group_chats to find ids.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"chat_id": map[string]any{"type": "string", "description": "Id of the conversation to read"},
			},
			"required": []any{"chat_id"},
		},
	}
}

func (p *ReadGroupChatProvider) Build(_ context.Context, cc Context) (Tool, error) {
	return &readGroupChat{history: p.History, cc: cc, def: p.Definition()}, nil
}

type readGroupChat struct {
	history HistoryLoader
	cc      Context
	def     llm.ToolDefinition
}

func (t *readGroupChat) Definition() llm.ToolDefinition { return t.def }

func (t *readGroupChat) Execute(ctx context.Context, args map[string]any) (string, error) {
	chatID, _ := args["chat_id"].(string)
	if chatID == "" {
		return "", fmt.Errorf("chat_id is required")
	}
	if t.cc.GroupID == "" {
		return "", fmt.Errorf("this conversation is not part of a group")
	}

	h, err := t.history.LoadHistory(ctx, t.cc.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	c := h.FindChat(chatID)
	if c == nil || c.GroupID != t.cc.GroupID {
		return "", fmt.Errorf("conversation %s is not in this group", chatID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %q\n", c.Title)
	for _, m := range renderable(c) {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	return b.String(), nil
}

func renderable(c *models.Chat) []models.Message {
	var out []models.Message
	for _, m := range branch.ActiveMessages(c) {
		if m.Renderable() {
			out = append(out, m)
		}
	}
	return out
}
