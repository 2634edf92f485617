package api

import (
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/branch"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the result of one component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ChatSummary is one entry of a chat list.
type ChatSummary struct {
	ID        string    `json:"chat_id"`
	Title     string    `json:"preview_name"`
	GroupID   string    `json:"group,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryResponse is returned by GET /api/v1/history.
type HistoryResponse struct {
	Version int64               `json:"version"`
	Chats   []ChatSummary       `json:"chats"`
	Groups  []*models.ChatGroup `json:"groups"`
}

// ChatListResponse is returned by GET /api/v1/chats.
type ChatListResponse struct {
	Chats []ChatSummary `json:"chats"`
}

// GroupListResponse is returned by GET /api/v1/groups.
type GroupListResponse struct {
	Groups []*models.ChatGroup `json:"groups"`
}

// PathMessage is one message of the active transcript with its tree position.
type PathMessage struct {
	NodeID       string `json:"node_id"`
	VariantIndex int    `json:"variant_index"`
	VariantCount int    `json:"variant_count"`
	models.Message
}

// ChatResponse is a chat with its active transcript.
type ChatResponse struct {
	ChatSummary
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Messages     []PathMessage `json:"messages"`
}

// SendResponse is returned by the commands that start a streamed answer.
// RequestID is empty when the request failed before streaming; the failure
// is then recorded as an error message in the transcript.
type SendResponse struct {
	Chat      *ChatResponse `json:"chat"`
	MessageID string        `json:"message_id"`
	RequestID string        `json:"request_id,omitempty"`
}

// BranchResponse is returned by the node endpoints.
type BranchResponse struct {
	branch.Info
	Chat *ChatResponse `json:"chat,omitempty"`
}

// StatusResponse is returned by GET /api/v1/chats/:id/status.
type StatusResponse struct {
	ChatID string            `json:"chat_id"`
	Active bool              `json:"active"`
	Status stream.ChatStatus `json:"status"`
}

// StreamControlResponse is returned by the cancel and stop endpoints.
type StreamControlResponse struct {
	ChatID string `json:"chat_id"`
	// Stopped reports whether an exchange was running.
	Stopped bool `json:"stopped"`
}

// TitleResponse is returned by POST /api/v1/chats/:id/title.
type TitleResponse struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

func summarize(c *models.Chat) ChatSummary {
	return ChatSummary{
		ID:        c.ID,
		Title:     c.Title,
		GroupID:   c.GroupID,
		Provider:  c.Provider,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func summarizeAll(chats []*models.Chat) []ChatSummary {
	out := make([]ChatSummary, len(chats))
	for i, c := range chats {
		out[i] = summarize(c)
	}
	return out
}

func toChatResponse(c *models.Chat) *ChatResponse {
	path := branch.ActivePath(c)
	msgs := make([]PathMessage, 0, len(path))
	for _, e := range path {
		msgs = append(msgs, PathMessage{
			NodeID:       e.NodeID,
			VariantIndex: e.VariantIndex,
			VariantCount: e.VariantCount,
			Message:      e.Message,
		})
	}
	return &ChatResponse{
		ChatSummary:  summarize(c),
		SystemPrompt: c.SystemPrompt,
		Messages:     msgs,
	}
}

func nonNilGroups(groups []*models.ChatGroup) []*models.ChatGroup {
	if groups == nil {
		return []*models.ChatGroup{}
	}
	return groups
}
