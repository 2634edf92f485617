package api

import (
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/services"
)

// maxMessageLength bounds the text of a single user message.
const maxMessageLength = 100_000

// AttachmentRequest references a file already stored on the server.
type AttachmentRequest struct {
	Name      string `json:"name" binding:"required"`
	MimeType  string `json:"mime_type"`
	LocalPath string `json:"local_path" binding:"required"`
	RemoteID  string `json:"remote_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// SendOptionsRequest carries the per-request model settings.
type SendOptionsRequest struct {
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	WebSearch      bool     `json:"web_search,omitempty"`
	EnabledTools   []string `json:"enabled_tools,omitempty"`
	ThinkingBudget int      `json:"thinking_budget,omitempty" binding:"gte=0"`
}

// CreateChatRequest is the HTTP request body for POST /api/v1/chats.
type CreateChatRequest struct {
	Title        string `json:"title,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
}

// UpdateChatRequest is the HTTP request body for PATCH /api/v1/chats/:id.
// Only the fields present are changed; an empty group_id ungroups the chat.
type UpdateChatRequest struct {
	Title        *string `json:"title,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	GroupID      *string `json:"group_id,omitempty"`
}

// CreateGroupRequest is the HTTP request body for POST /api/v1/groups.
type CreateGroupRequest struct {
	Name         string              `json:"name" binding:"required"`
	IsProject    bool                `json:"is_project"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Attachments  []AttachmentRequest `json:"attachments,omitempty" binding:"omitempty,dive"`
}

// SendMessageRequest is the HTTP request body for POST /api/v1/chats/:id/messages.
type SendMessageRequest struct {
	Text        string              `json:"text"`
	Attachments []AttachmentRequest `json:"attachments,omitempty" binding:"omitempty,dive"`
	SendOptionsRequest
}

// EditMessageRequest is the HTTP request body for editing a user message.
// Attachments replace the message's files when present, even if empty.
type EditMessageRequest struct {
	Text        string              `json:"text" binding:"required"`
	Attachments []AttachmentRequest `json:"attachments" binding:"omitempty,dive"`
	SendOptionsRequest
}

// ResendRequest is the optional HTTP request body for resending a message.
type ResendRequest struct {
	SendOptionsRequest
}

// NavigateRequest is the HTTP request body for POST /api/v1/chats/:id/nodes/:node_id/navigate.
type NavigateRequest struct {
	Direction string `json:"direction" binding:"required,oneof=next previous"`
}

// GenerateTitleRequest is the optional HTTP request body for POST /api/v1/chats/:id/title.
type GenerateTitleRequest struct {
	Provider string `json:"provider,omitempty"`
}

func (r SendOptionsRequest) toOptions() services.SendOptions {
	return services.SendOptions{
		Provider:       r.Provider,
		Model:          r.Model,
		WebSearch:      r.WebSearch,
		EnabledTools:   r.EnabledTools,
		ThinkingBudget: r.ThinkingBudget,
	}
}

// toAttachments keeps nil as nil so "not given" stays distinguishable
// from "cleared".
func toAttachments(in []AttachmentRequest) []models.Attachment {
	if in == nil {
		return nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		out[i] = models.Attachment{
			Name:      a.Name,
			MimeType:  a.MimeType,
			LocalPath: a.LocalPath,
			RemoteID:  a.RemoteID,
			Provider:  a.Provider,
		}
	}
	return out
}

func (d NavigateRequest) delta() int {
	if d.Direction == "previous" {
		return -1
	}
	return 1
}
