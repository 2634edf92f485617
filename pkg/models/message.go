package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleToolCall messages are transport/audit records of a tool round-trip.
	// They are sent back to providers but never rendered as bubbles.
	RoleToolCall Role = "tool_call"
)

// IsValid checks if the role is one of the known roles
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolCall:
		return true
	default:
		return false
	}
}

// Attachment is a file attached to a message or shared by a project group.
// LocalPath is always set; RemoteID is set once the file has been uploaded
// to the provider that will read it.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	LocalPath string `json:"local_path"`
	RemoteID  string `json:"remote_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Uploaded reports whether the attachment has a provider-side reference.
func (a Attachment) Uploaded() bool {
	return a.RemoteID != ""
}

// ToolCallRecord is the transcript of one tool round-trip.
type ToolCallRecord struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is a single turn in a chat. Messages are owned by exactly one chat.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Text        string          `json:"text"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Model       string          `json:"model,omitempty"`
	Datetime    time.Time       `json:"datetime"`
	Thinking    string          `json:"thinking,omitempty"`
	ThinkingSec float64         `json:"thinking_seconds,omitempty"`
	ToolCall    *ToolCallRecord `json:"tool_call,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
}

// Renderable reports whether the message is shown as a conversation bubble.
func (m Message) Renderable() bool {
	return m.Role != RoleToolCall
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	if m.ToolCall != nil {
		tc := *m.ToolCall
		out.ToolCall = &tc
	}
	return out
}
