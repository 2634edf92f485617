// Package models contains the chat domain types persisted in a user's history.
package models

import (
	"slices"
	"time"
)

// DefaultChatTitle is the placeholder name of a chat until a title is generated.
const DefaultChatTitle = "New chat"

// Chat is a conversation. Its transcript is a branch tree: a linear chat is
// the case where every node holds exactly one variant.
//
// Messages carries the flat transcript of documents written before branching
// existed. EnsureBranchingStructure moves it into the tree and clears it.
type Chat struct {
	ID           string    `json:"chat_id"`
	Title        string    `json:"preview_name"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	GroupID      string    `json:"group,omitempty"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Messages []Message `json:"messages,omitempty"`

	HasBranchingStructure bool             `json:"has_branching_structure"`
	RootNodeID            string           `json:"root_node_id,omitempty"`
	Nodes                 map[string]*Node `json:"nodes,omitempty"`
}

// Node is one turn position. Exactly one of its variants is active.
type Node struct {
	ID                  string    `json:"id"`
	Variants            []Variant `json:"variants"`
	CurrentVariantIndex int       `json:"current_variant_index"`
}

// Variant is one alternate message at a node together with the node that
// continues the conversation after it (empty when nothing follows yet).
type Variant struct {
	Message    Message `json:"message"`
	NextNodeID string  `json:"next_node_id,omitempty"`
}

// Current returns the active variant of the node.
func (n *Node) Current() *Variant {
	if n == nil || n.CurrentVariantIndex < 0 || n.CurrentVariantIndex >= len(n.Variants) {
		return nil
	}
	return &n.Variants[n.CurrentVariantIndex]
}

// IsBranchPoint reports whether the node holds alternate variants.
func (n *Node) IsBranchPoint() bool {
	return n != nil && len(n.Variants) > 1
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if c.Nodes != nil {
		out.Nodes = make(map[string]*Node, len(c.Nodes))
		for id, n := range c.Nodes {
			cp := &Node{
				ID:                  n.ID,
				CurrentVariantIndex: n.CurrentVariantIndex,
				Variants:            make([]Variant, len(n.Variants)),
			}
			for i, v := range n.Variants {
				cp.Variants[i] = Variant{Message: v.Message.Clone(), NextNodeID: v.NextNodeID}
			}
			out.Nodes[id] = cp
		}
	}
	return &out
}

// ChatGroup groups chats. A project group carries its own system prompt and
// files shared by every chat in it.
type ChatGroup struct {
	ID           string       `json:"group_id"`
	Name         string       `json:"group_name"`
	IsProject    bool         `json:"is_project"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Attachments  []Attachment `json:"group_attachments,omitempty"`
}

// Clone returns a deep copy of the group.
func (g *ChatGroup) Clone() *ChatGroup {
	if g == nil {
		return nil
	}
	out := *g
	out.Attachments = slices.Clone(g.Attachments)
	return &out
}

// History is the per-user document holding all chats and groups.
// Version is the store's optimistic concurrency token and is not serialized.
type History struct {
	Chats   []*Chat      `json:"chats"`
	Groups  []*ChatGroup `json:"groups"`
	Version int64        `json:"-"`
}

// FindChat returns the chat with the given id, or nil.
func (h *History) FindChat(chatID string) *Chat {
	for _, c := range h.Chats {
		if c.ID == chatID {
			return c
		}
	}
	return nil
}

// FindGroup returns the group with the given id, or nil.
func (h *History) FindGroup(groupID string) *ChatGroup {
	for _, g := range h.Groups {
		if g.ID == groupID {
			return g
		}
	}
	return nil
}

// RemoveChat deletes a chat and reports whether it existed.
func (h *History) RemoveChat(chatID string) bool {
	n := len(h.Chats)
	h.Chats = slices.DeleteFunc(h.Chats, func(c *Chat) bool { return c.ID == chatID })
	return len(h.Chats) != n
}

// RemoveGroup deletes a group and clears the group reference of its member
// chats. Member chats are kept.
func (h *History) RemoveGroup(groupID string) bool {
	n := len(h.Groups)
	h.Groups = slices.DeleteFunc(h.Groups, func(g *ChatGroup) bool { return g.ID == groupID })
	if len(h.Groups) == n {
		return false
	}
	for _, c := range h.Chats {
		if c.GroupID == groupID {
			c.GroupID = ""
		}
	}
	return true
}

// ChatsInGroup returns the chats that belong to groupID.
func (h *History) ChatsInGroup(groupID string) []*Chat {
	var out []*Chat
	for _, c := range h.Chats {
		if c.GroupID == groupID {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy of the history.
func (h *History) Clone() *History {
	if h == nil {
		return nil
	}
	out := &History{
		Chats:   make([]*Chat, len(h.Chats)),
		Groups:  make([]*ChatGroup, len(h.Groups)),
		Version: h.Version,
	}
	for i, c := range h.Chats {
		out.Chats[i] = c.Clone()
	}
	for i, g := range h.Groups {
		out.Groups[i] = g.Clone()
	}
	return out
}
