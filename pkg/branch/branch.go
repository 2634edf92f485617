// Package branch implements the node/variant tree operations behind
// edit-and-resend. Every operation works on a *models.Chat in place; callers
// own loading, cloning and persisting the chat.
//
// A chat's transcript is the active path: start at the root node, take the
// node's current variant, follow that variant's next node, and repeat.
// Alternate variants and their continuations stay in the tree when they are
// not on the active path.
package branch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

var (
	// ErrNodeNotFound indicates the node id does not exist in the chat
	ErrNodeNotFound = errors.New("branch node not found")

	// ErrMessageNotFound indicates no variant in the chat holds the message
	ErrMessageNotFound = errors.New("message not found")

	// ErrVariantOutOfRange indicates a variant index outside the node's variants
	ErrVariantOutOfRange = errors.New("variant index out of range")

	// ErrCannotDeleteBranchPoint indicates the deletion would orphan alternate variants
	ErrCannotDeleteBranchPoint = errors.New("cannot delete a branch point")
)

// BranchPointError is returned when a message cannot be deleted on its own
// because it is, or immediately precedes, a node with alternate variants.
type BranchPointError struct {
	MessageID string
	NodeID    string // the node holding the alternate variants
}

// Error returns a message suitable for showing to the user
func (e *BranchPointError) Error() string {
	return fmt.Sprintf("message %s cannot be deleted: the conversation branches at this point "+
		"and deleting it would orphan the alternate versions (node %s)", e.MessageID, e.NodeID)
}

// Unwrap returns ErrCannotDeleteBranchPoint
func (e *BranchPointError) Unwrap() error {
	return ErrCannotDeleteBranchPoint
}

// Info describes the variant navigation state of a node.
type Info struct {
	NodeID              string `json:"node_id"`
	CurrentVariantIndex int    `json:"current_variant_index"`
	VariantCount        int    `json:"variant_count"`
	HasNext             bool   `json:"has_next"`
	HasPrevious         bool   `json:"has_previous"`
}

// PathEntry is one message on the active path with its tree position.
type PathEntry struct {
	NodeID       string
	VariantIndex int
	VariantCount int
	Message      models.Message
}

// EnsureBranchingStructure moves a legacy flat transcript into a single-spine
// tree (one variant per node). It reports whether a migration happened;
// calling it on an already migrated chat leaves the chat untouched.
func EnsureBranchingStructure(chat *models.Chat) bool {
	if chat.HasBranchingStructure {
		return false
	}
	if chat.Nodes == nil {
		chat.Nodes = make(map[string]*models.Node)
	}
	var prev *models.Node
	for _, msg := range chat.Messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		node := &models.Node{
			ID:       uuid.NewString(),
			Variants: []models.Variant{{Message: msg}},
		}
		chat.Nodes[node.ID] = node
		if prev == nil {
			chat.RootNodeID = node.ID
		} else {
			prev.Variants[0].NextNodeID = node.ID
		}
		prev = node
	}
	chat.Messages = nil
	chat.HasBranchingStructure = true
	return true
}

// ActivePath reconstructs the linear transcript selected by the current
// variant of every node.
func ActivePath(chat *models.Chat) []PathEntry {
	if !chat.HasBranchingStructure {
		out := make([]PathEntry, len(chat.Messages))
		for i, m := range chat.Messages {
			out[i] = PathEntry{VariantCount: 1, Message: m}
		}
		return out
	}
	var out []PathEntry
	seen := make(map[string]bool, len(chat.Nodes))
	for id := chat.RootNodeID; id != "" && !seen[id]; {
		seen[id] = true
		node := chat.Nodes[id]
		v := node.Current()
		if v == nil {
			break
		}
		out = append(out, PathEntry{
			NodeID:       node.ID,
			VariantIndex: node.CurrentVariantIndex,
			VariantCount: len(node.Variants),
			Message:      v.Message,
		})
		id = v.NextNodeID
	}
	return out
}

// ActiveMessages returns the messages on the active path.
func ActiveMessages(chat *models.Chat) []models.Message {
	path := ActivePath(chat)
	out := make([]models.Message, len(path))
	for i, e := range path {
		out[i] = e.Message
	}
	return out
}

// CountAssistantMessages counts assistant messages on the active path.
func CountAssistantMessages(chat *models.Chat) int {
	n := 0
	for _, m := range ActiveMessages(chat) {
		if m.Role == models.RoleAssistant {
			n++
		}
	}
	return n
}

// FindNodeForMessage returns the id of the node whose variants hold the
// message, searching the whole tree.
func FindNodeForMessage(chat *models.Chat, messageID string) (string, bool) {
	node, _ := locate(chat, messageID)
	if node == nil {
		return "", false
	}
	return node.ID, true
}

// FindMessage returns a copy of the message with the given id.
func FindMessage(chat *models.Chat, messageID string) (models.Message, bool) {
	if !chat.HasBranchingStructure {
		for _, m := range chat.Messages {
			if m.ID == messageID {
				return m, true
			}
		}
		return models.Message{}, false
	}
	node, vi := locate(chat, messageID)
	if node == nil {
		return models.Message{}, false
	}
	return node.Variants[vi].Message, true
}

// AddMessage appends msg after the last message of the active path as a new
// single-variant node and returns the node id. A missing id or datetime is
// filled in; the datetime never precedes the message it follows.
func AddMessage(chat *models.Chat, msg models.Message) string {
	EnsureBranchingStructure(chat)

	tail := tailNode(chat)
	var prev *models.Message
	if tail != nil {
		prev = &tail.Current().Message
	}
	msg = prepare(msg, prev)

	node := &models.Node{
		ID:       uuid.NewString(),
		Variants: []models.Variant{{Message: msg}},
	}
	chat.Nodes[node.ID] = node
	if tail == nil {
		chat.RootNodeID = node.ID
	} else {
		tail.Current().NextNodeID = node.ID
	}
	return node.ID
}

// AddUserMessageAsNewNode appends a user message as its own turn position.
func AddUserMessageAsNewNode(chat *models.Chat, msg models.Message) (string, error) {
	if msg.Role != models.RoleUser {
		return "", fmt.Errorf("expected role %q, got %q", models.RoleUser, msg.Role)
	}
	return AddMessage(chat, msg), nil
}

// ReplaceMessage overwrites the text and attachments of a message in place,
// keeping its id, role and position. No branch is created.
func ReplaceMessage(chat *models.Chat, messageID, text string, attachments []models.Attachment) error {
	EnsureBranchingStructure(chat)

	node, vi := locate(chat, messageID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	m := &node.Variants[vi].Message
	m.Text = text
	if attachments != nil {
		m.Attachments = attachments
	}
	return nil
}

// DeleteMessagesFromPoint removes the message and everything that follows it
// in its own variant. Sibling variants at the same node are kept; when the
// message was the node's only variant the node itself is removed.
func DeleteMessagesFromPoint(chat *models.Chat, messageID string) error {
	EnsureBranchingStructure(chat)

	node, vi := locate(chat, messageID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	removeSubtree(chat, node.Variants[vi].NextNodeID)

	if len(node.Variants) > 1 {
		node.Variants = append(node.Variants[:vi], node.Variants[vi+1:]...)
		switch {
		case node.CurrentVariantIndex > vi:
			node.CurrentVariantIndex--
		case node.CurrentVariantIndex == vi && vi > 0:
			node.CurrentVariantIndex = vi - 1
		}
		return nil
	}

	unlink(chat, node.ID, "")
	delete(chat.Nodes, node.ID)
	return nil
}

// DeleteMessageFromBranch removes a single message, splicing the
// conversation around it. The deletion is rejected with a *BranchPointError
// when the message's node has alternate variants or when the node that
// follows it does.
func DeleteMessageFromBranch(chat *models.Chat, messageID string) error {
	EnsureBranchingStructure(chat)

	node, _ := locate(chat, messageID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if node.IsBranchPoint() {
		return &BranchPointError{MessageID: messageID, NodeID: node.ID}
	}
	next := node.Variants[0].NextNodeID
	if nextNode := chat.Nodes[next]; nextNode.IsBranchPoint() {
		return &BranchPointError{MessageID: messageID, NodeID: nextNode.ID}
	}

	unlink(chat, node.ID, next)
	delete(chat.Nodes, node.ID)
	return nil
}

// CreateBranch adds msg as a new variant at nodeID and makes it the active
// one. The continuation of the previously active variant is kept in the tree
// but leaves the active path. Returns the new variant index.
func CreateBranch(chat *models.Chat, nodeID string, msg models.Message) (int, error) {
	EnsureBranchingStructure(chat)

	node, ok := chat.Nodes[nodeID]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	var prev *models.Message
	if parent, pvi := parentOf(chat, nodeID); parent != nil {
		prev = &parent.Variants[pvi].Message
	}
	msg = prepare(msg, prev)

	node.Variants = append(node.Variants, models.Variant{Message: msg})
	node.CurrentVariantIndex = len(node.Variants) - 1
	return node.CurrentVariantIndex, nil
}

// SwitchVariant selects the active variant at a node. The active path then
// follows whatever continuation that variant had, if any.
func SwitchVariant(chat *models.Chat, nodeID string, variantIndex int) error {
	EnsureBranchingStructure(chat)

	node, ok := chat.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if variantIndex < 0 || variantIndex >= len(node.Variants) {
		return fmt.Errorf("%w: %d (node %s has %d variants)",
			ErrVariantOutOfRange, variantIndex, nodeID, len(node.Variants))
	}
	node.CurrentVariantIndex = variantIndex
	return nil
}

// GetBranchInfo returns navigation details for a node.
func GetBranchInfo(chat *models.Chat, nodeID string) (Info, error) {
	node, ok := chat.Nodes[nodeID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return Info{
		NodeID:              node.ID,
		CurrentVariantIndex: node.CurrentVariantIndex,
		VariantCount:        len(node.Variants),
		HasNext:             node.CurrentVariantIndex < len(node.Variants)-1,
		HasPrevious:         node.CurrentVariantIndex > 0,
	}, nil
}

// MaxVariants returns the largest variant count of any node in the chat.
func MaxVariants(chat *models.Chat) int {
	n := 0
	for _, node := range chat.Nodes {
		n = max(n, len(node.Variants))
	}
	return n
}

// locate finds the node and variant index holding messageID.
func locate(chat *models.Chat, messageID string) (*models.Node, int) {
	if messageID == "" {
		return nil, -1
	}
	for _, node := range chat.Nodes {
		for i := range node.Variants {
			if node.Variants[i].Message.ID == messageID {
				return node, i
			}
		}
	}
	return nil, -1
}

// parentOf returns the node and variant index whose continuation is nodeID.
func parentOf(chat *models.Chat, nodeID string) (*models.Node, int) {
	for _, node := range chat.Nodes {
		for i := range node.Variants {
			if node.Variants[i].NextNodeID == nodeID {
				return node, i
			}
		}
	}
	return nil, -1
}

// unlink points whatever referenced nodeID (root or a parent variant) at replacement.
func unlink(chat *models.Chat, nodeID, replacement string) {
	if chat.RootNodeID == nodeID {
		chat.RootNodeID = replacement
		return
	}
	if parent, pvi := parentOf(chat, nodeID); parent != nil {
		parent.Variants[pvi].NextNodeID = replacement
	}
}

func removeSubtree(chat *models.Chat, nodeID string) {
	stack := []string{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := chat.Nodes[id]
		if !ok {
			continue
		}
		for _, v := range node.Variants {
			if v.NextNodeID != "" {
				stack = append(stack, v.NextNodeID)
			}
		}
		delete(chat.Nodes, id)
	}
}

func tailNode(chat *models.Chat) *models.Node {
	var tail *models.Node
	seen := make(map[string]bool, len(chat.Nodes))
	for id := chat.RootNodeID; id != "" && !seen[id]; {
		seen[id] = true
		node, ok := chat.Nodes[id]
		if !ok || node.Current() == nil {
			break
		}
		tail = node
		id = node.Current().NextNodeID
	}
	return tail
}

// prepare fills the id and datetime of msg, keeping datetimes monotonic
// relative to the message it follows.
func prepare(msg models.Message, prev *models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Datetime.IsZero() {
		msg.Datetime = time.Now().UTC()
	}
	if prev != nil && !msg.Datetime.After(prev.Datetime) {
		msg.Datetime = prev.Datetime.Add(time.Millisecond)
	}
	return msg
}
