// Package services contains the chat history operations and the
// conversation commands built on them.
package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/chatcore/pkg/branch"
	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/store"
)

// storeTimeout bounds one read-modify-write of a history document.
const storeTimeout = 10 * time.Second

// CreateChatRequest describes a new chat.
type CreateChatRequest struct {
	Title        string
	SystemPrompt string
	GroupID      string
	Provider     string
	Model        string
}

// CreateGroupRequest describes a new group or project.
type CreateGroupRequest struct {
	Name         string
	IsProject    bool
	SystemPrompt string
	Attachments  []models.Attachment
}

// ModelChoice records the provider and model a message was sent with.
type ModelChoice struct {
	Provider string
	Model    string
}

// ChangeFunc is called after a user's history was saved.
type ChangeFunc func(userID string, version int64)

// ChatService manages a user's chats and groups. Every mutation is a
// read-modify-write of the user's history document under a per-user lock
// and returns the state reloaded from the store.
type ChatService struct {
	store         store.HistoryStore
	locks         store.Locker
	variantWarnAt int
	onChange      ChangeFunc
	now           func() time.Time
}

// NewChatService creates a ChatService
func NewChatService(hs store.HistoryStore, branching *config.BranchingConfig) *ChatService {
	warn := config.DefaultBranchingConfig().VariantWarnThreshold
	if branching != nil && branching.VariantWarnThreshold > 0 {
		warn = branching.VariantWarnThreshold
	}
	return &ChatService{store: hs, variantWarnAt: warn, now: time.Now}
}

// OnChange sets the hook run after every successful save.
func (s *ChatService) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

// ────────────────────────────────────────────────────────────
// Reads
// ────────────────────────────────────────────────────────────

// GetHistory returns the user's whole document.
func (s *ChatService) GetHistory(httpCtx context.Context, userID string) (*models.History, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	ctx, cancel := context.WithTimeout(httpCtx, storeTimeout)
	defer cancel()

	h, err := s.store.LoadHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return h, nil
}

// GetChat returns one chat. A chat still stored as a flat transcript is
// migrated to the branch tree and saved first.
func (s *ChatService) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	h, err := s.GetHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	c := h.FindChat(chatID)
	if c == nil {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if c.HasBranchingStructure {
		return c, nil
	}

	slog.Info("Migrating chat to branching structure", "user_id", userID, "chat_id", chatID)
	return s.updateChat(ctx, userID, chatID, func(*models.History, *models.Chat) error { return nil })
}

// ListChats returns the user's chats, most recently updated first. A
// non-empty groupID restricts the list to that group.
func (s *ChatService) ListChats(ctx context.Context, userID, groupID string) ([]*models.Chat, error) {
	h, err := s.GetHistory(ctx, userID)
	if err != nil {
		return nil, err
	}

	chats := h.Chats
	if groupID != "" {
		if h.FindGroup(groupID) == nil {
			return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		chats = h.ChatsInGroup(groupID)
	}
	out := slices.Clone(chats)
	slices.SortStableFunc(out, func(a, b *models.Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

// ListGroups returns the user's groups.
func (s *ChatService) ListGroups(ctx context.Context, userID string) ([]*models.ChatGroup, error) {
	h, err := s.GetHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	return h.Groups, nil
}

// GetGroup returns one group.
func (s *ChatService) GetGroup(ctx context.Context, userID, groupID string) (*models.ChatGroup, error) {
	h, err := s.GetHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	g := h.FindGroup(groupID)
	if g == nil {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	return g, nil
}

// BranchInfo returns the navigation state of a node.
func (s *ChatService) BranchInfo(ctx context.Context, userID, chatID, nodeID string) (branch.Info, error) {
	c, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return branch.Info{}, err
	}
	info, err := branch.GetBranchInfo(c, nodeID)
	if err != nil {
		return branch.Info{}, branchErr(err)
	}
	return info, nil
}

// ────────────────────────────────────────────────────────────
// Chats and groups
// ────────────────────────────────────────────────────────────

// CreateChat creates an empty chat in branching form.
func (s *ChatService) CreateChat(ctx context.Context, userID string, req CreateChatRequest) (*models.Chat, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = models.DefaultChatTitle
	}
	now := s.now()
	c := &models.Chat{
		ID:                    uuid.NewString(),
		Title:                 title,
		SystemPrompt:          req.SystemPrompt,
		GroupID:               req.GroupID,
		Provider:              req.Provider,
		Model:                 req.Model,
		CreatedAt:             now,
		UpdatedAt:             now,
		HasBranchingStructure: true,
		Nodes:                 make(map[string]*models.Node),
	}

	h, err := s.update(ctx, userID, func(h *models.History) error {
		if c.GroupID != "" && h.FindGroup(c.GroupID) == nil {
			return NewValidationError("group_id", "unknown group "+c.GroupID)
		}
		h.Chats = append(h.Chats, c.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h.FindChat(c.ID), nil
}

// RenameChat sets the chat's title.
func (s *ChatService) RenameChat(ctx context.Context, userID, chatID, title string) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, NewValidationError("title", "required")
	}
	return s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		c.Title = title
		return nil
	})
}

// UpdateSystemPrompt sets the chat's own system prompt.
func (s *ChatService) UpdateSystemPrompt(ctx context.Context, userID, chatID, prompt string) (*models.Chat, error) {
	return s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		c.SystemPrompt = prompt
		return nil
	})
}

// MoveChatToGroup puts the chat in a group, or takes it out of any group
// when groupID is empty.
func (s *ChatService) MoveChatToGroup(ctx context.Context, userID, chatID, groupID string) (*models.Chat, error) {
	return s.updateChat(ctx, userID, chatID, func(h *models.History, c *models.Chat) error {
		if groupID != "" && h.FindGroup(groupID) == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		c.GroupID = groupID
		return nil
	})
}

// DeleteChat removes a chat.
func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID string) error {
	_, err := s.update(ctx, userID, func(h *models.History) error {
		if !h.RemoveChat(chatID) {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil
	})
	return err
}

// CreateGroup creates a group. Project groups carry a system prompt and
// files shared by their chats.
func (s *ChatService) CreateGroup(ctx context.Context, userID string, req CreateGroupRequest) (*models.ChatGroup, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, NewValidationError("name", "required")
	}
	g := &models.ChatGroup{
		ID:           uuid.NewString(),
		Name:         name,
		IsProject:    req.IsProject,
		SystemPrompt: req.SystemPrompt,
		Attachments:  req.Attachments,
	}

	h, err := s.update(ctx, userID, func(h *models.History) error {
		for _, existing := range h.Groups {
			if strings.EqualFold(existing.Name, name) {
				return fmt.Errorf("%w: group %q", ErrAlreadyExists, name)
			}
		}
		h.Groups = append(h.Groups, g.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h.FindGroup(g.ID), nil
}

// RemoveGroup deletes a group. Its chats are kept and become ungrouped.
func (s *ChatService) RemoveGroup(ctx context.Context, userID, groupID string) error {
	_, err := s.update(ctx, userID, func(h *models.History) error {
		if !h.RemoveGroup(groupID) {
			return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		return nil
	})
	return err
}

// ────────────────────────────────────────────────────────────
// Messages and branches
// ────────────────────────────────────────────────────────────

// AppendMessages appends messages to the chat's active path in order.
func (s *ChatService) AppendMessages(ctx context.Context, userID, chatID string, msgs ...models.Message) error {
	_, err := s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		for _, m := range msgs {
			branch.AddMessage(c, m)
		}
		return nil
	})
	return err
}

// AddUserMessage appends a user message as a new turn and records the
// model it is sent with. Returns the chat and the stored message.
func (s *ChatService) AddUserMessage(ctx context.Context, userID, chatID string, msg models.Message, choice ModelChoice) (*models.Chat, models.Message, error) {
	var nodeID string
	c, err := s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		id, err := branch.AddUserMessageAsNewNode(c, msg)
		if err != nil {
			return NewValidationError("role", err.Error())
		}
		nodeID = id
		recordChoice(c, choice)
		return nil
	})
	if err != nil {
		return nil, models.Message{}, err
	}
	return c, c.Nodes[nodeID].Variants[0].Message, nil
}

// BranchFromMessage adds msg as a new variant at the node holding
// messageID and records the model it is sent with. Returns the chat and
// the stored message.
func (s *ChatService) BranchFromMessage(ctx context.Context, userID, chatID, messageID string, msg models.Message, choice ModelChoice) (*models.Chat, models.Message, error) {
	var (
		nodeID string
		index  int
	)
	c, err := s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		id, ok := branch.FindNodeForMessage(c, messageID)
		if !ok {
			return notFound(fmt.Errorf("%w: %s", branch.ErrMessageNotFound, messageID))
		}
		i, err := branch.CreateBranch(c, id, msg)
		if err != nil {
			return branchErr(err)
		}
		nodeID, index = id, i
		recordChoice(c, choice)
		return nil
	})
	if err != nil {
		return nil, models.Message{}, err
	}

	node := c.Nodes[nodeID]
	s.warnVariants(userID, chatID, node)
	return c, node.Variants[index].Message, nil
}

// CreateBranch adds msg as the new active variant of a node and returns
// the new variant index.
func (s *ChatService) CreateBranch(ctx context.Context, userID, chatID, nodeID string, msg models.Message) (*models.Chat, int, error) {
	var index int
	c, err := s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		i, err := branch.CreateBranch(c, nodeID, msg)
		if err != nil {
			return branchErr(err)
		}
		index = i
		return nil
	})
	if err != nil {
		return nil, -1, err
	}
	s.warnVariants(userID, chatID, c.Nodes[nodeID])
	return c, index, nil
}

// SwitchVariant selects the active variant of a node.
func (s *ChatService) SwitchVariant(ctx context.Context, userID, chatID, nodeID string, index int) (*models.Chat, error) {
	return s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		return branchErr(branch.SwitchVariant(c, nodeID, index))
	})
}

// ReplaceMessage edits a message in place without creating a branch.
// nil attachments keep the current ones.
func (s *ChatService) ReplaceMessage(ctx context.Context, userID, chatID, messageID, text string, attachments []models.Attachment) (*models.Chat, error) {
	return s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		return branchErr(branch.ReplaceMessage(c, messageID, text, attachments))
	})
}

// DeleteMessagesFromPoint removes a message and its continuation.
func (s *ChatService) DeleteMessagesFromPoint(ctx context.Context, userID, chatID, messageID string) (*models.Chat, error) {
	return s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		return branchErr(branch.DeleteMessagesFromPoint(c, messageID))
	})
}

// DeleteMessage removes a single message. Deleting at a branch point fails
// with a *branch.BranchPointError and leaves the chat unchanged.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, chatID, messageID string) (*models.Chat, error) {
	return s.updateChat(ctx, userID, chatID, func(_ *models.History, c *models.Chat) error {
		return branchErr(branch.DeleteMessageFromBranch(c, messageID))
	})
}

// ────────────────────────────────────────────────────────────
// Read-modify-write
// ────────────────────────────────────────────────────────────

// update applies fn to a freshly loaded history and saves it. If another
// writer saved in between, fn is applied once more to a new load.
func (s *ChatService) update(httpCtx context.Context, userID string, fn func(h *models.History) error) (*models.History, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	ctx, cancel := context.WithTimeout(httpCtx, storeTimeout)
	defer cancel()

	unlock := s.locks.Lock(userID)
	defer unlock()

	var version int64
	for attempt := 1; ; attempt++ {
		h, err := s.store.LoadHistory(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		if err := fn(h); err != nil {
			return nil, err
		}

		err = s.store.SaveHistory(ctx, userID, h)
		if err == nil {
			version = h.Version
			break
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return nil, fmt.Errorf("failed to save history: %w", err)
		}
		if attempt == 2 {
			return nil, ErrConcurrentModification
		}
		slog.Warn("History changed during update, retrying", "user_id", userID)
	}

	if s.onChange != nil {
		s.onChange(userID, version)
	}

	h, err := s.store.LoadHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload history: %w", err)
	}
	return h, nil
}

// updateChat is update scoped to one chat in branching form.
func (s *ChatService) updateChat(ctx context.Context, userID, chatID string, fn func(h *models.History, c *models.Chat) error) (*models.Chat, error) {
	h, err := s.update(ctx, userID, func(h *models.History) error {
		c := h.FindChat(chatID)
		if c == nil {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		branch.EnsureBranchingStructure(c)
		if err := fn(h, c); err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c := h.FindChat(chatID)
	if c == nil {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	return c, nil
}

func (s *ChatService) warnVariants(userID, chatID string, node *models.Node) {
	if node != nil && len(node.Variants) > s.variantWarnAt {
		slog.Warn("Branch node exceeds variant threshold",
			"user_id", userID,
			"chat_id", chatID,
			"node_id", node.ID,
			"variants", len(node.Variants),
			"threshold", s.variantWarnAt)
	}
}

func recordChoice(c *models.Chat, choice ModelChoice) {
	c.Provider = cmp.Or(choice.Provider, c.Provider)
	c.Model = cmp.Or(choice.Model, c.Model)
}

// branchErr classifies branch errors for callers. Branch point errors pass
// through unchanged.
func branchErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, branch.ErrMessageNotFound), errors.Is(err, branch.ErrNodeNotFound):
		return notFound(err)
	case errors.Is(err, branch.ErrVariantOutOfRange):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return err
	}
}
