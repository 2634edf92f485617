package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/chatcore/pkg/branch"
	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

// ProviderLookup resolves a configured provider by name.
type ProviderLookup interface {
	Get(name string) (llm.Provider, error)
}

// InstructionsFunc returns extra system prompt text for an enabled tool set.
type InstructionsFunc func(enabledTools []string) string

// SendOptions are the per-request settings of a streamed exchange. Empty
// fields fall back to the chat's last choice, then to the defaults.
type SendOptions struct {
	Provider       string
	Model          string
	WebSearch      bool
	EnabledTools   []string
	ThinkingBudget int
}

// SendMessageRequest is a new user turn.
type SendMessageRequest struct {
	ChatID      string
	Text        string
	Attachments []models.Attachment
	SendOptions
}

// EditRequest replaces the text of an existing user message.
type EditRequest struct {
	ChatID    string
	MessageID string
	Text      string
	// Attachments replace the message's files when non-nil.
	Attachments []models.Attachment
	SendOptions
}

// ResendRequest regenerates the answer to an existing user message.
type ResendRequest struct {
	ChatID    string
	MessageID string
	SendOptions
}

// SendResult describes a started exchange. RequestID is empty when the
// request failed before streaming and an error message was recorded.
type SendResult struct {
	Chat      *models.Chat
	MessageID string
	RequestID string
}

// ConversationConfig holds the settings a ConversationService needs.
type ConversationConfig struct {
	Defaults     *config.Defaults
	DefaultTools []string
	Instructions InstructionsFunc
}

// ConversationService implements the conversation commands: sending,
// editing and resending messages, navigating variants and controlling
// running exchanges.
type ConversationService struct {
	chats     *ChatService
	coord     *stream.Coordinator
	providers ProviderLookup
	cfg       ConversationConfig
}

// NewConversationService creates a ConversationService
func NewConversationService(chats *ChatService, coord *stream.Coordinator, providers ProviderLookup, cfg ConversationConfig) *ConversationService {
	if cfg.Defaults == nil {
		cfg.Defaults = &config.Defaults{}
	}
	return &ConversationService{chats: chats, coord: coord, providers: providers, cfg: cfg}
}

// SendMessage appends a user message and starts streaming the answer. A
// running exchange of the chat is superseded before history changes.
func (s *ConversationService) SendMessage(ctx context.Context, userID string, req SendMessageRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, NewValidationError("text", "message text or attachments required")
	}
	chat, err := s.chats.GetChat(ctx, userID, req.ChatID)
	if err != nil {
		return nil, err
	}
	provider, model, err := s.resolve(chat, req.SendOptions)
	if err != nil {
		return nil, err
	}

	msg := models.Message{
		Role:        models.RoleUser,
		Text:        req.Text,
		Attachments: s.upload(ctx, userID, provider, req.Attachments),
	}
	if err := s.coord.Supersede(ctx, req.ChatID); err != nil {
		return nil, err
	}
	chat, stored, err := s.chats.AddUserMessage(ctx, userID, req.ChatID, msg, ModelChoice{Provider: provider.Name(), Model: model})
	if err != nil {
		return nil, err
	}
	return s.start(ctx, userID, chat, stored.ID, provider, model, req.SendOptions)
}

// FinishEditingMessage saves an edited user message in place without
// creating a branch or starting a request.
func (s *ConversationService) FinishEditingMessage(ctx context.Context, userID string, req EditRequest) (*models.Chat, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, NewValidationError("text", "required")
	}
	if err := s.requireUserMessage(ctx, userID, req.ChatID, req.MessageID); err != nil {
		return nil, err
	}
	return s.chats.ReplaceMessage(ctx, userID, req.ChatID, req.MessageID, req.Text, req.Attachments)
}

// EditAndResend adds the edited message as a new variant next to the
// original and streams an answer to it. The original and its answers stay
// reachable through the node's other variants.
func (s *ConversationService) EditAndResend(ctx context.Context, userID string, req EditRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, NewValidationError("text", "required")
	}
	original, err := s.userMessage(ctx, userID, req.ChatID, req.MessageID)
	if err != nil {
		return nil, err
	}
	attachments := req.Attachments
	if attachments == nil {
		attachments = original.Attachments
	}
	return s.branchAndStart(ctx, userID, req.ChatID, req.MessageID, models.Message{
		Role:        models.RoleUser,
		Text:        req.Text,
		Attachments: attachments,
	}, req.SendOptions)
}

// ResendFromMessage adds a copy of a user message as a new variant and
// streams a fresh answer to it.
func (s *ConversationService) ResendFromMessage(ctx context.Context, userID string, req ResendRequest) (*SendResult, error) {
	original, err := s.userMessage(ctx, userID, req.ChatID, req.MessageID)
	if err != nil {
		return nil, err
	}
	return s.branchAndStart(ctx, userID, req.ChatID, req.MessageID, models.Message{
		Role:        models.RoleUser,
		Text:        original.Text,
		Attachments: original.Attachments,
	}, req.SendOptions)
}

// NavigateVariant moves a node's active variant by delta (+1 next, -1
// previous). Navigation is refused while the chat is streaming.
func (s *ConversationService) NavigateVariant(ctx context.Context, userID, chatID, nodeID string, delta int) (*models.Chat, branch.Info, error) {
	if delta != 1 && delta != -1 {
		return nil, branch.Info{}, NewValidationError("direction", "must be next or previous")
	}
	if s.coord.Active(chatID) {
		return nil, branch.Info{}, ErrChatBusy
	}
	info, err := s.chats.BranchInfo(ctx, userID, chatID, nodeID)
	if err != nil {
		return nil, branch.Info{}, err
	}
	if (delta > 0 && !info.HasNext) || (delta < 0 && !info.HasPrevious) {
		return nil, branch.Info{}, fmt.Errorf("%w: %w", ErrInvalidInput, branch.ErrVariantOutOfRange)
	}

	chat, err := s.chats.SwitchVariant(ctx, userID, chatID, nodeID, info.CurrentVariantIndex+delta)
	if err != nil {
		return nil, branch.Info{}, err
	}
	info, err = branch.GetBranchInfo(chat, nodeID)
	if err != nil {
		return nil, branch.Info{}, branchErr(err)
	}
	return chat, info, nil
}

// DeleteMessages removes a message from the chat's active path. With
// following set the message and everything after it is removed. Refused
// while the chat is streaming.
func (s *ConversationService) DeleteMessages(ctx context.Context, userID, chatID, messageID string, following bool) (*models.Chat, error) {
	if s.coord.Active(chatID) {
		return nil, ErrChatBusy
	}
	if following {
		return s.chats.DeleteMessagesFromPoint(ctx, userID, chatID, messageID)
	}
	return s.chats.DeleteMessage(ctx, userID, chatID, messageID)
}

// CancelStreamingRequest abandons the chat's running exchange without
// saving anything. Reports whether one was running.
func (s *ConversationService) CancelStreamingRequest(ctx context.Context, userID, chatID string) (bool, error) {
	if _, err := s.chats.GetChat(ctx, userID, chatID); err != nil {
		return false, err
	}
	return s.coord.Cancel(chatID), nil
}

// StopStreamingAndSave stops the chat's running exchange and keeps the
// text received so far as the answer. Reports whether one was running.
func (s *ConversationService) StopStreamingAndSave(ctx context.Context, userID, chatID string) (bool, error) {
	if _, err := s.chats.GetChat(ctx, userID, chatID); err != nil {
		return false, err
	}
	return s.coord.StopAndPersistPartial(ctx, chatID)
}

// Status returns the chat's streaming status.
func (s *ConversationService) Status(ctx context.Context, userID, chatID string) (stream.ChatStatus, bool, error) {
	if _, err := s.chats.GetChat(ctx, userID, chatID); err != nil {
		return stream.ChatStatus{}, false, err
	}
	return s.coord.Store().Status(chatID), s.coord.Active(chatID), nil
}

// ────────────────────────────────────────────────────────────
// Request preparation
// ────────────────────────────────────────────────────────────

func (s *ConversationService) branchAndStart(ctx context.Context, userID, chatID, messageID string, msg models.Message, opts SendOptions) (*SendResult, error) {
	chat, err := s.chats.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	provider, model, err := s.resolve(chat, opts)
	if err != nil {
		return nil, err
	}
	msg.Attachments = s.upload(ctx, userID, provider, msg.Attachments)

	if err := s.coord.Supersede(ctx, chatID); err != nil {
		return nil, err
	}
	chat, stored, err := s.chats.BranchFromMessage(ctx, userID, chatID, messageID, msg, ModelChoice{Provider: provider.Name(), Model: model})
	if err != nil {
		return nil, err
	}
	return s.start(ctx, userID, chat, stored.ID, provider, model, opts)
}

// start streams an answer to the chat's active path. Once the user message
// is stored every failure is recorded in the transcript as an error message.
func (s *ConversationService) start(ctx context.Context, userID string, chat *models.Chat, messageID string, provider llm.Provider, model string, opts SendOptions) (*SendResult, error) {
	result := &SendResult{Chat: chat, MessageID: messageID}

	req, err := s.buildRequest(ctx, userID, chat, provider, model, opts)
	if err == nil {
		result.RequestID, err = s.coord.StartSession(req)
	}
	if err == nil {
		return result, nil
	}

	slog.Error("Failed to start streaming request", "user_id", userID, "chat_id", chat.ID, "error", err)
	if errors.Is(err, stream.ErrShuttingDown) {
		return nil, err
	}
	if perr := s.chats.AppendMessages(ctx, userID, chat.ID, stream.ErrorMessage(model, err.Error())); perr != nil {
		return nil, fmt.Errorf("%w (and failed to record it: %v)", err, perr)
	}
	if reloaded, gerr := s.chats.GetChat(ctx, userID, chat.ID); gerr == nil {
		result.Chat = reloaded
	}
	return result, nil
}

func (s *ConversationService) buildRequest(ctx context.Context, userID string, chat *models.Chat, provider llm.Provider, model string, opts SendOptions) (stream.Request, error) {
	enabled := opts.EnabledTools
	if enabled == nil {
		enabled = s.cfg.DefaultTools
	}

	var group *models.ChatGroup
	if chat.GroupID != "" {
		g, err := s.chats.GetGroup(ctx, userID, chat.GroupID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return stream.Request{}, err
		}
		group = g
	}

	var projectFiles []models.Attachment
	if group != nil && group.IsProject {
		projectFiles = s.upload(ctx, userID, provider, group.Attachments)
	}

	return stream.Request{
		UserID:             userID,
		ChatID:             chat.ID,
		GroupID:            chat.GroupID,
		Provider:           provider,
		Model:              model,
		Messages:           branch.ActiveMessages(chat),
		SystemPrompt:       s.systemPrompt(chat, group, enabled),
		WebSearch:          opts.WebSearch,
		ProjectAttachments: projectFiles,
		EnabledTools:       enabled,
		ThinkingBudget:     opts.ThinkingBudget,
	}, nil
}

// systemPrompt joins a project's prompt, the chat's prompt (or the default
// one) and tool instructions.
func (s *ConversationService) systemPrompt(chat *models.Chat, group *models.ChatGroup, enabled []string) string {
	var parts []string
	if group != nil && group.IsProject {
		parts = append(parts, group.SystemPrompt)
	}
	parts = append(parts, cmp.Or(chat.SystemPrompt, s.cfg.Defaults.SystemPrompt))
	if s.cfg.Instructions != nil && len(enabled) > 0 {
		parts = append(parts, s.cfg.Instructions(enabled))
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// resolve picks the provider and model: request, then chat, then defaults.
func (s *ConversationService) resolve(chat *models.Chat, opts SendOptions) (llm.Provider, string, error) {
	name := cmp.Or(opts.Provider, chat.Provider, s.cfg.Defaults.Provider)
	if name == "" {
		return nil, "", NewValidationError("provider", "no provider selected")
	}
	p, err := s.providers.Get(name)
	if err != nil {
		return nil, "", NewValidationError("provider", err.Error())
	}

	model := opts.Model
	if model == "" && name == chat.Provider {
		model = chat.Model
	}
	if model == "" && name == s.cfg.Defaults.Provider {
		model = s.cfg.Defaults.Model
	}
	return p, model, nil
}

// upload sends not yet uploaded files to the provider. A file that cannot
// be uploaded keeps its local reference and the request goes ahead.
func (s *ConversationService) upload(ctx context.Context, userID string, p llm.Provider, atts []models.Attachment) []models.Attachment {
	if len(atts) == 0 {
		return atts
	}
	uploader, ok := p.(llm.FileUploader)
	out := make([]models.Attachment, len(atts))
	for i, a := range atts {
		out[i] = a
		if !ok || (a.Uploaded() && a.Provider == p.Name()) {
			continue
		}
		uploaded, err := uploader.UploadFile(ctx, userID, a)
		if err != nil {
			slog.Warn("Attachment upload failed, sending local reference",
				"provider", p.Name(), "file", a.Name, "error", err)
			continue
		}
		out[i] = uploaded
	}
	return out
}

func (s *ConversationService) userMessage(ctx context.Context, userID, chatID, messageID string) (models.Message, error) {
	chat, err := s.chats.GetChat(ctx, userID, chatID)
	if err != nil {
		return models.Message{}, err
	}
	m, ok := branch.FindMessage(chat, messageID)
	if !ok {
		return models.Message{}, notFound(fmt.Errorf("%w: %s", branch.ErrMessageNotFound, messageID))
	}
	if m.Role != models.RoleUser {
		return models.Message{}, NewValidationError("message_id", "only user messages can be edited or resent")
	}
	return m, nil
}

func (s *ConversationService) requireUserMessage(ctx context.Context, userID, chatID, messageID string) error {
	_, err := s.userMessage(ctx, userID, chatID, messageID)
	return err
}
