// Package title names chats from their first exchanges.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/codeready-toolchain/chatcore/pkg/branch"
	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

const (
	maxTitleRunes      = 80
	maxExcerptMessages = 6
	maxExcerptRunes    = 1000

	instruction = "Write a short title of at most six words for the conversation below. " +
		"Reply with the title only, without quotes and without a trailing period."
)

var (
	// ErrNoTitle is returned when the model produced nothing usable as a title.
	ErrNoTitle = errors.New("no usable title generated")

	// ErrNoProvider is returned when no provider can be chosen for a chat.
	ErrNoProvider = errors.New("no provider available for title generation")
)

// ChatStore is the chat access the generator needs.
type ChatStore interface {
	GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error)
	RenameChat(ctx context.Context, userID, chatID, title string) (*models.Chat, error)
}

// ProviderLookup resolves a configured provider by name.
type ProviderLookup interface {
	Get(name string) (llm.Provider, error)
}

// ShouldGenerate reports whether a chat with assistantCount assistant
// messages gets a new title: after the first answer always, after the
// third only when updateOnExtension is set.
func ShouldGenerate(assistantCount int, updateOnExtension bool) bool {
	switch assistantCount {
	case 1:
		return true
	case 3:
		return updateOnExtension
	default:
		return false
	}
}

// Generator produces chat titles with a secondary model request. Its
// failures never reach the conversation they name.
type Generator struct {
	cfg       *config.TitleConfig
	chats     ChatStore
	providers ProviderLookup

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewGenerator creates a title generator.
func NewGenerator(cfg *config.TitleConfig, chats ChatStore, providers ProviderLookup) *Generator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		cfg:       cfg,
		chats:     chats,
		providers: providers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnTurnComplete checks the trigger rule for the chat of a completed turn
// and generates a title in the background. It matches stream.TurnCompleteFunc.
func (g *Generator) OnTurnComplete(_ context.Context, turn stream.Turn) {
	if !g.cfg.Enabled {
		return
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		log := slog.With("chat_id", turn.ChatID, "user_id", turn.UserID)
		if err := g.afterTurn(turn, log); err != nil {
			log.Warn("Title generation failed", "error", err)
		}
	}()
}

// Stop ignores further turns and waits for running generations, each
// bounded by the configured timeout, to finish.
func (g *Generator) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.wg.Wait()
	g.cancel()
}

func (g *Generator) afterTurn(turn stream.Turn, log *slog.Logger) error {
	chat, err := g.chats.GetChat(g.ctx, turn.UserID, turn.ChatID)
	if err != nil {
		return fmt.Errorf("failed to load chat: %w", err)
	}

	count := branch.CountAssistantMessages(chat)
	if !ShouldGenerate(count, g.cfg.UpdateOnExtension) {
		log.Debug("Skipping title generation", "assistant_messages", count)
		return nil
	}

	p, model, err := g.pick("", chat, turn.Provider, turn.Message.Model)
	if err != nil {
		return err
	}
	_, err = g.generate(g.ctx, turn.UserID, chat, p, model)
	return err
}

// Generate names a chat on demand, regardless of its message count.
// providerName overrides the configured provider when set.
func (g *Generator) Generate(ctx context.Context, userID, chatID, providerName string) (string, error) {
	chat, err := g.chats.GetChat(ctx, userID, chatID)
	if err != nil {
		return "", err
	}
	p, model, err := g.pick(providerName, chat, nil, "")
	if err != nil {
		return "", err
	}
	return g.generate(ctx, userID, chat, p, model)
}

// pick chooses the provider and model for a title request.
func (g *Generator) pick(explicit string, chat *models.Chat, turnProvider llm.Provider, turnModel string) (llm.Provider, string, error) {
	switch {
	case explicit != "":
		p, err := g.providers.Get(explicit)
		return p, "", err
	case g.cfg.Provider != config.TitleProviderAuto:
		p, err := g.providers.Get(g.cfg.Provider)
		return p, g.cfg.Model, err
	case turnProvider != nil:
		return turnProvider, turnModel, nil
	case chat.Provider != "":
		p, err := g.providers.Get(chat.Provider)
		return p, chat.Model, err
	default:
		return nil, "", ErrNoProvider
	}
}

func (g *Generator) generate(ctx context.Context, userID string, chat *models.Chat, p llm.Provider, model string) (string, error) {
	excerpt := Excerpt(chat)
	if excerpt == "" {
		return "", ErrNoTitle
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	text, err := llm.Collect(ctx, p, &llm.Request{
		UserID:       userID,
		ChatID:       chat.ID,
		Model:        model,
		SystemPrompt: instruction,
		Messages:     []models.Message{{Role: models.RoleUser, Text: excerpt}},
	})
	if err != nil {
		return "", fmt.Errorf("title request failed: %w", err)
	}

	title := Sanitize(text)
	if title == "" || title == models.DefaultChatTitle {
		return "", ErrNoTitle
	}
	if _, err := g.chats.RenameChat(ctx, userID, chat.ID, title); err != nil {
		return "", fmt.Errorf("failed to rename chat: %w", err)
	}

	slog.Info("Chat title generated", "chat_id", chat.ID, "provider", p.Name(), "title", title)
	return title, nil
}

// Excerpt renders the opening of a chat's active transcript for the title
// prompt. Tool records and error messages are left out.
func Excerpt(chat *models.Chat) string {
	var b strings.Builder
	n := 0
	for _, m := range branch.ActiveMessages(chat) {
		if !m.Renderable() || m.IsError || strings.TrimSpace(m.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncateRunes(strings.TrimSpace(m.Text), maxExcerptRunes))
		if n++; n == maxExcerptMessages {
			break
		}
	}
	return b.String()
}

// Sanitize turns a model reply into a single-line title.
func Sanitize(s string) string {
	line := ""
	for l := range strings.SplitSeq(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	if len(line) >= 6 && strings.EqualFold(line[:6], "title:") {
		line = line[6:]
	}
	line = strings.Trim(line, " \t\"'`*#“”‘’")
	line = strings.TrimRight(line, ".")
	line = strings.Join(strings.Fields(line), " ")
	return truncateRunes(line, maxTitleRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
