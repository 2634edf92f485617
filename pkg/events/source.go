package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
)

// ErrForbidden is returned when a user subscribes to another user's channel.
var ErrForbidden = errors.New("channel belongs to another user")

// ChatReader loads a chat owned by a user. *services.ChatService implements it.
type ChatReader interface {
	GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error)
}

// Source authorizes subscriptions against chat ownership and serves the
// live status of a chat from the stream store.
type Source struct {
	chats  ChatReader
	status *stream.Store
	now    func() time.Time
}

// NewSource creates a Source.
func NewSource(chats ChatReader, status *stream.Store) *Source {
	return &Source{chats: chats, status: status, now: time.Now}
}

// Authorize allows a user's own channel and the channels of chats they own.
func (s *Source) Authorize(ctx context.Context, userID, channel string) error {
	kind, id, ok := ParseChannel(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	switch kind {
	case KindUser:
		if id != userID {
			return ErrForbidden
		}
		return nil
	default:
		_, err := s.chats.GetChat(ctx, userID, id)
		return err
	}
}

// Snapshot returns the current chat.status for chat channels. User
// channels have no snapshot.
func (s *Source) Snapshot(_ context.Context, channel string) ([]byte, error) {
	kind, id, ok := ParseChannel(channel)
	if !ok || kind != KindChat {
		return nil, nil
	}
	st, active := s.status.Snapshot().Status(id)
	return marshalChatStatus(id, st, active, s.now())
}

func marshalChatStatus(chatID string, st stream.ChatStatus, active bool, at time.Time) ([]byte, error) {
	data, err := json.Marshal(ChatStatusPayload{
		Type:      EventTypeChatStatus,
		ChatID:    chatID,
		Active:    active,
		Status:    st,
		Timestamp: at.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ChatStatusPayload: %w", err)
	}
	return data, nil
}
