// Package store persists each user's chat history as a single JSON document.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

var (
	// ErrConcurrentModification is returned by SaveHistory when the stored
	// document changed since it was loaded
	ErrConcurrentModification = errors.New("history was modified concurrently")

	// ErrInvalidUser is returned for an empty user id
	ErrInvalidUser = errors.New("user id is required")
)

// HistoryStore loads and saves a user's chats and groups.
//
// LoadHistory returns an empty history (Version 0) for an unknown user.
// SaveHistory succeeds only if the stored version still equals
// history.Version, and increments history.Version on success.
type HistoryStore interface {
	LoadHistory(ctx context.Context, userID string) (*models.History, error)
	SaveHistory(ctx context.Context, userID string, history *models.History) error
}

// Locker serializes work per key (a user id for whole-document writes).
type Locker struct {
	locks sync.Map // key → *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (l *Locker) Lock(key string) func() {
	muI, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
