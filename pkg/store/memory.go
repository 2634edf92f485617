package store

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

// MemoryStore keeps histories in process memory. Documents are deep-copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[string]*models.History
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{histories: make(map[string]*models.History)}
}

// LoadHistory returns a copy of the user's history
func (s *MemoryStore) LoadHistory(_ context.Context, userID string) (*models.History, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.histories[userID]
	if !ok {
		return &models.History{}, nil
	}
	return h.Clone(), nil
}

// SaveHistory stores a copy of history if its version is current
func (s *MemoryStore) SaveHistory(_ context.Context, userID string, history *models.History) error {
	if userID == "" {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if h, ok := s.histories[userID]; ok {
		current = h.Version
	}
	if current != history.Version {
		return ErrConcurrentModification
	}
	history.Version++
	s.histories[userID] = history.Clone()
	return nil
}
