package stream

import "sync"

// Listener is notified after every change to a chat's status. active is
// false once the chat has no session. Listeners run with the store locked
// and must not call Dispatch.
type Listener func(chatID string, status ChatStatus, active bool)

// Store holds the current State and applies transitions one at a time.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{listeners: make(map[int]Listener)}
}

// Dispatch applies m and reports whether the state changed.
func (s *Store) Dispatch(m Msg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed := Reduce(s.state, m)
	if !changed {
		return false
	}
	s.state = next

	chatID := m.chatID()
	st, active := next.Status(chatID)
	for _, l := range s.listeners {
		l(chatID, st, active)
	}
	return true
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns chatID's status; the zero value when it has no session.
func (s *Store) Status(chatID string) ChatStatus {
	st, _ := s.Snapshot().Status(chatID)
	return st
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}
