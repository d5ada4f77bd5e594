package setup

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps sessions in memory. Terminal sessions are retained so
// history queries still see them, but all transition paths treat them as
// gone.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Insert(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.BotSessionID == session.BotSessionID && existing.Status == StatusInProgress {
			return fmt.Errorf("%w: %s", ErrSetupInProgress, session.BotSessionID)
		}
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) GetInProgress(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) FindResumable(_ context.Context, botSessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.BotSessionID == botSessionID && session.Status == StatusInProgress {
			copied := *session
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != StatusInProgress {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	session.Status = to
	return nil
}

func (s *MemoryStore) BumpErrors(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != StatusInProgress {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	session.ErrorCount++
	return session.ErrorCount, nil
}
