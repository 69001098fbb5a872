package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strand-agents/strand/pkg/binding"
)

// MemoryStore is an in-memory Store implementation. Useful for testing,
// development, and transcripts that don't need to outlive the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	turns    map[string][]*Turn // sessionID -> turns in append order
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]*Turn),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, name string, b *binding.Binding) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Binding:   b,
	}
	s.sessions[sess.ID] = sess

	out := *sess
	return &out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out := *sess
		sessions = append(sessions, &out)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.turns, id)
	return nil
}

func (s *MemoryStore) SetBinding(ctx context.Context, sessionID string, b *binding.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Binding = b
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[turn.SessionID]
	if !ok {
		return ErrSessionNotFound
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	// Append position is authoritative regardless of the turn's timestamp.
	turn.Seq = len(s.turns[turn.SessionID]) + 1
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn.clone())
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Turns(ctx context.Context, sessionID string) ([]*Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	turns := make([]*Turn, 0, len(s.turns[sessionID]))
	for _, t := range s.turns[sessionID] {
		turns = append(turns, t.clone())
	}
	return turns, nil
}

func (s *MemoryStore) UpdateStreamingTurn(ctx context.Context, sessionID, turnID string, delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findTurn(sessionID, turnID)
	if err != nil {
		return err
	}
	if !t.Streaming {
		return ErrTurnImmutable
	}

	t.apply(delta)
	s.sessions[sessionID].UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FinalizeTurn(ctx context.Context, sessionID, turnID string, final Final) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.findTurn(sessionID, turnID)
	if err != nil {
		return err
	}
	if !t.Streaming {
		return ErrTurnImmutable
	}

	t.finalize(final)
	s.sessions[sessionID].UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// findTurn locates a turn under the write lock.
func (s *MemoryStore) findTurn(sessionID, turnID string) (*Turn, error) {
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	for _, t := range s.turns[sessionID] {
		if t.ID == turnID {
			return t, nil
		}
	}
	return nil, ErrTurnNotFound
}

var _ Store = (*MemoryStore)(nil)
