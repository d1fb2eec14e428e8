package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orderscan/screenlink/internal/model"
)

var ErrSessionNotFound = errors.New("pairing session not found")

// SessionMutator edits a session inside the store's critical section. persist
// reports whether the edited copy should be written back; the returned error
// is passed through to the caller either way.
type SessionMutator func(s *model.PairingSession) (persist bool, err error)

// SessionStore holds pairing sessions. Transition must be atomic: two
// concurrent transitions on one session never both observe it pending.
type SessionStore interface {
	Create(ctx context.Context, s *model.PairingSession) error
	Get(ctx context.Context, sessionID string) (*model.PairingSession, error)
	Transition(ctx context.Context, sessionID string, fn SessionMutator) (*model.PairingSession, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.PairingSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*model.PairingSession)}
}

func (m *MemorySessionStore) Create(_ context.Context, s *model.PairingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, sessionID string) (*model.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemorySessionStore) Transition(_ context.Context, sessionID string, fn SessionMutator) (*model.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	next := current.Clone()
	persist, err := fn(next)
	if persist {
		m.sessions[sessionID] = next.Clone()
	}
	return next, err
}

// DeleteExpired drops sessions whose expiry is before cutoff.
func (m *MemorySessionStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemorySessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
