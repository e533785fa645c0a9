package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/store"
)

// SessionStore is a mutex-guarded map of sessions.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (s *SessionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return store.ErrSessionExists
	}
	c := session.Clone()
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.sessions[session.ID] = c
	return nil
}

// Get returns a copy of the session.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Transition moves the session through its state machine.
func (s *SessionStore) Transition(ctx context.Context, id string, next domain.SessionState) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}

	updated := session.Clone()
	if err := updated.TransitionTo(next, s.now()); err != nil {
		return nil, err
	}
	s.sessions[id] = updated
	return updated.Clone(), nil
}

// Attach links jobID to sessionID.
func (s *SessionStore) Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if session.State == domain.SessionStateClosed {
		return fmt.Errorf("%w: session %s is closed", domain.ErrSessionGone, sessionID)
	}
	if !session.IsAttached(jobID) {
		session.AttachedJobIDs = append(session.AttachedJobIDs, jobID)
	}
	return nil
}

// Detach unlinks jobID from sessionID.
func (s *SessionStore) Detach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	kept := session.AttachedJobIDs[:0]
	for _, id := range session.AttachedJobIDs {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	session.AttachedJobIDs = kept
	return nil
}

// SessionsForJob returns the sessions jobID is attached to.
func (s *SessionStore) SessionsForJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Session
	for _, session := range s.sessions {
		if session.IsAttached(jobID) {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

// ListByState returns sessions in state not updated within olderThan.
func (s *SessionStore) ListByState(
	ctx context.Context,
	state domain.SessionState,
	olderThan time.Duration,
) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var out []*domain.Session
	for _, session := range s.sessions {
		if session.State == state && session.UpdatedAt.Before(cutoff) {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}
