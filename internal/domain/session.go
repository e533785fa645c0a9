package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a voice session.
type SessionState string

// Possible session states.
const (
	SessionStateConnecting SessionState = "connecting"
	SessionStateActive     SessionState = "active"
	SessionStateDraining   SessionState = "draining"
	SessionStateClosed     SessionState = "closed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionStateConnecting: {SessionStateActive, SessionStateClosed},
	SessionStateActive:     {SessionStateDraining, SessionStateClosed},
	SessionStateDraining:   {SessionStateActive, SessionStateClosed},
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case SessionStateConnecting, SessionStateActive, SessionStateDraining, SessionStateClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrEmptySessionID is returned when a session has no identifier.
var ErrEmptySessionID = errors.New("session ID cannot be empty")

// Session is a live, bidirectional client connection that wants to receive
// results of the jobs attached to it.
type Session struct {
	ID              string       `json:"id"`
	TransportHandle string       `json:"transport_handle,omitempty"`
	State           SessionState `json:"state"`
	AttachedJobIDs  []uuid.UUID  `json:"attached_job_ids,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty"`
}

// NewSession creates a session in the connecting state.
func NewSession(id, transportHandle string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptySessionID
	}
	now := time.Now().UTC()
	return &Session{
		ID:              id,
		TransportHandle: transportHandle,
		State:           SessionStateConnecting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// TransitionTo moves the session to next. Closing a session releases its
// attached jobs.
func (s *Session) TransitionTo(next SessionState, now time.Time) error {
	if !s.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: session %s cannot go from %s to %s",
			ErrInvalidTransition, s.ID, s.State, next)
	}
	s.State = next
	s.UpdatedAt = now.UTC()
	if next == SessionStateClosed {
		closedAt := now.UTC()
		s.ClosedAt = &closedAt
		s.AttachedJobIDs = nil
	}
	return nil
}

// IsAttached reports whether jobID is attached to the session.
func (s *Session) IsAttached(jobID uuid.UUID) bool {
	for _, id := range s.AttachedJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.AttachedJobIDs = append([]uuid.UUID(nil), s.AttachedJobIDs...)
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
