package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/store"
)

// JobReader loads jobs for replay.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

// Coordinator maps sessions to jobs and publishes job outcomes.
type Coordinator struct {
	sessions  store.SessionStore
	jobs      JobReader
	publisher broker.Publisher
	grace     time.Duration
	logger    *slog.Logger
}

var _ events.EventHandler = (*Coordinator)(nil)

// NewCoordinator creates a coordinator. grace is how long a draining session
// waits for a reconnect, and how long a closed session is kept.
func NewCoordinator(
	sessions store.SessionStore,
	jobs JobReader,
	publisher broker.Publisher,
	grace time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		jobs:      jobs,
		publisher: publisher,
		grace:     grace,
		logger:    logger.With("component", "session_coordinator"),
	}
}

// Connect registers a connection for sessionID. A new session starts in
// connecting; an existing one is returned as is. Closed sessions cannot be
// reconnected.
func (c *Coordinator) Connect(ctx context.Context, sessionID, transportHandle string) (*domain.Session, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return c.create(ctx, sessionID, transportHandle)
	}
	if err != nil {
		return nil, err
	}
	if session.State == domain.SessionStateClosed {
		return nil, fmt.Errorf("%w: session %s is closed", domain.ErrSessionGone, sessionID)
	}
	return session, nil
}

func (c *Coordinator) create(ctx context.Context, sessionID, transportHandle string) (*domain.Session, error) {
	session, err := domain.NewSession(sessionID, transportHandle)
	if err != nil {
		return nil, domain.NewValidationError("session_id", err.Error(), err)
	}

	err = c.sessions.Create(ctx, session)
	if errors.Is(err, store.ErrSessionExists) {
		// Another connection created it first.
		return c.Connect(ctx, sessionID, transportHandle)
	}
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "session created", "session_id", sessionID)
	return session, nil
}

// Ready activates the session and replays the outcomes of attached jobs
// that finished while it was not listening. Calling Ready on an active
// session is a no-op.
func (c *Coordinator) Ready(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State == domain.SessionStateActive {
		return session, nil
	}

	session, err = c.sessions.Transition(ctx, sessionID, domain.SessionStateActive)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "session active",
		"session_id", sessionID,
		"attached_jobs", len(session.AttachedJobIDs))
	c.replay(ctx, session)
	return session, nil
}

// Disconnect marks the session draining. Attached jobs stay attached so a
// reconnect within the grace period gets their results. A session that
// never became active is closed instead.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID string) error {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.State {
	case domain.SessionStateActive:
		_, err = c.sessions.Transition(ctx, sessionID, domain.SessionStateDraining)
	case domain.SessionStateConnecting:
		_, err = c.sessions.Transition(ctx, sessionID, domain.SessionStateClosed)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "session disconnected", "session_id", sessionID, "previous_state", session.State)
	return nil
}

// Close ends the session and detaches its jobs. The jobs keep running.
func (c *Coordinator) Close(ctx context.Context, sessionID string) error {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == domain.SessionStateClosed {
		return nil
	}

	if _, err := c.sessions.Transition(ctx, sessionID, domain.SessionStateClosed); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "session closed", "session_id", sessionID)
	return nil
}

// Attach links jobID to the session. If the job already finished and the
// session is active, its outcome is published right away.
func (c *Coordinator) Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.sessions.Attach(ctx, sessionID, jobID); err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		session, err := c.sessions.Get(ctx, sessionID)
		if err == nil {
			if err := c.deliver(ctx, session, events.NewJobEvent(job)); err != nil {
				c.logger.WarnContext(ctx, "failed to publish finished job on attach",
					"session_id", sessionID, "job_id", jobID, "error", err)
			}
		}
	}
	return nil
}

// Detach unlinks jobID from the session. The job is not cancelled.
func (c *Coordinator) Detach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	return c.sessions.Detach(ctx, sessionID, jobID)
}

// HandleEvent implements events.EventHandler by notifying sessions.
func (c *Coordinator) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	return c.Notify(ctx, event)
}

// Notify publishes event to every active session interested in the job.
// Sessions that are gone are logged, not reported as errors.
func (c *Coordinator) Notify(ctx context.Context, event *events.JobEvent) error {
	targets, err := c.sessions.SessionsForJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("failed to load sessions for job: %w", err)
	}

	if event.SessionID != "" && !containsSession(targets, event.SessionID) {
		origin, err := c.sessions.Get(ctx, event.SessionID)
		switch {
		case err == nil:
			targets = append(targets, origin)
		case errors.Is(err, store.ErrSessionNotFound):
			c.logger.DebugContext(ctx, "submitting session not registered",
				"session_id", event.SessionID, "job_id", event.JobID)
		default:
			return fmt.Errorf("failed to load submitting session: %w", err)
		}
	}

	var errs []error
	for _, session := range targets {
		err := c.deliver(ctx, session, event)
		if errors.Is(err, domain.ErrSessionGone) {
			c.logger.DebugContext(ctx, "skipping closed session",
				"session_id", session.ID, "job_id", event.JobID, "error", err)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver publishes to an active session. Connecting and draining sessions
// are skipped; they pick results up on Ready.
func (c *Coordinator) deliver(ctx context.Context, session *domain.Session, event *events.JobEvent) error {
	switch session.State {
	case domain.SessionStateActive:
		if err := c.publisher.Publish(ctx, session.ID, event); err != nil {
			return fmt.Errorf("failed to publish to session %s: %w", session.ID, err)
		}
		c.logger.DebugContext(ctx, "published job event",
			"session_id", session.ID, "job_id", event.JobID, "event_type", event.Type)
		return nil
	case domain.SessionStateClosed:
		return fmt.Errorf("%w: session %s is closed", domain.ErrSessionGone, session.ID)
	default:
		c.logger.DebugContext(ctx, "session not active, result retained",
			"session_id", session.ID, "state", session.State, "job_id", event.JobID)
		return nil
	}
}

func (c *Coordinator) replay(ctx context.Context, session *domain.Session) {
	for _, jobID := range session.AttachedJobIDs {
		job, err := c.jobs.Get(ctx, jobID)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to load attached job for replay",
				"session_id", session.ID, "job_id", jobID, "error", err)
			continue
		}
		if !job.Status.IsTerminal() {
			continue
		}
		if err := c.deliver(ctx, session, events.NewJobEvent(job)); err != nil {
			c.logger.WarnContext(ctx, "failed to replay job event",
				"session_id", session.ID, "job_id", jobID, "error", err)
		}
	}
}

// Reap closes draining sessions that outlived the grace period and deletes
// closed sessions older than it. It returns how many sessions it touched.
func (c *Coordinator) Reap(ctx context.Context, now time.Time) (int, error) {
	var errs []error
	touched := 0

	draining, err := c.sessions.ListByState(ctx, domain.SessionStateDraining, c.grace)
	if err != nil {
		return 0, fmt.Errorf("failed to list draining sessions: %w", err)
	}
	for _, session := range draining {
		if now.Sub(session.UpdatedAt) < c.grace {
			continue
		}
		_, err := c.sessions.Transition(ctx, session.ID, domain.SessionStateClosed)
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.InfoContext(ctx, "closed idle session", "session_id", session.ID)
		touched++
	}

	closed, err := c.sessions.ListByState(ctx, domain.SessionStateClosed, c.grace)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list closed sessions: %w", err))
		return touched, errors.Join(errs...)
	}
	for _, session := range closed {
		if now.Sub(session.UpdatedAt) < c.grace {
			continue
		}
		if err := c.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			errs = append(errs, err)
			continue
		}
		touched++
	}

	return touched, errors.Join(errs...)
}

func containsSession(sessions []*domain.Session, id string) bool {
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}
