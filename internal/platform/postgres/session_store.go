package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/phrazzld/voxqueue/internal/store"
)

const sessionColumns = `id, transport_handle, state, created_at, updated_at, closed_at`

const (
	insertSessionSQL = `
		INSERT INTO sessions (id, transport_handle, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	selectSessionSQL = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	selectAttachedSQL = `SELECT job_id FROM session_jobs WHERE session_id = $1 ORDER BY attached_at`

	updateSessionStateSQL = `
		UPDATE sessions SET state = $3, updated_at = $4, closed_at = $5
		WHERE id = $1 AND state = $2`

	detachAllSQL = `DELETE FROM session_jobs WHERE session_id = $1`

	attachSQL = `
		INSERT INTO session_jobs (session_id, job_id, attached_at)
		SELECT $1::text, $2::uuid, $3::timestamptz
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $1::text AND state <> 'closed')
		ON CONFLICT (session_id, job_id) DO NOTHING`

	detachSQL = `DELETE FROM session_jobs WHERE session_id = $1 AND job_id = $2`

	sessionsForJobSQL = `
		SELECT s.id, s.transport_handle, s.state, s.created_at, s.updated_at, s.closed_at
		FROM sessions s
		JOIN session_jobs sj ON sj.session_id = s.id
		WHERE sj.job_id = $1`

	listSessionsByStateSQL = `SELECT ` + sessionColumns + ` FROM sessions
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at`

	deleteSessionSQL = `DELETE FROM sessions WHERE id = $1`
)

// SessionStore implements store.SessionStore on PostgreSQL.
type SessionStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Ensure SessionStore implements store.SessionStore.
var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a SessionStore on db.
func NewSessionStore(db *sql.DB, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		db:     db,
		logger: logger.With("component", "session_store"),
		now:    time.Now,
	}
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		session  domain.Session
		handle   sql.NullString
		closedAt sql.NullTime
	)

	if err := row.Scan(
		&session.ID,
		&handle,
		&session.State,
		&session.CreatedAt,
		&session.UpdatedAt,
		&closedAt,
	); err != nil {
		return nil, err
	}

	session.TransportHandle = handle.String
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return &session, nil
}

func (s *SessionStore) scanSessions(rows *sql.Rows) ([]*domain.Session, error) {
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, MapError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return sessions, nil
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx, insertSessionSQL,
		session.ID,
		nullString(session.TransportHandle),
		string(session.State),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return store.ErrSessionExists
	}
	if err != nil {
		return MapError(err)
	}
	return nil
}

// Get returns a session with its attached job IDs.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.get(ctx, s.db, id)
}

func (s *SessionStore) get(ctx context.Context, db store.DBTX, id string) (*domain.Session, error) {
	session, err := scanSession(db.QueryRowContext(ctx, selectSessionSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}

	rows, err := db.QueryContext(ctx, selectAttachedSQL, id)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var jobID uuid.UUID
		if err := rows.Scan(&jobID); err != nil {
			return nil, MapError(err)
		}
		session.AttachedJobIDs = append(session.AttachedJobIDs, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return session, nil
}

// Transition moves a session through its state machine. The update is
// conditional on the state that was read, and closing detaches every job
// in the same transaction.
func (s *SessionStore) Transition(
	ctx context.Context,
	id string,
	next domain.SessionState,
) (*domain.Session, error) {
	log := logger.FromContext(ctx)
	var result *domain.Session

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		session, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}

		previous := session.State
		if err := session.TransitionTo(next, s.now()); err != nil {
			return err
		}

		var closedAt sql.NullTime
		if session.ClosedAt != nil {
			closedAt = sql.NullTime{Time: *session.ClosedAt, Valid: true}
		}

		res, err := tx.ExecContext(ctx, updateSessionStateSQL,
			id,
			string(previous),
			string(session.State),
			session.UpdatedAt,
			closedAt,
		)
		if err != nil {
			return MapError(err)
		}
		conflict := fmt.Errorf("%w: session %s changed state concurrently", domain.ErrLeaseConflict, id)
		if err := CheckRowsAffected(res, conflict); err != nil {
			return err
		}

		if next == domain.SessionStateClosed {
			if _, err := tx.ExecContext(ctx, detachAllSQL, id); err != nil {
				return MapError(err)
			}
		}

		log.Debug("session transitioned",
			"session_id", id,
			"from", previous,
			"to", session.State)
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Attach links jobID to sessionID.
func (s *SessionStore) Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, attachSQL, sessionID, jobID, s.now().UTC())
	if err != nil {
		return MapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing inserted: the session is missing, closed, or already has the job.
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == domain.SessionStateClosed {
		return fmt.Errorf("%w: session %s is closed", domain.ErrSessionGone, sessionID)
	}
	return nil
}

// Detach unlinks jobID from sessionID.
func (s *SessionStore) Detach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, detachSQL, sessionID, jobID); err != nil {
		return MapError(err)
	}
	return nil
}

// SessionsForJob returns the sessions jobID is attached to.
func (s *SessionStore) SessionsForJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionsForJobSQL, jobID)
	if err != nil {
		return nil, MapError(err)
	}
	return s.scanSessions(rows)
}

// ListByState returns sessions in state whose last change is older than olderThan.
func (s *SessionStore) ListByState(
	ctx context.Context,
	state domain.SessionState,
	olderThan time.Duration,
) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, listSessionsByStateSQL, string(state), s.now().Add(-olderThan).UTC())
	if err != nil {
		return nil, MapError(err)
	}
	return s.scanSessions(rows)
}

// Delete removes a session; attachments go with it.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, deleteSessionSQL, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrSessionNotFound)
}
