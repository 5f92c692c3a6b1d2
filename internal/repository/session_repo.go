package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/termlinkky/server/internal/model"
)

// SessionRepository persists the shared session's state and its lifecycle
// event log.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Upsert stores the current state of a session, replacing any previous
// state with the same name. The original creation time is kept.
func (r *SessionRepository) Upsert(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (name, status, pid, generation, restarts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			pid = excluded.pid,
			generation = excluded.generation,
			restarts = excluded.restarts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	_, err := r.db.ExecContext(ctx, query,
		session.Name,
		session.Status,
		session.PID,
		session.Generation,
		session.Restarts,
		nullString(session.LastError),
		createdAt.UTC(),
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Get retrieves the stored state of a session by name.
func (r *SessionRepository) Get(ctx context.Context, name string) (*model.Session, error) {
	query := `
		SELECT name, status, pid, generation, restarts, last_error, created_at, updated_at
		FROM sessions
		WHERE name = ?
	`

	session := &model.Session{}
	var pid sql.NullInt64
	var lastError sql.NullString

	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&session.Name,
		&session.Status,
		&pid,
		&session.Generation,
		&session.Restarts,
		&lastError,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}
	if lastError.Valid {
		session.LastError = lastError.String
	}
	return session, nil
}

// RecordEvent appends an entry to a session's lifecycle log and sets its ID.
func (r *SessionRepository) RecordEvent(ctx context.Context, event *model.SessionEvent) error {
	query := `
		INSERT INTO session_events (session_name, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, query,
		event.SessionName,
		event.Kind,
		nullString(event.Detail),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns the most recent events of a session, newest first.
// A non-positive limit returns every event.
func (r *SessionRepository) ListEvents(ctx context.Context, name string, limit int) ([]*model.SessionEvent, error) {
	query := `
		SELECT id, session_name, kind, detail, created_at
		FROM session_events
		WHERE session_name = ?
		ORDER BY id DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	var events []*model.SessionEvent
	for rows.Next() {
		event := &model.SessionEvent{}
		var detail sql.NullString

		if err := rows.Scan(&event.ID, &event.SessionName, &event.Kind, &detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		if detail.Valid {
			event.Detail = detail.String
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session events: %w", err)
	}
	return events, nil
}

// CountEvents returns how many events of the given kind a session has logged.
func (r *SessionRepository) CountEvents(ctx context.Context, name string, kind model.EventKind) (int, error) {
	query := `SELECT COUNT(*) FROM session_events WHERE session_name = ? AND kind = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, name, kind).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count session events: %w", err)
	}
	return count, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
