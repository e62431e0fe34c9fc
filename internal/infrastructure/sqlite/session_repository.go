package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/banshee/internal/session"
)

// ErrSessionNotFound is returned by Find for an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository implements session.Store.
type SessionRepository struct {
	db *sql.DB
}

var _ session.Store = (*SessionRepository)(nil)

func newSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Upsert inserts rec or updates its directory, agent and updated_at. The
// original created_at is kept.
func (r *SessionRepository) Upsert(ctx context.Context, rec session.Record) error {
	m := toSessionModel(rec)
	if rec.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, dir, agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dir = excluded.dir,
			agent = excluded.agent,
			updated_at = excluded.updated_at`,
		m.ID, m.Dir, m.Agent, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

// Find returns one session.
func (r *SessionRepository) Find(ctx context.Context, id string) (session.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, dir, agent, created_at, updated_at FROM sessions WHERE id = ?`, id)
	m, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("find session %s: %w", id, err)
	}
	return m.toRecord(), nil
}

// All returns every session, most recently updated first.
func (r *SessionRepository) All(ctx context.Context) ([]session.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, dir, agent, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Record
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, m.toRecord())
	}
	return out, rows.Err()
}

// Delete removes a session. Unknown ids are ignored.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func scanSession(scanner interface{ Scan(...any) error }) (sessionModel, error) {
	var m sessionModel
	err := scanner.Scan(&m.ID, &m.Dir, &m.Agent, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}
