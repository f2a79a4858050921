package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

// Session is one recognition session.
type Session struct {
	ID        string     `db:"id" json:"id"`
	StartTime time.Time  `db:"start_time" json:"start_time"`
	EndTime   *time.Time `db:"end_time" json:"end_time,omitempty"`
}

// Active reports whether the session has not been ended.
func (s Session) Active() bool {
	return s.EndTime == nil
}

// SessionRepository provides access to sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create starts a new session with a fresh sortable id.
func (r *SessionRepository) Create(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:        ulid.Make().String(),
		StartTime: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO sessions (id, start_time) VALUES (?, ?)`),
		sess.ID, sess.StartTime,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := r.db.GetContext(ctx, &sess,
		r.db.Rebind(`SELECT id, start_time, end_time FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// End sets the end time of a session. Ending an ended session is a no-op.
func (r *SessionRepository) End(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET end_time = ? WHERE id = ? AND end_time IS NULL`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := r.Get(ctx, id)
		return err
	}
	return nil
}

// List returns the most recent sessions first.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	sessions := []Session{}
	err := r.db.SelectContext(ctx, &sessions,
		r.db.Rebind(`SELECT id, start_time, end_time FROM sessions ORDER BY start_time DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
