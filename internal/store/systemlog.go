package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// SystemLog is an operational event such as a camera switch or a failed write.
type SystemLog struct {
	ID        int64          `db:"id" json:"id"`
	SessionID sql.NullString `db:"session_id" json:"-"`
	EventType string         `db:"event_type" json:"event_type"`
	Message   string         `db:"message" json:"message"`
	Severity  string         `db:"severity" json:"severity"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// Severity levels accepted by the system_logs table.
var severities = map[string]bool{"debug": true, "info": true, "warning": true, "error": true}

// SystemLogRepository provides access to system logs.
type SystemLogRepository struct {
	db *sqlx.DB
}

// Logs returns the system log repository for this store.
func (s *Store) Logs() *SystemLogRepository {
	return &SystemLogRepository{db: s.db}
}

// Create inserts a log entry. Unknown severities are stored as "info".
func (r *SystemLogRepository) Create(ctx context.Context, l SystemLog) (*SystemLog, error) {
	if !severities[l.Severity] {
		l.Severity = "info"
	}
	l.CreatedAt = time.Now().UTC()

	query := `INSERT INTO system_logs (session_id, event_type, message, severity, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(query),
		l.SessionID, l.EventType, l.Message, l.Severity, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListBySession returns the logs attached to a session, newest first.
func (r *SystemLogRepository) ListBySession(ctx context.Context, sessionID string) ([]SystemLog, error) {
	logs := []SystemLog{}
	err := r.db.SelectContext(ctx, &logs, r.db.Rebind(
		`SELECT id, session_id, event_type, message, severity, created_at
		 FROM system_logs WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`), sessionID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// Recent returns the latest log entries across all sessions.
func (r *SystemLogRepository) Recent(ctx context.Context, limit int) ([]SystemLog, error) {
	if limit <= 0 {
		limit = 100
	}

	logs := []SystemLog{}
	err := r.db.SelectContext(ctx, &logs, r.db.Rebind(
		`SELECT id, session_id, event_type, message, severity, created_at
		 FROM system_logs ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return logs, nil
}
