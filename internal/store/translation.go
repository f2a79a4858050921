package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Translation is a recognized sign saved against a session.
type Translation struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Text       string    `db:"text" json:"text"`
	Confidence float64   `db:"confidence" json:"confidence"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// TranslationRepository provides access to translations.
type TranslationRepository struct {
	db *sqlx.DB
}

// Translations returns the translation repository for this store.
func (s *Store) Translations() *TranslationRepository {
	return &TranslationRepository{db: s.db}
}

// Create inserts a translation.
func (r *TranslationRepository) Create(ctx context.Context, sessionID, text string, confidence float64) (*Translation, error) {
	t := &Translation{
		SessionID:  sessionID,
		Text:       text,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}

	query := `INSERT INTO translations (session_id, text, confidence, created_at) VALUES (?, ?, ?, ?) RETURNING id`
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(query),
		t.SessionID, t.Text, t.Confidence, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListBySession returns the translations of a session, newest first.
// It returns ErrNotFound if the session does not exist.
func (r *TranslationRepository) ListBySession(ctx context.Context, sessionID string) ([]Translation, error) {
	var exists int
	if err := r.db.GetContext(ctx, &exists,
		r.db.Rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`), sessionID); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	translations := []Translation{}
	err := r.db.SelectContext(ctx, &translations, r.db.Rebind(
		`SELECT id, session_id, text, confidence, created_at
		 FROM translations WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`), sessionID)
	if err != nil {
		return nil, err
	}
	return translations, nil
}
