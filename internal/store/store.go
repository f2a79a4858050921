// Package store persists sessions, translations and system logs in SQLite or
// Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Store is a database connection holding the signstream tables.
type Store struct {
	db     *sqlx.DB
	driver string
	log    logrus.FieldLogger
}

// New opens the database, applies pending migrations and returns the Store.
// For SQLite, dsn is a file path; foreign keys and a busy timeout are enabled
// on every connection and times are stored in SQLite's own format.
func New(driver, dsn string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		log:    log.WithField("component", "store"),
	}

	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.log.WithField("driver", driver).Info("store ready")
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StartSession creates a session and returns its id.
func (s *Store) StartSession(ctx context.Context) (string, error) {
	sess, err := s.Sessions().Create(ctx)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// EndSession ends the session with the given id.
func (s *Store) EndSession(ctx context.Context, id string) error {
	return s.Sessions().End(ctx, id)
}

// SaveTranslation records a recognized sign against a session.
func (s *Store) SaveTranslation(ctx context.Context, sessionID, text string, confidence float64) error {
	_, err := s.Translations().Create(ctx, sessionID, text, confidence)
	return err
}

// LogEvent writes a system log entry. An empty sessionID stores no session.
func (s *Store) LogEvent(ctx context.Context, sessionID, eventType, message, severity string) error {
	_, err := s.Logs().Create(ctx, SystemLog{
		SessionID: nullString(sessionID),
		EventType: eventType,
		Message:   message,
		Severity:  severity,
	})
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
