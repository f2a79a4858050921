package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, _ := test.NewNullLogger()
	s, err := New(DriverSQLite, filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "signstream.db")
	_, err := os.Stat(dbPath)
	require.True(t, os.IsNotExist(err), "database file should not exist before creating store")

	log, _ := test.NewNullLogger()
	s, err := New(DriverSQLite, dbPath, log)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist after creating store")
}

func TestNew_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"sessions", "translations", "system_logs"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q should exist after migrations", table)
	}

	version, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
}

func TestNew_ReopenIsNoChange(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "signstream.db")
	log, _ := test.NewNullLogger()

	s, err := New(DriverSQLite, dbPath, log)
	require.NoError(t, err)
	sessionID, err := s.StartSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(DriverSQLite, dbPath, log)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Sessions().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, sess.ID)
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New("mysql", "whatever", nil)
	assert.Error(t, err)
}

func TestStore_Close(t *testing.T) {
	log, _ := test.NewNullLogger()
	s, err := New(DriverSQLite, filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()), "database should be closed")
}

func TestSessions_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx)
	require.NoError(t, err)
	assert.Len(t, id, 26, "ulid")

	sess, err := s.Sessions().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Active())
	assert.WithinDuration(t, time.Now(), sess.StartTime, time.Minute)

	require.NoError(t, s.EndSession(ctx, id))
	sess, err = s.Sessions().Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sess.Active())
	require.NotNil(t, sess.EndTime)
	assert.False(t, sess.EndTime.Before(sess.StartTime))

	// Ending twice keeps the first end time.
	first := *sess.EndTime
	require.NoError(t, s.EndSession(ctx, id))
	sess, err = s.Sessions().Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, first.Equal(*sess.EndTime))
}

func TestSessions_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Sessions().Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.EndSession(ctx, "missing"), ErrNotFound)
}

func TestSessions_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.StartSession(ctx)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := s.Sessions().List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[2], sessions[0].ID)
	assert.Equal(t, ids[1], sessions[1].ID)
}

func TestTranslations_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx)
	require.NoError(t, err)

	for _, text := range []string{"HOLA", "GRACIAS", "AYUDA"} {
		require.NoError(t, s.SaveTranslation(ctx, id, text, 0.9))
	}

	list, err := s.Translations().ListBySession(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 3)

	var texts []string
	for _, tr := range list {
		texts = append(texts, tr.Text)
		assert.Equal(t, id, tr.SessionID)
		assert.InDelta(t, 0.9, tr.Confidence, 1e-9)
	}
	assert.Equal(t, []string{"AYUDA", "GRACIAS", "HOLA"}, texts)
}

func TestTranslations_EmptyAndMissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx)
	require.NoError(t, err)

	list, err := s.Translations().ListBySession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)

	_, err = s.Translations().ListBySession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTranslations_RequireSession(t *testing.T) {
	s := newTestStore(t)

	err := s.SaveTranslation(context.Background(), "missing", "HOLA", 0.9)
	assert.Error(t, err, "foreign key should reject unknown sessions")
}

func TestLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx)
	require.NoError(t, err)

	require.NoError(t, s.LogEvent(ctx, id, "SESSION_STARTED", "session started", "info"))
	require.NoError(t, s.LogEvent(ctx, "", "CAMERA_RECONNECTING", "lost local:0", "warning"))
	require.NoError(t, s.LogEvent(ctx, id, "ODD", "odd severity", "loud"))

	logs, err := s.Logs().ListBySession(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "ODD", logs[0].EventType)
	assert.Equal(t, "info", logs[0].Severity)
	assert.Equal(t, "SESSION_STARTED", logs[1].EventType)

	recent, err := s.Logs().Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.False(t, recent[1].SessionID.Valid)
	assert.Equal(t, "CAMERA_RECONNECTING", recent[1].EventType)
}

func TestSqliteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.db", "a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"},
		{"a.db?mode=rwc", "a.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"},
		{"a.db?_pragma=journal_mode(WAL)", "a.db?_pragma=journal_mode(WAL)"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sqliteDSN(tt.in))
		})
	}
}
