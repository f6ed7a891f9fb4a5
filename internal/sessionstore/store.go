// Package sessionstore persists the backend session on disk so a restarted
// client resumes where the browser frontend would resume from local storage.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/groupbookhq/groupbook/pkg/backendsdk"
)

const schema = `
CREATE TABLE IF NOT EXISTS session (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type    TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	expires_at    INTEGER NOT NULL
);`

// Store is a sqlite-backed backendsdk.SessionStore. A single row holds the
// current session; Save overwrites it, Clear deletes it.
type Store struct {
	db *sql.DB
}

var _ backendsdk.SessionStore = (*Store)(nil)

// Open creates (if needed) and opens the session database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the persisted session, or nil when none is stored.
func (s *Store) Load(ctx context.Context) (*backendsdk.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_type, user_id, expires_at
		FROM session WHERE id = 1`)

	var sess backendsdk.Session
	var expiresAt int64
	err := row.Scan(&sess.AccessToken, &sess.RefreshToken, &sess.TokenType, &sess.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return &sess, nil
}

// Save stores the session, replacing any previous one.
func (s *Store) Save(ctx context.Context, sess *backendsdk.Session) error {
	if sess == nil {
		return s.Clear(ctx)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session (id, access_token, refresh_token, token_type, user_id, expires_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type    = excluded.token_type,
			user_id       = excluded.user_id,
			expires_at    = excluded.expires_at`,
		sess.AccessToken, sess.RefreshToken, sess.TokenType, sess.UserID, sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear removes the persisted session. Clearing an empty store is fine.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
