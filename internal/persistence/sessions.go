package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// last_used_at is stored as ISO-8601 UTC so admin tooling can read it
// without driver-specific time handling.
const timeLayout = time.RFC3339

// GetSession returns the persisted session for key, or (nil, nil) when no
// row exists.
func (s *Store) GetSession(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, provider_session_id, last_used_at, status
		FROM sessions WHERE session_key = ?;
	`, key)

	var sess Session
	var lastUsed string
	err := row.Scan(&sess.Key, &sess.ProviderSessionID, &lastUsed, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.LastUsedAt, err = time.Parse(timeLayout, lastUsed)
	if err != nil {
		return nil, fmt.Errorf("parse session last_used_at %q: %w", lastUsed, err)
	}
	return &sess, nil
}

// UpsertSession inserts or replaces the session row for sess.Key.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	if sess.Key == "" {
		return fmt.Errorf("empty session key")
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	if sess.LastUsedAt.IsZero() {
		sess.LastUsedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_key, provider_session_id, last_used_at, status)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				provider_session_id = excluded.provider_session_id,
				last_used_at = excluded.last_used_at,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, sess.Key, sess.ProviderSessionID, sess.LastUsedAt.UTC().Format(timeLayout), sess.Status)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// MarkSessionStale flips a session to stale. Stale sessions are never
// resumed; missing rows are a no-op.
func (s *Store) MarkSessionStale(ctx context.Context, key string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, last_used_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE session_key = ?;
		`, SessionStatusStale, ts.UTC().Format(timeLayout), key)
		if err != nil {
			return fmt.Errorf("mark session stale: %w", err)
		}
		return nil
	})
}

// ListSessions returns sessions ordered by most recent use. limit <= 0 or
// > 500 uses 100.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, provider_session_id, last_used_at, status
		FROM sessions
		ORDER BY last_used_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var lastUsed string
		if err := rows.Scan(&sess.Key, &sess.ProviderSessionID, &lastUsed, &sess.Status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.LastUsedAt, err = time.Parse(timeLayout, lastUsed); err != nil {
			return nil, fmt.Errorf("parse session last_used_at %q: %w", lastUsed, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}
