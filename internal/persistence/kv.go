package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	kvKeyUpdateCursor      = "update_cursor"
	kvKeyPendingStartupAck = "pending_startup_ack"
)

// PendingStartupAck is the durable marker that a restart was requested and a
// "restart complete" message still owes the user. Singleton: at most one
// exists at a time.
type PendingStartupAck struct {
	ChatID       int64     `json:"chat_id"`
	ThreadID     *int      `json:"thread_id,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// KVSet stores a value in the kv_store, replacing any existing value.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set %q: %w", key, err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. Missing keys return "".
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return val, nil
}

// KVDelete removes a key. Missing keys are a no-op.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key)
		if err != nil {
			return fmt.Errorf("kv delete %q: %w", key, err)
		}
		return nil
	})
}

// GetCursor returns the persisted transport update cursor, 0 when unset.
func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	val, err := s.KVGet(ctx, kvKeyUpdateCursor)
	if err != nil || val == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", val, err)
	}
	return n, nil
}

// SetCursor checkpoints the transport update cursor.
func (s *Store) SetCursor(ctx context.Context, n int64) error {
	return s.KVSet(ctx, kvKeyUpdateCursor, strconv.FormatInt(n, 10))
}

// GetPendingStartupAck reads the singleton ack marker, (nil, nil) when absent.
func (s *Store) GetPendingStartupAck(ctx context.Context) (*PendingStartupAck, error) {
	val, err := s.KVGet(ctx, kvKeyPendingStartupAck)
	if err != nil || val == "" {
		return nil, err
	}
	var ack PendingStartupAck
	if err := json.Unmarshal([]byte(val), &ack); err != nil {
		return nil, fmt.Errorf("decode pending startup ack: %w", err)
	}
	return &ack, nil
}

// UpsertPendingStartupAck writes the singleton ack marker.
func (s *Store) UpsertPendingStartupAck(ctx context.Context, ack PendingStartupAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encode pending startup ack: %w", err)
	}
	return s.KVSet(ctx, kvKeyPendingStartupAck, string(data))
}

// ClearPendingStartupAck removes the ack marker after a successful send.
func (s *Store) ClearPendingStartupAck(ctx context.Context) error {
	return s.KVDelete(ctx, kvKeyPendingStartupAck)
}
