package persistence

import (
	"context"
	"fmt"
	"time"
)

// Turn event types appended by the executor.
const (
	TurnEventStarted   = "turn_started"
	TurnEventRetried   = "turn_retried"
	TurnEventDelivered = "turn_delivered"
	TurnEventFailed    = "turn_failed"
)

// AppendTurnEvent records one event in the append-only turn log. payload is
// opaque JSON; "" is stored as an empty object.
func (s *Store) AppendTurnEvent(ctx context.Context, turnID, sessionKey, eventType, payload string) error {
	if turnID == "" || eventType == "" {
		return fmt.Errorf("empty turn id or event type")
	}
	if payload == "" {
		payload = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO turn_events (turn_id, session_key, event_type, payload)
			VALUES (?, ?, ?, ?);
		`, turnID, sessionKey, eventType, payload)
		if err != nil {
			return fmt.Errorf("append turn event: %w", err)
		}
		return nil
	})
}

// ListTurnEvents returns events for a session key from fromEventID onward,
// oldest first.
func (s *Store) ListTurnEvents(ctx context.Context, sessionKey string, fromEventID int64, limit int) ([]TurnEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, turn_id, session_key, event_type, payload, created_at
		FROM turn_events
		WHERE session_key = ? AND event_id >= ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, sessionKey, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turn events: %w", err)
	}
	defer rows.Close()

	var out []TurnEvent
	for rows.Next() {
		var ev TurnEvent
		if err := rows.Scan(&ev.EventID, &ev.TurnID, &ev.SessionKey, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn event rows: %w", err)
	}
	return out, nil
}

// RetentionResult reports rows pruned by RunRetention.
type RetentionResult struct {
	TurnEventsDeleted int64
}

// RunRetention prunes turn events older than turnEventDays. 0 keeps forever.
func (s *Store) RunRetention(ctx context.Context, turnEventDays int) (RetentionResult, error) {
	var result RetentionResult
	if turnEventDays <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -turnEventDays)
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM turn_events WHERE created_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("prune turn events: %w", err)
		}
		result.TurnEventsDeleted, _ = res.RowsAffected()
		return nil
	})
	return result, err
}
