package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetTopicWorkspace returns the most recently touched workspace for a topic,
// "" when none is recorded.
func (s *Store) GetTopicWorkspace(ctx context.Context, topicKey string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_path FROM topic_workspaces
		WHERE topic_key = ?
		ORDER BY touched_at DESC
		LIMIT 1;
	`, topicKey).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query topic workspace: %w", err)
	}
	return path, nil
}

// SetTopicWorkspace records workspacePath as the active workspace for a
// topic. Previously used paths are kept as history rows.
func (s *Store) SetTopicWorkspace(ctx context.Context, topicKey, workspacePath string) error {
	if topicKey == "" || workspacePath == "" {
		return fmt.Errorf("empty topic key or workspace path")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO topic_workspaces (topic_key, workspace_path)
			VALUES (?, ?)
			ON CONFLICT(topic_key, workspace_path) DO UPDATE SET touched_at = CURRENT_TIMESTAMP;
		`, topicKey, workspacePath)
		if err != nil {
			return fmt.Errorf("set topic workspace: %w", err)
		}
		return nil
	})
}

// TouchTopicWorkspace bumps touched_at for an existing binding.
func (s *Store) TouchTopicWorkspace(ctx context.Context, topicKey, workspacePath string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE topic_workspaces SET touched_at = CURRENT_TIMESTAMP
			WHERE topic_key = ? AND workspace_path = ?;
		`, topicKey, workspacePath)
		if err != nil {
			return fmt.Errorf("touch topic workspace: %w", err)
		}
		return nil
	})
}

// ListTopicWorkspaces returns every workspace ever used by a topic, most
// recent first.
func (s *Store) ListTopicWorkspaces(ctx context.Context, topicKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_path FROM topic_workspaces
		WHERE topic_key = ?
		ORDER BY touched_at DESC;
	`, topicKey)
	if err != nil {
		return nil, fmt.Errorf("query topic workspaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan topic workspace: %w", err)
		}
		out = append(out, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("topic workspace rows: %w", err)
	}
	return out, nil
}
