package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordExecution registers a dispatched batch so later control-plane calls
// can resolve the owning message and app from the execution ID alone.
func (s *Store) RecordExecution(ctx context.Context, executionID, messageID, appID string, iterationCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, message_id, app_id, iteration_count, dispatched_at)
		VALUES (?, ?, ?, ?, ?)
	`, executionID, messageID, appID, iterationCount, time.Now())
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// AppForExecution resolves the app owning a dispatched batch.
func (s *Store) AppForExecution(ctx context.Context, executionID string) (string, error) {
	var appID string
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id FROM executions WHERE execution_id = ?
	`, executionID).Scan(&appID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return "", fmt.Errorf("app for execution: %w", err)
	}
	return appID, nil
}

// MessageForExecution resolves the message owning a dispatched batch.
func (s *Store) MessageForExecution(ctx context.Context, executionID string) (string, error) {
	var messageID string
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id FROM executions WHERE execution_id = ?
	`, executionID).Scan(&messageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return "", fmt.Errorf("message for execution: %w", err)
	}
	return messageID, nil
}
