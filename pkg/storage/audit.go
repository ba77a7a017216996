package storage

import (
	"context"
	"fmt"
	"time"
)

// ExecutionRecord is one row of the append-only audit trail. Written only on
// terminal tool transitions; the state machine never reads it back.
type ExecutionRecord struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"messageId"`
	ExecutionID string    `json:"executionId"`
	ToolName    string    `json:"toolName"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// AppendExecutionRecord persists an audit record.
func (s *Store) AppendExecutionRecord(ctx context.Context, rec ExecutionRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (message_id, execution_id, tool_name, status, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.MessageID, rec.ExecutionID, rec.ToolName, rec.Status, nullIfEmpty(rec.Error), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}

	id, err := res.LastInsertId()
	if err == nil {
		rec.ID = id
	}
	s.notify(newEvent(EventExecutionRecorded, rec.MessageID, rec.ID, rec))
	return nil
}

// GetExecutionRecords returns the audit trail for one batch, oldest first.
func (s *Store) GetExecutionRecords(ctx context.Context, executionID string) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, execution_id, tool_name, status, COALESCE(error, ''), recorded_at
		FROM execution_records
		WHERE execution_id = ?
		ORDER BY id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution records: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.ExecutionID, &rec.ToolName, &rec.Status, &rec.Error, &rec.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
