package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftworks/toolflow/pkg/flow"
)

// FlowDocument is one message's conversation flow plus its concurrency token.
type FlowDocument struct {
	MessageID string
	AppID     string
	Log       *flow.Log
	Version   int64
	UpdatedAt time.Time
}

// CreateMessage inserts an empty message row owning a fresh flow document.
func (s *Store) CreateMessage(ctx context.Context, messageID, appID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, app_id, conversation_flow, flow_version)
		VALUES (?, ?, '[]', 0)
	`, messageID, appID)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	s.notify(newEvent(EventMessageCreated, messageID, messageID, map[string]any{
		"appId": appID,
	}))
	return nil
}

// GetFlow returns the current flow document and its version token. Every
// writer must re-read through here after any conflict; cached copies are never
// valid across a failed CAS.
func (s *Store) GetFlow(ctx context.Context, messageID string) (*FlowDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, app_id, conversation_flow, flow_version, updated_at
		FROM messages
		WHERE message_id = ?
	`, messageID)

	var (
		doc     FlowDocument
		rawFlow string
	)
	if err := row.Scan(&doc.MessageID, &doc.AppID, &rawFlow, &doc.Version, &doc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return nil, fmt.Errorf("get flow: %w", err)
	}

	doc.Log = &flow.Log{}
	if err := json.Unmarshal([]byte(rawFlow), doc.Log); err != nil {
		return nil, fmt.Errorf("decode flow for %s: %w", messageID, err)
	}
	return &doc, nil
}

// CompareAndSwapFlow commits a new flow document iff the stored version still
// matches expectedVersion. On a lost race it returns ErrVersionConflict and
// the caller must re-read and retry its whole locate-and-mutate sequence.
func (s *Store) CompareAndSwapFlow(ctx context.Context, messageID string, expectedVersion int64, log *flow.Log) (int64, error) {
	data, err := json.Marshal(log)
	if err != nil {
		return 0, fmt.Errorf("encode flow: %w", err)
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET conversation_flow = ?, flow_version = flow_version + 1, updated_at = ?
		WHERE message_id = ? AND flow_version = ?
	`, string(data), now, messageID, expectedVersion)
	if err != nil {
		if isBusyError(err) {
			// Busy is transient, surface it as a conflict so callers reuse
			// their bounded retry path.
			return 0, fmt.Errorf("cas flow (busy): %w", ErrVersionConflict)
		}
		return 0, fmt.Errorf("cas flow: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cas flow rows: %w", err)
	}
	if affected == 0 {
		// Either the version moved or the message is gone; disambiguate so a
		// missing message does not retry forever.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM messages WHERE message_id = ?`, messageID).Scan(&exists); err == nil && exists == 0 {
			return 0, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return 0, ErrVersionConflict
	}

	newVersion := expectedVersion + 1
	s.notify(newEvent(EventFlowUpdated, messageID, messageID, map[string]any{
		"version": newVersion,
	}))
	return newVersion, nil
}
