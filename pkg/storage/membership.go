package storage

import (
	"context"
	"fmt"
)

// AddTeamMember grants a caller membership of the team owning an app.
func (s *Store) AddTeamMember(ctx context.Context, appID, memberID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (app_id, member_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(app_id, member_id) DO UPDATE SET role = excluded.role
	`, appID, memberID, role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	s.notify(newEvent(EventMemberAdded, "", memberID, map[string]any{"appId": appID, "role": role}))
	return nil
}

// RemoveTeamMember revokes membership.
func (s *Store) RemoveTeamMember(ctx context.Context, appID, memberID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM team_members WHERE app_id = ? AND member_id = ?
	`, appID, memberID)
	if err != nil {
		return fmt.Errorf("remove team member: %w", err)
	}
	s.notify(newEvent(EventMemberRemoved, "", memberID, map[string]any{"appId": appID}))
	return nil
}

// IsTeamMember reports whether the caller belongs to the team owning the app.
func (s *Store) IsTeamMember(ctx context.Context, appID, memberID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM team_members WHERE app_id = ? AND member_id = ?
	`, appID, memberID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return count > 0, nil
}

// AppForMessage resolves the app owning a message, for authorization checks.
func (s *Store) AppForMessage(ctx context.Context, messageID string) (string, error) {
	var appID string
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id FROM messages WHERE message_id = ?
	`, messageID).Scan(&appID)
	if err != nil {
		return "", fmt.Errorf("app for message %s: %w", messageID, ErrNotFound)
	}
	return appID, nil
}
