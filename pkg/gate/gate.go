// Package gate relays approve/reject/pause/resume requests from callers to
// the approval-policy collaborator. The gate owns no decision logic: it is a
// thin, auditable relay whose only job is the team-membership check in front
// of every entry point.
package gate

import (
	"context"
	"fmt"

	"github.com/driftworks/toolflow/pkg/logging"
)

// Membership is the slice of the storage layer the gate authorizes against.
// *storage.Store satisfies it.
type Membership interface {
	IsTeamMember(ctx context.Context, appID, memberID string) (bool, error)
	AppForMessage(ctx context.Context, messageID string) (string, error)
	AppForExecution(ctx context.Context, executionID string) (string, error)
}

// Policy is the external approval-policy collaborator. The gate returns its
// results unchanged.
type Policy interface {
	Approve(ctx context.Context, messageID, executionID string, approvedFiles []string) error
	Reject(ctx context.Context, messageID, executionID string) error
	Pause(ctx context.Context, executionID string) error
	Resume(ctx context.Context, executionID string) error
	// Paused is consulted by the planner before dispatching the next batch.
	// It never affects in-flight workers.
	Paused(ctx context.Context, executionID string) bool
}

// Gate authorizes and relays control-plane requests.
type Gate struct {
	members Membership
	policy  Policy
	logger  *logging.Logger
}

// New creates a gate in front of the policy collaborator.
func New(members Membership, policy Policy, logger *logging.Logger) *Gate {
	return &Gate{members: members, policy: policy, logger: logger}
}

// Approve relays an approval, optionally restricted to a file subset.
func (g *Gate) Approve(ctx context.Context, messageID, executionID string, approvedFiles []string, callerID string) error {
	appID, err := g.members.AppForMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("gate: resolve app: %w", err)
	}
	if !g.authorized(ctx, appID, callerID, "approve") {
		return nil
	}
	return g.policy.Approve(ctx, messageID, executionID, approvedFiles)
}

// Reject relays a rejection.
func (g *Gate) Reject(ctx context.Context, messageID, executionID, callerID string) error {
	appID, err := g.members.AppForMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("gate: resolve app: %w", err)
	}
	if !g.authorized(ctx, appID, callerID, "reject") {
		return nil
	}
	return g.policy.Reject(ctx, messageID, executionID)
}

// Pause blocks future dispatches for the execution's conversation. Workers
// already running always finish.
func (g *Gate) Pause(ctx context.Context, executionID, callerID string) error {
	appID, err := g.members.AppForExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("gate: resolve app: %w", err)
	}
	if !g.authorized(ctx, appID, callerID, "pause") {
		return nil
	}
	return g.policy.Pause(ctx, executionID)
}

// Resume lifts a pause.
func (g *Gate) Resume(ctx context.Context, executionID, callerID string) error {
	appID, err := g.members.AppForExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("gate: resolve app: %w", err)
	}
	if !g.authorized(ctx, appID, callerID, "resume") {
		return nil
	}
	return g.policy.Resume(ctx, executionID)
}

// Paused reports whether future dispatch is blocked for the execution.
func (g *Gate) Paused(ctx context.Context, executionID string) bool {
	return g.policy.Paused(ctx, executionID)
}

// authorized checks team membership. Unauthorized calls are dropped silently:
// no state change, no broadcast, nil back to the caller.
func (g *Gate) authorized(ctx context.Context, appID, callerID, action string) bool {
	ok, err := g.members.IsTeamMember(ctx, appID, callerID)
	if err != nil {
		g.logger.Warn(logging.CategoryGate, "membership_check_failed", err.Error(), map[string]any{
			"app_id": appID,
			"caller": callerID,
		})
		return false
	}
	if !ok {
		g.logger.Info(logging.CategoryGate, "unauthorized_call_dropped", "", map[string]any{
			"app_id": appID,
			"caller": callerID,
			"action": action,
		})
		return false
	}
	return true
}
