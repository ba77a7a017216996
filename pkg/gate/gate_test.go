package gate

import (
	"context"
	"testing"

	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/storage"
)

type recordingPolicy struct {
	*MemoryPolicy
	calls []string
}

func newRecordingPolicy() *recordingPolicy {
	return &recordingPolicy{MemoryPolicy: NewMemoryPolicy()}
}

func (p *recordingPolicy) Approve(ctx context.Context, messageID, executionID string, approvedFiles []string) error {
	p.calls = append(p.calls, "approve")
	return p.MemoryPolicy.Approve(ctx, messageID, executionID, approvedFiles)
}

func (p *recordingPolicy) Reject(ctx context.Context, messageID, executionID string) error {
	p.calls = append(p.calls, "reject")
	return p.MemoryPolicy.Reject(ctx, messageID, executionID)
}

func (p *recordingPolicy) Pause(ctx context.Context, executionID string) error {
	p.calls = append(p.calls, "pause")
	return p.MemoryPolicy.Pause(ctx, executionID)
}

type fakeMembership struct {
	members map[string]bool
}

func (f *fakeMembership) IsTeamMember(ctx context.Context, appID, memberID string) (bool, error) {
	return f.members[appID+"/"+memberID], nil
}

func (f *fakeMembership) AppForMessage(ctx context.Context, messageID string) (string, error) {
	if messageID == "msg-1" {
		return "app-1", nil
	}
	return "", storage.ErrNotFound
}

func (f *fakeMembership) AppForExecution(ctx context.Context, executionID string) (string, error) {
	if executionID == "exec-1" {
		return "app-1", nil
	}
	return "", storage.ErrNotFound
}

func newTestGate(policy Policy) *Gate {
	members := &fakeMembership{members: map[string]bool{"app-1/alice": true}}
	return New(members, policy, logging.NewNopLogger())
}

func TestAuthorizedCallsReachPolicy(t *testing.T) {
	policy := newRecordingPolicy()
	g := newTestGate(policy)
	ctx := context.Background()

	if err := g.Approve(ctx, "msg-1", "exec-1", []string{"a.go"}, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := g.Reject(ctx, "msg-1", "exec-1", "alice"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := g.Pause(ctx, "exec-1", "alice"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	want := []string{"approve", "reject", "pause"}
	if len(policy.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, policy.calls)
	}
	for i, call := range want {
		if policy.calls[i] != call {
			t.Errorf("call %d: want %s, got %s", i, call, policy.calls[i])
		}
	}
}

func TestUnauthorizedCallsDroppedSilently(t *testing.T) {
	policy := newRecordingPolicy()
	g := newTestGate(policy)
	ctx := context.Background()

	if err := g.Approve(ctx, "msg-1", "exec-1", nil, "mallory"); err != nil {
		t.Fatalf("unauthorized approve must not error: %v", err)
	}
	if err := g.Pause(ctx, "exec-1", "mallory"); err != nil {
		t.Fatalf("unauthorized pause must not error: %v", err)
	}

	if len(policy.calls) != 0 {
		t.Fatalf("policy must not see unauthorized calls, got %v", policy.calls)
	}
	if g.Paused(ctx, "exec-1") {
		t.Error("unauthorized pause must not change state")
	}
}

func TestUnknownExecutionSurfacesError(t *testing.T) {
	g := newTestGate(newRecordingPolicy())

	if err := g.Pause(context.Background(), "exec-unknown", "alice"); err == nil {
		t.Fatal("unknown execution should error")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	g := newTestGate(NewMemoryPolicy())
	ctx := context.Background()

	if g.Paused(ctx, "exec-1") {
		t.Fatal("fresh execution must not be paused")
	}
	if err := g.Pause(ctx, "exec-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if !g.Paused(ctx, "exec-1") {
		t.Fatal("pause by a team member must take effect")
	}
	if err := g.Resume(ctx, "exec-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if g.Paused(ctx, "exec-1") {
		t.Fatal("resume must lift the pause")
	}
}
