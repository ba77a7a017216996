package gate

import (
	"context"
	"sync"
)

// MemoryPolicy is a minimal in-process Policy: it records pause state per
// execution and accepts every approval decision. The production policy engine
// is an external collaborator; this one backs tests and single-node runs.
type MemoryPolicy struct {
	mu     sync.Mutex
	paused map[string]bool
}

// NewMemoryPolicy creates an empty policy.
func NewMemoryPolicy() *MemoryPolicy {
	return &MemoryPolicy{paused: make(map[string]bool)}
}

func (p *MemoryPolicy) Approve(ctx context.Context, messageID, executionID string, approvedFiles []string) error {
	return nil
}

func (p *MemoryPolicy) Reject(ctx context.Context, messageID, executionID string) error {
	return nil
}

func (p *MemoryPolicy) Pause(ctx context.Context, executionID string) error {
	p.mu.Lock()
	p.paused[executionID] = true
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicy) Resume(ctx context.Context, executionID string) error {
	p.mu.Lock()
	delete(p.paused, executionID)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPolicy) Paused(ctx context.Context, executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused[executionID]
}
