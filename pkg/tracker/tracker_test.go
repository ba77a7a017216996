package tracker

import (
	"context"
	"sync"
	"testing"

	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/mutation"
)

type countingCache struct {
	mu          sync.Mutex
	invalidated map[string]int
	clears      int
}

func newCountingCache() *countingCache {
	return &countingCache{invalidated: make(map[string]int)}
}

func (c *countingCache) InvalidatePath(ctx context.Context, appID, path string) {
	c.mu.Lock()
	c.invalidated[path]++
	c.mu.Unlock()
}

func (c *countingCache) ClearApp(ctx context.Context, appID string) {
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
}

func (c *countingCache) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[path]
}

func newFixture(t *testing.T) (*mutation.Pipeline, *Tracker, *countingCache) {
	t.Helper()
	root := t.TempDir()
	cache := newCountingCache()
	tr := New(root, cache, 0, logging.NewNopLogger())
	tr.chance = func() float64 { return 1 } // deterministic; clearChance gates it
	pipe := mutation.NewPipeline(mutation.NewFS(root), tr.HookFor("app-1"))
	return pipe, tr, cache
}

func TestChangedWriteInvalidatesOnce(t *testing.T) {
	pipe, tr, cache := newFixture(t)
	ctx := context.Background()

	pipe.Write(ctx, "a.go", "package a")
	if got := cache.count("a.go"); got != 1 {
		t.Fatalf("first write should invalidate once, got %d", got)
	}
	if !tr.Tracked("app-1", "a.go") {
		t.Error("path should be tracked after write")
	}

	pipe.Write(ctx, "a.go", "package a // v2")
	if got := cache.count("a.go"); got != 2 {
		t.Fatalf("changed write should invalidate again, got %d", got)
	}
}

func TestNoOpWriteDoesNotInvalidate(t *testing.T) {
	pipe, _, cache := newFixture(t)
	ctx := context.Background()

	pipe.Write(ctx, "a.go", "package a")
	pipe.Write(ctx, "a.go", "package a")

	if got := cache.count("a.go"); got != 1 {
		t.Fatalf("byte-identical rewrite must be a no-op, got %d invalidations", got)
	}
}

func TestFailedMutationDoesNotInvalidate(t *testing.T) {
	pipe, _, cache := newFixture(t)

	pipe.Delete(context.Background(), "missing.go")
	if got := cache.count("missing.go"); got != 0 {
		t.Fatalf("failed mutation must not invalidate, got %d", got)
	}
}

func TestDeleteRemovesTracking(t *testing.T) {
	pipe, tr, _ := newFixture(t)
	ctx := context.Background()

	pipe.Write(ctx, "a.go", "package a")
	pipe.Delete(ctx, "a.go")

	if tr.Tracked("app-1", "a.go") {
		t.Error("delete must remove the tracked hash")
	}
}

func TestRenameInvalidatesBothPathsOnce(t *testing.T) {
	pipe, tr, cache := newFixture(t)
	ctx := context.Background()

	pipe.Write(ctx, "old.go", "package a")
	pipe.Rename(ctx, "old.go", "new.go")

	if got := cache.count("old.go"); got != 2 { // 1 from write, 1 from rename
		t.Errorf("old path should be invalidated once by the rename, got %d total", got)
	}
	if got := cache.count("new.go"); got != 1 {
		t.Errorf("new path should be invalidated exactly once, got %d", got)
	}
	if tr.Tracked("app-1", "old.go") {
		t.Error("tracking must not remain under the old path")
	}
	if !tr.Tracked("app-1", "new.go") {
		t.Error("tracking must move to the new path")
	}
}

func TestProbabilisticFullClear(t *testing.T) {
	root := t.TempDir()
	cache := newCountingCache()
	tr := New(root, cache, 0.5, logging.NewNopLogger())
	pipe := mutation.NewPipeline(mutation.NewFS(root), tr.HookFor("app-1"))
	ctx := context.Background()

	tr.chance = func() float64 { return 0.9 } // above threshold: no clear
	pipe.Write(ctx, "a.go", "v1")
	if cache.clears != 0 {
		t.Fatalf("expected no clear, got %d", cache.clears)
	}

	tr.chance = func() float64 { return 0.1 } // below threshold: clear
	pipe.Write(ctx, "a.go", "v2")
	if cache.clears != 1 {
		t.Fatalf("expected one full clear, got %d", cache.clears)
	}
}
