// Package tracker detects real content changes behind file mutations and
// feeds cache invalidation. It hangs off the mutation pipeline as a
// post-mutation hook: a write that resubmits byte-identical content is a
// no-op and must not invalidate anything.
package tracker

import (
	"context"
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/mutation"
)

// ContextCache is the cached-context collaborator invalidated on real
// changes.
type ContextCache interface {
	InvalidatePath(ctx context.Context, appID, path string)
	ClearApp(ctx context.Context, appID string)
}

// Tracker keeps a content hash per (app, path) and compares it after every
// successful mutation. Safe for concurrent use.
type Tracker struct {
	root   string
	cache  ContextCache
	logger *logging.Logger

	// clearChance is the probability that a real change also triggers a full
	// per-app cache clear. A coarse safety net, not a correctness mechanism.
	clearChance float64
	chance      func() float64

	mu     sync.Mutex
	hashes map[string][sha256.Size]byte
}

// New creates a tracker hashing files under root.
func New(root string, cache ContextCache, clearChance float64, logger *logging.Logger) *Tracker {
	return &Tracker{
		root:        root,
		cache:       cache,
		logger:      logger,
		clearChance: clearChance,
		chance:      rand.Float64,
		hashes:      make(map[string][sha256.Size]byte),
	}
}

// HookFor returns the post-mutation hook for one app, suitable for a
// mutation.Pipeline.
func (t *Tracker) HookFor(appID string) mutation.Hook {
	return func(ctx context.Context, res mutation.Result) {
		if !res.Success {
			return
		}
		switch res.Op {
		case mutation.OpWrite, mutation.OpReplaceRange:
			t.trackChange(ctx, appID, res.Path)
		case mutation.OpDelete:
			t.forget(appID, res.Path)
		case mutation.OpRename:
			t.trackRename(ctx, appID, res.OldPath, res.Path)
		}
	}
}

func (t *Tracker) key(appID, path string) string {
	return appID + "\x00" + path
}

func (t *Tracker) hashFile(path string) ([sha256.Size]byte, bool) {
	data, err := os.ReadFile(filepath.Join(t.root, path))
	if err != nil {
		t.logger.Warn(logging.CategoryTracker, "hash_failed", err.Error(), map[string]any{
			"path": path,
		})
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(data), true
}

// trackChange compares the file's content hash against the tracked one.
// Unchanged content is a no-op; a real change invalidates exactly once.
func (t *Tracker) trackChange(ctx context.Context, appID, path string) {
	sum, ok := t.hashFile(path)
	if !ok {
		return
	}

	t.mu.Lock()
	prev, tracked := t.hashes[t.key(appID, path)]
	if tracked && prev == sum {
		t.mu.Unlock()
		return
	}
	t.hashes[t.key(appID, path)] = sum
	t.mu.Unlock()

	t.cache.InvalidatePath(ctx, appID, path)
	if t.clearChance > 0 && t.chance() < t.clearChance {
		t.logger.Info(logging.CategoryTracker, "full_cache_clear", "probabilistic per-app clear", map[string]any{
			"app_id": appID,
		})
		t.cache.ClearApp(ctx, appID)
	}
}

func (t *Tracker) forget(appID, path string) {
	t.mu.Lock()
	delete(t.hashes, t.key(appID, path))
	t.mu.Unlock()
}

// trackRename invalidates both paths once each and re-establishes tracking
// under the destination with the moved content's hash.
func (t *Tracker) trackRename(ctx context.Context, appID, oldPath, newPath string) {
	sum, ok := t.hashFile(newPath)

	t.mu.Lock()
	delete(t.hashes, t.key(appID, oldPath))
	if ok {
		t.hashes[t.key(appID, newPath)] = sum
	}
	t.mu.Unlock()

	t.cache.InvalidatePath(ctx, appID, oldPath)
	t.cache.InvalidatePath(ctx, appID, newPath)
}

// Tracked reports whether a path currently has a tracked hash.
func (t *Tracker) Tracked(appID, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.hashes[t.key(appID, path)]
	return ok
}
