// Package mutation defines the file-mutation surface tool workers delegate
// to. The coordinator never touches file bytes itself; it hands the call to a
// Mutator and records the outcome. Post-mutation hooks form an explicit
// pipeline so side effects like cache invalidation stay out of the mutators.
package mutation

import "context"

// Op identifies the kind of mutation performed.
type Op string

const (
	OpWrite        Op = "write"
	OpReplaceRange Op = "replace_range"
	OpDelete       Op = "delete"
	OpRename       Op = "rename"
)

// Result is the outcome of one mutation.
type Result struct {
	Op      Op
	Success bool
	// Summary is a short human-readable description of what happened,
	// carried onto the completed tool state.
	Summary string
	// Error is set when Success is false.
	Error string
	Path  string
	// OldPath is set for renames.
	OldPath string
}

// Mutator applies file mutations. Implementations must be safe for
// concurrent use; distinct tool workers may mutate distinct paths at once.
type Mutator interface {
	Write(ctx context.Context, path, content string) Result
	ReplaceRange(ctx context.Context, path string, startLine, endLine int, replacement string) Result
	Delete(ctx context.Context, path string) Result
	Rename(ctx context.Context, oldPath, newPath string) Result
}

// Hook runs after a mutation completes. Hooks observe the result; they cannot
// veto or alter it.
type Hook func(ctx context.Context, res Result)

// Pipeline decorates a Mutator with an ordered list of post-mutation hooks.
// Hooks run synchronously after every call, successful or not, so a hook can
// key off Result.Success itself.
type Pipeline struct {
	next  Mutator
	hooks []Hook
}

// NewPipeline wraps a mutator with hooks.
func NewPipeline(next Mutator, hooks ...Hook) *Pipeline {
	return &Pipeline{next: next, hooks: hooks}
}

// AddHook appends a hook. Not safe to call concurrently with mutations.
func (p *Pipeline) AddHook(h Hook) {
	p.hooks = append(p.hooks, h)
}

func (p *Pipeline) run(ctx context.Context, res Result) Result {
	for _, h := range p.hooks {
		h(ctx, res)
	}
	return res
}

func (p *Pipeline) Write(ctx context.Context, path, content string) Result {
	return p.run(ctx, p.next.Write(ctx, path, content))
}

func (p *Pipeline) ReplaceRange(ctx context.Context, path string, startLine, endLine int, replacement string) Result {
	return p.run(ctx, p.next.ReplaceRange(ctx, path, startLine, endLine, replacement))
}

func (p *Pipeline) Delete(ctx context.Context, path string) Result {
	return p.run(ctx, p.next.Delete(ctx, path))
}

func (p *Pipeline) Rename(ctx context.Context, oldPath, newPath string) Result {
	return p.run(ctx, p.next.Rename(ctx, oldPath, newPath))
}
