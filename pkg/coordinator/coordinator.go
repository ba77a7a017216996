// Package coordinator implements the concurrency-safe update protocol every
// tool worker uses to mutate the shared conversation flow document. All
// coordination happens through the persisted document using a
// read-modify-write-if-unchanged discipline; there is no shared in-memory
// state between workers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftworks/toolflow/pkg/broadcast"
	"github.com/driftworks/toolflow/pkg/flow"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/storage"
)

// FlowStore is the slice of the storage layer the coordinator needs.
// *storage.Store satisfies it.
type FlowStore interface {
	GetFlow(ctx context.Context, messageID string) (*storage.FlowDocument, error)
	CompareAndSwapFlow(ctx context.Context, messageID string, expectedVersion int64, log *flow.Log) (int64, error)
	AppendExecutionRecord(ctx context.Context, rec storage.ExecutionRecord) error
}

// Config tunes the CAS retry loop.
type Config struct {
	// MaxRetries bounds retries after the initial attempt. Exhaustion logs
	// and abandons the update; it never raises.
	MaxRetries int
	// Backoff is the base of the exponential backoff between retries.
	Backoff time.Duration
	// MaxErrorLength truncates error messages stored on a tool state.
	MaxErrorLength int
}

// Coordinator serializes updates to the flow document through optimistic
// concurrency. Safe for concurrent use.
type Coordinator struct {
	store       FlowStore
	broadcaster *broadcast.Broadcaster
	logger      *logging.Logger
	cfg         Config
}

// New creates a coordinator.
func New(store FlowStore, broadcaster *broadcast.Broadcaster, logger *logging.Logger, cfg Config) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 25 * time.Millisecond
	}
	if cfg.MaxErrorLength <= 0 {
		cfg.MaxErrorLength = 500
	}
	return &Coordinator{store: store, broadcaster: broadcaster, logger: logger, cfg: cfg}
}

// UpdateStatus transitions one tool state of the batch. The target is found
// by status-based matching so identically named calls bind in dispatch order:
// running binds to the first pending state with that name, a terminal status
// to the first running one. A missing candidate means the caller lost a race
// or the state is already final; the update is dropped and logged, never
// raised.
func (c *Coordinator) UpdateStatus(ctx context.Context, messageID, executionID, toolName string, status flow.ToolStatus, errMsg string) error {
	errMsg = flow.TruncateError(errMsg, c.cfg.MaxErrorLength)

	return c.apply(ctx, messageID, executionID, func(batch *flow.ToolsEntry) (*flow.ToolState, bool) {
		target := batch.FindTransitionTarget(toolName, status)
		if target == nil {
			return nil, false
		}
		if err := target.Transition(status, errMsg, time.Now()); err != nil {
			// Should be unreachable: FindTransitionTarget only yields legal
			// sources. Treat as a drop.
			c.logger.Warn(logging.CategoryCoordinator, "illegal_transition", err.Error(), map[string]any{
				"execution_id": executionID,
				"tool":         toolName,
			})
			return nil, false
		}
		return target, true
	}, updateOptions{toolName: toolName, status: status, errMsg: errMsg})
}

// AddProgress attaches a progress message to the running tool state with the
// given name. Progress updates may be throttled on the broadcast side.
func (c *Coordinator) AddProgress(ctx context.Context, messageID, executionID, toolName, message string) error {
	return c.apply(ctx, messageID, executionID, func(batch *flow.ToolsEntry) (*flow.ToolState, bool) {
		for i := range batch.Tools {
			if batch.Tools[i].Name == toolName && batch.Tools[i].Status == flow.ToolRunning {
				batch.Tools[i].ProgressMessage = message
				return &batch.Tools[i], true
			}
		}
		return nil, false
	}, updateOptions{toolName: toolName, status: flow.ToolRunning, progress: true})
}

type updateOptions struct {
	toolName string
	status   flow.ToolStatus
	errMsg   string
	progress bool
}

// apply runs the locate-mutate-commit sequence under the CAS retry loop.
// Every retry re-reads a fresh copy of the document; the mutation closure is
// re-run against that fresh copy so no stale state survives a conflict.
func (c *Coordinator) apply(ctx context.Context, messageID, executionID string, mutate func(*flow.ToolsEntry) (*flow.ToolState, bool), opts updateOptions) error {
	for attempt := 0; ; attempt++ {
		doc, err := c.store.GetFlow(ctx, messageID)
		if err != nil {
			return fmt.Errorf("coordinator: read flow: %w", err)
		}

		batch := doc.Log.LatestBatch(executionID)
		if batch == nil {
			recordDroppedLookup()
			c.logger.Warn(logging.CategoryCoordinator, "batch_not_found", "update dropped", map[string]any{
				"message_id":   messageID,
				"execution_id": executionID,
				"tool":         opts.toolName,
			})
			return nil
		}

		target, ok := mutate(batch)
		if !ok {
			recordDroppedLookup()
			c.logger.Info(logging.CategoryCoordinator, "no_matching_tool_state", "update dropped (lost race or already final)", map[string]any{
				"message_id":   messageID,
				"execution_id": executionID,
				"tool":         opts.toolName,
				"status":       string(opts.status),
			})
			return nil
		}

		batchCompleted := false
		if !opts.progress && batch.Status == flow.BatchExecuting && batch.AllTerminal() {
			now := time.Now()
			batch.Status = flow.BatchCompleted
			batch.CompletedAt = &now
			batchCompleted = true
		}

		_, err = c.store.CompareAndSwapFlow(ctx, messageID, doc.Version, doc.Log)
		if err == nil {
			recordCommitted()
			c.afterCommit(ctx, messageID, executionID, doc.Log, target, batchCompleted, opts)
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("coordinator: commit flow: %w", err)
		}

		recordConflict()
		if attempt >= c.cfg.MaxRetries {
			recordAbandoned()
			c.logger.Error(logging.CategoryCoordinator, "update_abandoned", "retry budget exhausted", map[string]any{
				"message_id":   messageID,
				"execution_id": executionID,
				"tool":         opts.toolName,
				"status":       string(opts.status),
				"attempts":     attempt + 1,
			})
			return nil
		}

		if err := sleepBackoff(ctx, c.cfg.Backoff, attempt); err != nil {
			return err
		}
	}
}

// afterCommit writes audit records for terminal transitions and fans the
// committed state out to viewers.
func (c *Coordinator) afterCommit(ctx context.Context, messageID, executionID string, log *flow.Log, target *flow.ToolState, batchCompleted bool, opts updateOptions) {
	if !opts.progress && opts.status.Terminal() {
		rec := storage.ExecutionRecord{
			MessageID:   messageID,
			ExecutionID: executionID,
			ToolName:    opts.toolName,
			Status:      string(opts.status),
			Error:       opts.errMsg,
		}
		if err := c.store.AppendExecutionRecord(ctx, rec); err != nil {
			// Audit is advisory; a failed append never blocks the update.
			c.logger.Warn(logging.CategoryCoordinator, "audit_append_failed", err.Error(), map[string]any{
				"execution_id": executionID,
			})
		}
	}

	c.broadcaster.Send(ctx, broadcast.Update{
		MessageID:    messageID,
		ExecutionID:  executionID,
		ToolIndex:    target.Index,
		Status:       string(target.Status),
		Log:          log,
		ProgressOnly: opts.progress,
	})

	if batchCompleted {
		c.broadcaster.Send(ctx, broadcast.Update{
			MessageID:   messageID,
			ExecutionID: executionID,
			ToolIndex:   -1,
			Status:      string(flow.BatchCompleted),
			Log:         log,
		})
		c.broadcaster.ForgetExecution(messageID, executionID)
	}
}

// sleepBackoff waits base * 2^attempt, honoring cancellation. The blocking is
// local to the retrying worker and never affects siblings.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << uint(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
