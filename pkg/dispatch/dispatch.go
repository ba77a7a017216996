// Package dispatch turns a batch of tool calls into one committed pending
// entry on the conversation flow plus one concurrent worker per call. The
// dispatcher returns as soon as the fan-out starts; workers report progress
// through the status coordinator and never block each other.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/driftworks/toolflow/pkg/broadcast"
	"github.com/driftworks/toolflow/pkg/flow"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/mutation"
	"github.com/driftworks/toolflow/pkg/storage"
)

// ToolCall is one requested action: a tool name plus its decoded arguments.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// Handler executes one tool call against the mutation surface.
type Handler func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result

// Store is the slice of the storage layer the dispatcher needs.
// *storage.Store satisfies it.
type Store interface {
	GetFlow(ctx context.Context, messageID string) (*storage.FlowDocument, error)
	CompareAndSwapFlow(ctx context.Context, messageID string, expectedVersion int64, log *flow.Log) (int64, error)
	RecordExecution(ctx context.Context, executionID, messageID, appID string, iterationCount int) error
	AppForMessage(ctx context.Context, messageID string) (string, error)
}

// StatusUpdater is the coordinator surface workers report through.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, messageID, executionID, toolName string, status flow.ToolStatus, errMsg string) error
	AddProgress(ctx context.Context, messageID, executionID, toolName, message string) error
}

// MutatorFor builds the mutation surface for one app, typically a pipeline
// carrying the file-change tracker hook.
type MutatorFor func(appID string) mutation.Mutator

// Config tunes dispatch behavior.
type Config struct {
	// MaxParallelTools bounds concurrently executing workers across batches.
	MaxParallelTools int64
	// AppendRetries bounds CAS retries for the initial batch append.
	AppendRetries int
	// AppendBackoff is the base backoff between append retries.
	AppendBackoff time.Duration
}

// Dispatcher fans tool-call batches out to workers.
type Dispatcher struct {
	store       Store
	coordinator StatusUpdater
	broadcaster *broadcast.Broadcaster
	mutatorFor  MutatorFor
	logger      *logging.Logger
	cfg         Config

	sem      *semaphore.Weighted
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// New creates a dispatcher with the built-in file-mutation handlers
// registered.
func New(store Store, coordinator StatusUpdater, broadcaster *broadcast.Broadcaster, mutatorFor MutatorFor, logger *logging.Logger, cfg Config) *Dispatcher {
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 5
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 5
	}
	if cfg.AppendBackoff <= 0 {
		cfg.AppendBackoff = 25 * time.Millisecond
	}
	d := &Dispatcher{
		store:       store,
		coordinator: coordinator,
		broadcaster: broadcaster,
		mutatorFor:  mutatorFor,
		logger:      logger,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxParallelTools),
		handlers:    make(map[string]Handler),
	}
	registerBuiltins(d)
	return d
}

// Register adds a handler for a tool name. Call before dispatching.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch appends a pending batch for the calls and fans out one worker per
// call. It returns the new execution ID immediately after fan-out; it never
// waits for workers to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string, calls []ToolCall, iterationCount int) (string, error) {
	if len(calls) == 0 {
		return "", fmt.Errorf("dispatch: empty batch for message %s", messageID)
	}

	appID, err := d.store.AppForMessage(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("dispatch: resolve app: %w", err)
	}

	executionID := ulid.Make().String()
	entry := &flow.ToolsEntry{
		ExecutionID: executionID,
		Status:      flow.BatchExecuting,
		StartedAt:   time.Now(),
		Tools:       make([]flow.ToolState, len(calls)),
	}
	for i, call := range calls {
		entry.Tools[i] = flow.ToolState{
			Index:       i,
			Name:        call.Name,
			ArgsSummary: flow.SummarizeArgs(call.Arguments),
			Status:      flow.ToolPending,
		}
	}

	doc, err := d.appendBatch(ctx, messageID, entry)
	if err != nil {
		return "", err
	}

	if err := d.store.RecordExecution(ctx, executionID, messageID, appID, iterationCount); err != nil {
		return "", fmt.Errorf("dispatch: record execution: %w", err)
	}

	recordBatchDispatched(len(calls))
	d.logger.Info(logging.CategoryDispatch, "batch_dispatched", "", map[string]any{
		"message_id":   messageID,
		"execution_id": executionID,
		"tools":        len(calls),
		"iteration":    iterationCount,
	})

	d.broadcaster.Send(ctx, broadcast.Update{
		MessageID:   messageID,
		ExecutionID: executionID,
		ToolIndex:   -1,
		Status:      string(flow.BatchExecuting),
		Log:         doc.Log,
	})

	mutator := d.mutatorFor(appID)
	for _, call := range calls {
		d.wg.Add(1)
		go d.runWorker(messageID, executionID, call, mutator)
	}
	return executionID, nil
}

// appendBatch commits the pending entry under the same CAS discipline the
// coordinator uses; the planner may race a concurrent status update on a
// previous batch of the same message.
func (d *Dispatcher) appendBatch(ctx context.Context, messageID string, entry *flow.ToolsEntry) (*storage.FlowDocument, error) {
	for attempt := 0; ; attempt++ {
		doc, err := d.store.GetFlow(ctx, messageID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: read flow: %w", err)
		}
		doc.Log.AppendTools(entry)

		if _, err := d.store.CompareAndSwapFlow(ctx, messageID, doc.Version, doc.Log); err == nil {
			return doc, nil
		} else if !isConflict(err) {
			return nil, fmt.Errorf("dispatch: append batch: %w", err)
		}

		if attempt >= d.cfg.AppendRetries {
			return nil, fmt.Errorf("dispatch: append batch for %s: %w", messageID, storage.ErrVersionConflict)
		}
		select {
		case <-time.After(d.cfg.AppendBackoff << uint(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrVersionConflict)
}

// Drain blocks until all in-flight workers finish. Test and shutdown helper.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}
