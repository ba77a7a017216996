package dispatch

import (
	"context"
	"fmt"

	"github.com/driftworks/toolflow/pkg/broadcast"
	"github.com/driftworks/toolflow/pkg/flow"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/mutation"
)

// runWorker executes one tool call. A worker failure never crosses the worker
// boundary: panics and mutation errors end as a terminal error status on this
// worker's own tool state, and siblings keep running.
func (d *Dispatcher) runWorker(messageID, executionID string, call ToolCall, mutator mutation.Mutator) {
	defer d.wg.Done()
	ctx := context.Background()
	recordWorkerStarted()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.logger.Error(logging.CategoryWorker, "semaphore_acquire_failed", err.Error(), nil)
		return
	}
	defer d.sem.Release(1)

	// Guaranteed finalizer: one last full-state push regardless of outcome,
	// so viewers converge even if an intermediate broadcast was lost.
	defer d.finalBroadcast(ctx, messageID, executionID)

	defer func() {
		if r := recover(); r != nil {
			recordWorkerPanic()
			msg := fmt.Sprintf("tool panicked: %v", r)
			d.logger.Error(logging.CategoryWorker, "worker_panic", msg, map[string]any{
				"execution_id": executionID,
				"tool":         call.Name,
			})
			_ = d.coordinator.UpdateStatus(ctx, messageID, executionID, call.Name, flow.ToolError, msg)
		}
	}()

	// Best-effort: a lost race here is tolerated, the terminal transition
	// below still binds correctly.
	_ = d.coordinator.UpdateStatus(ctx, messageID, executionID, call.Name, flow.ToolRunning, "")

	res := d.execute(ctx, mutator, call)
	if res.Success {
		if res.Summary != "" {
			_ = d.coordinator.AddProgress(ctx, messageID, executionID, call.Name, res.Summary)
		}
		_ = d.coordinator.UpdateStatus(ctx, messageID, executionID, call.Name, flow.ToolComplete, "")
	} else {
		_ = d.coordinator.UpdateStatus(ctx, messageID, executionID, call.Name, flow.ToolError, res.Error)
	}
}

func (d *Dispatcher) execute(ctx context.Context, mutator mutation.Mutator, call ToolCall) mutation.Result {
	handler, ok := d.handlers[call.Name]
	if !ok {
		return mutation.Result{
			Success: false,
			Error:   fmt.Sprintf("unknown tool %q", call.Name),
		}
	}
	return handler(ctx, mutator, call.Arguments)
}

func (d *Dispatcher) finalBroadcast(ctx context.Context, messageID, executionID string) {
	doc, err := d.store.GetFlow(ctx, messageID)
	if err != nil {
		d.logger.Warn(logging.CategoryWorker, "final_broadcast_read_failed", err.Error(), map[string]any{
			"execution_id": executionID,
		})
		return
	}
	status := ""
	if batch := doc.Log.LatestBatch(executionID); batch != nil {
		status = string(batch.Status)
	}
	d.broadcaster.Send(ctx, broadcast.Update{
		MessageID:   messageID,
		ExecutionID: executionID,
		ToolIndex:   -1,
		Status:      status,
		Log:         doc.Log,
	})
}

// Built-in handlers for the file-mutation tools. Additional tools (search,
// analysis) register through Register.
func registerBuiltins(d *Dispatcher) {
	d.Register("write_file", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		path, err := argString(args, "path")
		if err != nil {
			return argFailure(err)
		}
		content, err := argString(args, "content")
		if err != nil {
			return argFailure(err)
		}
		return m.Write(ctx, path, content)
	})
	d.Register("replace_range", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		path, err := argString(args, "path")
		if err != nil {
			return argFailure(err)
		}
		start, err := argInt(args, "start_line")
		if err != nil {
			return argFailure(err)
		}
		end, err := argInt(args, "end_line")
		if err != nil {
			return argFailure(err)
		}
		replacement, err := argString(args, "replacement")
		if err != nil {
			return argFailure(err)
		}
		return m.ReplaceRange(ctx, path, start, end, replacement)
	})
	d.Register("delete_file", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		path, err := argString(args, "path")
		if err != nil {
			return argFailure(err)
		}
		return m.Delete(ctx, path)
	})
	d.Register("rename_file", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		oldPath, err := argString(args, "old_path")
		if err != nil {
			return argFailure(err)
		}
		newPath, err := argString(args, "new_path")
		if err != nil {
			return argFailure(err)
		}
		return m.Rename(ctx, oldPath, newPath)
	})
}

func argFailure(err error) mutation.Result {
	return mutation.Result{Success: false, Error: err.Error()}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func argInt(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", key)
	}
}
