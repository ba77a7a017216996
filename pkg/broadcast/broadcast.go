// Package broadcast pushes execution status to connected viewers after every
// committed flow mutation. Delivery is best-effort by design: transport
// failures are logged and dropped, never retried, and a viewer that misses an
// event reconciles from the next full-state push.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftworks/toolflow/pkg/bus"
	"github.com/driftworks/toolflow/pkg/flow"
	"github.com/driftworks/toolflow/pkg/logging"
)

// ActionToolStatusUpdate is the action tag on every delta event.
const ActionToolStatusUpdate = "tool_status_update"

// Subjects used on the transport. Viewers that re-render everything follow
// the flow subject; incremental UIs follow the delta subject.
func FlowSubject(messageID string) string  { return "toolflow.flow." + messageID }
func DeltaSubject(messageID string) string { return "toolflow.delta." + messageID }

// DeltaEvent is the compact incremental update sent to viewers.
type DeltaEvent struct {
	Action           string    `json:"action"`
	MessageID        string    `json:"messageId"`
	ExecutionID      string    `json:"executionId"`
	ToolIndex        int       `json:"toolIndex"`
	Status           string    `json:"status"`
	ConversationFlow *flow.Log `json:"conversationFlow"`
	Timestamp        time.Time `json:"timestamp"`
}

// Update describes one committed mutation to fan out.
type Update struct {
	MessageID   string
	ExecutionID string
	// ToolIndex is the affected tool's stable index, or -1 for batch-level
	// events (batch start, batch completion).
	ToolIndex int
	Status    string
	Log       *flow.Log
	// ProgressOnly marks updates that may be throttled. Terminal transitions
	// and batch completion never set it.
	ProgressOnly bool
}

// Broadcaster fans committed mutations out to the transport.
type Broadcaster struct {
	transport bus.Transport
	logger    *logging.Logger

	throttle time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a broadcaster. progressThrottle bounds the rate of
// progress-only events per execution; zero disables throttling.
func New(transport bus.Transport, logger *logging.Logger, progressThrottle time.Duration) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		logger:    logger,
		throttle:  progressThrottle,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Send publishes the full-state push and the delta event for one committed
// mutation. Errors are swallowed and logged; Send never fails.
func (b *Broadcaster) Send(ctx context.Context, u Update) {
	if u.ProgressOnly && !b.allowProgress(u.MessageID, u.ExecutionID) {
		recordThrottled()
		return
	}

	event := DeltaEvent{
		Action:           ActionToolStatusUpdate,
		MessageID:        u.MessageID,
		ExecutionID:      u.ExecutionID,
		ToolIndex:        u.ToolIndex,
		Status:           u.Status,
		ConversationFlow: u.Log,
		Timestamp:        time.Now(),
	}

	b.publish(ctx, FlowSubject(u.MessageID), u.Log)
	b.publish(ctx, DeltaSubject(u.MessageID), event)
}

// allowProgress applies the per-execution minimum inter-broadcast interval.
func (b *Broadcaster) allowProgress(messageID, executionID string) bool {
	if b.throttle <= 0 {
		return true
	}
	key := messageID + "/" + executionID

	b.mu.Lock()
	limiter, ok := b.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(b.throttle), 1)
		b.limiters[key] = limiter
	}
	b.mu.Unlock()

	return limiter.Allow()
}

// ForgetExecution drops the throttle state for a finished batch.
func (b *Broadcaster) ForgetExecution(messageID, executionID string) {
	b.mu.Lock()
	delete(b.limiters, messageID+"/"+executionID)
	b.mu.Unlock()
}

func (b *Broadcaster) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		recordFailed()
		b.logger.Error(logging.CategoryBroadcast, "encode_failed", err.Error(), map[string]any{
			"subject": subject,
		})
		return
	}
	if err := b.transport.Publish(ctx, subject, data); err != nil {
		recordFailed()
		b.logger.Warn(logging.CategoryBroadcast, "publish_failed", err.Error(), map[string]any{
			"subject": subject,
		})
		return
	}
	recordPublished()
}
