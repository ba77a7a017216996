package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/toolflow/pkg/broadcast"
	"github.com/driftworks/toolflow/pkg/bus"
	"github.com/driftworks/toolflow/pkg/coordinator"
	"github.com/driftworks/toolflow/pkg/flow"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/mutation"
	"github.com/driftworks/toolflow/pkg/storage"
)

// memStore is a version-checked in-memory store satisfying both the dispatch
// and coordinator store surfaces.
type memStore struct {
	mu         sync.Mutex
	doc        *storage.FlowDocument
	executions map[string]string
	records    []storage.ExecutionRecord
}

func newMemStore() *memStore {
	return &memStore{
		doc: &storage.FlowDocument{
			MessageID: "msg-1",
			AppID:     "app-1",
			Log:       &flow.Log{},
			Version:   1,
		},
		executions: make(map[string]string),
	}
}

func (m *memStore) GetFlow(ctx context.Context, messageID string) (*storage.FlowDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID != m.doc.MessageID {
		return nil, storage.ErrNotFound
	}
	return &storage.FlowDocument{
		MessageID: m.doc.MessageID,
		AppID:     m.doc.AppID,
		Log:       m.doc.Log.Clone(),
		Version:   m.doc.Version,
	}, nil
}

func (m *memStore) CompareAndSwapFlow(ctx context.Context, messageID string, expectedVersion int64, log *flow.Log) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expectedVersion != m.doc.Version {
		return 0, storage.ErrVersionConflict
	}
	m.doc.Log = log.Clone()
	m.doc.Version++
	return m.doc.Version, nil
}

func (m *memStore) RecordExecution(ctx context.Context, executionID, messageID, appID string, iterationCount int) error {
	m.mu.Lock()
	m.executions[executionID] = appID
	m.mu.Unlock()
	return nil
}

func (m *memStore) AppForMessage(ctx context.Context, messageID string) (string, error) {
	if messageID != "msg-1" {
		return "", storage.ErrNotFound
	}
	return "app-1", nil
}

func (m *memStore) AppendExecutionRecord(ctx context.Context, rec storage.ExecutionRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *memStore) batch(t *testing.T, executionID string) *flow.ToolsEntry {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.doc.Log.LatestBatch(executionID)
	require.NotNil(t, batch)
	return batch
}

type nopTransport struct{}

func (nopTransport) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (nopTransport) Subscribe(ctx context.Context, subject string, handler bus.MessageHandler) (bus.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (nopTransport) Close() error { return nil }

func newTestDispatcher(t *testing.T, store *memStore) *Dispatcher {
	t.Helper()
	logger := logging.NewNopLogger()
	b := broadcast.New(nopTransport{}, logger, 0)
	coord := coordinator.New(store, b, logger, coordinator.Config{
		MaxRetries: 5,
		Backoff:    time.Millisecond,
	})
	root := t.TempDir()
	mutatorFor := func(appID string) mutation.Mutator { return mutation.NewFS(root) }
	return New(store, coord, b, mutatorFor, logger, Config{
		MaxParallelTools: 5,
		AppendRetries:    5,
		AppendBackoff:    time.Millisecond,
	})
}

func TestDispatchRunsBatchToCompletion(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(t, store)
	d.Register("search_code", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		return mutation.Result{Success: true, Summary: "3 matches"}
	})

	execID, err := d.Dispatch(context.Background(), "msg-1", []ToolCall{
		{Name: "write_file", Arguments: map[string]any{"path": "a.go", "content": "package a"}},
		{Name: "write_file", Arguments: map[string]any{"path": "b.go", "content": "package b"}},
		{Name: "search_code", Arguments: map[string]any{"query": "TODO"}},
	}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	d.Drain()

	batch := store.batch(t, execID)
	require.Len(t, batch.Tools, 3)
	for i, ts := range batch.Tools {
		assert.Equal(t, i, ts.Index)
		assert.Equal(t, flow.ToolComplete, ts.Status, "tool %d (%s)", i, ts.Name)
	}
	assert.Equal(t, flow.BatchCompleted, batch.Status)
	assert.NotNil(t, batch.CompletedAt)
	assert.Contains(t, store.executions, execID)
}

func TestDispatchReturnsBeforeWorkersFinish(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(t, store)

	release := make(chan struct{})
	d.Register("slow_tool", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		<-release
		return mutation.Result{Success: true}
	})

	start := time.Now()
	execID, err := d.Dispatch(context.Background(), "msg-1", []ToolCall{
		{Name: "slow_tool", Arguments: map[string]any{}},
	}, 1)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "dispatch must not wait for workers")

	batch := store.batch(t, execID)
	assert.Equal(t, flow.BatchExecuting, batch.Status)

	close(release)
	d.Drain()
	assert.Equal(t, flow.BatchCompleted, store.batch(t, execID).Status)
}

func TestWorkerFailureDoesNotAffectSiblings(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(t, store)
	d.Register("panics", func(ctx context.Context, m mutation.Mutator, args map[string]any) mutation.Result {
		panic("boom")
	})

	execID, err := d.Dispatch(context.Background(), "msg-1", []ToolCall{
		{Name: "panics", Arguments: map[string]any{}},
		{Name: "write_file", Arguments: map[string]any{"path": "ok.go", "content": "package ok"}},
	}, 1)
	require.NoError(t, err)
	d.Drain()

	batch := store.batch(t, execID)
	assert.Equal(t, flow.ToolError, batch.Tools[0].Status)
	assert.Contains(t, batch.Tools[0].Error, "panicked")
	assert.Equal(t, flow.ToolComplete, batch.Tools[1].Status)
	assert.Equal(t, flow.BatchCompleted, batch.Status)
}

func TestUnknownToolEndsInError(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(t, store)

	execID, err := d.Dispatch(context.Background(), "msg-1", []ToolCall{
		{Name: "no_such_tool", Arguments: map[string]any{}},
	}, 1)
	require.NoError(t, err)
	d.Drain()

	batch := store.batch(t, execID)
	assert.Equal(t, flow.ToolError, batch.Tools[0].Status)
	assert.Contains(t, batch.Tools[0].Error, "unknown tool")
}

func TestDispatchBoundsArgsSummary(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(t, store)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	execID, err := d.Dispatch(context.Background(), "msg-1", []ToolCall{
		{Name: "write_file", Arguments: map[string]any{"path": "big.txt", "content": string(big)}},
	}, 1)
	require.NoError(t, err)
	d.Drain()

	summary := string(store.batch(t, execID).Tools[0].ArgsSummary)
	assert.NotContains(t, summary, string(big), "raw payload must never be persisted")
	assert.Contains(t, summary, `"size":4096`)
}

func TestDispatchRejectsEmptyBatch(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(t, store)

	_, err := d.Dispatch(context.Background(), "msg-1", nil, 1)
	require.Error(t, err)
}
