package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftworks/toolflow/pkg/flow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestFlowCASRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateMessage(ctx, "msg-1", "app-1"); err != nil {
		t.Fatalf("create message: %v", err)
	}

	doc, err := store.GetFlow(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if doc.Version != 0 || len(doc.Log.Entries) != 0 {
		t.Fatalf("fresh document should be empty at version 0, got v%d %+v", doc.Version, doc.Log.Entries)
	}

	doc.Log.AppendText("starting")
	doc.Log.AppendTools(&flow.ToolsEntry{
		ExecutionID: "exec-1",
		Status:      flow.BatchExecuting,
		StartedAt:   time.Now(),
		Tools:       []flow.ToolState{{Index: 0, Name: "write_file", Status: flow.ToolPending}},
	})

	v, err := store.CompareAndSwapFlow(ctx, "msg-1", doc.Version, doc.Log)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	reread, err := store.GetFlow(ctx, "msg-1")
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if reread.Log.LatestBatch("exec-1") == nil {
		t.Fatal("batch entry lost after commit")
	}
}

func TestFlowCASConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateMessage(ctx, "msg-1", "app-1"); err != nil {
		t.Fatalf("create message: %v", err)
	}

	doc, err := store.GetFlow(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}

	first := doc.Log.Clone()
	first.AppendText("writer A")
	if _, err := store.CompareAndSwapFlow(ctx, "msg-1", doc.Version, first); err != nil {
		t.Fatalf("first cas: %v", err)
	}

	// Second writer still holds the stale version token.
	second := doc.Log.Clone()
	second.AppendText("writer B")
	_, err = store.CompareAndSwapFlow(ctx, "msg-1", doc.Version, second)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// After a fresh read the retry succeeds and no committed write is lost.
	fresh, err := store.GetFlow(ctx, "msg-1")
	if err != nil {
		t.Fatalf("fresh read: %v", err)
	}
	fresh.Log.AppendText("writer B")
	if _, err := store.CompareAndSwapFlow(ctx, "msg-1", fresh.Version, fresh.Log); err != nil {
		t.Fatalf("retry cas: %v", err)
	}

	final, err := store.GetFlow(ctx, "msg-1")
	if err != nil {
		t.Fatalf("final read: %v", err)
	}
	if len(final.Log.Entries) != 2 {
		t.Fatalf("expected both writers' entries, got %d", len(final.Log.Entries))
	}
}

func TestFlowCASUnknownMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CompareAndSwapFlow(ctx, "missing", 0, &flow.Log{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFlowUpdateEventFansOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []Event
		seen   = make(chan struct{}, 4)
	)
	store.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		seen <- struct{}{}
	}))

	if err := store.CreateMessage(ctx, "msg-1", "app-1"); err != nil {
		t.Fatalf("create message: %v", err)
	}
	doc, _ := store.GetFlow(ctx, "msg-1")
	doc.Log.AppendText("hi")
	if _, err := store.CompareAndSwapFlow(ctx, "msg-1", doc.Version, doc.Log); err != nil {
		t.Fatalf("cas: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for received := 0; received < 2; received++ {
		select {
		case <-seen:
		case <-deadline:
			t.Fatal("timed out waiting for storage events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	var haveCreate, haveUpdate bool
	for _, e := range events {
		switch e.Type {
		case EventMessageCreated:
			haveCreate = true
		case EventFlowUpdated:
			haveUpdate = true
		}
	}
	if !haveCreate || !haveUpdate {
		t.Fatalf("missing events, got %+v", events)
	}
}

func TestExecutionRecordsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []ExecutionRecord{
		{MessageID: "msg-1", ExecutionID: "exec-1", ToolName: "write_file", Status: "complete"},
		{MessageID: "msg-1", ExecutionID: "exec-1", ToolName: "search_code", Status: "error", Error: "pattern too broad"},
	} {
		if err := store.AppendExecutionRecord(ctx, rec); err != nil {
			t.Fatalf("append record: %v", err)
		}
	}

	records, err := store.GetExecutionRecords(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].Error != "pattern too broad" {
		t.Errorf("error column lost: %+v", records[1])
	}
}

func TestTeamMembership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddTeamMember(ctx, "app-1", "user-1", ""); err != nil {
		t.Fatalf("add member: %v", err)
	}

	ok, err := store.IsTeamMember(ctx, "app-1", "user-1")
	if err != nil || !ok {
		t.Fatalf("expected membership, got %v %v", ok, err)
	}
	ok, err = store.IsTeamMember(ctx, "app-1", "stranger")
	if err != nil || ok {
		t.Fatalf("expected no membership, got %v %v", ok, err)
	}

	if err := store.RemoveTeamMember(ctx, "app-1", "user-1"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	ok, _ = store.IsTeamMember(ctx, "app-1", "user-1")
	if ok {
		t.Fatal("membership should be revoked")
	}
}
