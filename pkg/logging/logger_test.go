package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "run-1")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	if err := logger.Info(CategoryCoordinator, "status_update", "committed", map[string]any{"tool": "write_file"}); err != nil {
		t.Fatalf("info: %v", err)
	}
	if err := logger.Error(CategoryBroadcast, "publish_failed", "transport down", nil); err != nil {
		t.Fatalf("error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	runPath := filepath.Join(dir, "runs", "run-1.jsonl")
	f, err := os.Open(runPath)
	if err != nil {
		t.Fatalf("open run log: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 events in run log, got %d", lines)
	}

	errData, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	if err != nil {
		t.Fatalf("read errors log: %v", err)
	}
	var errEvent Event
	if err := json.Unmarshal(errData[:len(errData)-1], &errEvent); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if errEvent.EventType != "publish_failed" {
		t.Errorf("wrong event mirrored to errors log: %+v", errEvent)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "run-2")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Debug(CategoryWorker, "noisy", "should be filtered", nil)

	info, err := os.Stat(filepath.Join(dir, "runs", "run-2.jsonl"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("debug event written despite info min level")
	}
}
