// Package flow defines the conversation flow document: the ordered timeline of
// text and tool-execution segments embedded in a chat message. The document is
// the single shared resource all tool workers coordinate through, so every
// mutation goes through a deep copy and a compare-and-swap write in storage.
package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolStatus is the lifecycle status of a single tool call.
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// Terminal reports whether the status is final. Terminal states are never
// overwritten.
func (s ToolStatus) Terminal() bool {
	return s == ToolComplete || s == ToolError
}

// valid transitions: pending -> running -> {complete|error}
func (s ToolStatus) canTransitionTo(next ToolStatus) bool {
	switch s {
	case ToolPending:
		return next == ToolRunning || next.Terminal()
	case ToolRunning:
		return next.Terminal()
	default:
		return false
	}
}

// BatchStatus is the lifecycle status of a dispatch batch.
type BatchStatus string

const (
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
)

// Entry kinds as persisted in the conversationFlow array.
const (
	KindText  = "text"
	KindTools = "tools"
)

// ToolState tracks one tool call within a batch. Index is assigned once at
// dispatch and stable for the lifetime of the batch.
type ToolState struct {
	Index           int             `json:"index"`
	Name            string          `json:"name"`
	ArgsSummary     json.RawMessage `json:"argsSummary,omitempty"`
	Status          ToolStatus      `json:"status"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Error           string          `json:"error,omitempty"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
}

// TextEntry is a plain text segment of the timeline.
type TextEntry struct {
	Text string `json:"text"`
}

// ToolsEntry is one dispatch batch: a group of tool calls produced in a single
// reasoning turn, executing under one execution ID.
type ToolsEntry struct {
	ExecutionID string      `json:"executionId"`
	Status      BatchStatus `json:"status"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Tools       []ToolState `json:"tools"`
}

// AllTerminal reports whether every tool in the batch reached a final status.
func (e *ToolsEntry) AllTerminal() bool {
	for i := range e.Tools {
		if !e.Tools[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// Entry is one element of the conversation flow. Exactly one of Text and Tools
// is set for entries this package understands; Raw preserves entry kinds from
// newer writers so a round trip never loses them.
type Entry struct {
	Kind  string
	Text  *TextEntry
	Tools *ToolsEntry
	Raw   json.RawMessage
}

type entryEnvelope struct {
	Kind string `json:"kind"`
	*TextEntry
	*ToolsEntry
}

// MarshalJSON flattens the entry into a single tagged record.
func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindText:
		return json.Marshal(entryEnvelope{Kind: KindText, TextEntry: e.Text})
	case KindTools:
		return json.Marshal(entryEnvelope{Kind: KindTools, ToolsEntry: e.Tools})
	default:
		if len(e.Raw) > 0 {
			return e.Raw, nil
		}
		return nil, fmt.Errorf("flow: entry kind %q has no payload", e.Kind)
	}
}

// UnmarshalJSON decodes known kinds and keeps unknown kinds verbatim.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("flow: decode entry: %w", err)
	}
	e.Kind = probe.Kind

	switch probe.Kind {
	case KindText:
		e.Text = &TextEntry{}
		return json.Unmarshal(data, e.Text)
	case KindTools:
		e.Tools = &ToolsEntry{}
		return json.Unmarshal(data, e.Tools)
	default:
		e.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
}

// Log is the ordered conversation flow of one message. Append-only except for
// in-place mutation of the most recent ToolsEntry per execution ID.
type Log struct {
	Entries []Entry
}

// MarshalJSON serializes the log as a bare array, matching the persisted
// conversationFlow field.
func (l Log) MarshalJSON() ([]byte, error) {
	if l.Entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.Entries)
}

// UnmarshalJSON accepts the persisted array form.
func (l *Log) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &l.Entries)
}

// AppendText appends a plain text segment.
func (l *Log) AppendText(text string) {
	l.Entries = append(l.Entries, Entry{Kind: KindText, Text: &TextEntry{Text: text}})
}

// AppendTools appends a tool batch entry.
func (l *Log) AppendTools(entry *ToolsEntry) {
	l.Entries = append(l.Entries, Entry{Kind: KindTools, Tools: entry})
}

// LatestBatch returns the most recent ToolsEntry for the execution ID, or nil.
func (l *Log) LatestBatch(executionID string) *ToolsEntry {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		if l.Entries[i].Kind == KindTools && l.Entries[i].Tools != nil &&
			l.Entries[i].Tools.ExecutionID == executionID {
			return l.Entries[i].Tools
		}
	}
	return nil
}

// LatestExecutionID returns the execution ID of the most recent tool batch,
// or "" when the log has none.
func (l *Log) LatestExecutionID() string {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		if l.Entries[i].Kind == KindTools && l.Entries[i].Tools != nil {
			return l.Entries[i].Tools.ExecutionID
		}
	}
	return ""
}

// Clone deep-copies the log so a writer can mutate freely before the CAS write.
func (l *Log) Clone() *Log {
	if l == nil {
		return nil
	}
	out := &Log{Entries: make([]Entry, len(l.Entries))}
	for i, entry := range l.Entries {
		clone := Entry{Kind: entry.Kind}
		if entry.Text != nil {
			text := *entry.Text
			clone.Text = &text
		}
		if entry.Tools != nil {
			tools := *entry.Tools
			tools.Tools = append([]ToolState(nil), entry.Tools.Tools...)
			for j := range tools.Tools {
				tools.Tools[j].ArgsSummary = append(json.RawMessage(nil), entry.Tools.Tools[j].ArgsSummary...)
				if ts := entry.Tools.Tools[j].StartedAt; ts != nil {
					t := *ts
					tools.Tools[j].StartedAt = &t
				}
				if ts := entry.Tools.Tools[j].CompletedAt; ts != nil {
					t := *ts
					tools.Tools[j].CompletedAt = &t
				}
			}
			if entry.Tools.CompletedAt != nil {
				t := *entry.Tools.CompletedAt
				tools.CompletedAt = &t
			}
			clone.Tools = &tools
		}
		if entry.Raw != nil {
			clone.Raw = append(json.RawMessage(nil), entry.Raw...)
		}
		out.Entries[i] = clone
	}
	return out
}

// FindTransitionTarget applies the status-based disambiguation rule for
// identically named calls in one batch: a transition to running binds to the
// first ToolState with the name still pending; a terminal transition binds to
// the first one currently running. Returns nil when no candidate remains,
// which callers treat as a lost race, not an error.
func (e *ToolsEntry) FindTransitionTarget(name string, next ToolStatus) *ToolState {
	var want ToolStatus
	switch {
	case next == ToolRunning:
		want = ToolPending
	case next.Terminal():
		want = ToolRunning
	default:
		return nil
	}
	for i := range e.Tools {
		if e.Tools[i].Name == name && e.Tools[i].Status == want {
			return &e.Tools[i]
		}
	}
	return nil
}

// Transition moves the state to next, stamping timestamps. It refuses
// non-monotonic transitions.
func (s *ToolState) Transition(next ToolStatus, errMsg string, now time.Time) error {
	if !s.Status.canTransitionTo(next) {
		return fmt.Errorf("flow: illegal transition %s -> %s for tool %s[%d]", s.Status, next, s.Name, s.Index)
	}
	s.Status = next
	switch {
	case next == ToolRunning:
		s.StartedAt = &now
	case next.Terminal():
		s.CompletedAt = &now
		if next == ToolError {
			s.Error = errMsg
		}
	}
	return nil
}
