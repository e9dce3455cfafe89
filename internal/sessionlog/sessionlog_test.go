package sessionlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestOpenWritesSessionBeginAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))
	sl := r.Open(1, "t1")
	if sl == nil {
		t.Fatal("expected non-nil SessionLog")
	}
	if again := r.Open(1, "t1"); again != sl {
		t.Fatal("expected Open to be idempotent for an already-open session")
	}
	r.Close(1, "closed")

	events := readEvents(t, filepath.Join(dir, "sessions", "session-1.jsonl"))
	if len(events) != 2 {
		t.Fatalf("expected session_begin + session_end, got %d events", len(events))
	}
	if events[0].Kind != KindSessionBegin || events[0].Tag != "t1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != KindSessionEnd || events[1].Status != "closed" {
		t.Fatalf("unexpected last event: %+v", events[1])
	}
}

func TestCommandSentAndResponseEvents(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "sessions"))
	sl := r.Open(2, "t2")
	sl.CommandSent("5", "-thread-info")
	sl.Response("stdout", "result", "done")
	r.Close(2, "closed")

	events := readEvents(t, filepath.Join(dir, "sessions", "session-2.jsonl"))
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[1].Kind != KindCommandSent || events[1].Token != "5" || events[1].Command != "-thread-info" {
		t.Fatalf("unexpected command_sent event: %+v", events[1])
	}
	if events[2].Kind != KindResponse || events[2].Message != "done" {
		t.Fatalf("unexpected response event: %+v", events[2])
	}
}

func TestGetReturnsNilForUnknownSession(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if r.Get(99) != nil {
		t.Fatal("expected nil for unknown session id")
	}
}

func TestNilSafeMethods(t *testing.T) {
	var sl *SessionLog
	sl.CommandSent("1", "-exec-continue")
	sl.Response("stdout", "result", "done")

	var r *Registry
	r.Close(1, "closed")
	if r.Get(1) != nil {
		t.Fatal("expected nil Registry.Get to return nil")
	}
}
