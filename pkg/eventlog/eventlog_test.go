package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndGetAllOrder(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := Event{
			TS:   base.Add(time.Duration(i) * time.Second),
			Op:   OpMessageCreated,
			Data: json.RawMessage(`{"id":"msg_` + string(rune('a'+i)) + `"}`),
		}
		if err := l.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := l.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Op != OpMessageCreated {
			t.Errorf("event %d: unexpected op %q", i, ev.Op)
		}
	}
}

func TestGetAllToleratesTrailingGarbage(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	ev := Event{TS: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), Op: OpMessageCreated, Data: json.RawMessage(`{"id":"msg_a"}`)}
	if err := l.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(dir, "2026", "01", "15", "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	if _, err := f.WriteString(`{"ts":"2026-01-15T00:00:01Z","op":"message.crea`); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	events, err := l.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the complete record to survive and the partial one to be dropped, got %d events", len(events))
	}
}

func TestGetAllOnMissingDir(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "does-not-exist"))
	events, err := l.GetAll()
	if err != nil {
		t.Fatalf("GetAll on missing dir should not error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestPartitionPathIsUTCDatePartitioned(t *testing.T) {
	l := New("/base")
	ts := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	got := l.partitionPath(ts)
	want := filepath.Join("/base", "2026", "03", "08", "events.jsonl")
	if got != want {
		t.Fatalf("partitionPath should normalize to UTC day: got %q want %q", got, want)
	}
}
