package signal

import (
	"context"
	"testing"

	"github.com/sipeed-labs/messagearc/pkg/config"
	"github.com/sipeed-labs/messagearc/pkg/store"
	msync "github.com/sipeed-labs/messagearc/pkg/sync"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc, err := New(config.SignalConfig{PhoneNumber: "+15550001111"}, st)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.runCtx = context.Background()
	return svc
}

func TestHandleLineIncomingDataMessage(t *testing.T) {
	svc := newTestService(t)
	line := []byte(`{"envelope":{"source":"+15559998888","sourceNumber":"+15559998888","sourceName":"Alice","timestamp":1000,"dataMessage":{"timestamp":1000,"message":"hello there"}}}`)

	svc.handleLine(line)

	stats := svc.GetStats()
	if stats.MessagesProcessed != 1 {
		t.Fatalf("expected 1 message processed, got %d", stats.MessagesProcessed)
	}
}

func TestHandleLineSyncMessageIsOutgoing(t *testing.T) {
	svc := newTestService(t)
	line := []byte(`{"envelope":{"syncMessage":{"sentMessage":{"timestamp":2000,"message":"sent from another device","destination":"+15559998888"}}}}`)

	svc.handleLine(line)

	stats := svc.GetStats()
	if stats.MessagesProcessed != 1 {
		t.Fatalf("expected 1 message processed, got %d", stats.MessagesProcessed)
	}
}

func TestHandleLineDedupesByTimestampAndPeer(t *testing.T) {
	svc := newTestService(t)
	line := []byte(`{"envelope":{"source":"+15559998888","sourceNumber":"+15559998888","sourceName":"Alice","timestamp":1000,"dataMessage":{"timestamp":1000,"message":"hello"}}}`)

	svc.handleLine(line)
	svc.handleLine(line)

	if got := svc.GetStats().MessagesProcessed; got != 1 {
		t.Fatalf("expected dedup to suppress the second message, got %d processed", got)
	}
}

func TestHandleLineEmptyMessageDropped(t *testing.T) {
	svc := newTestService(t)
	line := []byte(`{"envelope":{"source":"+15559998888","sourceNumber":"+15559998888","timestamp":1000,"dataMessage":{"timestamp":1000,"message":""}}}`)

	svc.handleLine(line)

	if got := svc.GetStats().MessagesProcessed; got != 0 {
		t.Fatalf("expected empty-content message to be dropped, got %d processed", got)
	}
}

func TestHandleLineGroupMessageUsesGroupThread(t *testing.T) {
	svc := newTestService(t)
	line := []byte(`{"envelope":{"source":"+15559998888","sourceNumber":"+15559998888","timestamp":1000,"dataMessage":{"timestamp":1000,"message":"group hi","groupInfo":{"groupId":"grp-abc"}}}}`)

	svc.handleLine(line)

	th, err := svc.store.GetOrCreateThread(store.ThreadInput{ID: "signal_group_grp-abc", Type: "group"})
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.ID != "signal_group_grp-abc" {
		t.Fatalf("expected group thread id, got %q", th.ID)
	}
}

func TestHandleLineEmitsMessageEvent(t *testing.T) {
	svc := newTestService(t)
	var events []msync.Event
	svc.Subscribe(func(ev msync.Event) { events = append(events, ev) })

	line := []byte(`{"envelope":{"source":"+15559998888","sourceNumber":"+15559998888","sourceName":"Alice","timestamp":1000,"dataMessage":{"timestamp":1000,"message":"hello"}}}`)
	svc.handleLine(line)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != msync.EventMessage || ev.Service != "signal" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Message == nil || ev.Message.Content != "hello" {
		t.Fatalf("expected the stored message on the event, got %+v", ev.Message)
	}
	if ev.Account != "signal_15559998888" {
		t.Fatalf("account = %q", ev.Account)
	}
}

func TestHandleLineMalformedJSONIgnored(t *testing.T) {
	svc := newTestService(t)
	svc.handleLine([]byte(`not json`))
	if got := svc.GetStats().MessagesProcessed; got != 0 {
		t.Fatalf("expected malformed line to be ignored, got %d processed", got)
	}
}
