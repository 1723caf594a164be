package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed-labs/messagearc/pkg/cid"
	"github.com/sipeed-labs/messagearc/pkg/contentstore"
	"github.com/sipeed-labs/messagearc/pkg/syncerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestCreateMessageRejectsUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateMessage(context.Background(), MessageInput{Content: "hi", Kind: KindSignal, AccountID: "signal_1", CreatedAt: 1700000000000}, CreateOptions{})
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateMessageIdempotentByCID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrCreateAccount(AccountInput{ID: "signal_1", Name: "Alice"}); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}

	input := MessageInput{Content: "hello world", Kind: KindSignal, AccountID: "signal_1", CreatedAt: 1700000000000}
	first, err := s.CreateMessage(context.Background(), input, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	second, err := s.CreateMessage(context.Background(), input, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateMessage (dup): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical CIDs, got %s and %s", first.ID, second.ID)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.MessageCount != 1 {
		t.Fatalf("expected one message after duplicate create, got %d", stats.MessageCount)
	}
}

func TestCreateMessagePartitionsEventByImportDay(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.GetOrCreateAccount(AccountInput{ID: "signal_1"}); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}

	// A years-old origin timestamp still lands in today's partition: the
	// log is keyed by arrival, not by when the message was written.
	_, err = s.CreateMessage(context.Background(), MessageInput{
		Content: "old message", Kind: KindSignal, AccountID: "signal_1", CreatedAt: 1500000000000,
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	now := time.Now().UTC()
	path := filepath.Join(dir, "store", "events",
		fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", now.Month()), fmt.Sprintf("%02d", now.Day()),
		"events.jsonl")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected today's partition file at %s: %v", path, err)
	}
}

// TestCrashRecoveryOrphanBlob simulates a crash between the content-blob
// write and the event append: the blob exists, the event does not. The
// message must be invisible to GetMessage, and re-ingesting the same
// input must complete the record.
func TestCrashRecoveryOrphanBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.GetOrCreateAccount(AccountInput{ID: "signal_1"}); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}

	input := MessageInput{Content: "interrupted", Kind: KindSignal, AccountID: "signal_1", CreatedAt: 1700000000000}
	id := cid.Generate(cid.Input{Content: input.Content, Kind: int(input.Kind), CreatedAt: input.CreatedAt, AccountID: input.AccountID})

	// Write the orphan blob directly, bypassing the event append.
	orphan := contentstore.New(filepath.Join(dir, "store", "content"))
	if err := orphan.Write(contentstore.Header{
		ID: id, Kind: int(input.Kind), AccountID: input.AccountID,
		CreatedAt: input.CreatedAt, ImportedAt: input.CreatedAt, Platform: "signal",
	}, input.Content); err != nil {
		t.Fatalf("orphan Write: %v", err)
	}

	if msg, err := s.GetMessage(id); err != nil || msg != nil {
		t.Fatalf("orphan blob must not be visible before the event exists: msg=%v err=%v", msg, err)
	}

	created, err := s.CreateMessage(context.Background(), input, CreateOptions{})
	if err != nil {
		t.Fatalf("re-ingest after crash: %v", err)
	}
	if created.ID != id {
		t.Fatalf("re-ingest produced %s, want the original CID %s", created.ID, id)
	}
	msg, err := s.GetMessage(id)
	if err != nil || msg == nil {
		t.Fatalf("expected complete record after re-ingest: msg=%v err=%v", msg, err)
	}
}

func TestGetMessageUnknownReturnsNil(t *testing.T) {
	s := newTestStore(t)
	msg, err := s.GetMessage("msg_doesnotexist")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil for unknown id, got %+v", msg)
	}
}

func TestListMessagesFilteringAndLimit(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrCreateAccount(AccountInput{ID: "signal_1"}); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}
	if _, err := s.GetOrCreateAccount(AccountInput{ID: "discord_1"}); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}

	for i, acc := range []string{"signal_1", "discord_1", "signal_1"} {
		kind := KindSignal
		if acc == "discord_1" {
			kind = KindDiscord
		}
		_, err := s.CreateMessage(context.Background(), MessageInput{
			Content: "msg", Kind: kind, AccountID: acc,
			CreatedAt: int64(1700000000000 + i*1000), Source: Source{Platform: kind.String()},
		}, CreateOptions{})
		if err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
	}

	signalOnly, err := s.ListMessages(Filter{Kinds: []Kind{KindSignal}})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(signalOnly) != 2 {
		t.Fatalf("expected 2 signal messages, got %d", len(signalOnly))
	}

	zero := 0
	none, err := s.ListMessages(Filter{Limit: &zero})
	if err != nil {
		t.Fatalf("ListMessages with limit 0: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected zero results for explicit limit 0, got %d", len(none))
	}

	all, err := s.ListMessages(Filter{})
	if err != nil {
		t.Fatalf("ListMessages unfiltered: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages with no limit set, got %d", len(all))
	}
}

func TestGetOrCreateThreadIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first, err := s.GetOrCreateThread(ThreadInput{ID: "signal_dm_abc", Type: "dm", Source: ThreadSource{Platform: "signal"}})
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	second, err := s.GetOrCreateThread(ThreadInput{ID: "signal_dm_abc", Type: "dm", Source: ThreadSource{Platform: "signal"}})
	if err != nil {
		t.Fatalf("GetOrCreateThread (dup): %v", err)
	}
	if first.CreatedAt != second.CreatedAt {
		t.Fatalf("expected second call to return the original thread unchanged")
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.ThreadCount != 1 {
		t.Fatalf("expected one thread after duplicate getOrCreate, got %d", stats.ThreadCount)
	}
}

func TestRebuildThreadViewsSynthesizesOrphan(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrCreateAccount(AccountInput{ID: "signal_1"}); err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}

	// No GetOrCreateThread call: thread_id is referenced only by messages.
	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(context.Background(), MessageInput{
			Content: "msg", Kind: KindSignal, AccountID: "signal_1",
			CreatedAt: int64(1700000000000 + i*1000),
			Refs:      Refs{ThreadID: "signal_dm_orphan"},
		}, CreateOptions{SkipThreadUpdate: true})
		if err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
	}

	stats, err := s.RebuildThreadViews()
	if err != nil {
		t.Fatalf("RebuildThreadViews: %v", err)
	}
	if stats.Orphans != 1 || stats.Messages != 3 {
		t.Fatalf("stats = %+v, want orphans=1 messages=3", stats)
	}

	msgs, err := s.GetThreadMessages("signal_dm_orphan")
	if err != nil {
		t.Fatalf("GetThreadMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages in orphan thread, got %d", len(msgs))
	}
}
