package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sipeed-labs/messagearc/pkg/cid"
	"github.com/sipeed-labs/messagearc/pkg/contentstore"
	"github.com/sipeed-labs/messagearc/pkg/eventlog"
	"github.com/sipeed-labs/messagearc/pkg/logger"
	"github.com/sipeed-labs/messagearc/pkg/views"
)

// Store is the ingestion façade composing the event log, content store, and
// view projector. A Store serializes its own writes with an internal mutex;
// callers do not need external locking.
type Store struct {
	eventLog    *eventlog.Log
	content     *contentstore.Store
	views       *views.Projector
	deletionLog *eventlog.Log
	sink        SearchSink

	mu       sync.Mutex
	messages map[string]bool
	accounts map[string]Account
	threads  map[string]Thread
}

// Open rooted at base, laid out as base/store/events, base/store/content,
// base/store/deletions, and base/views. sink may be nil (no external search
// indexing). Open warms its in-memory existence caches by replaying the
// event log.
func Open(base string, sink SearchSink) (*Store, error) {
	eventLog := eventlog.New(filepath.Join(base, "store", "events"))
	s := &Store{
		eventLog:    eventLog,
		content:     contentstore.New(filepath.Join(base, "store", "content")),
		views:       views.New(filepath.Join(base, "views"), eventLog),
		deletionLog: eventlog.New(filepath.Join(base, "store", "deletions")),
		sink:        sink,
		messages:    map[string]bool{},
		accounts:    map[string]Account{},
		threads:     map[string]Thread{},
	}

	if err := s.warmIndex(); err != nil {
		return nil, fmt.Errorf("store: warm index: %w", err)
	}
	return s, nil
}

// warmIndex populates the accounts/threads/messages existence caches from
// the event log. Views are a derived projection of exactly the same facts,
// but replaying the log is the one path guaranteed correct regardless of
// whether RebuildThreadViews has ever run, so it is always the source here.
func (s *Store) warmIndex() error {
	events, err := s.eventLog.GetAll()
	if err != nil {
		return err
	}
	for _, ev := range events {
		switch ev.Op {
		case eventlog.OpMessageCreated:
			var d eventlog.MessageCreatedData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				logger.WarnCF("store", "skipping malformed message.created event during warm-up", map[string]any{"error": err.Error()})
				continue
			}
			s.messages[d.ID] = true
		case eventlog.OpAccountCreated:
			var d eventlog.AccountCreatedData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				logger.WarnCF("store", "skipping malformed account.created event during warm-up", map[string]any{"error": err.Error()})
				continue
			}
			s.accounts[d.ID] = Account{ID: d.ID, Name: d.Name, DID: d.DID, Avatar: d.Avatar, IsSelf: d.IsSelf, CreatedAt: d.CreatedAt}
		case eventlog.OpThreadCreated:
			var d eventlog.ThreadCreatedData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				logger.WarnCF("store", "skipping malformed thread.created event during warm-up", map[string]any{"error": err.Error()})
				continue
			}
			s.threads[d.ID] = Thread{
				ID: d.ID, Type: d.Type, Title: d.Title, Participants: d.Participants,
				Source:    ThreadSource{Platform: d.Platform, PlatformID: d.PlatformID, RoomID: d.RoomID},
				CreatedAt: d.CreatedAt,
			}
		}
	}
	return nil
}

func tagsToHeader(tags []Tag) [][2]string {
	if len(tags) == 0 {
		return nil
	}
	pairs := make([][2]string, len(tags))
	for i, t := range tags {
		pairs[i] = [2]string{t.Key, t.Value}
	}
	return pairs
}

func tagsFromHeader(pairs [][2]string) []Tag {
	if len(pairs) == 0 {
		return nil
	}
	tags := make([]Tag, len(pairs))
	for i, p := range pairs {
		tags[i] = Tag{Key: p[0], Value: p[1]}
	}
	return tags
}

func messageFromHeader(h contentstore.Header, body string) Message {
	return Message{
		ID:         h.ID,
		Kind:       Kind(h.Kind),
		AccountID:  h.AccountID,
		Author:     Author{Name: h.AuthorName, DID: h.AuthorDID},
		CreatedAt:  h.CreatedAt,
		ImportedAt: h.ImportedAt,
		Content:    body,
		Title:      h.Title,
		Visibility: h.Visibility,
		Refs:       Refs{ThreadID: h.ThreadID, ReplyTo: h.ReplyTo, RoomID: h.RoomID},
		Source:     Source{Platform: h.Platform, PlatformID: h.PlatformID, SessionID: h.SessionID, AgentID: h.AgentID},
		Tags:       tagsFromHeader(h.Tags),
	}
}

// CreateMessage derives input's CID, persists the content blob and the
// message.created event, and updates the projected views unless
// opts.SkipThreadUpdate is set. A duplicate CID (identical content, kind,
// created_at and account_id) is idempotent: it returns the existing message
// without appending a new event.
func (s *Store) CreateMessage(ctx context.Context, input MessageInput, opts CreateOptions) (Message, error) {
	if input.Content == "" {
		return Message{}, fmt.Errorf("%w: content is required", errValidation)
	}
	if !input.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %d", errValidation, input.Kind)
	}
	if input.AccountID == "" {
		return Message{}, fmt.Errorf("%w: account_id is required", errValidation)
	}
	if input.CreatedAt <= 0 {
		return Message{}, fmt.Errorf("%w: created_at is required", errValidation)
	}

	s.mu.Lock()
	_, accountKnown := s.accounts[input.AccountID]
	s.mu.Unlock()
	if !accountKnown {
		return Message{}, fmt.Errorf("%w: account %q does not exist", errValidation, input.AccountID)
	}

	id := cid.Generate(cid.Input{Content: input.Content, Kind: int(input.Kind), CreatedAt: input.CreatedAt, AccountID: input.AccountID})

	s.mu.Lock()
	if s.messages[id] {
		s.mu.Unlock()
		existing, err := s.GetMessage(id)
		if err != nil {
			return Message{}, err
		}
		if existing == nil {
			return Message{}, fmt.Errorf("store: message %s marked known but not found", id)
		}
		return *existing, nil
	}
	s.mu.Unlock()

	importedAt := time.Now().UnixMilli()
	header := contentstore.Header{
		ID: id, Kind: int(input.Kind), AccountID: input.AccountID,
		CreatedAt: input.CreatedAt, ImportedAt: importedAt,
		Platform: input.Source.Platform, AuthorDID: input.Author.DID, AuthorName: input.Author.Name,
		Title: input.Title, Visibility: input.Visibility, ThreadID: input.Refs.ThreadID,
		ReplyTo: input.Refs.ReplyTo, RoomID: input.Refs.RoomID, PlatformID: input.Source.PlatformID,
		SessionID: input.Source.SessionID, AgentID: input.Source.AgentID, Tags: tagsToHeader(input.Tags),
	}
	// Content blob is always written before the event, even on a
	// crash-recovery re-ingestion where the blob already exists: writes are
	// idempotent and this keeps the ordering invariant unconditional.
	if err := s.content.Write(header, input.Content); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errIO, err)
	}

	data, err := json.Marshal(eventlog.MessageCreatedData{
		ID: id, Kind: int(input.Kind), AccountID: input.AccountID,
		ThreadID: input.Refs.ThreadID, Platform: input.Source.Platform, CreatedAt: input.CreatedAt,
	})
	if err != nil {
		return Message{}, fmt.Errorf("store: marshal event: %w", err)
	}
	// Partitioned by import day, not origin day: the log records arrival
	// order, and a years-old message ingested today lands in today's file.
	if err := s.eventLog.Append(eventlog.Event{TS: time.UnixMilli(importedAt), Op: eventlog.OpMessageCreated, Data: data}); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errIO, err)
	}

	s.mu.Lock()
	s.messages[id] = true
	s.mu.Unlock()

	if !opts.SkipThreadUpdate {
		if input.Refs.ThreadID != "" {
			if err := s.views.UpdateThreadOnMessage(input.Refs.ThreadID, input.CreatedAt); err != nil {
				logger.WarnCF("store", "thread view update failed", map[string]any{"thread_id": input.Refs.ThreadID, "error": err.Error()})
			}
		}
		if err := s.views.UpdateAccountOnMessage(input.AccountID); err != nil {
			logger.WarnCF("store", "account view update failed", map[string]any{"account_id": input.AccountID, "error": err.Error()})
		}
	}

	msg := messageFromHeader(header, input.Content)

	if s.sink != nil {
		if err := s.sink.Index(ctx, msg); err != nil {
			logger.WarnCF("store", "search sink index failed", map[string]any{"id": id, "error": err.Error()})
		}
	}

	return msg, nil
}

// GetMessage returns the message for id, or (nil, nil) if id is not in the
// event log. A present event log entry with a missing or malformed content
// blob falls back to a denormalized reconstruction from the event alone,
// logged at WARN.
func (s *Store) GetMessage(id string) (*Message, error) {
	s.mu.Lock()
	known := s.messages[id]
	s.mu.Unlock()
	if !known {
		return nil, nil
	}

	h, body, err := s.content.Read(id)
	if err == nil {
		msg := messageFromHeader(h, body)
		return &msg, nil
	}

	logger.WarnCF("store", "content blob missing or malformed for known message, falling back to event log", map[string]any{"id": id, "error": err.Error()})
	events, err := s.eventLog.GetAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errIO, err)
	}
	for _, ev := range events {
		if ev.Op != eventlog.OpMessageCreated {
			continue
		}
		var d eventlog.MessageCreatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			continue
		}
		if d.ID == id {
			msg := Message{
				ID: d.ID, Kind: Kind(d.Kind), AccountID: d.AccountID,
				CreatedAt: d.CreatedAt, Refs: Refs{ThreadID: d.ThreadID}, Source: Source{Platform: d.Platform},
			}
			return &msg, nil
		}
	}
	return nil, nil
}

// GetOrCreateAccount returns the existing account for input.ID, or creates
// it (emitting account.created and an initial account view) if absent.
func (s *Store) GetOrCreateAccount(input AccountInput) (Account, error) {
	if input.ID == "" {
		return Account{}, fmt.Errorf("%w: account id is required", errValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[input.ID]; ok {
		return acc, nil
	}

	now := time.Now().UnixMilli()
	acc := Account{
		ID: input.ID, Name: input.Name, DID: input.DID, Avatar: input.Avatar,
		Identities: input.Identities, IsSelf: input.IsSelf, CreatedAt: now,
	}

	data, err := json.Marshal(eventlog.AccountCreatedData{ID: acc.ID, Name: acc.Name, DID: acc.DID, Avatar: acc.Avatar, IsSelf: acc.IsSelf, CreatedAt: now})
	if err != nil {
		return Account{}, fmt.Errorf("store: marshal event: %w", err)
	}
	if err := s.eventLog.Append(eventlog.Event{TS: time.UnixMilli(now), Op: eventlog.OpAccountCreated, Data: data}); err != nil {
		return Account{}, fmt.Errorf("%w: %v", errIO, err)
	}
	if err := s.views.PutAccountView(views.AccountView{ID: acc.ID, Name: acc.Name, DID: acc.DID, Avatar: acc.Avatar}); err != nil {
		return Account{}, fmt.Errorf("%w: %v", errIO, err)
	}

	s.accounts[acc.ID] = acc
	return acc, nil
}

// GetOrCreateThread returns the existing thread for input.ID, or creates it
// (emitting thread.created and an initial thread view) if absent.
func (s *Store) GetOrCreateThread(input ThreadInput) (Thread, error) {
	if input.ID == "" {
		return Thread{}, fmt.Errorf("%w: thread id is required", errValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.threads[input.ID]; ok {
		return t, nil
	}

	now := time.Now().UnixMilli()
	th := Thread{
		ID: input.ID, Type: input.Type, Title: input.Title, Participants: input.Participants,
		Source: input.Source, CreatedAt: now,
	}

	data, err := json.Marshal(eventlog.ThreadCreatedData{
		ID: th.ID, Type: th.Type, Title: th.Title, Participants: th.Participants,
		Platform: th.Source.Platform, PlatformID: th.Source.PlatformID, RoomID: th.Source.RoomID, CreatedAt: now,
	})
	if err != nil {
		return Thread{}, fmt.Errorf("store: marshal event: %w", err)
	}
	if err := s.eventLog.Append(eventlog.Event{TS: time.UnixMilli(now), Op: eventlog.OpThreadCreated, Data: data}); err != nil {
		return Thread{}, fmt.Errorf("%w: %v", errIO, err)
	}
	if err := s.views.PutThreadView(views.ThreadView{
		ID: th.ID, Type: th.Type, Title: th.Title, Participants: th.Participants,
		Source:    views.ThreadSource{Platform: th.Source.Platform, PlatformID: th.Source.PlatformID, RoomID: th.Source.RoomID},
		CreatedAt: now,
	}); err != nil {
		return Thread{}, fmt.Errorf("%w: %v", errIO, err)
	}

	s.threads[th.ID] = th
	return th, nil
}

// ListMessages scans the event log in partition order, applies filter's
// AND'd clauses, and resolves each matching id to its full Message. Offset
// skips the first N matches; an explicit Limit of 0 yields no results,
// while a nil Limit means unbounded.
func (s *Store) ListMessages(filter Filter) ([]Message, error) {
	events, err := s.eventLog.GetAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errIO, err)
	}

	if filter.Limit != nil && *filter.Limit == 0 {
		return nil, nil
	}

	kindSet := map[Kind]bool{}
	for _, k := range filter.Kinds {
		kindSet[k] = true
	}
	accountSet := map[string]bool{}
	for _, a := range filter.Accounts {
		accountSet[a] = true
	}
	threadSet := map[string]bool{}
	for _, t := range filter.Threads {
		threadSet[t] = true
	}
	platformSet := map[string]bool{}
	for _, p := range filter.Platforms {
		platformSet[p] = true
	}

	var results []Message
	skipped := 0
	for _, ev := range events {
		if ev.Op != eventlog.OpMessageCreated {
			continue
		}
		var d eventlog.MessageCreatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			continue
		}
		if len(kindSet) > 0 && !kindSet[Kind(d.Kind)] {
			continue
		}
		if len(accountSet) > 0 && !accountSet[d.AccountID] {
			continue
		}
		if len(threadSet) > 0 && !threadSet[d.ThreadID] {
			continue
		}
		if len(platformSet) > 0 && !platformSet[d.Platform] {
			continue
		}
		if filter.Since != nil && d.CreatedAt < *filter.Since {
			continue
		}
		if filter.Until != nil && d.CreatedAt > *filter.Until {
			continue
		}

		if skipped < filter.Offset {
			skipped++
			continue
		}

		msg, err := s.GetMessage(d.ID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		results = append(results, *msg)

		if filter.Limit != nil && len(results) >= *filter.Limit {
			break
		}
	}
	return results, nil
}

// GetThreadMessages is ListMessages filtered to a single thread.
func (s *Store) GetThreadMessages(threadID string) ([]Message, error) {
	return s.ListMessages(Filter{Threads: []string{threadID}})
}

// RebuildThreadViews delegates to the view projector's full event-log scan,
// recomputing exact thread stats and synthesizing any orphan thread views.
func (s *Store) RebuildThreadViews() (views.RebuildStats, error) {
	return s.views.RebuildThreadViews()
}

// GetStats summarizes the archive's current size and shape by scanning the
// event log once. This is an operational/reporting path, not a hot path, so
// it is not cached.
func (s *Store) GetStats() (Stats, error) {
	events, err := s.eventLog.GetAll()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", errIO, err)
	}

	stats := Stats{}
	platforms := map[string]bool{}
	accounts := map[string]bool{}
	threads := map[string]bool{}

	for _, ev := range events {
		switch ev.Op {
		case eventlog.OpMessageCreated:
			var d eventlog.MessageCreatedData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				continue
			}
			stats.MessageCount++
			if d.Platform != "" {
				platforms[d.Platform] = true
			}
			if stats.DateRange.Since == 0 || d.CreatedAt < stats.DateRange.Since {
				stats.DateRange.Since = d.CreatedAt
			}
			if d.CreatedAt > stats.DateRange.Until {
				stats.DateRange.Until = d.CreatedAt
			}
		case eventlog.OpAccountCreated:
			var d eventlog.AccountCreatedData
			if err := json.Unmarshal(ev.Data, &d); err == nil {
				accounts[d.ID] = true
			}
		case eventlog.OpThreadCreated:
			var d eventlog.ThreadCreatedData
			if err := json.Unmarshal(ev.Data, &d); err == nil {
				threads[d.ID] = true
			}
		}
	}

	stats.AccountCount = len(accounts)
	stats.ThreadCount = len(threads)
	for p := range platforms {
		stats.Platforms = append(stats.Platforms, p)
	}
	return stats, nil
}

// DeletionRecord is logged when a platform reports a message as deleted
// (e.g. Discord's MessageDelete gateway event). It never removes the
// original content blob or event; it is an additive audit trail entry.
type DeletionRecord struct {
	Platform   string `json:"platform"`
	PlatformID string `json:"platform_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// LogDeletion appends a record to the deletion log. It does not touch the
// message event log or content store.
func (s *Store) LogDeletion(rec DeletionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal deletion: %w", err)
	}
	return s.deletionLog.Append(eventlog.Event{TS: time.Now(), Op: "message.deleted", Data: data})
}
