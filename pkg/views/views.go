// Package views derives and maintains the per-thread and per-account
// materialized summaries projected from the event log. Stats are a
// projection, never the source of truth: they may lag behind the log and
// are corrected by RebuildThreadViews.
package views

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sipeed-labs/messagearc/pkg/eventlog"
	"github.com/sipeed-labs/messagearc/pkg/fileutil"
	"github.com/sipeed-labs/messagearc/pkg/identity"
	"github.com/sipeed-labs/messagearc/pkg/logger"
)

// ThreadSource denormalizes the originating platform of a thread.
type ThreadSource struct {
	Platform   string `json:"platform"`
	PlatformID string `json:"platform_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
}

// ThreadView is the materialized per-thread record.
type ThreadView struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Title         string       `json:"title,omitempty"`
	Participants  []string     `json:"participants,omitempty"`
	Source        ThreadSource `json:"source"`
	CreatedAt     int64        `json:"created_at"`
	MessageCount  int          `json:"message_count"`
	LastMessageAt int64        `json:"last_message_at,omitempty"`
}

// AccountView is the materialized per-account record.
type AccountView struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	DID          string `json:"did,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	MessageCount int    `json:"message_count"`
}

// RebuildStats reports the outcome of a bulk rebuild.
type RebuildStats struct {
	Threads  int
	Messages int
	Orphans  int
}

// Projector maintains the thread/account view collections rooted at
// baseDir/threads and baseDir/accounts.
type Projector struct {
	baseDir string
	log     *eventlog.Log
	mu      sync.Mutex
}

// New returns a Projector writing under baseDir and reading the given log
// for bulk rebuilds.
func New(baseDir string, log *eventlog.Log) *Projector {
	return &Projector{baseDir: baseDir, log: log}
}

func (p *Projector) threadPath(id string) string {
	return filepath.Join(p.baseDir, "threads", id+".view")
}

func (p *Projector) accountPath(id string) string {
	return filepath.Join(p.baseDir, "accounts", id+".view")
}

// GetThreadView reads the current thread view, or (nil, nil) if none exists.
func (p *Projector) GetThreadView(id string) (*ThreadView, error) {
	return readView[ThreadView](p.threadPath(id))
}

// GetAccountView reads the current account view, or (nil, nil) if none exists.
func (p *Projector) GetAccountView(id string) (*AccountView, error) {
	return readView[AccountView](p.accountPath(id))
}

// PutThreadView writes v, creating or overwriting the file for v.ID.
func (p *Projector) PutThreadView(v ThreadView) error {
	return writeView(p.threadPath(v.ID), v)
}

// PutAccountView writes v, creating or overwriting the file for v.ID.
func (p *Projector) PutAccountView(v AccountView) error {
	return writeView(p.accountPath(v.ID), v)
}

// UpdateThreadOnMessage bumps message_count and advances last_message_at
// for threadID. If no view file exists yet for threadID (its
// thread.created event has not been flushed) the update is silently
// skipped; RebuildThreadViews is the eventual-consistency correction path
// for this case, and that contract is intentional, not a bug.
func (p *Projector) UpdateThreadOnMessage(threadID string, createdAt int64) error {
	if threadID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	v, err := p.GetThreadView(threadID)
	if err != nil {
		return err
	}
	if v == nil {
		logger.DebugCF("views", "skipping incremental thread update: no view yet", map[string]any{"thread_id": threadID})
		return nil
	}
	v.MessageCount++
	if createdAt > v.LastMessageAt {
		v.LastMessageAt = createdAt
	}
	return p.PutThreadView(*v)
}

// UpdateAccountOnMessage bumps message_count for accountID. Skipped
// silently if no account view exists yet, for the same reason as
// UpdateThreadOnMessage.
func (p *Projector) UpdateAccountOnMessage(accountID string) error {
	if accountID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	v, err := p.GetAccountView(accountID)
	if err != nil {
		return err
	}
	if v == nil {
		logger.DebugCF("views", "skipping incremental account update: no view yet", map[string]any{"account_id": accountID})
		return nil
	}
	v.MessageCount++
	return p.PutAccountView(*v)
}

// RebuildThreadViews performs a single scan over the event log, recomputing
// exact thread stats and synthesizing orphan thread records for any
// thread_id referenced by a message with no preceding thread.created event.
// Orphan platform/type are inferred from the thread ID's prefix convention.
func (p *Projector) RebuildThreadViews() (RebuildStats, error) {
	events, err := p.log.GetAll()
	if err != nil {
		return RebuildStats{}, fmt.Errorf("views: rebuild: %w", err)
	}

	threads := map[string]*ThreadView{}
	orphans := map[string]bool{}

	for _, ev := range events {
		if ev.Op != eventlog.OpThreadCreated {
			continue
		}
		var d eventlog.ThreadCreatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			logger.WarnCF("views", "skipping malformed thread.created event", map[string]any{"error": err.Error()})
			continue
		}
		threads[d.ID] = &ThreadView{
			ID:           d.ID,
			Type:         d.Type,
			Title:        d.Title,
			Participants: d.Participants,
			Source:       ThreadSource{Platform: d.Platform, PlatformID: d.PlatformID, RoomID: d.RoomID},
			CreatedAt:    d.CreatedAt,
		}
	}

	messageCount := 0
	for _, ev := range events {
		if ev.Op != eventlog.OpMessageCreated {
			continue
		}
		var d eventlog.MessageCreatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			logger.WarnCF("views", "skipping malformed message.created event", map[string]any{"error": err.Error()})
			continue
		}
		messageCount++

		if d.ThreadID == "" {
			continue
		}
		t, ok := threads[d.ThreadID]
		if !ok {
			kind, _ := identity.InferThreadFromID(d.ThreadID)
			t = &ThreadView{
				ID:        d.ThreadID,
				Type:      kind.Type,
				Source:    ThreadSource{Platform: kind.Platform},
				CreatedAt: d.CreatedAt,
			}
			threads[d.ThreadID] = t
			orphans[d.ThreadID] = true
		}
		t.MessageCount++
		if d.CreatedAt > t.LastMessageAt {
			t.LastMessageAt = d.CreatedAt
		}
	}

	for _, t := range threads {
		if err := p.PutThreadView(*t); err != nil {
			return RebuildStats{}, fmt.Errorf("views: rebuild: write thread %s: %w", t.ID, err)
		}
	}

	return RebuildStats{Threads: len(threads), Messages: messageCount, Orphans: len(orphans)}, nil
}

func readView[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("views: read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("views: parse %s: %w", path, err)
	}
	return &v, nil
}

func writeView[T any](path string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("views: marshal %s: %w", path, err)
	}
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("views: write %s: %w", path, err)
	}
	return nil
}
