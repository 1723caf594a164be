// Package sync defines the common lifecycle every platform ingestion
// service implements: connect to a transport, normalize inbound messages
// into store.MessageInput, and survive reconnection without leaking
// listeners.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sipeed-labs/messagearc/pkg/logger"
)

// State is a sync service's connection lifecycle stage.
type State int

const (
	StateStopped State = iota
	StateConnecting
	StatePrimaryLive
	StateFallbackLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StatePrimaryLive:
		return "primary_live"
	case StateFallbackLive:
		return "fallback_live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Stats is the snapshot returned by Service.GetStats. Mode mirrors State
// but in the transport-specific vocabulary a service reports externally
// (idle, polling, daemon, realtime, dbus-signal).
type Stats struct {
	Mode              string
	MessagesProcessed int64
	Errors            int64
	StartedAt         int64
	LastSync          int64
	ReconnectAttempts int
	AccountStats      map[string]AccountStats
}

// AccountStats is the per-account slice of Stats for services that
// ingest for several accounts (email, SMS). Mode is
// per-account because one account can degrade to polling while its
// siblings stay on the push transport.
type AccountStats struct {
	Mode              string
	MessagesProcessed int64
	Errors            int64
	LastSync          int64
}

// Service is the contract every platform sync implementation satisfies.
// Subscribe is the observable-event surface: message, sync, connected,
// disconnected, reconnecting, and error events, published while the
// service is live and cleared on Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	GetStats() Stats
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Option is a functional option for configuring a BaseService.
type Option func(*BaseService)

// WithMode sets the string Stats.Mode reported while live.
func WithMode(mode string) Option {
	return func(b *BaseService) { b.mode = mode }
}

// BaseService centralizes the running flag, state machine, stats
// counters, and listener-handle bookkeeping shared by every platform
// service.
type BaseService struct {
	name    string
	mode    string
	running atomic.Bool

	mu                sync.Mutex
	state             State
	messagesProcessed int64
	errors            int64
	startedAt         int64
	lastSync          int64
	reconnectAttempts int
	accountStats      map[string]AccountStats

	// handles accumulates detach functions for every listener/subscription
	// a service has registered (D-Bus signal match, websocket read loop,
	// gateway event handler). Stop drains it unconditionally so a service
	// never leaks a listener across a reconnect or shutdown.
	handlesMu sync.Mutex
	handles   []func()

	// subs holds the observable-event subscribers (see events.go).
	subsMu    sync.Mutex
	subs      map[int]func(Event)
	nextSubID int
}

// NewBaseService returns a BaseService named name, initially Stopped.
func NewBaseService(name string, opts ...Option) *BaseService {
	b := &BaseService{
		name:         name,
		mode:         "stopped",
		accountStats: map[string]AccountStats{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BaseService) Name() string {
	return b.name
}

func (b *BaseService) IsRunning() bool {
	return b.running.Load()
}

func (b *BaseService) SetRunning(running bool) {
	b.running.Store(running)
}

// SetMode overrides the live mode string reported by GetStats, for a
// service that can escalate or degrade transport (e.g. daemon -> CLI
// polling) after construction.
func (b *BaseService) SetMode(mode string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
}

// State returns the current lifecycle stage.
func (b *BaseService) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState transitions to next, holding the service mutex so concurrent
// readers of GetStats never observe a half-applied transition.
func (b *BaseService) SetState(next State) {
	b.mu.Lock()
	prev := b.state
	b.state = next
	b.mu.Unlock()
	if prev != next {
		logger.DebugCF("sync", "state transition", map[string]any{"service": b.name, "from": prev.String(), "to": next.String()})
	}
}

// MarkStarted records StartedAt and resets the reconnect counter for a
// fresh Start() call.
func (b *BaseService) MarkStarted(nowMillis int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startedAt = nowMillis
	b.reconnectAttempts = 0
}

// RecordMessage increments the global and per-account processed counters
// and advances LastSync.
func (b *BaseService) RecordMessage(accountID string, nowMillis int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messagesProcessed++
	b.lastSync = nowMillis
	if accountID == "" {
		return
	}
	as := b.accountStats[accountID]
	as.MessagesProcessed++
	as.LastSync = nowMillis
	b.accountStats[accountID] = as
}

// RecordError increments the global and per-account error counters.
func (b *BaseService) RecordError(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors++
	if accountID == "" {
		return
	}
	as := b.accountStats[accountID]
	as.Errors++
	b.accountStats[accountID] = as
}

// IncrementReconnectAttempts bumps the reconnect counter and returns the
// new value, for a caller deciding whether maxReconnectAttempts is hit.
func (b *BaseService) IncrementReconnectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectAttempts++
	return b.reconnectAttempts
}

// ResetReconnectAttempts zeroes the reconnect counter. Called after a
// successful reconnect so GetStats reports 0 once the transport is live
// again.
func (b *BaseService) ResetReconnectAttempts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectAttempts = 0
}

// SetAccountMode records the live mode for one account of a
// multi-account service.
func (b *BaseService) SetAccountMode(accountID, mode string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	as := b.accountStats[accountID]
	as.Mode = mode
	b.accountStats[accountID] = as
}

// GetStats returns a snapshot. Mode reflects the live mode string while
// running and "stopped" once Stop has completed.
func (b *BaseService) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	mode := b.mode
	if !b.running.Load() {
		mode = "stopped"
	}

	accountStats := make(map[string]AccountStats, len(b.accountStats))
	for k, v := range b.accountStats {
		accountStats[k] = v
	}

	return Stats{
		Mode:              mode,
		MessagesProcessed: b.messagesProcessed,
		Errors:            b.errors,
		StartedAt:         b.startedAt,
		LastSync:          b.lastSync,
		ReconnectAttempts: b.reconnectAttempts,
		AccountStats:      accountStats,
	}
}

// AddHandle records a detach function to be invoked by DrainHandles. It is
// safe to call from any goroutine.
func (b *BaseService) AddHandle(detach func()) {
	b.handlesMu.Lock()
	defer b.handlesMu.Unlock()
	b.handles = append(b.handles, detach)
}

// DrainHandles invokes and clears every registered detach function. It
// MUST be called unconditionally at the start of both Stop and any
// reconnect attempt, so a service never accumulates duplicate listeners
// across repeated reconnects.
func (b *BaseService) DrainHandles() {
	b.handlesMu.Lock()
	handles := b.handles
	b.handles = nil
	b.handlesMu.Unlock()

	for _, detach := range handles {
		detach()
	}
}

// ErrAlreadyRunning reports that a service is already live. The services
// in this module do not return it: a repeated Start is a no-op that
// returns nil.
var ErrAlreadyRunning = fmt.Errorf("sync: service already running")
