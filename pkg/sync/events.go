package sync

import (
	"github.com/sipeed-labs/messagearc/pkg/store"
)

// EventType enumerates the observable events a sync service publishes.
type EventType string

const (
	EventMessage      EventType = "message"
	EventSync         EventType = "sync"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
)

// Event is one observable occurrence on a sync service. Service is always
// set; the remaining fields are populated per Type: Message for
// EventMessage, Count/Mode/Account for EventSync, Mode/Device for
// EventConnected, Attempt for EventReconnecting, Err for EventError.
// Handlers are invoked from the emitting service's goroutine and must not
// block.
type Event struct {
	Type    EventType
	Service string

	Message *store.Message
	Mode    string
	Account string
	Device  string
	Count   int
	Attempt int
	Err     error
}

// Subscribe registers fn for every event this service emits and returns
// an unsubscribe function. Stop clears all subscribers regardless, so a
// subscriber kept across a restart never fires twice.
func (b *BaseService) Subscribe(fn func(Event)) func() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	if b.subs == nil {
		b.subs = map[int]func(Event){}
	}
	b.subs[id] = fn
	return func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		delete(b.subs, id)
	}
}

// Emit publishes ev to every current subscriber, stamping ev.Service.
func (b *BaseService) Emit(ev Event) {
	ev.Service = b.name
	b.subsMu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ClearSubscribers removes every subscriber. Called by Stop alongside
// DrainHandles so unsubscription on shutdown is total.
func (b *BaseService) ClearSubscribers() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs = nil
}
