// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event provides the typed observer hub that every adapter component
// publishes lifecycle and progress events through.
//
// Components own a Hub and expose Subscribe; the service subscribes to its
// children and forwards their events through its own hub, so a UI only ever
// subscribes in one place.
package event

import (
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	InitStart Kind = "init.start"
	InitDone  Kind = "init.done"
	InitError Kind = "init.error"

	AuthStart   Kind = "auth.start"
	AuthSuccess Kind = "auth.success"
	AuthFailure Kind = "auth.failure"

	ChatStart   Kind = "chat.start"
	ChatSuccess Kind = "chat.success"
	ChatRetry   Kind = "chat.retry"
	ChatError   Kind = "chat.error"

	ConfigLoaded   Kind = "config.loaded"
	ConfigSaved    Kind = "config.saved"
	ConfigUpdated  Kind = "config.updated"
	ConfigReloaded Kind = "config.reloaded"
	ConfigBackup   Kind = "config.backup"
	ConfigRestored Kind = "config.restored"
	ConfigWarning  Kind = "config.warning"

	SessionCreated   Kind = "session.created"
	SessionSwitched  Kind = "session.switched"
	SessionRefreshed Kind = "session.refreshed"
	SessionExpired   Kind = "session.expired"
	SessionCleared   Kind = "session.cleared"

	ConversationDeleted Kind = "conversation.deleted"

	RateLimitExceeded Kind = "ratelimit.exceeded"
	RateLimitWait     Kind = "ratelimit.wait"
	RequestRetry      Kind = "request.retry"

	ErrorClassified Kind = "error.classified"

	Destroyed Kind = "service.destroyed"
)

// Event is a single notification. Attrs never carry secrets.
type Event struct {
	Kind   Kind
	Source string
	Time   time.Time
	Attrs  map[string]any
}

// Attr returns the named attribute or nil.
func (e Event) Attr(key string) any {
	if e.Attrs == nil {
		return nil
	}
	return e.Attrs[key]
}

// Observer receives events. Implementations must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// =============================================================================
// HUB
// =============================================================================

// Hub fans events out to subscribed observers synchronously, in
// subscription order. The zero value is not usable; use NewHub.
type Hub struct {
	source string

	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
	order     []int
}

// NewHub creates a hub that stamps events with source.
func NewHub(source string) *Hub {
	return &Hub{
		source:    source,
		observers: make(map[int]Observer),
	}
}

// Subscribe registers o and returns a function that removes it.
func (h *Hub) Subscribe(o Observer) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.observers[id] = o
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.observers, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit publishes an event of kind with attrs, stamped with the hub's source.
func (h *Hub) Emit(kind Kind, attrs map[string]any) {
	if h == nil {
		return
	}
	h.Publish(Event{Kind: kind, Source: h.source, Time: time.Now(), Attrs: attrs})
}

// Publish delivers e to every observer. Observers are called outside the lock
// so they may subscribe or unsubscribe.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Source == "" {
		e.Source = h.source
	}

	h.mu.RLock()
	targets := make([]Observer, 0, len(h.order))
	for _, id := range h.order {
		targets = append(targets, h.observers[id])
	}
	h.mu.RUnlock()

	for _, o := range targets {
		o.OnEvent(e)
	}
}

// Forward returns an observer that republishes events on h, keeping their
// original source.
func (h *Hub) Forward() Observer {
	return ObserverFunc(h.Publish)
}

// Len returns the number of subscribed observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder is an Observer that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// OnEvent records e.
func (r *Recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
