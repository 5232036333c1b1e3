// Package notify broadcasts sync-state-change events to observers. The
// hub is transport-agnostic; the API layer decides how subscribers
// consume their channels (WebSocket today).
package notify

import (
	"fmt"
	"sync"

	"github.com/coreplane/mirrorsync/internal/types"
)

// Subscription represents one observer's event feed, scoped to an
// organization.
type Subscription struct {
	ID             string
	OrganizationID string

	ch     chan types.Event
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan types.Event {
	return s.ch
}

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close tears down the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// send delivers one event without blocking. A full buffer drops the
// event; observers reconcile by re-reading state, so delivery is
// best-effort by design of the consumers, not the publisher.
func (s *Subscription) send(ev types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Hub manages subscriptions and fans events out per organization.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers an observer for one organization's events.
func (h *Hub) Subscribe(orgID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID:             fmt.Sprintf("sub-%d", h.nextID),
		OrganizationID: orgID,
		ch:             make(chan types.Event, h.buffer),
		done:           make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers an event to every subscription in its organization.
func (h *Hub) Publish(ev types.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.OrganizationID == ev.OrganizationID {
			sub.send(ev)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close tears down every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
