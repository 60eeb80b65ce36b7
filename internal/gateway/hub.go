// Package gateway exposes the conversation engine: a dispatcher that
// serializes turns per session, a per-session event hub, and the HTTP and
// WebSocket API surface.
package gateway

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/clawgate/pkg/models"
)

// defaultSubscriberBuffer is the per-subscription event buffer. A
// subscriber that falls this far behind starts losing events rather than
// stalling the turn.
const defaultSubscriberBuffer = 256

// Subscription receives a session's outbound events in publish order.
type Subscription struct {
	hub *Hub
	key string
	ch  chan *models.OutboundEvent

	mu          sync.Mutex
	closed      bool
	invalidated bool
	dropped     int
}

// Events returns the subscription's event channel. It is closed when the
// subscription is closed or its session is invalidated.
func (s *Subscription) Events() <-chan *models.OutboundEvent { return s.ch }

// Invalidated reports whether the session was removed (evicted or deleted)
// while the subscription was live.
func (s *Subscription) Invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.finish(false)
}

func (s *Subscription) finish(invalidated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.invalidated = invalidated
	close(s.ch)
}

// deliver enqueues without blocking; a full buffer drops the event.
func (s *Subscription) deliver(event *models.OutboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}

// Hub fans a session's outbound events out to its subscribers. Publishes
// for one session happen in turn order, so each subscriber observes deltas
// and the closing final or failure event in order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: defaultSubscriberBuffer,
		logger: logger.With("component", "hub"),
	}
}

// Subscribe attaches a new subscriber to the session key.
func (h *Hub) Subscribe(key string) *Subscription {
	sub := &Subscription{
		hub: h,
		key: key,
		ch:  make(chan *models.OutboundEvent, h.buffer),
	}
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.key)
		}
	}
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber of the session.
func (h *Hub) Publish(event *models.OutboundEvent) {
	if event == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.SessionKey] {
		sub.deliver(event)
	}
}

// Invalidate closes every subscription for the key. Used when a session is
// evicted or deleted; subscribers see their channel close with
// Invalidated() true and must resubscribe against a fresh session.
func (h *Hub) Invalidate(key string) {
	h.mu.Lock()
	set := h.subs[key]
	delete(h.subs, key)
	h.mu.Unlock()

	for sub := range set {
		sub.finish(true)
	}
	if len(set) > 0 {
		h.logger.Debug("subscriptions invalidated", "session_key", key, "count", len(set))
	}
}

// SubscriberCount returns the number of live subscribers for a key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}
