// Package broadcast implements the Broadcast Hub (spec.md §4.I):
// low-coupling fan-out of JSON-shaped event payloads to subscribers of
// the "alarms" and "commands" channels.
//
// Grounded on the teacher's internal/events.EventBus — same
// mutex-guarded map-of-channels shape, same non-blocking
// select/default send — generalized from CloudEvent envelopes to the
// two fixed channels and wire shapes spec.md §6 names, and with
// eviction of a subscriber whose buffer is full instead of silently
// dropping the payload (spec.md §4.I: "Failed sends cause that
// subscriber to be evicted on the next pass").
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Channel is one of the two logical broadcast channels (spec.md §4.I).
type Channel string

const (
	ChannelAlarms   Channel = "alarms"
	ChannelCommands Channel = "commands"
)

const defaultBufferSize = 64

// Subscription is a live handle returned by Subscribe. Callers read
// C until it is closed by Unsubscribe or by hub-side eviction.
type Subscription struct {
	id      uint64
	channel Channel
	ch      chan []byte
	evicted bool
}

// C is the subscriber's delivery channel: JSON-encoded payloads,
// initial snapshot entries (if any) first, then live events in
// receipt order.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Hub is the process-wide singleton Broadcast Hub.
type Hub struct {
	mu      sync.RWMutex
	subs    map[Channel]map[uint64]*Subscription
	nextID  uint64
	log     *slog.Logger
}

// New constructs an empty Hub. Per §9, constructors never perform I/O.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: map[Channel]map[uint64]*Subscription{
			ChannelAlarms:   {},
			ChannelCommands: {},
		},
		log: log,
	}
}

// Subscribe registers a new subscriber on channel. initial, if
// non-empty, is marshaled and pushed onto the subscriber's buffer
// before it is registered for live delivery, so the caller is
// guaranteed to receive the snapshot entries before any live payload
// (spec.md §4.I "Initial snapshot").
func (h *Hub) Subscribe(channel Channel, initial []map[string]any) (*Subscription, error) {
	bufSize := defaultBufferSize
	if len(initial) > bufSize {
		bufSize = len(initial) + defaultBufferSize
	}
	sub := &Subscription{channel: channel, ch: make(chan []byte, bufSize)}

	for _, payload := range initial {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		sub.ch <- b
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[channel][sub.id] = sub
	h.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.channel][sub.id]; !ok {
		return
	}
	delete(h.subs[sub.channel], sub.id)
	close(sub.ch)
}

// Broadcast marshals payload and delivers it to every live subscriber
// of channel. A subscriber whose buffer is full is evicted rather than
// blocking the publisher (spec.md §4.I, §9 "Publishers must not block
// on subscribers").
func (h *Hub) Broadcast(channel Channel, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("broadcast: marshal failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[channel]))
	for _, sub := range h.subs[channel] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var stale []*Subscription
	for _, sub := range targets {
		select {
		case sub.ch <- b:
		default:
			stale = append(stale, sub)
		}
	}
	for _, sub := range stale {
		h.log.Warn("broadcast: evicting slow subscriber", "channel", channel)
		h.Unsubscribe(sub)
	}
}

// SubscriberCount reports the live subscriber count for channel,
// useful for metrics and tests.
func (h *Hub) SubscriberCount(channel Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
