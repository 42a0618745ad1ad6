package live

import (
	"sync"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventType identifies what happened to a message.
type EventType string

const (
	EventInserted EventType = "inserted"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// Event is a single change notification for one channel's message log.
type Event struct {
	Type EventType      `json:"type"`
	Msg  models.Message `json:"message"`
	// Cursor is the store-native position of the affected record.
	Cursor string `json:"cursor,omitempty"`
	// Node identifies the originating process when events cross a bridge.
	Node string `json:"node,omitempty"`
}

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_live_events_total",
		Help: "Events published to the live hub by type.",
	}, []string{"type"})
	droppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_live_dropped_subscribers_total",
		Help: "Subscriptions dropped because their event buffer filled.",
	})
)

// Subscription is a cancellable handle on one channel's live event feed.
type Subscription struct {
	hub       *Hub
	channelID string
	after     string
	ch        chan Event
	closeOnce sync.Once
}

// Events returns the subscription's event feed. The channel is closed when
// the subscription is dropped or closed; no events are delivered after that.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans out message events to per-channel subscriber sets. Registration
// is synchronous so a caller holds a live subscription the moment Subscribe
// returns; publishes never block on slow consumers (they get dropped).
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]bool
	buffer   int
	bridge   Bridge
	node     string
}

// Bridge forwards locally published events to other nodes. Implemented by
// the Redis bridge; nil means single-node operation.
type Bridge interface {
	Forward(ev Event)
}

// NewHub creates a hub whose subscriptions buffer up to `buffer` events.
func NewHub(buffer int, node string) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		channels: make(map[string]map[*Subscription]bool),
		buffer:   buffer,
		node:     node,
	}
}

// SetBridge attaches a cross-node bridge. Must be called before serving.
func (h *Hub) SetBridge(b Bridge) { h.bridge = b }

// Node returns this hub's node identifier.
func (h *Hub) Node() string { return h.node }

// Subscribe registers a live subscription for one channel. Inserted events
// at or before afterCursor are filtered out so a caller who just fetched
// history is not re-sent it; modified/removed events always pass because
// they may concern already-fetched records.
func (h *Hub) Subscribe(channelID, afterCursor string) *Subscription {
	sub := &Subscription{
		hub:       h,
		channelID: channelID,
		after:     afterCursor,
		ch:        make(chan Event, h.buffer),
	}
	h.mu.Lock()
	if h.channels[channelID] == nil {
		h.channels[channelID] = make(map[*Subscription]bool)
	}
	h.channels[channelID][sub] = true
	n := len(h.channels[channelID])
	h.mu.Unlock()
	logger.Debug("subscription_opened", "channel", channelID, "subscribers", n)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	subs := h.channels[sub.channelID]
	removed := false
	if subs != nil && subs[sub] {
		delete(subs, sub)
		removed = true
		if len(subs) == 0 {
			delete(h.channels, sub.channelID)
		}
	}
	h.mu.Unlock()
	if removed {
		sub.closeOnce.Do(func() { close(sub.ch) })
		logger.Debug("subscription_closed", "channel", sub.channelID)
	}
}

// Publish delivers an event to every subscriber of its channel and forwards
// it across the bridge when one is attached.
func (h *Hub) Publish(ev Event) {
	if ev.Node == "" {
		ev.Node = h.node
	}
	h.deliver(ev)
	if h.bridge != nil && ev.Node == h.node {
		h.bridge.Forward(ev)
	}
}

// Inject delivers an event that arrived from another node. It is not
// re-forwarded to the bridge.
func (h *Hub) Inject(ev Event) {
	if ev.Node == h.node {
		return // our own event echoed back
	}
	h.deliver(ev)
}

func (h *Hub) deliver(ev Event) {
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()
	h.mu.RLock()
	subs := h.channels[ev.Msg.Channel]
	var drop []*Subscription
	for sub := range subs {
		if ev.Type == EventInserted && sub.after != "" && ev.Cursor != "" && ev.Cursor <= sub.after {
			continue // already covered by the subscriber's fetched history
		}
		select {
		case sub.ch <- ev:
		default:
			drop = append(drop, sub)
		}
	}
	h.mu.RUnlock()
	// a full buffer means the consumer stopped draining; cut it loose
	for _, sub := range drop {
		droppedSubscribers.Inc()
		logger.Warn("subscriber_dropped", "channel", sub.channelID)
		h.unsubscribe(sub)
	}
}

// CloseAll drops every subscription, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscription
	for _, subs := range h.channels {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range all {
		h.unsubscribe(sub)
	}
}
