// Package stream distributes live price samples and trigger messages to
// connected clients.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/logging"
	"pricewatch/internal/models"
	"pricewatch/internal/notify"
)

// EventType is the kind of a stream event.
type EventType string

const (
	EventPrice       EventType = "price"
	EventEvicted     EventType = "evicted"
	EventAlert       EventType = "alert"
	EventOperational EventType = "operational"
)

// Event is one message delivered to subscribers.
type Event struct {
	Type    EventType           `json:"type"`
	Symbol  string              `json:"symbol,omitempty"`
	Sample  *models.PriceSample `json:"sample,omitempty"`
	Message *notify.Message     `json:"message,omitempty"`

	// owner limits alert events to the alert's owner
	owner string
}

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBufferSize:      64,
		SlowConsumerDropThreshold: 10,
	}
}

// Hub fans events out to subscribers. Sends never block: a subscriber
// whose buffer is full misses the event.
//
// Hub implements monitor.PriceSink for price samples and notify.Transport
// for trigger and operational messages.
type Hub struct {
	config HubConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64
	closed      bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Subscriber is one stream consumer.
type Subscriber struct {
	ID        uint64
	Owner     string
	CreatedAt time.Time

	symbols map[string]bool
	ch      chan Event
	// consecutive drops
	misses atomic.Int64
}

// Events returns the channel the subscriber reads from. It is closed on
// Unsubscribe or Close.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// wants reports whether the event passes the subscriber's filters. Price
// and eviction events follow the symbol filter, alert events the owner.
func (s *Subscriber) wants(e Event) bool {
	switch e.Type {
	case EventPrice, EventEvicted:
		return len(s.symbols) == 0 || s.symbols[e.Symbol]
	case EventAlert:
		if s.Owner != "" && e.owner != s.Owner {
			return false
		}
		return len(s.symbols) == 0 || s.symbols[e.Symbol]
	default:
		return true
	}
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// NewHub creates a hub.
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	if config.SubscriberBufferSize < 1 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	if config.SlowConsumerDropThreshold < 1 {
		config.SlowConsumerDropThreshold = DefaultHubConfig().SlowConsumerDropThreshold
	}
	return &Hub{
		config:      config,
		logger:      logging.WithComponent(logger, "stream"),
		subscribers: make(map[uint64]*Subscriber),
	}
}

// Subscribe adds a subscriber. An empty symbol list receives every symbol.
// Subscribing to a closed hub returns a subscriber with a closed channel.
func (h *Hub) Subscribe(owner string, symbols []string) *Subscriber {
	sub := &Subscriber{
		Owner:     owner,
		CreatedAt: time.Now(),
		symbols:   make(map[string]bool, len(symbols)),
		ch:        make(chan Event, h.config.SubscriberBufferSize),
	}
	for _, s := range symbols {
		if s = models.CanonicalSymbol(s); s != "" {
			sub.symbols[s] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.nextID++
	sub.ID = h.nextID
	h.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.ch)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// Publish distributes a price sample.
func (h *Hub) Publish(symbol string, sample models.PriceSample) {
	h.broadcast(Event{Type: EventPrice, Symbol: symbol, Sample: &sample})
}

// Evict tells subscribers that symbol is no longer watched.
func (h *Hub) Evict(symbol string) {
	h.broadcast(Event{Type: EventEvicted, Symbol: symbol})
}

// Name implements notify.Transport.
func (h *Hub) Name() string { return "stream" }

// IsEnabled implements notify.Transport.
func (h *Hub) IsEnabled() bool { return true }

// Send implements notify.Transport. Alert messages reach only the owner's
// subscribers; operational messages reach everyone.
func (h *Hub) Send(_ context.Context, m notify.Message) error {
	e := Event{Type: EventOperational, Message: &m}
	if m.Kind == notify.KindAlert {
		e.Type = EventAlert
		e.Symbol, _ = m.Data["symbol"].(string)
		e.owner, _ = m.Data["user_id"].(string)
	}
	h.broadcast(e)
	return nil
}

func (h *Hub) broadcast(e Event) {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subscribers {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
			sub.misses.Store(0)
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			if n := sub.misses.Add(1); n == int64(h.config.SlowConsumerDropThreshold) {
				h.logger.Warn().
					Uint64("subscriber", sub.ID).
					Str("owner", sub.Owner).
					Int64("consecutive_drops", n).
					Msg("Slow stream consumer, dropping events")
			}
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// GetMetrics returns hub counters.
func (h *Hub) GetMetrics() HubMetrics {
	return HubMetrics{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: h.Subscribers(),
	}
}
