// Package stream distributes desk state changes to presentation consumers.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HubConfig holds configuration for the Stream Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:                1000,
		SubscriberBufferSize:      100,
		SlowConsumerDropThreshold: 10,
	}
}

// Event is one published state snapshot.
type Event struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	Key     string    `json:"key,omitempty"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type eventKey struct {
	topic string
	key   string
}

// Hub fans published events out to subscribers. Publish never blocks the
// caller; slow subscribers lose events rather than stall the desk.
type Hub struct {
	config      HubConfig
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	latest      map[eventKey]Event
	seq         uint64
	eventChan   chan Event
	done        chan struct{}
	started     bool
	consumers   []Consumer
	consumersMu sync.RWMutex

	// Metrics
	eventsReceived  uint64
	eventsBroadcast uint64
	eventsDropped   uint64
	metricsMu       sync.RWMutex
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	ID           string
	Topics       []string
	Channel      chan Event
	DroppedCount int
	CreatedAt    time.Time
}

// Wants reports whether the subscriber listens to topic. No topics means all.
func (s *Subscriber) Wants(topic string) bool {
	return len(s.Topics) == 0 || containsTopic(s.Topics, topic)
}

// NewHub creates a new stream hub with default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a new stream hub with custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		logger:      logger.With().Str("component", "hub").Logger(),
		subscribers: make(map[string]*Subscriber),
		latest:      make(map[eventKey]Event),
		eventChan:   make(chan Event, config.BufferSize),
		done:        make(chan struct{}),
		consumers:   make([]Consumer, 0),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
	return nil
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.eventChan:
			h.metricsMu.Lock()
			h.eventsReceived++
			h.metricsMu.Unlock()

			h.broadcast(ev)
			h.notifyConsumers(ev)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}

	close(h.done)
	h.started = false

	for id, sub := range h.subscribers {
		close(sub.Channel)
		delete(h.subscribers, id)
	}
}

// Subscribe registers a subscriber for topics (all topics when none given).
// The latest event of each matching topic/key is replayed first so a late
// subscriber starts from current state. An event queued before the call may
// arrive again after the replay; Seq orders them.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		Topics:    topics,
		Channel:   make(chan Event, h.config.SubscriberBufferSize),
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.snapshotLocked(topics) {
		select {
		case sub.Channel <- ev:
		default:
			sub.DroppedCount++
		}
	}
	h.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		close(sub.Channel)
		delete(h.subscribers, id)
	}
}

// Publish records payload as the latest state for topic/key and queues it for
// distribution. If the internal buffer is full the event is dropped, but the
// latest snapshot is still updated.
func (h *Hub) Publish(topic, key string, payload any) {
	h.mu.Lock()
	h.seq++
	ev := Event{Seq: h.seq, Topic: topic, Key: key, Payload: payload, At: time.Now()}
	h.latest[eventKey{topic, key}] = ev
	h.mu.Unlock()

	select {
	case h.eventChan <- ev:
	default:
		h.metricsMu.Lock()
		h.eventsDropped++
		h.metricsMu.Unlock()
	}
}

// Latest returns the most recent event for topic/key.
func (h *Hub) Latest(topic, key string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.latest[eventKey{topic, key}]
	return ev, ok
}

// Snapshot returns the latest event of every topic/key in topics, ordered by
// sequence.
func (h *Hub) Snapshot(topics ...string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked(topics)
}

func (h *Hub) snapshotLocked(topics []string) []Event {
	out := make([]Event, 0, len(h.latest))
	for k, ev := range h.latest {
		if len(topics) == 0 || containsTopic(topics, k.topic) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// broadcast uses non-blocking sends so one slow consumer cannot block others.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.Wants(ev.Topic) {
			continue
		}
		select {
		case sub.Channel <- ev:
			sub.DroppedCount = 0
			h.metricsMu.Lock()
			h.eventsBroadcast++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			if sub.DroppedCount == h.config.SlowConsumerDropThreshold {
				h.logger.Warn().Str("subscriber", sub.ID).Int("dropped", sub.DroppedCount).Msg("Slow subscriber is dropping events")
			}
			h.metricsMu.Lock()
			h.eventsDropped++
			h.metricsMu.Unlock()
		}
	}
}

// GetSubscriberCount returns the number of subscribers.
func (h *Hub) GetSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	subscribers := h.GetSubscriberCount()

	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()

	return HubMetrics{
		EventsReceived:  h.eventsReceived,
		EventsBroadcast: h.eventsBroadcast,
		EventsDropped:   h.eventsDropped,
		Subscribers:     subscribers,
	}
}

// HubMetrics contains hub performance metrics.
type HubMetrics struct {
	EventsReceived  uint64 `json:"events_received"`
	EventsBroadcast uint64 `json:"events_broadcast"`
	EventsDropped   uint64 `json:"events_dropped"`
	Subscribers     int    `json:"subscribers"`
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Consumer processes events in-process, without a channel.
type Consumer interface {
	// OnEvent is called for every event on a topic the consumer wants.
	OnEvent(ev Event)
	// Topics returns the topics this consumer is interested in.
	// Return nil or empty slice to receive all events.
	Topics() []string
}

// RegisterConsumer adds a consumer to receive events.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// UnregisterConsumer removes a consumer.
func (h *Hub) UnregisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	defer h.consumersMu.Unlock()

	for i, c := range h.consumers {
		if c == consumer {
			h.consumers = append(h.consumers[:i], h.consumers[i+1:]...)
			break
		}
	}
}

// notifyConsumers calls consumers in order on the broadcast goroutine.
func (h *Hub) notifyConsumers(ev Event) {
	h.consumersMu.RLock()
	consumers := make([]Consumer, len(h.consumers))
	copy(consumers, h.consumers)
	h.consumersMu.RUnlock()

	for _, consumer := range consumers {
		topics := consumer.Topics()
		if len(topics) == 0 || containsTopic(topics, ev.Topic) {
			consumer.OnEvent(ev)
		}
	}
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ConsumerFunc is a function adapter for Consumer interface.
type ConsumerFunc struct {
	topics    []string
	onEventFn func(Event)
}

// NewConsumerFunc creates a new ConsumerFunc.
func NewConsumerFunc(topics []string, onEvent func(Event)) *ConsumerFunc {
	return &ConsumerFunc{
		topics:    topics,
		onEventFn: onEvent,
	}
}

// OnEvent implements Consumer.
func (c *ConsumerFunc) OnEvent(ev Event) {
	if c.onEventFn != nil {
		c.onEventFn(ev)
	}
}

// Topics implements Consumer.
func (c *ConsumerFunc) Topics() []string {
	return c.topics
}
