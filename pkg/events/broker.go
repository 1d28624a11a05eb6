package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/log"
)

// Sink is one subscriber's delivery channel. Send must not block
// indefinitely; a Send error removes the subscription.
type Sink interface {
	Send(event *Event) error
	Close() error
}

// subscription is one live subscriber.
type subscription struct {
	id           string
	userID       string
	sink         Sink
	lastActivity time.Time
}

// Broker fans events out to per-user subscribers with at-most-once,
// best-effort push semantics. Dropped events are not replayed; durable
// state lives in the job and finding records.
type Broker struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	stopCh        chan struct{}
	stopOnce      sync.Once
	heartbeat     time.Duration
	logger        zerolog.Logger
}

// NewBroker creates an event broker. heartbeat 0 uses the 30s default.
func NewBroker(heartbeat time.Duration) *Broker {
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}
	return &Broker{
		subscriptions: make(map[string]*subscription),
		stopCh:        make(chan struct{}),
		heartbeat:     heartbeat,
		logger:        log.WithComponent("events"),
	}
}

// Start begins the heartbeat and idle-reaper loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every sink.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscriptions {
		sub.sink.Close()
		delete(b.subscriptions, id)
	}
}

// Subscribe registers a sink for userID and returns the subscription id.
func (b *Broker) Subscribe(userID string, sink Sink) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subscriptions[id] = &subscription{
		id:           id,
		userID:       userID,
		sink:         sink,
		lastActivity: time.Now(),
	}
	b.logger.Debug().Str("subscription_id", id).Str("user_id", userID).Msg("Subscriber added")
	return id
}

// Unsubscribe removes a subscription and closes its sink.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscriptions[id]
	if ok {
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()

	if ok {
		sub.sink.Close()
	}
}

// PublishToUser delivers an event to every subscription of userID.
func (b *Broker) PublishToUser(userID string, event *Event) {
	b.deliver(event, func(sub *subscription) bool { return sub.userID == userID })
}

// Broadcast delivers an event to every subscription.
func (b *Broker) Broadcast(event *Event) {
	b.deliver(event, func(*subscription) bool { return true })
}

// deliver copies the matching sinks under the lock, then writes outside it.
// A write failure removes the subscription; there are no retries.
func (b *Broker) deliver(event *Event, match func(*subscription) bool) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if match(sub) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var failed []string
	now := time.Now()
	for _, sub := range targets {
		if err := sub.sink.Send(event); err != nil {
			b.logger.Debug().Err(err).Str("subscription_id", sub.id).Msg("Removing subscriber after failed write")
			failed = append(failed, sub.id)
			continue
		}
		sub.lastActivity = now
	}

	for _, id := range failed {
		b.Unsubscribe(id)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

func (b *Broker) run() {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Broadcast(NewHeartbeat())
			b.reapIdle()
		case <-b.stopCh:
			return
		}
	}
}

// reapIdle closes subscriptions whose sink has been silent for two
// heartbeat intervals.
func (b *Broker) reapIdle() {
	cutoff := time.Now().Add(-2 * b.heartbeat)

	b.mu.RLock()
	var idle []string
	for id, sub := range b.subscriptions {
		if sub.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range idle {
		b.logger.Debug().Str("subscription_id", id).Msg("Closing idle subscriber")
		b.Unsubscribe(id)
	}
}
