// ABOUTME: In-memory fan-out of notifications to live stream subscribers
// ABOUTME: Feeds the SSE and WebSocket notification endpoints without blocking the pipeline

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// AllObservers subscribes to every notification regardless of observer.
const AllObservers = ""

// Broadcaster provides in-memory pub/sub for notifications. Subscribers
// register for one observer id, or AllObservers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Notification // observerID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Notification),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for notifications to observerID. The subscription is
// removed and the channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, observerID string) (<-chan *Notification, string) {
	subID := uuid.New().String()
	ch := make(chan *Notification, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[observerID]; !ok {
		b.subscribers[observerID] = make(map[string]chan *Notification)
	}
	b.subscribers[observerID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "observer_id", observerID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(observerID, subID)
	}()

	return ch, subID
}

// Notify implements Notifier. It never blocks and never fails: slow
// subscribers simply miss notifications.
func (b *Broadcaster) Notify(_ context.Context, n *Notification) error {
	b.mu.RLock()
	var targets []chan *Notification
	for _, ch := range b.subscribers[n.ObserverID] {
		targets = append(targets, ch)
	}
	if n.ObserverID != AllObservers {
		for _, ch := range b.subscribers[AllObservers] {
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- n:
		default:
			b.logger.Debug("dropped notification for slow subscriber", "notification_id", n.ID)
		}
	}
	b.mu.RUnlock()
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(observerID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[observerID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, observerID)
	}

	b.logger.Debug("subscriber removed", "observer_id", observerID, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for observerID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, observerID)
	}
	b.logger.Debug("broadcaster closed")
}
