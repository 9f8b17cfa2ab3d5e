// Package changebus implements best-effort, at-most-once fan-out of
// ChangeEvents to every local subscriber of a
// database, the publisher's own included, so non-writer tabs learn a sync or import happened without
// polling the Store. Delivery never blocks the publisher: a slow or absent
// subscriber simply misses events rather than stalling the writer.
package changebus

import (
	"sync"

	"github.com/npiesco/absurder-sql/pkg/metrics"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// Subscription is a channel one caller reads ChangeEvents from.
type Subscription chan types.ChangeEvent

// Bus routes ChangeEvents by database_name: each database has its own set
// of subscribers, so a broadcast for one database never wakes a
// subscriber watching another.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[Subscription]bool
	eventCh     chan types.ChangeEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New constructs a Bus and starts its distribution loop.
func New() *Bus {
	b := &Bus{
		subscribers: make(map[string]map[Subscription]bool),
		eventCh:     make(chan types.ChangeEvent, 100),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Stop halts the distribution loop. Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a buffered channel receiving every ChangeEvent
// published for databaseName from now on.
func (b *Bus) Subscribe(databaseName string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscription, 32)
	if b.subscribers[databaseName] == nil {
		b.subscribers[databaseName] = make(map[Subscription]bool)
	}
	b.subscribers[databaseName][sub] = true
	return sub
}

// Unsubscribe stops delivery to sub and closes it.
func (b *Bus) Unsubscribe(databaseName string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[databaseName]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, databaseName)
		}
	}
	close(sub)
}

// Publish queues event for distribution. Publish itself does not block on
// any individual subscriber; it only blocks if the internal distribution
// queue is full.
func (b *Bus) Publish(event types.ChangeEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event types.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.DatabaseName] {
		select {
		case sub <- event:
			metrics.ChangeEventsPublished.Inc()
		default:
			// Subscriber's buffer is full: best-effort, at-most-once
			// delivery means this event is simply dropped for it.
		}
	}
}

// SubscriberCount returns the number of active subscribers for databaseName.
func (b *Bus) SubscriberCount(databaseName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[databaseName])
}
