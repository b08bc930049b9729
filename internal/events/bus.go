// Package events provides a fan-out pub/sub bus so the Dispatcher's
// single-shot SSE hello and any future streaming endpoints can observe task
// lifecycle changes without polling the Store.
package events

import (
	"sync"
	"time"
)

// Kind identifies what changed.
type Kind string

const (
	KindTaskCreated Kind = "task_created"
	KindTaskUpdated Kind = "task_updated"
	KindUnitUpdated Kind = "unit_updated"
)

// Notification is a single event published through the bus.
type Notification struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub bus. Subscribers receive all notifications
// published after they subscribe; a subscriber that falls behind has
// notifications dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Notification
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Notification),
	}
}

// Publish sends a notification to all current subscribers.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// PublishTaskStatus is a convenience wrapper used by TaskEngine on every
// status transition.
func (b *Bus) PublishTaskStatus(taskID, status string) {
	b.Publish(Notification{Kind: KindTaskUpdated, TaskID: taskID, Status: status, Timestamp: time.Now()})
}

// PublishUnitStatus is a convenience wrapper used by Executor on every unit
// sub-status transition.
func (b *Bus) PublishUnitStatus(taskID, unit, status string) {
	b.Publish(Notification{Kind: KindUnitUpdated, TaskID: taskID, Unit: unit, Status: status, Timestamp: time.Now()})
}

// Subscribe returns a channel receiving all future notifications and a
// cancel function the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
