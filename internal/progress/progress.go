// Package progress fans out per-adapter sync progress events to listeners.
// Delivery is best effort: a listener whose mailbox is full misses events
// and should re-query sync status instead of relying on ordering.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Adapter statuses carried by events
const (
	StatusSyncing = "syncing"
	StatusIdle    = "idle"
	StatusError   = "error"
)

// DefaultMailboxSize is the per-subscriber buffer
const DefaultMailboxSize = 64

// Event reports a change in one adapter's sync state
type Event struct {
	Adapter      string     `json:"adapter"`
	Status       string     `json:"status"`
	LastSync     *time.Time `json:"lastSync,omitempty"`
	RecordCount  int        `json:"recordCount"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Stats tracks broker delivery
type Stats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Broker distributes events to subscribers
type Broker struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextID      uint64
	mailboxSize int
	logger      *slog.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates a broker whose subscribers buffer up to mailboxSize events
func NewBroker(mailboxSize int, logger *slog.Logger) *Broker {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Broker{
		subscribers: make(map[uint64]chan Event),
		mailboxSize: mailboxSize,
		logger:      logger,
	}
}

// Publish delivers event to every subscriber without blocking
func (b *Broker) Publish(event Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, mailbox := range b.subscribers {
		select {
		case mailbox <- event:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			b.logger.Warn("progress mailbox full, dropping event",
				"subscriber", id,
				"adapter", event.Adapter,
				"status", event.Status)
		}
	}
}

// Subscribe registers a listener. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	mailbox := make(chan Event, b.mailboxSize)
	b.subscribers[id] = mailbox
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(mailbox)
		})
	}

	return mailbox, cancel
}

// GetStats returns a snapshot of delivery counters
func (b *Broker) GetStats() Stats {
	b.mu.RLock()
	subscribers := len(b.subscribers)
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
	}
}
