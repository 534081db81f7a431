package feed

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 64

// MemoryFeed is an in-process broker. It backs unit tests and single-process
// deployments where the store and its views share one binary.
type MemoryFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySubscription
}

// NewMemoryFeed returns an empty broker.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]*memorySubscription)}
}

// Publish fans the event out to every matching subscription. A subscriber
// that has fallen subscriptionBuffer events behind loses this one; stores
// recover on their next reload.
func (m *MemoryFeed) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("feed subscriber lagging, dropping event", "table", ev.Table, "type", ev.Type)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription.
func (m *MemoryFeed) Subscribe(_ context.Context, f Filter) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &memorySubscription{
		feed:   m,
		id:     m.nextID,
		filter: f,
		ch:     make(chan Event, subscriptionBuffer),
	}
	m.subs[sub.id] = sub
	return sub, nil
}

type memorySubscription struct {
	feed   *MemoryFeed
	id     int
	filter Filter
	ch     chan Event
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s.id)
		s.feed.mu.Unlock()
		close(s.ch)
	})
	return nil
}
