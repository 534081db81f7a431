package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "linkshare:feed"

// RedisFeed transports events over Redis pub/sub so multiple processes see
// the same change stream. One Redis channel per table.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisFeed connects a feed to the given Redis instance.
func NewRedisFeed(addr, password, prefix string) (*RedisFeed, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("feed redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisFeed{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
	}, nil
}

func (f *RedisFeed) channel(table Table) string {
	return f.prefix + ":" + string(table)
}

// Publish marshals the event and publishes it on the table's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(ev.Table), raw).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription matching the filter. An empty
// filter table subscribes to every table via pattern.
func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	var pubsub *redis.PubSub
	if filter.Table == "" {
		pubsub = f.client.PSubscribe(ctx, f.prefix+":*")
	} else {
		pubsub = f.client.Subscribe(ctx, f.channel(filter.Table))
	}
	// Force the subscription onto the wire before returning so callers do
	// not miss events published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe feed: %w", err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Event, subscriptionBuffer),
	}
	go sub.run(filter)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Event
	once   sync.Once
}

func (s *redisSubscription) run(filter Filter) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("feed: dropping undecodable event", "err", err)
			continue
		}
		if !filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Warn("feed subscriber lagging, dropping event", "table", ev.Table, "type", ev.Type)
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
