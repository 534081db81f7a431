package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "linkshare.feed"

// AMQPFeed transports events over a RabbitMQ topic exchange, one routing key
// per table. Deployments that already run a broker use this instead of the
// Redis transport.
type AMQPFeed struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	exchange string
}

// NewAMQPFeed dials the broker and declares the feed exchange.
func NewAMQPFeed(url, exchange string) (*AMQPFeed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("feed amqp url is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, "topic", false, true, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare feed exchange: %w", err)
	}
	return &AMQPFeed{conn: conn, pub: pub, exchange: exchange}, nil
}

// Publish sends the event with the table name as routing key.
func (f *AMQPFeed) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	err = f.pub.PublishWithContext(ctx, f.exchange, string(ev.Table), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        raw,
	})
	if err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

// Subscribe binds an exclusive queue to the exchange for the filter's table
// ("#" when unset) and consumes it on a dedicated channel.
func (f *AMQPFeed) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare feed queue: %w", err)
	}
	key := "#"
	if filter.Table != "" {
		key = string(filter.Table)
	}
	if err := ch.QueueBind(q.Name, key, f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind feed queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume feed queue: %w", err)
	}
	sub := &amqpSubscription{
		ch:  ch,
		out: make(chan Event, subscriptionBuffer),
	}
	go sub.run(deliveries, filter)
	return sub, nil
}

// Close shuts down the publisher connection and all subscriptions on it.
func (f *AMQPFeed) Close() error {
	return f.conn.Close()
}

type amqpSubscription struct {
	ch   *amqp.Channel
	out  chan Event
	once sync.Once
}

func (s *amqpSubscription) run(deliveries <-chan amqp.Delivery, filter Filter) {
	defer close(s.out)
	for d := range deliveries {
		var ev Event
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			slog.Warn("feed: dropping undecodable event", "err", err)
			continue
		}
		if !filter.Match(ev) {
			continue
		}
		select {
		case s.out <- ev:
		default:
			slog.Warn("feed subscriber lagging, dropping event", "table", ev.Table, "type", ev.Type)
		}
	}
}

func (s *amqpSubscription) Events() <-chan Event { return s.out }

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ch.Close()
	})
	return err
}
