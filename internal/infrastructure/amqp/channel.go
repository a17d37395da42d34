package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// channel implements messaging.Channel on one amqp091 channel.
type channel struct {
	conn *conn
	raw  *amqp091.Channel

	// paused is set while the broker has sent channel.flow(active=false).
	paused atomic.Bool

	mu       sync.Mutex
	declared map[string]struct{}
}

func newChannel(c *conn, raw *amqp091.Channel) *channel {
	return &channel{
		conn:     c,
		raw:      raw,
		declared: make(map[string]struct{}),
	}
}

// DeclareQueue implements messaging.Channel. An empty name lets the broker
// generate one (amq.gen-...).
func (ch *channel) DeclareQueue(_ context.Context, name string, opts messaging.QueueOptions) (string, error) {
	q, err := ch.raw.QueueDeclare(name, opts.Durable, opts.AutoDelete, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("%w: queue %q: %w", ErrDeclareFailed, name, err)
	}
	return q.Name, nil
}

// BindQueue implements messaging.Channel.
func (ch *channel) BindQueue(_ context.Context, queue, exchange, bindingKey string) error {
	if err := ch.ensureExchange(exchange); err != nil {
		return err
	}
	if err := ch.raw.QueueBind(queue, bindingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("%w: %s -> %s (%s): %w", ErrBindFailed, exchange, queue, bindingKey, err)
	}
	return nil
}

// Publish implements messaging.Channel.
//
// While the broker has paused the channel or blocked the connection, the
// publish is refused with messaging.ErrBackpressure instead of queuing in
// the client.
func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := ch.backpressure(); err != nil {
		return err
	}
	if err := ch.ensureExchange(exchange); err != nil {
		return err
	}

	err := ch.raw.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp091.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return fmt.Errorf("%w: %w", ErrPublishFailed, err)
}

// Consume implements messaging.Channel. Deliveries are acknowledged
// individually through messaging.Delivery.Ack.
func (ch *channel) Consume(_ context.Context, queue string) (<-chan messaging.Delivery, error) {
	src, err := ch.raw.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: queue %q: %w", ErrConsumeFailed, queue, err)
	}

	out := make(chan messaging.Delivery)
	go ch.forward(src, out)
	return out, nil
}

// forward converts amqp091 deliveries until the source or the connection ends.
func (ch *channel) forward(src <-chan amqp091.Delivery, out chan<- messaging.Delivery) {
	defer close(out)
	for d := range src {
		d := d
		md := messaging.NewDelivery(d.RoutingKey, d.Body, func() error {
			return d.Ack(false)
		})
		select {
		case out <- md:
		case <-ch.conn.done:
			return
		}
	}
}

// backpressure reports whether the broker currently refuses publishes.
func (ch *channel) backpressure() error {
	switch {
	case ch.conn.blocked.Load():
		return fmt.Errorf("%w: connection blocked by broker resource alarm", messaging.ErrBackpressure)
	case ch.paused.Load():
		return fmt.Errorf("%w: channel paused by broker", messaging.ErrBackpressure)
	}
	return nil
}

// ensureExchange declares exchange once per channel when configured to.
func (ch *channel) ensureExchange(exchange string) error {
	if !ch.conn.cfg.DeclareExchanges || exchange == "" {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.declared[exchange]; ok {
		return nil
	}
	if err := ch.raw.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: exchange %q: %w", ErrDeclareFailed, exchange, err)
	}
	ch.declared[exchange] = struct{}{}
	return nil
}

// watchFlow tracks channel.flow notifications.
func (ch *channel) watchFlow(flow <-chan bool) {
	for active := range flow {
		ch.paused.Store(!active)
		if ch.conn.logger != nil {
			ch.conn.logger.Warn("AMQP channel flow changed", "active", active)
		}
	}
}
