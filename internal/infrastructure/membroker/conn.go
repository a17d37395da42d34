package membroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// Conn is one connection to a Broker. It implements messaging.Connection.
type Conn struct {
	broker *Broker
	closed chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Channel opens the connection's channel.
func (c *Conn) Channel(ctx context.Context) (messaging.Channel, error) {
	if c.isDone() {
		return nil, ErrConnectionClosed
	}
	return &channel{conn: c}, nil
}

// Closed implements messaging.Connection.
func (c *Conn) Closed() <-chan error {
	return c.closed
}

// Close implements messaging.Connection.
func (c *Conn) Close() error {
	c.drop(nil)
	return nil
}

// drop ends the connection once and waits for its consumers to stop. A nil
// reason marks a deliberate close.
func (c *Conn) drop(reason error) {
	c.once.Do(func() {
		c.broker.mu.Lock()
		close(c.done)
		c.broker.mu.Unlock()

		c.wg.Wait()
		c.broker.release(c)
		if reason != nil {
			c.closed <- reason
		}
		close(c.closed)
	})
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type channel struct {
	conn *Conn
}

func (ch *channel) DeclareQueue(ctx context.Context, name string, opts messaging.QueueOptions) (string, error) {
	if ch.conn.isDone() {
		return "", ErrConnectionClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		name = b.nextQueueName()
	}
	if _, ok := b.queues[name]; !ok {
		q := &queue{
			name:       name,
			autoDelete: opts.AutoDelete,
			wake:       make(chan struct{}, 1),
		}
		if opts.AutoDelete {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	return name, nil
}

func (ch *channel) BindQueue(ctx context.Context, queueName, exchange, bindingKey string) error {
	if ch.conn.isDone() {
		return ErrConnectionClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %q", ErrQueueNotFound, queueName)
	}
	for _, bd := range b.bindings {
		if bd.queue == queueName && bd.exchange == exchange && bd.key == bindingKey {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, key: bindingKey, queue: queueName})
	return nil
}

func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if ch.conn.isDone() {
		return ErrConnectionClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flow[exchange] {
		return messaging.ErrBackpressure
	}
	b.route(exchange, routingKey, body)
	return nil
}

func (ch *channel) Consume(ctx context.Context, queueName string) (<-chan messaging.Delivery, error) {
	c := ch.conn
	b := c.broker

	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, queueName)
	}
	// done is closed under b.mu, so this check and Add cannot race drop's Wait.
	if c.isDone() {
		b.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.wg.Add(1)
	b.mu.Unlock()

	out := make(chan messaging.Delivery)
	go c.pump(q, out)
	return out, nil
}

// pump moves messages from q to out until the connection ends. A message
// popped but not handed over is put back at the head of the queue.
func (c *Conn) pump(q *queue, out chan<- messaging.Delivery) {
	defer c.wg.Done()
	defer close(out)

	b := c.broker
	for {
		b.mu.Lock()
		if len(q.msgs) == 0 {
			b.mu.Unlock()
			select {
			case <-c.done:
				return
			case <-q.wake:
				continue
			}
		}
		m := q.msgs[0]
		q.msgs = q.msgs[1:]
		if len(q.msgs) > 0 {
			signal(q.wake)
		}
		b.mu.Unlock()

		d := messaging.NewDelivery(m.routingKey, m.body, func() error {
			b.acks.Add(1)
			return nil
		})

		select {
		case out <- d:
		case <-c.done:
			b.mu.Lock()
			q.msgs = append([]message{m}, q.msgs...)
			b.mu.Unlock()
			return
		}
	}
}
