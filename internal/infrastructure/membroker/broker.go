package membroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// Domain-specific errors for the in-memory broker.
var (
	// ErrConnectionRefused is returned by Connect while FailConnects is active.
	ErrConnectionRefused = errors.New("membroker: connection refused")

	// ErrConnectionClosed is returned by channel operations after the
	// connection ended.
	ErrConnectionClosed = errors.New("membroker: connection closed")

	// ErrQueueNotFound is returned when binding or consuming an undeclared queue.
	ErrQueueNotFound = errors.New("membroker: queue not found")

	// ErrSevered is the closure reason reported by Sever when none is given.
	ErrSevered = errors.New("membroker: connection severed")
)

type binding struct {
	exchange string
	key      string
	queue    string
}

type message struct {
	routingKey string
	body       []byte
}

type queue struct {
	name       string
	autoDelete bool
	owner      *Conn
	msgs       []message
	wake       chan struct{}
}

// Broker is an in-process broker with topic exchange semantics.
//
// Exchanges exist implicitly. A message published to an exchange is copied
// once into every queue with at least one matching binding on that exchange.
// Auto-delete queues disappear, with their bindings, when the connection that
// declared them closes.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	bindings []binding
	conns    map[*Conn]struct{}
	flow     map[string]bool
	failNext int
	seq      int

	attempts atomic.Int64
	acks     atomic.Int64
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Conn]struct{}),
		flow:   make(map[string]bool),
	}
}

// Connect implements messaging.Transport.
func (b *Broker) Connect(ctx context.Context) (messaging.Connection, error) {
	b.attempts.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return nil, ErrConnectionRefused
	}

	c := &Conn{
		broker: b,
		closed: make(chan error, 1),
		done:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailConnects makes the next n Connect calls fail.
func (b *Broker) FailConnects(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// SetBackpressure turns flow control for exchange on or off. While on, every
// publish to it fails with messaging.ErrBackpressure.
func (b *Broker) SetBackpressure(exchange string, on bool) {
	b.mu.Lock()
	b.flow[exchange] = on
	b.mu.Unlock()
}

// Sever drops every live connection as if the broker went away. reason is
// reported on each connection's Closed channel.
func (b *Broker) Sever(reason error) {
	if reason == nil {
		reason = ErrSevered
	}

	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.drop(reason)
	}
}

// Inject publishes a raw body, bypassing any connection. It returns the
// number of queues the message was routed to.
func (b *Broker) Inject(exchange, routingKey string, body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchange, routingKey, body)
}

// Connections returns the number of live connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ConnectAttempts returns the number of Connect calls so far.
func (b *Broker) ConnectAttempts() int {
	return int(b.attempts.Load())
}

// Acks returns the number of acknowledged deliveries.
func (b *Broker) Acks() int {
	return int(b.acks.Load())
}

// Bindings returns the binding keys of queue in declaration order.
func (b *Broker) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, bd := range b.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// QueueDepth returns the number of undelivered messages in queue, or -1 if it
// does not exist.
func (b *Broker) QueueDepth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return -1
	}
	return len(q.msgs)
}

// route copies a message into every queue bound to exchange with a matching
// key. Caller must hold b.mu.
func (b *Broker) route(exchange, routingKey string, body []byte) int {
	seen := make(map[string]struct{})
	for _, bd := range b.bindings {
		if bd.exchange != exchange {
			continue
		}
		if _, dup := seen[bd.queue]; dup {
			continue
		}
		if !topicMatch(bd.key, routingKey) {
			continue
		}
		q, ok := b.queues[bd.queue]
		if !ok {
			continue
		}
		seen[bd.queue] = struct{}{}
		q.msgs = append(q.msgs, message{routingKey: routingKey, body: append([]byte(nil), body...)})
		signal(q.wake)
	}
	return len(seen)
}

// release removes c and every auto-delete queue it owns.
func (b *Broker) release(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c)
	for name, q := range b.queues {
		if q.autoDelete && q.owner == c {
			delete(b.queues, name)
		}
	}
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if _, ok := b.queues[bd.queue]; ok {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

func (b *Broker) nextQueueName() string {
	b.seq++
	return fmt.Sprintf("amq.gen-%d", b.seq)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
