package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Fake Transport
// =============================================================================

// fakeTransport is an in-package Transport that records every broker call.
type fakeTransport struct {
	mu       sync.Mutex
	failNext []error
	conns    []*fakeConn
	attempts int
}

var errFakeRefused = errors.New("fake: connection refused")

// failConnects makes the next n Connect calls fail.
func (t *fakeTransport) failConnects(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for range n {
		t.failNext = append(t.failNext, errFakeRefused)
	}
}

func (t *fakeTransport) Connect(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		return nil, err
	}

	c := &fakeConn{
		closed:  make(chan error, 1),
		channel: &fakeChannel{seq: len(t.conns) + 1},
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) attemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *fakeTransport) connCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// conn returns the i-th successful connection (0-based).
func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

type fakeConn struct {
	closed    chan error
	closeOnce sync.Once
	channel   *fakeChannel
}

func (c *fakeConn) Channel(ctx context.Context) (Channel, error) {
	return c.channel, nil
}

func (c *fakeConn) Closed() <-chan error {
	return c.closed
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.channel.shutdown()
		close(c.closed)
	})
	return nil
}

// sever simulates an unexpected connection loss.
func (c *fakeConn) sever(reason error) {
	c.closeOnce.Do(func() {
		c.channel.shutdown()
		c.closed <- reason
		close(c.closed)
	})
}

type fakeBinding struct {
	queue, exchange, key string
}

type fakePublish struct {
	exchange, routingKey string
	body                 []byte
}

type fakeChannel struct {
	seq int

	mu          sync.Mutex
	queues      []string
	bindings    []fakeBinding
	published   []fakePublish
	publishErrs map[string]error
	deliveries  chan Delivery
	consumers   int
	acks        atomic.Int32
	down        bool
}

func (c *fakeChannel) DeclareQueue(ctx context.Context, name string, opts QueueOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		name = "amq.gen-" + strconv.Itoa(c.seq)
	}
	c.queues = append(c.queues, name)
	return name, nil
}

func (c *fakeChannel) BindQueue(ctx context.Context, queue, exchange, bindingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("fake: channel closed")
	}
	c.bindings = append(c.bindings, fakeBinding{queue, exchange, bindingKey})
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("fake: channel closed")
	}
	if err := c.publishErrs[exchange]; err != nil {
		return err
	}
	c.published = append(c.published, fakePublish{exchange, routingKey, body})
	return nil
}

func (c *fakeChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, errors.New("fake: channel closed")
	}
	c.consumers++
	if c.deliveries == nil {
		c.deliveries = make(chan Delivery, 16)
	}
	return c.deliveries, nil
}

func (c *fakeChannel) failPublish(exchange string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErrs == nil {
		c.publishErrs = make(map[string]error)
	}
	c.publishErrs[exchange] = err
}

// deliver pushes body to the consumer as if routed with routingKey.
func (c *fakeChannel) deliver(routingKey string, body []byte) {
	c.mu.Lock()
	ch := c.deliveries
	c.mu.Unlock()
	ch <- NewDelivery(routingKey, body, func() error {
		c.acks.Add(1)
		return nil
	})
}

func (c *fakeChannel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = true
	if c.deliveries != nil {
		close(c.deliveries)
		c.deliveries = nil
	}
}

func (c *fakeChannel) bindingKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(c.bindings))
	for i, b := range c.bindings {
		keys[i] = b.key
	}
	return keys
}

func (c *fakeChannel) publishes() []fakePublish {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakePublish, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeChannel) consumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumers
}

// =============================================================================
// Helpers
// =============================================================================

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sequentialIDs returns an id generator producing "id-1", "id-2", ...
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
}

// eventRecorder collects observed events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}
