package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// broker is the part of *amqp091.Connection the transport uses.
type broker interface {
	Channel() (*amqp091.Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	NotifyBlocked(receiver chan amqp091.Blocking) chan amqp091.Blocking
	Close() error
}

// conn is one AMQP connection with its single channel.
//
// Closure of either the connection or its channel ends the session: the
// reason is reported once on Closed and the connection is torn down.
type conn struct {
	raw    broker
	cfg    config.AMQPConfig
	logger Logger

	// blocked is set while the broker has a resource alarm raised.
	blocked atomic.Bool

	connErrs chan *amqp091.Error
	chanErrs chan *amqp091.Error

	closed chan error
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex
	ch *channel
}

func newConn(raw broker, cfg config.AMQPConfig, logger Logger) *conn {
	c := &conn{
		raw:      raw,
		cfg:      cfg,
		logger:   logger,
		connErrs: raw.NotifyClose(make(chan *amqp091.Error, 1)),
		chanErrs: make(chan *amqp091.Error, 1),
		closed:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	blocking := raw.NotifyBlocked(make(chan amqp091.Blocking, 1))

	go c.watch()
	go c.watchBlocked(blocking)
	return c
}

// Channel implements messaging.Connection. The channel is opened once; later
// calls return it.
func (c *conn) Channel(_ context.Context) (messaging.Channel, error) {
	if c.isDone() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		return c.ch, nil
	}

	raw, err := c.raw.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelFailed, err)
	}
	if c.cfg.Prefetch > 0 {
		if err := raw.Qos(c.cfg.Prefetch, 0, false); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("%w: setting prefetch: %w", ErrChannelFailed, err)
		}
	}

	ch := newChannel(c, raw)
	raw.NotifyClose(c.chanErrs)
	go ch.watchFlow(raw.NotifyFlow(make(chan bool, 1)))

	c.ch = ch
	return ch, nil
}

// Closed implements messaging.Connection.
func (c *conn) Closed() <-chan error {
	return c.closed
}

// Close implements messaging.Connection. Safe to call more than once.
func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown ends the session once. A nil reason is a deliberate close.
func (c *conn) shutdown(reason error) {
	c.once.Do(func() {
		close(c.done)
		_ = c.raw.Close()
		if reason != nil {
			c.closed <- reason
		}
		close(c.closed)
	})
}

func (c *conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// watch turns the first broker-initiated close of the connection or channel
// into the session's closure reason.
func (c *conn) watch() {
	var reason *amqp091.Error
	var ok bool

	select {
	case reason, ok = <-c.connErrs:
	case reason, ok = <-c.chanErrs:
	case <-c.done:
		return
	}

	if !ok || reason == nil {
		// Notification channels close without a value on a clean shutdown.
		c.shutdown(fmt.Errorf("%w: closed", ErrConnectionLost))
		return
	}
	c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, reason))
}

// watchBlocked tracks connection.blocked notifications (resource alarms).
func (c *conn) watchBlocked(blocking <-chan amqp091.Blocking) {
	for b := range blocking {
		c.blocked.Store(b.Active)
		if c.logger != nil {
			c.logger.Warn("AMQP connection flow state changed",
				"blocked", b.Active,
				"reason", b.Reason,
			)
		}
	}
}
