package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// Transport implements messaging.Transport over an MQTT broker using
// paho.mqtt.golang.
//
// Every Connect opens a fresh paho client. Topic translation is described on
// Topics; a fixed input queue becomes an MQTT shared subscription group so
// that several bus instances with the same queue split the traffic.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	cfg    config.MQTTConfig
	qos    byte
	will   *Will
	logger Logger

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures a Transport.
type Option func(*Transport)

// WithWill registers a Last Will and Testament published by the broker when
// a connection drops without a clean disconnect.
func WithWill(will Will) Option {
	return func(t *Transport) {
		t.will = &will
	}
}

// WithLogger sets a logger for dispatch errors and panics.
func WithLogger(logger Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an MQTT transport. No connection is made until Connect.
func New(cfg config.MQTTConfig, opts ...Option) (*Transport, error) {
	qos, err := validateQoS(cfg.QoS)
	if err != nil {
		return nil, err
	}
	t := &Transport{cfg: cfg, qos: qos, newClient: pahomqtt.NewClient}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures the Last Will and Testament, if any
//  3. Installs the dispatch and connection-lost handlers
//  4. Attempts the connection, bounded by ctx
func (t *Transport) Connect(ctx context.Context) (messaging.Connection, error) {
	opts := buildClientOptions(t.cfg)
	if err := configureWill(opts, t.will, t.qos); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &conn{
		qos:        t.qos,
		logger:     t.logger,
		deliveries: make(chan messaging.Delivery, deliveryBuffer),
		closed:     make(chan error, 1),
		done:       make(chan struct{}),
	}

	opts.SetDefaultPublishHandler(c.dispatch)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	})

	c.client = t.newClient(opts)
	token := c.client.Connect()
	if err := wait(ctx, token, defaultConnectTimeout); err != nil {
		// A handshake still in flight must not leave a live client behind.
		go func() {
			token.Wait()
			c.client.Disconnect(0)
		}()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return c, nil
}

// wait blocks until token completes, ctx ends or timeout elapses.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
}

// =============================================================================
// Connection
// =============================================================================

// conn is one paho client session.
type conn struct {
	client pahomqtt.Client
	qos    byte
	logger Logger

	// deliveries is never closed; the consumer side stops on done.
	deliveries chan messaging.Delivery

	closed chan error
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex
	ch *channel
}

// Channel implements messaging.Connection. An MQTT session has a single
// channel, so repeated calls return the same one.
func (c *conn) Channel(_ context.Context) (messaging.Channel, error) {
	if c.isDone() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		c.ch = &channel{conn: c}
	}
	return c.ch, nil
}

// Closed implements messaging.Connection.
func (c *conn) Closed() <-chan error {
	return c.closed
}

// Close disconnects from the broker. Safe to call more than once.
func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown ends the session once. A nil reason is a deliberate close.
func (c *conn) shutdown(reason error) {
	c.once.Do(func() {
		close(c.done)
		if reason == nil {
			c.client.Disconnect(defaultDisconnectQuiesce)
		} else {
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

// dispatch hands a received message to the consumer. It runs on paho's
// router goroutine, so a slow consumer holds back further deliveries.
func (c *conn) dispatch(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error("MQTT dispatch panic recovered",
				"topic", msg.Topic(),
				"panic", r,
			)
		}
	}()

	d := messaging.NewDelivery(Topics{}.RoutingKey(msg.Topic()), msg.Payload(), func() error {
		msg.Ack()
		return nil
	})

	select {
	case c.deliveries <- d:
	case <-c.done:
		if c.logger != nil {
			c.logger.Debug("MQTT message dropped after disconnect", "topic", msg.Topic())
		}
	}
}

// forward copies deliveries to out until the connection ends, then closes out.
func (c *conn) forward(out chan<- messaging.Delivery) {
	defer close(out)
	for {
		select {
		case d := <-c.deliveries:
			select {
			case out <- d:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}
