package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// Connection constants.
const (
	// defaultDialTimeout bounds dial and handshake when ctx has no deadline.
	defaultDialTimeout = 10 * time.Second

	// defaultHeartbeat is used when the config leaves heartbeat unset.
	defaultHeartbeat = 10 * time.Second

	// exchangeKind is the exchange type the bus routes through.
	exchangeKind = "topic"

	// contentType of every published envelope.
	contentType = "application/json"

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Transport implements messaging.Transport over RabbitMQ (AMQP 0-9-1)
// using amqp091-go.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	cfg    config.AMQPConfig
	logger Logger
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New creates an AMQP transport. No connection is made until Connect.
func New(cfg config.AMQPConfig, logger Logger) *Transport {
	return &Transport{cfg: cfg, logger: logger}
}

// Connect dials the broker and watches the connection for closure, flow
// control and resource alarms.
func (t *Transport) Connect(ctx context.Context) (messaging.Connection, error) {
	if _, err := amqp091.ParseURI(t.cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, redactURL(t.cfg.URL), err)
	}

	raw, err := amqp091.DialConfig(t.cfg.URL, dialConfig(ctx, t.cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, redactURL(t.cfg.URL), err)
	}

	c := newConn(raw, t.cfg, t.logger)
	if t.logger != nil {
		t.logger.Debug("AMQP connection opened", "url", redactURL(t.cfg.URL))
	}
	return c, nil
}

// dialConfig builds the amqp091 dial settings for cfg. The TCP dial and
// handshake are bounded by ctx's deadline, or defaultDialTimeout.
func dialConfig(ctx context.Context, cfg config.AMQPConfig) amqp091.Config {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	dc := amqp091.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			deadline, ok := ctx.Deadline()
			if !ok {
				deadline = time.Now().Add(defaultDialTimeout)
			}
			d := net.Dialer{Deadline: deadline}
			nc, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// amqp091 clears the deadline once the handshake completes.
			if err := nc.SetDeadline(deadline); err != nil {
				nc.Close()
				return nil, err
			}
			return nc, nil
		},
	}
	if cfg.TLS {
		dc.TLSClientConfig = &tls.Config{MinVersion: tlsMinVersion}
	}
	return dc
}

// redactURL hides the password in an AMQP URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
