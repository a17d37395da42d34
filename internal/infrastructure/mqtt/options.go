package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds the MQTT CONNECT handshake when the caller's
	// context has no deadline.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// deliveryBuffer is how many received messages may wait for the consumer.
	deliveryBuffer = 256

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Will is the message the broker publishes if the connection drops
// without a clean disconnect.
type Will struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// buildClientOptions creates paho MQTT options from the bus config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - TLS configuration (if enabled)
//   - Clean session mode
//   - Manual acknowledgement and ordered dispatch
//
// Reconnection is left to the messaging system: paho's own auto-reconnect
// and connect-retry are disabled so that each lost connection surfaces as a
// closed epoch.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg.Broker))

	// Client identification
	opts.SetClientID(cfg.Broker.ClientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - every epoch starts fresh and rebinds its subscriptions
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Deliveries are acknowledged by the router once handlers have run
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(true)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWriteTimeout(defaultPublishTimeout)

	// TLS configuration if enabled
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// brokerURL returns the paho broker URL for cfg.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// configureWill sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if the client disconnects unexpectedly
// (crash, network failure, etc.), so other services see the bus go offline
// even when it cannot say so itself.
func configureWill(opts *pahomqtt.ClientOptions, will *Will, qos byte) error {
	if will == nil {
		return nil
	}
	topic, err := Topics{}.Publish(will.Exchange, will.RoutingKey)
	if err != nil {
		return fmt.Errorf("will topic: %w", err)
	}
	opts.SetBinaryWill(topic, will.Body, qos, false)
	return nil
}

// validateQoS checks the configured QoS level.
func validateQoS(qos int) (byte, error) {
	if qos < 0 || qos > maxQoS {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return byte(qos), nil
}
