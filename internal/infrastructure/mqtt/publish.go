package mqtt

import (
	"context"
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish implements messaging.Channel.
//
// The message is published, not retained, to the topic derived from exchange
// and routingKey (see Topics) at the transport's QoS. With QoS 1 or 2 the
// call waits for the broker's acknowledgement.
func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if len(body) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(body), maxPayloadSize)
	}

	topic, err := Topics{}.Publish(exchange, routingKey)
	if err != nil {
		return err
	}

	if ch.conn.isDone() || !ch.conn.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := ch.conn.client.Publish(topic, ch.conn.qos, false, body)
	if err := wait(ctx, token, defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}
