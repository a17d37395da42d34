package messaging

import "context"

// Transport opens broker connections. It is the black-box collaborator the
// messaging system is layered over; see the amqp, mqtt and membroker packages.
type Transport interface {
	// Connect opens a new broker connection. A failure is retried by the
	// System after its retry delay.
	Connect(ctx context.Context) (Connection, error)
}

// Connection is one live broker session.
type Connection interface {
	// Channel opens the session channel used for the whole epoch.
	Channel(ctx context.Context) (Channel, error)

	// Closed returns a channel that receives the closure reason once when the
	// connection (or its channel) is lost unexpectedly. It is closed without a
	// value after a deliberate Close.
	Closed() <-chan error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// QueueOptions controls input queue declaration.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
}

// Channel carries the broker operations of one epoch.
//
// A Channel is never used after its epoch ends.
type Channel interface {
	// DeclareQueue declares a queue. An empty name asks the broker for a
	// generated name, which is returned.
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) (string, error)

	// BindQueue routes messages published to exchange with a routing key
	// matching bindingKey (topic dialect: '#' any number of words, '*'
	// exactly one) into queue.
	BindQueue(ctx context.Context, queue, exchange, bindingKey string) error

	// Publish sends body to exchange with routingKey. It returns
	// ErrBackpressure when the broker signals flow control.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error

	// Consume starts delivering messages from queue. The returned channel is
	// closed when the channel or connection ends.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

// Delivery is one inbound broker message awaiting acknowledgement.
type Delivery struct {
	RoutingKey string
	Body       []byte

	ack func() error
}

// NewDelivery builds a Delivery whose Ack calls ack. Transports use it to wrap
// their native deliveries; a nil ack makes Ack a no-op.
func NewDelivery(routingKey string, body []byte, ack func() error) Delivery {
	return Delivery{RoutingKey: routingKey, Body: body, ack: ack}
}

// Ack acknowledges the delivery to the broker.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}
