// Package messaging provides the resilient publish/subscribe layer of Gray
// Logic Bus.
//
// This package manages:
//   - A broker connection that is retried forever at a fixed delay
//   - Wildcard name subscriptions that survive every reconnection
//   - An ordered outgoing buffer that holds messages while disconnected
//   - Envelope encoding, validation and routing to handlers
//
// # Architecture
//
// A System is layered over a Transport (AMQP, MQTT or the in-memory broker).
// Each successful connection starts a new epoch: a fresh channel, input queue,
// sender and router. Subscriptions and the outgoing buffer belong to the
// System and are carried from one epoch to the next.
//
//	Send → outbox → drain goroutine → sender(epoch) → out-exchanges
//	input exchange → queue → router(epoch) → Registry → handlers
//
// # Names and Patterns
//
// Message names are dot-separated segments of [a-z0-9_-] (case-insensitive).
// Patterns add two wildcards that only match whole segments:
//   - '*' matches one or more segments
//   - '?' matches exactly one segment
//
// On the broker the pattern becomes a topic binding key prefixed by the
// registration key ('#' when none is set), with '*' mapped to '#' and '?' to
// '*'. Routing keys of outbound messages are "{registrationKey}.{name}".
//
// # Delivery Guarantees
//
//   - Buffered messages leave in Send order, each handed to the broker once
//   - A publish failure is reported, not retried
//   - Every inbound delivery is acknowledged, including malformed ones
//   - Handler errors and panics never affect other handlers
//
// # Usage
//
//	sys, err := messaging.New(transport, messaging.Config{
//	    OutExchanges:  []string{"events"},
//	    InputExchange: "events",
//	    Logger:        logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer sys.Close(ctx)
//
//	_, err = sys.On("orders.*", func(ctx context.Context, env messaging.Envelope) error {
//	    var order Order
//	    return env.Decode(&order)
//	})
//
//	if err := sys.StartAcceptingMessages(ctx); err != nil {
//	    return err
//	}
//
//	err = sys.Send(messaging.Message{Name: "orders.created", Data: order})
package messaging
