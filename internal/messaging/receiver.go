package messaging

import "context"

// router turns raw deliveries of one epoch into routed envelopes.
type router struct {
	registry *Registry
	logger   Logger
	events   observers
}

// handle decodes, routes and acknowledges a single delivery.
//
// Malformed payloads are logged and reported, never routed. The delivery is
// acknowledged in every case: neither parse failures nor handler faults lead
// to broker-level redelivery.
func (r *router) handle(ctx context.Context, d Delivery) {
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		r.logger.Error("discarding malformed message",
			"routing_key", d.RoutingKey,
			"error", err,
		)
		r.events.emit(Event{
			Kind:    EventMalformed,
			Payload: d.Body,
			Err:     err,
		})
	} else {
		handlers := r.registry.Route(ctx, env)
		r.events.emit(Event{
			Kind:            EventReceived,
			Name:            env.Name,
			RegistrationKey: env.RegistrationKey,
			MessageID:       env.ID,
			Handlers:        handlers,
		})
	}

	if ackErr := d.Ack(); ackErr != nil {
		r.logger.Warn("acknowledging delivery failed",
			"routing_key", d.RoutingKey,
			"error", ackErr,
		)
	}
}

// consume drains deliveries until the channel closes or ctx ends.
func (r *router) consume(ctx context.Context, deliveries <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handle(ctx, d)
		}
	}
}
