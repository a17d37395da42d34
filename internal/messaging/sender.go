package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// sender publishes envelopes on one epoch's channel. It is built fresh for
// every epoch and discarded when that epoch ends.
type sender struct {
	channel   Channel
	exchanges []string
	newID     func() string
	logger    Logger
}

// send wraps item in an envelope with a fresh id and publishes it to every
// out-exchange.
//
// Every exchange is attempted. If any refuses the message the whole send
// fails with a *PublishError listing each failed destination.
func (s *sender) send(ctx context.Context, item outgoing) (Envelope, error) {
	env := Envelope{
		Name:            item.name,
		Data:            item.data,
		ID:              s.newID(),
		RegistrationKey: item.key,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("%w: encoding envelope: %w", ErrInvalidMessage, err)
	}

	key := RoutingKey(env.Name, env.RegistrationKey)
	var failures []DestinationError
	for _, exchange := range s.exchanges {
		s.logger.Debug("publishing message", "exchange", exchange, "routing_key", key, "id", env.ID)
		if perr := s.channel.Publish(ctx, exchange, key, body); perr != nil {
			failures = append(failures, DestinationError{Exchange: exchange, Err: perr})
		}
	}

	if len(failures) > 0 {
		return env, &PublishError{
			Name:       env.Name,
			RoutingKey: key,
			Attempted:  len(s.exchanges),
			Failures:   failures,
		}
	}
	return env, nil
}
