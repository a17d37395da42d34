package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is what application code sends: a dot-separated hierarchical name
// (e.g. "orders.created") and an opaque payload encoded as JSON.
type Message struct {
	Name string
	Data any
}

// Envelope is the wire form of a message in both directions.
//
// RegistrationKey is always present on the wire; the empty string means the
// message carries no key.
type Envelope struct {
	Name            string          `json:"name"`
	Data            json.RawMessage `json:"data"`
	ID              string          `json:"id"`
	RegistrationKey string          `json:"registrationKey"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// inboundEnvelope distinguishes an absent registrationKey from an empty one
// only long enough to default it.
type inboundEnvelope struct {
	Name            string          `json:"name"`
	Data            json.RawMessage `json:"data"`
	ID              string          `json:"id"`
	RegistrationKey *string         `json:"registrationKey"`
}

var jsonNull = []byte("null")

// decodeEnvelope parses and validates an inbound payload.
//
// name and id must be non-empty strings; data must be present and not null.
// Falsy-but-present data (0, false, "") is accepted.
func decodeEnvelope(body []byte) (Envelope, error) {
	var in inboundEnvelope
	if err := json.Unmarshal(body, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch {
	case in.Name == "":
		return Envelope{}, fmt.Errorf("%w: missing name", ErrMalformedMessage)
	case len(in.Data) == 0 || bytes.Equal(bytes.TrimSpace(in.Data), jsonNull):
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	case in.ID == "":
		return Envelope{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}

	env := Envelope{
		Name: in.Name,
		Data: in.Data,
		ID:   in.ID,
	}
	if in.RegistrationKey != nil {
		env.RegistrationKey = *in.RegistrationKey
	}
	return env, nil
}

// Option configures a single Send or On call.
type Option func(*callOptions)

type callOptions struct {
	key   string
	keyed bool
}

// WithRegistrationKey attaches a registration key.
//
// On Send the key becomes part of the routing key and the envelope. On On the
// subscription only receives messages whose key equals it exactly; an empty key
// is a defined key and matches only unkeyed messages.
func WithRegistrationKey(key string) Option {
	return func(o *callOptions) {
		o.key = key
		o.keyed = true
	}
}

func applyOptions(opts []Option) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// RoutingKey is the outbound broker routing key: "{key}.{name}".
func RoutingKey(name, registrationKey string) string {
	return registrationKey + "." + name
}
