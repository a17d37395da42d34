package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for messaging operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidPattern is returned by On when a name pattern does not follow
	// the segment grammar. It is raised before any broker interaction.
	ErrInvalidPattern = errors.New("messaging: invalid name pattern")

	// ErrMalformedMessage marks an inbound envelope that could not be decoded or
	// lacks name, data or id. Such messages are logged and acknowledged, never routed.
	ErrMalformedMessage = errors.New("messaging: malformed message")

	// ErrHandlerFault wraps an error or panic raised by a subscription handler.
	ErrHandlerFault = errors.New("messaging: handler fault")

	// ErrTransport wraps failures of the underlying broker transport
	// (connect, channel, queue, binding, consume).
	ErrTransport = errors.New("messaging: transport failure")

	// ErrBackpressure is returned by a Channel when the broker refuses a publish
	// because of flow control. It is a failure for that destination only.
	ErrBackpressure = errors.New("messaging: publish refused by broker flow control")

	// ErrInvalidMessage is returned by Send for a message without a name or with
	// data that cannot be encoded as JSON.
	ErrInvalidMessage = errors.New("messaging: invalid message")

	// ErrNilHandler is returned by On when the handler is nil.
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrClosed is returned by Send and On after Close.
	ErrClosed = errors.New("messaging: system closed")

	// ErrNotConnected is returned by HealthCheck while no epoch is live.
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrUnflushed is returned by Close and Flush when the context ends before
	// every buffered message was handed to the broker.
	ErrUnflushed = errors.New("messaging: outgoing buffer not drained")
)

// DestinationError is the failure of one publish to one out-exchange.
type DestinationError struct {
	Exchange string
	Err      error
}

func (e DestinationError) Error() string {
	return fmt.Sprintf("exchange %q: %v", e.Exchange, e.Err)
}

func (e DestinationError) Unwrap() error {
	return e.Err
}

// PublishError reports a send that failed on at least one destination.
//
// Every destination is attempted; Failures lists each one that did not accept
// the message. errors.Is matches against every wrapped destination error, so
// errors.Is(err, ErrBackpressure) works on the aggregate.
type PublishError struct {
	Name       string
	RoutingKey string
	Attempted  int
	Failures   []DestinationError
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("messaging: publish %q (routing key %q) failed on %d of %d exchanges: %s",
		e.Name, e.RoutingKey, len(e.Failures), e.Attempted, strings.Join(parts, "; "))
}

func (e *PublishError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
