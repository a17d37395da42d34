package amqp

import "errors"

// Domain-specific errors for AMQP operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when dialling the broker fails.
	ErrConnectionFailed = errors.New("amqp: connection failed")

	// ErrChannelFailed is returned when opening or configuring the channel fails.
	ErrChannelFailed = errors.New("amqp: channel failed")

	// ErrNotConnected is returned when operating on a closed connection.
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrConnectionLost is reported on Closed when the broker closes the
	// connection or channel unexpectedly.
	ErrConnectionLost = errors.New("amqp: connection lost")

	// ErrDeclareFailed is returned when a queue or exchange declaration fails.
	ErrDeclareFailed = errors.New("amqp: declare failed")

	// ErrBindFailed is returned when a queue binding fails.
	ErrBindFailed = errors.New("amqp: bind failed")

	// ErrPublishFailed is returned when a publish fails for reasons other
	// than flow control.
	ErrPublishFailed = errors.New("amqp: publish failed")

	// ErrConsumeFailed is returned when a consumer cannot be started.
	ErrConsumeFailed = errors.New("amqp: consume failed")
)
