package messaging

import "time"

// EventKind identifies what happened on the bus.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventConnectFailed EventKind = "connect_failed"
	EventPublished     EventKind = "published"
	EventPublishFailed EventKind = "publish_failed"
	EventReceived      EventKind = "received"
	EventMalformed     EventKind = "malformed"
	EventHandlerFault  EventKind = "handler_fault"
)

// Event describes a single bus occurrence reported to observers.
//
// Only the fields relevant to Kind are set:
//   - Connected: Epoch, Queue
//   - Disconnected, ConnectFailed: Epoch, Err
//   - Published, PublishFailed: Name, RegistrationKey, MessageID, Err
//   - Received: Name, RegistrationKey, MessageID, Handlers
//   - Malformed: Payload, Err
//   - HandlerFault: Name, MessageID, Pattern, Err
type Event struct {
	Kind            EventKind
	Time            time.Time
	Epoch           uint64
	Queue           string
	Name            string
	RegistrationKey string
	MessageID       string
	Pattern         string
	Handlers        int
	Payload         []byte
	Err             error
}

// Observer receives bus events.
//
// Observe is called synchronously from the goroutine that produced the event
// (run loop, drain loop or consume loop). Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// observers fans an event out to every configured observer.
type observers []Observer

func (o observers) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, obs := range o {
		obs.Observe(e)
	}
}

// Logger defines the logging interface used by the messaging system.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
