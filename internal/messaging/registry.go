package messaging

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the callback signature for routed messages.
//
// Handlers run on the epoch's consume goroutine, one after another. A returned
// error or a panic is logged and reported as a handler fault; it never stops
// delivery to the remaining subscriptions and never causes redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Subscription is one registered interest. It is immutable after creation and
// outlives every connection epoch.
type Subscription struct {
	pattern *Pattern
	handler Handler
	key     string
	keyed   bool
}

// Pattern returns the compiled name pattern.
func (s *Subscription) Pattern() *Pattern {
	return s.pattern
}

// RegistrationKey returns the subscription key and whether one was set.
func (s *Subscription) RegistrationKey() (string, bool) {
	return s.key, s.keyed
}

// BindingKey returns the broker binding key for this subscription.
func (s *Subscription) BindingKey() string {
	return s.pattern.BindingKey(s.key, s.keyed)
}

// accepts reports whether env should be delivered to this subscription.
func (s *Subscription) accepts(env Envelope) bool {
	if !s.pattern.Matches(env.Name) {
		return false
	}
	return !s.keyed || s.key == env.RegistrationKey
}

// Registry holds every live subscription and routes inbound envelopes to them.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are append-only; nothing is removed on disconnect.
type Registry struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger Logger
	events observers
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger Logger, obs ...Observer) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{logger: logger, events: obs}
}

// Register compiles pattern and appends a subscription.
//
// Parameters:
//   - pattern: Name pattern ('*' one or more segments, '?' exactly one)
//   - handler: Callback invoked for each matching message
//   - key, keyed: Registration key filter; keyed=false accepts every key
//
// Returns:
//   - *Subscription: The stored subscription
//   - error: ErrInvalidPattern or ErrNilHandler
func (r *Registry) Register(pattern string, handler Handler, key string, keyed bool) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	compiled, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		pattern: compiled,
		handler: handler,
		key:     key,
		keyed:   keyed,
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return sub, nil
}

// Snapshot returns the current subscriptions in registration order.
func (r *Registry) Snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Route delivers env to every subscription whose pattern matches its name and
// whose key filter accepts its registration key.
//
// Route never fails: each handler runs independently and its faults are
// contained. It returns the number of handlers invoked.
func (r *Registry) Route(ctx context.Context, env Envelope) int {
	invoked := 0
	for _, sub := range r.Snapshot() {
		if !sub.accepts(env) {
			continue
		}
		invoked++
		if err := r.invoke(ctx, sub, env); err != nil {
			r.logger.Warn("message handler failed",
				"name", env.Name,
				"id", env.ID,
				"pattern", sub.pattern.String(),
				"error", err,
			)
			r.events.emit(Event{
				Kind:            EventHandlerFault,
				Name:            env.Name,
				RegistrationKey: env.RegistrationKey,
				MessageID:       env.ID,
				Pattern:         sub.pattern.String(),
				Payload:         env.Data,
				Err:             err,
			})
		}
	}
	return invoked
}

// invoke calls the handler with panic recovery.
func (r *Registry) invoke(ctx context.Context, sub *Subscription, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFault, rec)
		}
	}()

	if herr := sub.handler(ctx, env); herr != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFault, herr)
	}
	return nil
}
