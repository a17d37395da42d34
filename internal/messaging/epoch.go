package messaging

import (
	"context"
	"fmt"
	"sync"
)

// epoch is everything tied to one live connection: the connection and channel
// handles, the resolved input queue, and the sender and router built for them.
// Nothing in an epoch is reused once it ends.
type epoch struct {
	id       uint64
	conn     Connection
	channel  Channel
	queue    string
	exchange string
	sender   *sender
	router   *router
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc

	// failed receives the first internal failure (binding, consume).
	failed   chan error
	failOnce sync.Once

	mu        sync.Mutex
	bound     map[string]struct{}
	consuming bool
	ended     bool
	wg        sync.WaitGroup
}

// fail reports an epoch-fatal error to the run loop. Only the first is kept.
func (e *epoch) fail(err error) {
	e.failOnce.Do(func() {
		e.failed <- err
	})
}

// bind declares the broker binding for sub unless an identical binding key
// was already bound in this epoch.
func (e *epoch) bind(sub *Subscription) error {
	key := sub.BindingKey()

	e.mu.Lock()
	if _, ok := e.bound[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.bound[key] = struct{}{}
	e.mu.Unlock()

	if err := e.channel.BindQueue(e.ctx, e.queue, e.exchange, key); err != nil {
		e.mu.Lock()
		delete(e.bound, key)
		e.mu.Unlock()
		return fmt.Errorf("%w: binding %q to queue %q: %w", ErrTransport, key, e.queue, err)
	}

	e.logger.Debug("subscription bound",
		"pattern", sub.Pattern().String(),
		"binding_key", key,
		"queue", e.queue,
		"epoch", e.id,
	)
	return nil
}

// bindAsync binds sub on a tracked goroutine. A failure ends the epoch.
func (e *epoch) bindAsync(sub *Subscription) {
	if !e.track() {
		return
	}
	go func() {
		defer e.wg.Done()
		if err := e.bind(sub); err != nil {
			e.fail(err)
		}
	}()
}

// startConsuming starts the consume loop once per epoch. started is called
// after the broker accepted the consumer.
func (e *epoch) startConsuming(started func()) {
	e.mu.Lock()
	if e.consuming || e.ended {
		e.mu.Unlock()
		return
	}
	e.consuming = true
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		deliveries, err := e.channel.Consume(e.ctx, e.queue)
		if err != nil {
			e.fail(fmt.Errorf("%w: consuming queue %q: %w", ErrTransport, e.queue, err))
			return
		}
		e.logger.Info("accepting messages", "queue", e.queue, "epoch", e.id)
		started()

		e.router.consume(e.ctx, deliveries)
	}()
}

// track registers a goroutine with the epoch unless it already ended.
func (e *epoch) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return false
	}
	e.wg.Add(1)
	return true
}

// end closes the connection, cancels in-flight work and waits for the epoch's
// goroutines to return.
func (e *epoch) end() {
	e.mu.Lock()
	e.ended = true
	e.mu.Unlock()

	e.cancel()
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("closing connection", "epoch", e.id, "error", err)
	}
	e.wg.Wait()
}
