package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default values for System configuration.
const (
	// DefaultRetryDelay is the fixed wait between failed connection attempts.
	DefaultRetryDelay = 5 * time.Second

	// DefaultConnectTimeout bounds a single connection attempt, including
	// channel setup and input queue declaration.
	DefaultConnectTimeout = 10 * time.Second
)

// State is the connection state of a System.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds System settings.
type Config struct {
	// OutExchanges receive every sent message. May be empty.
	OutExchanges []string

	// InputExchange is the exchange subscriptions are bound on.
	InputExchange string

	// InputQueue is a fixed input queue name. When empty, a non-durable
	// auto-delete queue is declared on every connection.
	InputQueue string

	// RetryDelay is the wait between connection attempts (default 5s).
	RetryDelay time.Duration

	// ConnectTimeout bounds one connection attempt (default 10s).
	ConnectTimeout time.Duration

	// IDGenerator produces envelope ids (default uuid.NewString).
	IDGenerator func() string

	// Logger receives operational logs. May be nil.
	Logger Logger

	// Observers receive bus events.
	Observers []Observer
}

// System is the resilient messaging layer: a connection manager that never
// gives up, a subscription registry that outlives connections and an ordered
// outgoing buffer.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Send never blocks on the broker; messages are buffered in order and
//     drained by one goroutine while a connection is live.
type System struct {
	transport Transport
	cfg       Config
	logger    Logger
	events    observers
	registry  *Registry
	outbox    *outbox

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	epochSeq atomic.Uint64

	mu         sync.Mutex
	state      State
	current    *epoch
	accepting  bool
	closed     bool
	ready      chan struct{}
	onPubError func(Envelope, error)

	consumeOnce sync.Once
	consumed    chan struct{}
}

// New creates a System over transport and starts connecting in the
// background. It returns immediately; use Ready to wait for the first
// connection.
func New(transport Transport, cfg Config) (*System, error) {
	if transport == nil {
		return nil, errors.New("messaging: transport is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	cfg.OutExchanges = append([]string(nil), cfg.OutExchanges...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &System{
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    observers(cfg.Observers),
		outbox:    newOutbox(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		consumed:  make(chan struct{}),
	}
	s.registry = NewRegistry(cfg.Logger, cfg.Observers...)

	s.wg.Add(1)
	go s.drain()
	go s.run()

	return s, nil
}

// On registers handler for every message whose name matches pattern.
//
// The pattern is validated first; an invalid pattern returns
// ErrInvalidPattern without touching the broker. The subscription is kept for
// the lifetime of the System and re-bound on every reconnection. When a
// connection is live the binding is issued immediately in the background.
func (s *System) On(pattern string, handler Handler, opts ...Option) (*Subscription, error) {
	o := applyOptions(opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sub, err := s.registry.Register(pattern, handler, o.key, o.keyed)
	ep := s.current
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if ep != nil {
		ep.bindAsync(sub)
	}
	return sub, nil
}

// Send queues msg for publication to every out-exchange.
//
// Send never waits for the broker. Messages are published in Send order once
// a connection is live; anything sent while disconnected is held until then.
// Publish failures are reported through SetOnPublishError, the log and the
// publish_failed event.
func (s *System) Send(msg Message, opts ...Option) error {
	if msg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMessage)
	}
	if msg.Data == nil {
		return fmt.Errorf("%w: data is required", ErrInvalidMessage)
	}
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("%w: encoding data: %w", ErrInvalidMessage, err)
	}
	o := applyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.outbox.push(outgoing{
		name:     msg.Name,
		data:     data,
		key:      o.key,
		enqueued: time.Now(),
	})
	return nil
}

// StartAcceptingMessages begins consuming the input queue and blocks until
// the broker accepted the consumer or ctx ends.
//
// Consumption persists across reconnections: every later epoch starts
// consuming as soon as its bindings are restored.
func (s *System) StartAcceptingMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.accepting = true
	ep := s.current
	live := s.state == StateConnected
	s.mu.Unlock()

	if ep != nil && live {
		ep.startConsuming(s.markConsuming)
	}

	select {
	case <-s.consumed:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnPublishError sets a callback invoked from the drain goroutine whenever
// a buffered message fails to publish. The callback must not block.
func (s *System) SetOnPublishError(fn func(Envelope, error)) {
	s.mu.Lock()
	s.onPubError = fn
	s.mu.Unlock()
}

// Ready blocks until a connection is live.
func (s *System) Ready(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether a connection is live.
func (s *System) IsConnected() bool {
	return s.State() == StateConnected
}

// State returns the current connection state.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the id of the live connection epoch, or 0 while disconnected.
func (s *System) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.state != StateConnected {
		return 0
	}
	return s.current.id
}

// Queue returns the input queue name of the live epoch, or "" while disconnected.
func (s *System) Queue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.state != StateConnected {
		return ""
	}
	return s.current.queue
}

// Pending returns the number of buffered messages not yet handed to the broker.
func (s *System) Pending() int {
	return s.outbox.pending()
}

// SubscriptionCount returns the number of registered subscriptions.
func (s *System) SubscriptionCount() int {
	return s.registry.Len()
}

// HealthCheck verifies that a connection is live.
//
// Returns nil if connected, ErrNotConnected otherwise or ctx.Err() if the
// context is already done.
func (s *System) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Flush blocks until every buffered message was handed to the broker.
func (s *System) Flush(ctx context.Context) error {
	if err := s.outbox.waitEmpty(ctx); err != nil {
		return fmt.Errorf("%w: %d pending: %w", ErrUnflushed, s.outbox.pending(), err)
	}
	return nil
}

// Close stops accepting new messages, waits for the buffer to drain until ctx
// ends and then tears the connection down.
//
// Close returns ErrUnflushed when messages were still buffered. Calling Close
// again is a no-op.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	flushErr := s.Flush(ctx)

	s.cancel()
	s.outbox.close()
	<-s.done
	s.wg.Wait()

	if flushErr != nil {
		s.logger.Warn("closed with unsent messages", "error", flushErr)
		return flushErr
	}
	s.logger.Info("messaging system closed")
	return nil
}

// run is the connection manager loop. It owns every state transition.
//
// A failed connection attempt waits RetryDelay before the next one. Losing an
// established connection goes straight back to connecting.
func (s *System) run() {
	defer close(s.done)

	for {
		s.setState(StateConnecting)

		ep, err := s.connect()
		switch {
		case err == nil:
			if err = s.activate(ep); err != nil {
				s.deactivate(ep, err, s.cfg.RetryDelay)
				break
			}
			lost := s.await(ep)
			if lost != nil && s.ctx.Err() == nil {
				s.deactivate(ep, lost, 0)
				continue
			}
			s.deactivate(ep, lost, 0)
		case s.ctx.Err() == nil:
			s.logger.Warn("broker connection failed, retrying",
				"error", err,
				"retry_in", s.cfg.RetryDelay,
			)
			s.events.emit(Event{Kind: EventConnectFailed, Err: err})
		}

		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		timer := time.NewTimer(s.cfg.RetryDelay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

// connect opens a connection, its channel and the input queue.
func (s *System) connect() (*epoch, error) {
	id := s.epochSeq.Add(1)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.transport.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %w", ErrTransport, err)
	}

	queue := s.cfg.InputQueue
	if queue == "" {
		queue, err = ch.DeclareQueue(ctx, "", QueueOptions{Durable: false, AutoDelete: true})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: declare input queue: %w", ErrTransport, err)
		}
	}

	epCtx, epCancel := context.WithCancel(s.ctx)
	return &epoch{
		id:       id,
		conn:     conn,
		channel:  ch,
		queue:    queue,
		exchange: s.cfg.InputExchange,
		sender: &sender{
			channel:   ch,
			exchanges: s.cfg.OutExchanges,
			newID:     s.cfg.IDGenerator,
			logger:    s.logger,
		},
		router: &router{
			registry: s.registry,
			logger:   s.logger,
			events:   s.events,
		},
		logger: s.logger,
		ctx:    epCtx,
		cancel: epCancel,
		failed: make(chan error, 1),
		bound:  make(map[string]struct{}),
	}, nil
}

// activate makes ep the live epoch: restores every binding, starts consuming
// if requested and resumes the outgoing buffer.
func (s *System) activate(ep *epoch) error {
	s.mu.Lock()
	if ep.id != s.epochSeq.Load() {
		s.mu.Unlock()
		return fmt.Errorf("%w: stale epoch %d", ErrTransport, ep.id)
	}
	s.current = ep
	subs := s.registry.Snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		if err := ep.bind(sub); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = StateConnected
	accepting := s.accepting
	close(s.ready)
	s.mu.Unlock()

	if accepting {
		ep.startConsuming(s.markConsuming)
	}
	s.outbox.resume(ep.sender)

	s.logger.Info("connected to broker",
		"epoch", ep.id,
		"queue", ep.queue,
		"subscriptions", len(subs),
	)
	s.events.emit(Event{Kind: EventConnected, Epoch: ep.id, Queue: ep.queue})
	return nil
}

// await blocks until ep is lost, fails internally or the System shuts down.
// It returns nil for a deliberate shutdown.
func (s *System) await(ep *epoch) error {
	select {
	case err, ok := <-ep.conn.Closed():
		if !ok || err == nil {
			return fmt.Errorf("%w: connection closed", ErrTransport)
		}
		return fmt.Errorf("%w: connection lost: %w", ErrTransport, err)
	case err := <-ep.failed:
		return err
	case <-s.ctx.Done():
		return nil
	}
}

// deactivate pauses the outgoing buffer, discards ep and schedules its
// teardown. A nil reason is a deliberate shutdown; otherwise the System goes
// back to connecting after retryIn.
func (s *System) deactivate(ep *epoch, reason error, retryIn time.Duration) {
	s.outbox.pause(ep.sender)

	s.mu.Lock()
	if s.current == ep {
		s.current = nil
	}
	if s.state == StateConnected {
		s.ready = make(chan struct{})
	}
	if reason == nil {
		s.state = StateDisconnected
	} else {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ep.end()
	}()

	switch {
	case reason == nil:
		s.logger.Info("broker connection closed", "epoch", ep.id)
	case retryIn == 0:
		s.logger.Warn("broker connection lost, reconnecting",
			"epoch", ep.id,
			"error", reason,
		)
	default:
		s.logger.Warn("broker connection failed, retrying",
			"epoch", ep.id,
			"error", reason,
			"retry_in", retryIn,
		)
	}
	s.events.emit(Event{Kind: EventDisconnected, Epoch: ep.id, Queue: ep.queue, Err: reason})
}

// drain forwards buffered messages in order to the live epoch's sender.
func (s *System) drain() {
	defer s.wg.Done()

	for {
		item, snd, err := s.outbox.next(s.ctx)
		if err != nil {
			return
		}

		env, perr := snd.send(s.ctx, item)
		if perr != nil {
			s.logger.Warn("publish failed",
				"name", env.Name,
				"id", env.ID,
				"error", perr,
			)
			s.events.emit(Event{
				Kind:            EventPublishFailed,
				Name:            env.Name,
				RegistrationKey: env.RegistrationKey,
				MessageID:       env.ID,
				Payload:         env.Data,
				Err:             perr,
			})
			s.mu.Lock()
			fn := s.onPubError
			s.mu.Unlock()
			if fn != nil {
				fn(env, perr)
			}
		} else {
			s.events.emit(Event{
				Kind:            EventPublished,
				Name:            env.Name,
				RegistrationKey: env.RegistrationKey,
				MessageID:       env.ID,
			})
		}
		s.outbox.done()
	}
}

func (s *System) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *System) markConsuming() {
	s.consumeOnce.Do(func() {
		close(s.consumed)
	})
}
