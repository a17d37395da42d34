package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// outgoing is one buffered Send call.
type outgoing struct {
	name     string
	data     json.RawMessage
	key      string
	enqueued time.Time
}

// outbox is the ordered, pausable queue of pending outbound messages.
//
// push never blocks. A single drain goroutine takes items from the head with
// next, which only hands out an item while a sender is attached. Attaching
// (resume) and detaching (pause) the sender happen under the same lock as the
// pop, so an item is always forwarded to the sender of the epoch that was live
// when it left the queue.
type outbox struct {
	mu       sync.Mutex
	items    []outgoing
	head     int
	sender   *sender
	inflight int
	closed   bool

	// wake is signalled on push, resume and close.
	wake chan struct{}
	// idle is closed, then cleared, when the queue drains with nothing in flight.
	idle chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		wake: make(chan struct{}, 1),
	}
}

// push appends item to the tail.
func (o *outbox) push(item outgoing) {
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()
	o.signal(o.wake)
}

// resume attaches the sender of a newly live epoch and restarts draining.
func (o *outbox) resume(s *sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
	o.signal(o.wake)
}

// pause detaches s if it is still the attached sender.
func (o *outbox) pause(s *sender) {
	o.mu.Lock()
	if o.sender == s {
		o.sender = nil
	}
	o.mu.Unlock()
}

// close stops next from handing out further items.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal(o.wake)
}

// next blocks until an item can be forwarded, then removes it from the head
// and returns it with the sender to forward it to. The caller must call done
// once the handoff finished.
func (o *outbox) next(ctx context.Context) (outgoing, *sender, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return outgoing{}, nil, ErrClosed
		}
		if o.sender != nil && o.head < len(o.items) {
			item := o.items[o.head]
			o.items[o.head] = outgoing{}
			o.head++
			o.compact()
			o.inflight++
			s := o.sender
			o.mu.Unlock()
			return item, s, nil
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return outgoing{}, nil, ctx.Err()
		case <-o.wake:
		}
	}
}

// done marks the handoff of the last item returned by next as finished.
func (o *outbox) done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	if o.inflight == 0 && o.head == len(o.items) && o.idle != nil {
		close(o.idle)
		o.idle = nil
	}
}

// pending returns the number of items not yet handed off, including any in flight.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items) - o.head + o.inflight
}

// waitEmpty blocks until nothing is queued or in flight.
func (o *outbox) waitEmpty(ctx context.Context) error {
	o.mu.Lock()
	if len(o.items)-o.head+o.inflight == 0 {
		o.mu.Unlock()
		return nil
	}
	if o.idle == nil {
		o.idle = make(chan struct{})
	}
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// compact releases the consumed prefix once it dominates the backing array.
// Caller must hold o.mu.
func (o *outbox) compact() {
	if o.head == len(o.items) {
		o.items = o.items[:0]
		o.head = 0
		return
	}
	if o.head > 64 && o.head*2 >= len(o.items) {
		n := copy(o.items, o.items[o.head:])
		o.items = o.items[:n]
		o.head = 0
	}
}

func (o *outbox) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
