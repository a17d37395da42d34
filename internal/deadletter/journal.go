package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// Default journal settings.
const (
	DefaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Logger is the logging interface used by the journal.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Journal is a messaging.Observer that persists malformed payloads and
// handler faults.
//
// Observe never blocks the bus: events are queued to a buffered channel and
// written by a single goroutine. When the buffer is full the event is dropped
// with a warning.
type Journal struct {
	repo   Repository
	logger Logger
	events chan messaging.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewJournal starts a journal writing to repo. A bufferSize <= 0 uses
// DefaultBufferSize.
func NewJournal(repo Repository, logger Logger, bufferSize int) *Journal {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	j := &Journal{
		repo:   repo,
		logger: logger,
		events: make(chan messaging.Event, bufferSize),
		done:   make(chan struct{}),
	}
	go j.write()
	return j
}

// Observe implements messaging.Observer.
func (j *Journal) Observe(e messaging.Event) {
	if e.Kind != messaging.EventMalformed && e.Kind != messaging.EventHandlerFault {
		return
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	select {
	case j.events <- e:
	default:
		if j.logger != nil {
			j.logger.Warn("dead-letter journal full, dropping entry",
				"kind", string(e.Kind),
				"name", e.Name,
				"message_id", e.MessageID,
			)
		}
	}
}

// Close stops accepting events and waits until queued ones are written.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	<-j.done
}

func (j *Journal) write() {
	defer close(j.done)

	for e := range j.events {
		entry := entryFromEvent(e)

		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		err := j.repo.Create(ctx, &entry)
		cancel()

		if j.logger == nil {
			continue
		}
		if err != nil {
			j.logger.Error("failed to journal dead letter",
				"kind", string(entry.Kind),
				"error", err,
			)
			continue
		}
		j.logger.Debug("dead letter journaled",
			"id", entry.ID,
			"kind", string(entry.Kind),
		)
	}
}

func entryFromEvent(e messaging.Event) Entry {
	entry := Entry{
		Kind:            KindMalformed,
		Epoch:           e.Epoch,
		Name:            e.Name,
		RegistrationKey: e.RegistrationKey,
		MessageID:       e.MessageID,
		Pattern:         e.Pattern,
		Payload:         e.Payload,
		OccurredAt:      e.Time,
		Error:           "unknown error",
	}
	if e.Kind == messaging.EventHandlerFault {
		entry.Kind = KindHandlerFault
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	return entry
}
