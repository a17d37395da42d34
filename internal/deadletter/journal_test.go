package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// memRepo records created entries. A non-nil gate blocks Create until closed.
type memRepo struct {
	mu      sync.Mutex
	entries []Entry
	gate    chan struct{}
}

func (m *memRepo) Create(_ context.Context, e *Entry) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memRepo) List(context.Context, Filter) (*ListResult, error) {
	return &ListResult{}, nil
}

func (m *memRepo) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memRepo) snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

type countingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *countingLogger) Debug(string, ...any) {}
func (l *countingLogger) Error(string, ...any) {}
func (l *countingLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

var _ messaging.Observer = (*Journal)(nil)

func TestJournalPersistsFaults(t *testing.T) {
	repo := &memRepo{}
	j := NewJournal(repo, nil, 0)

	j.Observe(messaging.Event{Kind: messaging.EventPublished, Name: "ignored"})
	j.Observe(messaging.Event{Kind: messaging.EventReceived, Name: "ignored"})
	j.Observe(messaging.Event{Kind: messaging.EventMalformed, Payload: []byte("{"), Err: errors.New("bad json")})
	j.Observe(messaging.Event{
		Kind:      messaging.EventHandlerFault,
		Epoch:     2,
		Name:      "orders.created",
		MessageID: "m-1",
		Pattern:   "orders.*",
		Err:       errors.New("boom"),
	})
	j.Close()

	got := repo.snapshot()
	if len(got) != 2 {
		t.Fatalf("journaled %d entries, want 2", len(got))
	}
	if got[0].Kind != KindMalformed || got[0].Error != "bad json" || string(got[0].Payload) != "{" {
		t.Errorf("entry[0] = %+v, want malformed bad json", got[0])
	}
	if got[1].Kind != KindHandlerFault || got[1].Pattern != "orders.*" || got[1].Epoch != 2 {
		t.Errorf("entry[1] = %+v, want handler fault on orders.*", got[1])
	}
	if got[1].OccurredAt.IsZero() {
		t.Error("entry[1].OccurredAt is zero")
	}
}

func TestJournalDropsWhenFull(t *testing.T) {
	repo := &memRepo{gate: make(chan struct{})}
	logger := &countingLogger{}
	j := NewJournal(repo, logger, 1)

	// The writer holds at most one event and the buffer one more; the rest drop.
	for range 5 {
		j.Observe(messaging.Event{Kind: messaging.EventMalformed, Err: errors.New("x")})
	}

	logger.mu.Lock()
	warns := logger.warns
	logger.mu.Unlock()
	if warns < 3 {
		t.Errorf("dropped warnings = %d, want at least 3", warns)
	}

	close(repo.gate)
	j.Close()

	if n := len(repo.snapshot()); n+warns != 5 {
		t.Errorf("journaled %d + dropped %d, want 5 total", n, warns)
	}
}

func TestJournalObserveAfterClose(t *testing.T) {
	repo := &memRepo{}
	j := NewJournal(repo, nil, 4)
	j.Close()
	j.Close()

	j.Observe(messaging.Event{Kind: messaging.EventMalformed, Err: errors.New("late")})

	if n := len(repo.snapshot()); n != 0 {
		t.Errorf("journaled %d entries after Close, want 0", n)
	}
}
