package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestSenderSend(t *testing.T) {
	ch := &fakeChannel{}
	s := &sender{
		channel:   ch,
		exchanges: []string{"a", "b"},
		newID:     sequentialIDs(),
		logger:    noopLogger{},
	}

	env, err := s.send(context.Background(), outgoing{name: "orders.created", data: json.RawMessage(`{"n":1}`), key: "t1"})
	if err != nil {
		t.Fatalf("send() error = %v", err)
	}
	if env.ID != "id-1" {
		t.Errorf("ID = %q, want id-1", env.ID)
	}

	ps := ch.publishes()
	if len(ps) != 2 {
		t.Fatalf("publishes = %d, want 2", len(ps))
	}
	for _, p := range ps {
		if p.routingKey != "t1.orders.created" {
			t.Errorf("routing key = %q, want t1.orders.created", p.routingKey)
		}
		decoded, derr := decodeEnvelope(p.body)
		if derr != nil {
			t.Fatalf("published envelope does not decode: %v", derr)
		}
		if decoded.ID != "id-1" || decoded.RegistrationKey != "t1" {
			t.Errorf("decoded = %+v, want id-1/t1", decoded)
		}
	}
}

func TestSenderNoExchanges(t *testing.T) {
	ch := &fakeChannel{}
	s := &sender{channel: ch, newID: sequentialIDs(), logger: noopLogger{}}

	if _, err := s.send(context.Background(), outgoing{name: "a", data: json.RawMessage(`1`)}); err != nil {
		t.Errorf("send() error = %v, want nil", err)
	}
	if n := len(ch.publishes()); n != 0 {
		t.Errorf("publishes = %d, want 0", n)
	}
}

func TestSenderAttemptsEveryExchange(t *testing.T) {
	ch := &fakeChannel{}
	ch.failPublish("a", ErrBackpressure)
	ch.failPublish("c", errors.New("no route"))
	s := &sender{
		channel:   ch,
		exchanges: []string{"a", "b", "c"},
		newID:     sequentialIDs(),
		logger:    noopLogger{},
	}

	_, err := s.send(context.Background(), outgoing{name: "x", data: json.RawMessage(`1`)})

	var perr *PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("send() error = %v, want *PublishError", err)
	}
	if perr.Attempted != 3 || len(perr.Failures) != 2 {
		t.Errorf("PublishError = %+v, want 2 of 3 failed", perr)
	}
	if len(ch.publishes()) != 1 || ch.publishes()[0].exchange != "b" {
		t.Errorf("publishes = %+v, want only exchange b", ch.publishes())
	}
}
