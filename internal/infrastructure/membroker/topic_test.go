package membroker

import "testing"

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		binding, routing string
		want             bool
	}{
		{"#.orders.#", ".orders.created", true},
		{"#.orders.#", "t1.orders.eu.created", true},
		{"#.orders.#", ".users.created", false},
		{"#.orders.*", ".orders.created", true},
		{"#.orders.*", ".orders.eu.created", false},
		{"t1.orders.*", "t1.orders.created", true},
		{"t1.orders.*", "t2.orders.created", false},
		{".orders.created", ".orders.created", true},
		{".orders.created", "t1.orders.created", false},
		{"#", "anything.at.all", true},
		{"#.#", ".x", true},
		{"*", "", true},
		{"a.b", "a.b.c", false},
	}

	for _, tt := range tests {
		if got := topicMatch(tt.binding, tt.routing); got != tt.want {
			t.Errorf("topicMatch(%q, %q) = %v, want %v", tt.binding, tt.routing, got, tt.want)
		}
	}
}
