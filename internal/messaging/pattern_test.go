package messaging

import (
	"errors"
	"testing"
)

// =============================================================================
// Pattern Compilation Tests
// =============================================================================

func TestCompilePatternValid(t *testing.T) {
	patterns := []string{
		"orders",
		"orders.created",
		"orders.*",
		"*",
		"?",
		"orders.?.done",
		"Orders.Created",
		"device_01.state-changed",
		"*.created",
	}

	for _, p := range patterns {
		if _, err := CompilePattern(p); err != nil {
			t.Errorf("CompilePattern(%q) error = %v, want nil", p, err)
		}
	}
}

func TestCompilePatternInvalid(t *testing.T) {
	patterns := []string{
		"",
		".",
		"orders.",
		".orders",
		"orders..created",
		"orders.#",
		"orders.cre*ted",
		"orders.**",
		"ord?",
		"orders.created!",
		"orders created",
		"orders/created",
		"ordérs.created",
	}

	for _, p := range patterns {
		_, err := CompilePattern(p)
		if !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("CompilePattern(%q) error = %v, want ErrInvalidPattern", p, err)
		}
	}
}

// =============================================================================
// Matching Tests
// =============================================================================

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		// Literal
		{"orders.created", "orders.created", true},
		{"orders.created", "ORDERS.Created", true},
		{"orders.created", "orders.created.eu", false},
		{"orders.created", "orders", false},

		// '*' is one or more segments
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.eu.created", true},
		{"orders.*", "orders", false},
		{"*", "orders", true},
		{"*", "orders.created.eu", true},
		{"*.created", "orders.created", true},
		{"*.created", "a.b.created", true},
		{"*.created", "created", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.x.c", true},
		{"a.*.c", "a.c", false},
		{"a.*.c", "a..c", false},

		// '?' is exactly one segment
		{"orders.?", "orders.created", true},
		{"orders.?", "orders.eu.created", false},
		{"orders.?.done", "orders.42.done", true},
		{"orders.?.done", "orders.a.b.done", false},
		{"?", "orders", true},
		{"?", "orders.created", false},

		// Wildcards never match partial segments
		{"orders.?", "orders.", false},

		// Regex metacharacters are not special in names
		{"orders.created", "ordersXcreated", false},
	}

	for _, tt := range tests {
		p, err := CompilePattern(tt.pattern)
		if err != nil {
			t.Fatalf("CompilePattern(%q) error = %v", tt.pattern, err)
		}
		if got := p.Matches(tt.name); got != tt.want {
			t.Errorf("Pattern(%q).Matches(%q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

// =============================================================================
// Binding Key Tests
// =============================================================================

func TestPatternBindingKey(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		keyed   bool
		want    string
	}{
		{"orders.*", "", false, "#.orders.#"},
		{"orders.?", "", false, "#.orders.*"},
		{"orders.created", "", false, "#.orders.created"},
		{"orders.?", "tenant-1", true, "tenant-1.orders.*"},
		{"orders.*", "tenant-1", true, "tenant-1.orders.#"},
		{"orders.created", "", true, ".orders.created"},
		{"*", "", false, "#.#"},
	}

	for _, tt := range tests {
		p, err := CompilePattern(tt.pattern)
		if err != nil {
			t.Fatalf("CompilePattern(%q) error = %v", tt.pattern, err)
		}
		if got := p.BindingKey(tt.key, tt.keyed); got != tt.want {
			t.Errorf("Pattern(%q).BindingKey(%q, %v) = %q, want %q",
				tt.pattern, tt.key, tt.keyed, got, tt.want)
		}
	}
}

func TestPatternString(t *testing.T) {
	p, err := CompilePattern("Orders.?")
	if err != nil {
		t.Fatalf("CompilePattern() error = %v", err)
	}
	if got := p.String(); got != "Orders.?" {
		t.Errorf("String() = %q, want %q", got, "Orders.?")
	}
}
