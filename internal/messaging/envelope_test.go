package messaging

import (
	"errors"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantKey string
	}{
		{"complete", `{"name":"a.b","data":{"x":1},"id":"1","registrationKey":"t1"}`, false, "t1"},
		{"missing key defaults to empty", `{"name":"a","data":1,"id":"1"}`, false, ""},
		{"zero data accepted", `{"name":"a","data":0,"id":"1"}`, false, ""},
		{"false data accepted", `{"name":"a","data":false,"id":"1"}`, false, ""},
		{"empty string data accepted", `{"name":"a","data":"","id":"1"}`, false, ""},
		{"missing name", `{"data":1,"id":"1"}`, true, ""},
		{"empty name", `{"name":"","data":1,"id":"1"}`, true, ""},
		{"missing data", `{"name":"a","id":"1"}`, true, ""},
		{"null data", `{"name":"a","data":null,"id":"1"}`, true, ""},
		{"missing id", `{"name":"a","data":1}`, true, ""},
		{"not json", `orders.created`, true, ""},
		{"wrong types", `{"name":5,"data":1,"id":"1"}`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeEnvelope([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Errorf("decodeEnvelope() error = %v, want ErrMalformedMessage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeEnvelope() error = %v", err)
			}
			if env.RegistrationKey != tt.wantKey {
				t.Errorf("RegistrationKey = %q, want %q", env.RegistrationKey, tt.wantKey)
			}
		})
	}
}

func TestEnvelopeDecode(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"name":"a","data":{"total":7},"id":"1"}`))
	if err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}

	var v struct{ Total int }
	if err := env.Decode(&v); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if v.Total != 7 {
		t.Errorf("Total = %d, want 7", v.Total)
	}
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		name, key, want string
	}{
		{"orders.created", "", ".orders.created"},
		{"orders.created", "tenant-1", "tenant-1.orders.created"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.name, tt.key); got != tt.want {
			t.Errorf("RoutingKey(%q, %q) = %q, want %q", tt.name, tt.key, got, tt.want)
		}
	}
}

func TestApplyOptions(t *testing.T) {
	if o := applyOptions(nil); o.keyed {
		t.Error("applyOptions(nil).keyed = true, want false")
	}

	o := applyOptions([]Option{nil, WithRegistrationKey("")})
	if !o.keyed || o.key != "" {
		t.Errorf("applyOptions(empty key) = %+v, want keyed with empty key", o)
	}
}

func TestPublishErrorMessage(t *testing.T) {
	err := &PublishError{
		Name:       "a",
		RoutingKey: ".a",
		Attempted:  2,
		Failures:   []DestinationError{{Exchange: "x", Err: ErrBackpressure}},
	}

	want := `messaging: publish "a" (routing key ".a") failed on 1 of 2 exchanges: exchange "x": ` + ErrBackpressure.Error()
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrBackpressure) {
		t.Error("errors.Is(PublishError, ErrBackpressure) = false, want true")
	}
}
