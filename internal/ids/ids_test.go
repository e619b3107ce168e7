package ids

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix Prefix
	}{
		{name: "subscription", gen: NewSubscription, prefix: PrefixSubscription},
		{name: "delivery", gen: NewDelivery, prefix: PrefixDelivery},
		{name: "attempt", gen: NewAttempt, prefix: PrefixAttempt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := tt.gen(), tt.gen()
			if a == b {
				t.Errorf("generated duplicate ids %q", a)
			}
			if !strings.HasPrefix(a, string(tt.prefix)+"_") {
				t.Errorf("id %q missing prefix %q", a, tt.prefix)
			}
			if err := Check(a, tt.prefix); err != nil {
				t.Errorf("Check(%q) unexpected error: %v", a, err)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		expected Prefix
		wantErr  bool
	}{
		{name: "empty", id: "", expected: PrefixDelivery, wantErr: true},
		{name: "garbage", id: "not an id", expected: PrefixDelivery, wantErr: true},
		{name: "wrong prefix", id: NewSubscription(), expected: PrefixDelivery, wantErr: true},
		{name: "valid", id: NewDelivery(), expected: PrefixDelivery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.id, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%q, %q) error = %v, wantErr %v", tt.id, tt.expected, err, tt.wantErr)
			}
		})
	}
}
