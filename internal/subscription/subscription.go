// Package subscription holds the tenant-owned webhook endpoint registrations and
// resolves which of them receive a given event.
package subscription

import (
	"slices"
	"time"

	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/retry"
)

// Subscription is a tenant's registration of a target URL for a set of event types.
type Subscription struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	URL      string `json:"url"`

	// Secret is the plaintext signing key. It is never serialized; the store
	// keeps it sealed and the cache never sees it.
	Secret string `json:"-"`

	Events      []events.Type     `json:"events"`
	Active      bool              `json:"active"`
	RetryPolicy retry.Policy      `json:"retry_policy"`
	MaxAttempts int               `json:"max_attempts"`
	Timeout     time.Duration     `json:"timeout"`
	Headers     map[string]string `json:"headers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscribes reports whether t is in the subscription's event set.
func (s *Subscription) Subscribes(t events.Type) bool {
	return slices.Contains(s.Events, t)
}

// Receives reports whether an event of type t should produce a delivery.
func (s *Subscription) Receives(t events.Type) bool {
	return s.Active && s.Subscribes(t)
}

// Redacted returns a copy without the secret.
func (s *Subscription) Redacted() *Subscription {
	c := s.Clone()
	c.Secret = ""
	return c
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Update is a partial modification; nil fields are left untouched.
// The secret cannot be updated.
type Update struct {
	Name        *string
	URL         *string
	Events      *[]events.Type
	Active      *bool
	RetryPolicy *retry.Policy
	MaxAttempts *int
	Timeout     *time.Duration
	Headers     *map[string]string
}

// Apply writes the set fields of u onto s.
func (s *Subscription) Apply(u Update) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.URL != nil {
		s.URL = *u.URL
	}
	if u.Events != nil {
		s.Events = normalizeEvents(*u.Events)
	}
	if u.Active != nil {
		s.Active = *u.Active
	}
	if u.RetryPolicy != nil {
		s.RetryPolicy = *u.RetryPolicy
	}
	if u.MaxAttempts != nil {
		s.MaxAttempts = *u.MaxAttempts
	}
	if u.Timeout != nil {
		s.Timeout = *u.Timeout
	}
	if u.Headers != nil {
		s.Headers = *u.Headers
	}
}

func normalizeEvents(in []events.Type) []events.Type {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
