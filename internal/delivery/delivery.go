package delivery

import (
	"fmt"
	"time"

	"github.com/austindbirch/callhook/internal/events"
)

// MaxResponseBody caps the stored response body of any attempt.
const MaxResponseBody = 2048

// MaxErrorText caps the stored error text of any attempt.
const MaxErrorText = 1024

// TestFlag is the data key set on synthetic test deliveries.
const TestFlag = "_test"

// Status is the state of a delivery in its automatic attempt cycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further automatic attempts will happen.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown delivery status %q", s)
	}
	return st, nil
}

// Delivery is one notification of one event to one subscription. It is the unit of retry
// and is unique on (SubscriptionID, EventType, EventID).
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	TenantID       string         `json:"tenant_id"`
	EventType      events.Type    `json:"event_type"`
	EventID        string         `json:"event_id"`
	Payload        map[string]any `json:"payload"`
	OccurredAt     time.Time      `json:"occurred_at"`

	Status         Status     `json:"status"`
	AttemptsMade   int        `json:"attempts_made"`
	MaxAttempts    int        `json:"max_attempts"`
	ManualAttempts int        `json:"manual_attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`

	LastStatusCode   int    `json:"last_status_code,omitempty"`
	LastResponseBody string `json:"last_response_body,omitempty"`
	LastLatencyMs    int64  `json:"last_latency_ms,omitempty"`
	LastError        string `json:"last_error,omitempty"`

	IsTest bool `json:"is_test"`

	// Claim state, owned by the store.
	ClaimToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Record copies the observable results of an attempt onto the delivery.
func (d *Delivery) Record(o Outcome) {
	d.LastStatusCode = o.StatusCode
	d.LastResponseBody = CleanText(o.Body, MaxResponseBody)
	d.LastLatencyMs = o.Latency.Milliseconds()
	d.LastError = CleanText(o.Error, MaxErrorText)
}

// Clone returns a copy that does not share pointer fields with d.
func (d *Delivery) Clone() *Delivery {
	c := *d
	if d.Payload != nil {
		c.Payload = make(map[string]any, len(d.Payload))
		for k, v := range d.Payload {
			c.Payload[k] = v
		}
	}
	c.NextRetryAt = copyTime(d.NextRetryAt)
	c.LeaseExpiresAt = copyTime(d.LeaseExpiresAt)
	c.CompletedAt = copyTime(d.CompletedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
