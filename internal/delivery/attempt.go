package delivery

import (
	"time"

	"github.com/austindbirch/callhook/internal/ids"
)

// Kind distinguishes scheduler-driven attempts from operator-triggered ones.
type Kind string

const (
	KindAutomatic Kind = "automatic"
	KindManual    Kind = "manual"
)

// Attempt is the immutable log record of one network attempt.
type Attempt struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	Number         int       `json:"number"`
	Kind           Kind      `json:"kind"`
	Class          Class     `json:"class"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	Error          string    `json:"error,omitempty"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// NewAttempt builds the log record for outcome o of attempt number n on d.
func NewAttempt(d *Delivery, n int, kind Kind, o Outcome) *Attempt {
	at := o.AttemptedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &Attempt{
		ID:             ids.NewAttempt(),
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		TenantID:       d.TenantID,
		Number:         n,
		Kind:           kind,
		Class:          o.Class,
		StatusCode:     o.StatusCode,
		ResponseBody:   CleanText(o.Body, MaxResponseBody),
		LatencyMs:      o.Latency.Milliseconds(),
		Error:          CleanText(o.Error, MaxErrorText),
		AttemptedAt:    at,
	}
}
