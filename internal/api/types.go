package api

import (
	"time"

	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/subscription"
)

// policyJSON is the wire form of retry.Policy with millisecond durations.
type policyJSON struct {
	Kind       string `json:"kind"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	BaseMs     int64  `json:"base_ms,omitempty"`
	CapMs      int64  `json:"cap_ms,omitempty"`
}

func (p policyJSON) policy() (retry.Policy, error) {
	kind, err := retry.ParseKind(p.Kind)
	if err != nil {
		return retry.Policy{}, badRequest("%v", err)
	}
	return retry.Policy{
		Kind:     kind,
		Interval: time.Duration(p.IntervalMs) * time.Millisecond,
		Base:     time.Duration(p.BaseMs) * time.Millisecond,
		Cap:      time.Duration(p.CapMs) * time.Millisecond,
	}, nil
}

func newPolicyJSON(p retry.Policy) policyJSON {
	out := policyJSON{Kind: string(p.Kind)}
	switch p.Kind {
	case retry.KindFixed:
		out.IntervalMs = p.Interval.Milliseconds()
	case retry.KindExponential:
		out.BaseMs = p.Base.Milliseconds()
		out.CapMs = p.Cap.Milliseconds()
	}
	return out
}

// subscriptionJSON is the API view of a subscription. It never carries the secret.
type subscriptionJSON struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Active      bool              `json:"active"`
	RetryPolicy policyJSON        `json:"retry_policy"`
	MaxAttempts int               `json:"max_attempts"`
	TimeoutMs   int64             `json:"timeout_ms"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func newSubscriptionJSON(s *subscription.Subscription) subscriptionJSON {
	evs := make([]string, len(s.Events))
	for i, t := range s.Events {
		evs[i] = string(t)
	}
	return subscriptionJSON{
		ID:          s.ID,
		Name:        s.Name,
		URL:         s.URL,
		Events:      evs,
		Active:      s.Active,
		RetryPolicy: newPolicyJSON(s.RetryPolicy),
		MaxAttempts: s.MaxAttempts,
		TimeoutMs:   s.Timeout.Milliseconds(),
		Headers:     s.Headers,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

type createSubscriptionRequest struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Active      *bool             `json:"active"`
	RetryPolicy *policyJSON       `json:"retry_policy"`
	MaxAttempts *int              `json:"max_attempts"`
	TimeoutMs   *int64            `json:"timeout_ms"`
	Headers     map[string]string `json:"headers"`
}

type createSubscriptionResponse struct {
	Subscription subscriptionJSON `json:"subscription"`
	// Secret is only ever returned here.
	Secret string `json:"secret"`
}

type updateSubscriptionRequest struct {
	Name        *string            `json:"name"`
	URL         *string            `json:"url"`
	Events      *[]string          `json:"events"`
	Active      *bool              `json:"active"`
	RetryPolicy *policyJSON        `json:"retry_policy"`
	MaxAttempts *int               `json:"max_attempts"`
	TimeoutMs   *int64             `json:"timeout_ms"`
	Headers     *map[string]string `json:"headers"`
}

type eventRequest struct {
	EventType  string         `json:"event_type"`
	EventID    string         `json:"event_id"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

type testDeliveryRequest struct {
	EventType string `json:"event_type"`
}
