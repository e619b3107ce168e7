package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/tracing"
)

// ErrSubscriptionInactive rejects operator actions on a paused subscription.
var ErrSubscriptionInactive = errors.New("subscription inactive")

// ManualResult is the outcome of an operator-triggered attempt.
type ManualResult struct {
	Delivery *delivery.Delivery `json:"delivery"`
	Attempt  *delivery.Attempt  `json:"attempt"`
}

// Redeliver forces one out-of-band attempt of a delivered or failed delivery.
// The automatic attempt counter is left alone. Success marks the delivery
// delivered; failure keeps its current status.
func (c *Coordinator) Redeliver(ctx context.Context, tenantID, deliveryID string) (ManualResult, error) {
	d, err := c.store.Claim(ctx, tenantID, deliveryID,
		[]delivery.Status{delivery.StatusFailed, delivery.StatusDelivered},
		c.opts.Now(), c.opts.Lease)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ManualResult{}, err
	case errors.Is(err, store.ErrClaimLost):
		return ManualResult{}, fmt.Errorf("%w: delivery %s is pending, retrying or in flight", ErrNotRedeliverable, deliveryID)
	case err != nil:
		return ManualResult{}, wrapUnavailable("claim delivery", err)
	}

	ctx, end := c.span(ctx, "coordinator.redeliver", d)
	defer end()

	sub, err := c.store.GetSubscription(ctx, tenantID, d.SubscriptionID)
	if err != nil {
		c.release(ctx, d)
		if errors.Is(err, store.ErrNotFound) {
			return ManualResult{}, err
		}
		return ManualResult{}, wrapUnavailable("load subscription", err)
	}
	if !sub.Active {
		c.release(ctx, d)
		return ManualResult{}, ErrSubscriptionInactive
	}

	out := c.executor.Attempt(ctx, d, sub)
	d.Record(out)
	d.ManualAttempts++
	if out.Class == delivery.ClassSuccess {
		d.Status = delivery.StatusDelivered
		d.NextRetryAt = nil
	}
	a := delivery.NewAttempt(d, d.ManualAttempts, delivery.KindManual, out)

	// The attempt happened either way; it is logged even if the status write fails.
	persistErr := c.complete(ctx, d)
	c.dlog.Append(ctx, a)
	if !d.IsTest {
		metrics.RecordAttempt(string(out.Class), string(delivery.KindManual), out.Latency)
	}
	c.entry(ctx, d).WithFields(map[string]any{
		"manual_attempt": d.ManualAttempts,
		"class":          string(out.Class),
		"status_code":    out.StatusCode,
	}).Info("Manual redelivery attempted")

	if persistErr != nil {
		return ManualResult{Delivery: d, Attempt: a}, wrapUnavailable("persist delivery", persistErr)
	}
	return ManualResult{Delivery: d, Attempt: a}, nil
}

// SendTest creates a synthetic delivery to one subscription. It travels the
// normal pipeline but is flagged so it never counts in subscription stats.
// An empty eventType uses the subscription's first event type.
func (c *Coordinator) SendTest(ctx context.Context, tenantID, subscriptionID string, eventType events.Type) (*delivery.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.send_test")
	defer span.End()

	sub, err := c.store.GetSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, wrapUnavailable("load subscription", err)
	}
	if !sub.Active {
		return nil, ErrSubscriptionInactive
	}
	if eventType == "" && len(sub.Events) > 0 {
		eventType = sub.Events[0]
	}
	if !sub.Subscribes(eventType) {
		return nil, fmt.Errorf("%w: subscription does not receive %q", ErrInvalidEvent, eventType)
	}

	ev := Event{
		TenantID: tenantID,
		Type:     eventType,
		ID:       "test_" + uuid.NewString(),
		Data:     TestPayload(eventType),
		IsTest:   true,
	}
	ev.OccurredAt = c.opts.Now()
	d := c.newDelivery(sub, ev)
	created, err := persist(ctx, c, func() ([]*delivery.Delivery, error) {
		created, err := c.store.CreateDeliveries(ctx, []*delivery.Delivery{d})
		return created, permanent(err)
	})
	if err != nil {
		return nil, wrapUnavailable("create test delivery", err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: test delivery was not created", ErrUnavailable)
	}
	c.announce(ctx, created)
	c.entry(ctx, created[0]).Info("Test delivery created")
	return created[0], nil
}

// TestPayload is the sample data sent by SendTest.
func TestPayload(t events.Type) map[string]any {
	return map[string]any{
		delivery.TestFlag: true,
		"message":         fmt.Sprintf("This is a test %s event from callhook.", t),
	}
}
