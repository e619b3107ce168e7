package coordinator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
	"github.com/austindbirch/callhook/internal/tracing"
)

// Result is what Process did with a claimed delivery.
type Result struct {
	Delivery *delivery.Delivery
	Outcome  *delivery.Outcome // nil when no network attempt was made
	Decision retry.Decision
	// Persisted is false when the status write failed; the lease will expire
	// and the delivery will be attempted again.
	Persisted bool
	// Skipped is true when the subscription, and with it the delivery, was deleted.
	Skipped bool
}

// Process performs one automatic attempt of a delivery the caller has claimed
// and persists the scheduler's decision under the claim token.
func (c *Coordinator) Process(ctx context.Context, d *delivery.Delivery) (Result, error) {
	ctx, end := c.span(ctx, "coordinator.process", d)
	defer end()

	sub, err := persist(ctx, c, func() (*subscription.Subscription, error) {
		sub, err := c.store.LoadSubscription(ctx, d.SubscriptionID)
		return sub, permanent(err)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Deleting a subscription cascades to its deliveries; nothing left to do.
		c.entry(ctx, d).Warn("Subscription gone; skipping delivery")
		return Result{Delivery: d, Skipped: true}, nil
	case err != nil:
		c.release(ctx, d)
		return Result{Delivery: d}, wrapUnavailable("load subscription", err)
	}

	if !sub.Active {
		return c.failInactive(ctx, d)
	}

	out := c.executor.Attempt(ctx, d, sub)
	d.Record(out)
	d.AttemptsMade++
	dec := c.scheduler.Next(d, out, sub.RetryPolicy)
	d.Status = dec.Status
	d.NextRetryAt = dec.NextRetryAt

	res := Result{Delivery: d, Outcome: &out, Decision: dec}
	persistErr := c.complete(ctx, d)
	if errors.Is(persistErr, store.ErrClaimLost) && c.subscriptionGone(ctx, d) {
		// The delivery and its log went with the subscription.
		c.entry(ctx, d).WithFields(map[string]any{
			"attempt":     d.AttemptsMade,
			"class":       string(out.Class),
			"status_code": out.StatusCode,
			"latency_ms":  out.Latency.Milliseconds(),
			"error":       out.Error,
		}).Warn("Subscription deleted during attempt; outcome not recorded in delivery log")
		res.Skipped = true
		return res, nil
	}

	// The request was sent; its record is kept even when the status write failed.
	c.dlog.Append(ctx, delivery.NewAttempt(d, d.AttemptsMade, delivery.KindAutomatic, out))
	if persistErr != nil {
		return res, nil
	}
	res.Persisted = true
	c.observe(ctx, d, out, dec)
	return res, nil
}

func (c *Coordinator) subscriptionGone(ctx context.Context, d *delivery.Delivery) bool {
	_, err := c.store.LoadSubscription(ctx, d.SubscriptionID)
	return errors.Is(err, store.ErrNotFound)
}

// complete writes d's new state, retrying transient failures. On final
// failure the claim is left to expire so the attempt is repeated.
func (c *Coordinator) complete(ctx context.Context, d *delivery.Delivery) error {
	_, err := persist(ctx, c, func() (struct{}, error) {
		return struct{}{}, permanent(c.store.CompleteAttempt(ctx, d))
	})
	if err == nil {
		return nil
	}
	metrics.RecordStatePersistFailure()
	tracing.SetSpanError(ctx, err)
	entry := c.entry(ctx, d).WithField("attempts_made", d.AttemptsMade).WithField("status", string(d.Status)).WithError(err)
	if errors.Is(err, store.ErrClaimLost) {
		entry.Warn("Claim lost before status write; lease expired or delivery removed")
	} else {
		entry.Error("Failed to persist delivery status; lease will expire and the delivery will be retried")
	}
	return err
}

func (c *Coordinator) failInactive(ctx context.Context, d *delivery.Delivery) (Result, error) {
	d.Status = delivery.StatusFailed
	d.NextRetryAt = nil
	d.LastError = "subscription inactive"
	dec := retry.Decision{Status: delivery.StatusFailed, Reason: "inactive"}
	res := Result{Delivery: d, Decision: dec}
	if err := c.complete(ctx, d); err != nil {
		return res, nil
	}
	res.Persisted = true
	c.entry(ctx, d).Info("Subscription inactive; delivery failed without attempt")
	if !d.IsTest {
		metrics.RecordDelivery(string(delivery.StatusFailed))
	}
	c.deadLetter(ctx, d, "subscription inactive", "inactive")
	return res, nil
}

func (c *Coordinator) release(ctx context.Context, d *delivery.Delivery) {
	if err := c.store.ReleaseClaim(ctx, d.ID, d.ClaimToken); err != nil {
		c.entry(ctx, d).WithError(err).Debug("release claim failed; lease will expire")
	}
}

func (c *Coordinator) observe(ctx context.Context, d *delivery.Delivery, out delivery.Outcome, dec retry.Decision) {
	tracing.AddSpanEvent(ctx, "delivery.decided",
		attribute.String("outcome.class", string(out.Class)),
		attribute.String("delivery.status", string(dec.Status)),
		attribute.Int("delivery.attempts_made", d.AttemptsMade),
	)
	entry := c.entry(ctx, d).WithFields(map[string]any{
		"attempt":     d.AttemptsMade,
		"class":       string(out.Class),
		"status_code": out.StatusCode,
		"latency_ms":  out.Latency.Milliseconds(),
		"status":      string(dec.Status),
	})
	if d.IsTest {
		entry.Info("Test delivery attempted")
		return
	}

	metrics.RecordAttempt(string(out.Class), string(delivery.KindAutomatic), out.Latency)
	switch dec.Status {
	case delivery.StatusDelivered:
		metrics.RecordDelivery(string(dec.Status))
		entry.Info("Delivery succeeded")
	case delivery.StatusRetrying:
		metrics.RecordRetry(out.Reason)
		entry.WithField("next_retry_at", dec.NextRetryAt.Format(time.RFC3339)).Info("Delivery scheduled for retry")
	case delivery.StatusFailed:
		metrics.RecordDelivery(string(dec.Status))
		entry.WithField("reason", dec.Reason).Warn("Delivery failed")
		c.deadLetter(ctx, d, dec.Reason, failureLabel(out))
	}
}

// failureLabel is the low-cardinality metrics label of a final failure.
func failureLabel(out delivery.Outcome) string {
	if out.Class == delivery.ClassTerminal && out.Reason != "" {
		return out.Reason
	}
	return "exhausted"
}

func (c *Coordinator) deadLetter(ctx context.Context, d *delivery.Delivery, reason, label string) {
	if d.IsTest {
		return
	}
	metrics.RecordDeadLetter(label)
	if !c.opts.PublishDLQ || c.pub == nil {
		return
	}
	if err := c.pub.PublishDeadLetter(ctx, delivery.NewDeadLetter(d, reason)); err != nil {
		c.entry(ctx, d).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
}
