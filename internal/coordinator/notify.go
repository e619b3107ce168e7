package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/ids"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/subscription"
	"github.com/austindbirch/callhook/internal/tracing"
)

// MaxEventIDLength bounds producer supplied event ids.
const MaxEventIDLength = 255

// Event is one occurrence reported by a producer.
type Event struct {
	TenantID   string
	Type       events.Type
	ID         string
	Data       map[string]any
	OccurredAt time.Time // zero means now
	IsTest     bool
}

// NotifyResult reports what a Notify call changed.
type NotifyResult struct {
	Matched    int      `json:"matched"`
	Created    int      `json:"created"`
	Existing   int      `json:"existing"`
	Deliveries []string `json:"delivery_ids"`
}

// Notify records the intent to deliver an event to every matching active
// subscription. It returns once the deliveries are durable; attempts happen
// asynchronously. Repeating a call with the same identity creates nothing.
func (c *Coordinator) Notify(ctx context.Context, tenantID string, eventType events.Type, eventID string, payload map[string]any) (NotifyResult, error) {
	return c.NotifyEvent(ctx, Event{TenantID: tenantID, Type: eventType, ID: eventID, Data: payload})
}

// NotifyEvent is Notify with an explicit occurrence time.
func (c *Coordinator) NotifyEvent(ctx context.Context, ev Event) (NotifyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.notify",
		attribute.String("tenant.id", ev.TenantID),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.id", ev.ID),
	)
	defer span.End()

	if err := validateEvent(ev); err != nil {
		return NotifyResult{}, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.opts.Now()
	}

	subs, err := persist(ctx, c, func() ([]*subscription.Subscription, error) {
		subs, err := c.resolver.Resolve(ctx, ev.TenantID, ev.Type)
		return subs, permanent(err)
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return NotifyResult{}, wrapUnavailable("resolve subscriptions", err)
	}
	res := NotifyResult{Matched: len(subs), Deliveries: []string{}}
	if len(subs) == 0 {
		metrics.RecordEventNotified(string(ev.Type), 0)
		return res, nil
	}

	ds := make([]*delivery.Delivery, 0, len(subs))
	for _, sub := range subs {
		ds = append(ds, c.newDelivery(sub, ev))
	}
	created, err := persist(ctx, c, func() ([]*delivery.Delivery, error) {
		created, err := c.store.CreateDeliveries(ctx, ds)
		return created, permanent(err)
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		c.log.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(string(ev.Type), ev.ID).WithError(err).Error("Failed to record deliveries")
		return NotifyResult{}, wrapUnavailable("create deliveries", err)
	}

	res.Created = len(created)
	res.Existing = len(subs) - len(created)
	for _, d := range created {
		res.Deliveries = append(res.Deliveries, d.ID)
	}
	if !ev.IsTest {
		metrics.RecordEventNotified(string(ev.Type), len(created))
	}
	tracing.AddSpanEvent(ctx, "deliveries.created",
		attribute.Int("created", res.Created),
		attribute.Int("existing", res.Existing),
	)
	c.announce(ctx, created)

	c.log.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(string(ev.Type), ev.ID).WithFields(map[string]any{
		"matched":  res.Matched,
		"created":  res.Created,
		"existing": res.Existing,
	}).Info("Event recorded")
	return res, nil
}

func validateEvent(ev Event) error {
	switch {
	case ev.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidEvent)
	case !ev.Type.Valid():
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
	case ev.ID == "":
		return fmt.Errorf("%w: event id is required", ErrInvalidEvent)
	case len(ev.ID) > MaxEventIDLength:
		return fmt.Errorf("%w: event id longer than %d bytes", ErrInvalidEvent, MaxEventIDLength)
	}
	return nil
}

func (c *Coordinator) newDelivery(sub *subscription.Subscription, ev Event) *delivery.Delivery {
	return &delivery.Delivery{
		ID:             ids.NewDelivery(),
		SubscriptionID: sub.ID,
		TenantID:       ev.TenantID,
		EventType:      ev.Type,
		EventID:        ev.ID,
		Payload:        ev.Data,
		OccurredAt:     ev.OccurredAt.UTC(),
		Status:         delivery.StatusPending,
		MaxAttempts:    sub.MaxAttempts,
		IsTest:         ev.IsTest,
	}
}

// announce publishes wake-up tasks for newly created deliveries. A publish
// failure only delays them until the dispatcher's next poll.
func (c *Coordinator) announce(ctx context.Context, created []*delivery.Delivery) {
	if c.pub == nil || len(created) == 0 {
		return
	}
	headers := tracing.PropagateTraceToNSQ(ctx)
	tasks := make([]delivery.Task, 0, len(created))
	for _, d := range created {
		tasks = append(tasks, delivery.NewTask(d, headers))
	}
	if err := c.pub.PublishTasks(ctx, tasks); err != nil {
		c.log.WithContext(ctx).WithTenant(created[0].TenantID).WithError(err).Warn("Failed to publish delivery tasks; dispatcher poll will pick them up")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_tasks", attribute.Int("count", len(tasks)))
}
