// Package coordinator drives deliveries through their lifecycle: fan-out of an
// event into deliveries, one attempt per claimed delivery, and the operator
// actions (redeliver, test send).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/deliverylog"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
	"github.com/austindbirch/callhook/internal/tracing"
)

var (
	// ErrUnavailable means storage could not record the event. Callers should retry Notify.
	ErrUnavailable  = errors.New("delivery engine unavailable")
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotRedeliverable is returned when a delivery is still in its automatic cycle
	// or is currently being attempted.
	ErrNotRedeliverable = errors.New("delivery cannot be redelivered now")
)

// Executor performs one network attempt.
type Executor interface {
	Attempt(ctx context.Context, d *delivery.Delivery, sub *subscription.Subscription) delivery.Outcome
}

// Resolver returns the active subscriptions for an event.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, t events.Type) ([]*subscription.Subscription, error)
}

// Publisher announces work on the message bus. Publishing is best effort.
type Publisher interface {
	PublishTasks(ctx context.Context, ts []delivery.Task) error
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Options tunes the coordinator.
type Options struct {
	// Lease bounds how long a claimed delivery is owned without a status write.
	Lease time.Duration
	// PublishDLQ enables dead-letter publishing for failed deliveries.
	PublishDLQ bool
	// PersistTries bounds the retries of storage writes on the hot path.
	PersistTries uint
	// PersistBackoff is the first retry interval of storage writes.
	PersistBackoff time.Duration
	// PersistBudget bounds the total time spent retrying one storage call.
	PersistBudget  time.Duration
	Now            func() time.Time
}

// Coordinator owns the delivery state machine.
type Coordinator struct {
	store     store.Store
	resolver  Resolver
	executor  Executor
	scheduler *retry.Scheduler
	dlog      *deliverylog.Log
	pub       Publisher
	log       *logging.Logger
	opts      Options
}

// New wires a Coordinator. pub may be nil when no message bus is configured.
func New(st store.Store, resolver Resolver, exec Executor, sched *retry.Scheduler, dlog *deliverylog.Log, pub Publisher, log *logging.Logger, opts Options) *Coordinator {
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.PersistTries == 0 {
		opts.PersistTries = 4
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = 100 * time.Millisecond
	}
	if opts.PersistBudget <= 0 {
		opts.PersistBudget = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = logging.Discard()
	}
	if dlog == nil {
		dlog = deliverylog.New(st, log)
	}
	return &Coordinator{
		store:     st,
		resolver:  resolver,
		executor:  exec,
		scheduler: sched,
		dlog:      dlog,
		pub:       pub,
		log:       log,
		opts:      opts,
	}
}

// Lease is the claim lease the coordinator expects callers to use.
func (c *Coordinator) Lease() time.Duration { return c.opts.Lease }

// persist retries op with exponential backoff. Errors wrapped with
// backoff.Permanent stop immediately.
func persist[T any](ctx context.Context, c *Coordinator, op backoff.Operation[T]) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.PersistBackoff
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.PersistTries),
		backoff.WithMaxElapsedTime(c.opts.PersistBudget),
	)
}

// permanent marks store errors that retrying cannot fix.
func permanent(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrClaimLost) ||
		errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidData) {
		return backoff.Permanent(err)
	}
	return err
}

func (c *Coordinator) span(ctx context.Context, name string, d *delivery.Delivery) (context.Context, func()) {
	ctx, span := tracing.StartSpan(ctx, name,
		attribute.String("delivery.id", d.ID),
		attribute.String("tenant.id", d.TenantID),
		attribute.String("subscription.id", d.SubscriptionID),
		attribute.String("event.type", string(d.EventType)),
		attribute.String("event.id", d.EventID),
	)
	return ctx, func() { span.End() }
}

func (c *Coordinator) entry(ctx context.Context, d *delivery.Delivery) *logging.LogEntry {
	return c.log.WithContext(ctx).
		WithTenant(d.TenantID).
		WithEvent(string(d.EventType), d.EventID).
		WithDelivery(d.ID).
		WithSubscription(d.SubscriptionID)
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
