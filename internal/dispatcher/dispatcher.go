// Package dispatcher finds due deliveries and runs them on a bounded worker pool.
package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/metrics"
)

// Claimer hands out due deliveries under a lease.
type Claimer interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*delivery.Delivery, error)
	CountDue(ctx context.Context, now time.Time) (int64, error)
}

// Processor performs one attempt of a claimed delivery.
type Processor interface {
	Process(ctx context.Context, d *delivery.Delivery) (coordinator.Result, error)
}

// Options tunes the dispatcher.
type Options struct {
	Concurrency     int
	PollInterval    time.Duration
	Lease           time.Duration
	BacklogInterval time.Duration // 0 disables backlog sampling
	Now             func() time.Time
}

// Dispatcher polls storage for due deliveries. A claim is only taken when a
// worker slot is free, so nothing sits claimed while waiting for a worker.
type Dispatcher struct {
	claimer Claimer
	proc    Processor
	opts    Options
	log     *logging.Logger

	pool      *pool.Pool
	inFlight  atomic.Int64
	saturated atomic.Bool
	wake      chan struct{}
}

// New builds a Dispatcher.
func New(claimer Claimer, proc Processor, log *logging.Logger, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{
		claimer: claimer,
		proc:    proc,
		opts:    opts,
		log:     log,
		pool:    pool.New().WithMaxGoroutines(opts.Concurrency),
		wake:    make(chan struct{}, 1),
	}
}

// Wake requests an immediate poll. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// HandleTask is the NSQ wake-up hook. The task only signals that work exists;
// the delivery itself is claimed from storage.
func (d *Dispatcher) HandleTask(_ context.Context, t delivery.Task) {
	d.log.Plain().WithDelivery(t.DeliveryID).WithTenant(t.TenantID).Debug("wake-up task received")
	d.Wake()
}

// InFlight is the number of attempts currently running.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

// Run polls until ctx is cancelled, then waits for in-flight attempts to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.opts.BacklogInterval > 0 {
		go d.monitorBacklog(ctx)
	}
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.log.Plain().WithFields(map[string]any{
		"concurrency":   d.opts.Concurrency,
		"poll_interval": d.opts.PollInterval.String(),
		"lease":         d.opts.Lease.String(),
	}).Info("dispatcher started")

	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			d.log.Plain().WithField("in_flight", d.inFlight.Load()).Info("dispatcher stopping; waiting for in-flight attempts")
			d.pool.Wait()
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Poll claims as many due deliveries as there are free workers and starts
// them. It returns the number started.
func (d *Dispatcher) Poll(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	free := d.opts.Concurrency - int(d.inFlight.Load())
	if free <= 0 {
		d.saturated.Store(true)
		return 0
	}
	ds, err := d.claimer.ClaimDue(ctx, d.opts.Now(), free, d.opts.Lease)
	if err != nil {
		d.log.Plain().WithError(err).Error("claim due deliveries failed")
		return 0
	}
	d.saturated.Store(len(ds) == free)

	// Attempts outlive a shutdown signal; they finish and persist.
	workCtx := context.WithoutCancel(ctx)
	for _, dl := range ds {
		metrics.UpdateInFlight(d.inFlight.Add(1))
		d.pool.Go(func() {
			defer func() {
				metrics.UpdateInFlight(d.inFlight.Add(-1))
				if d.saturated.Load() {
					d.Wake()
				}
			}()
			d.run(workCtx, dl)
		})
	}
	return len(ds)
}

func (d *Dispatcher) run(ctx context.Context, dl *delivery.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithContext(ctx).WithDelivery(dl.ID).WithField("panic", r).Error("delivery processing panicked; lease will expire")
		}
	}()
	if _, err := d.proc.Process(ctx, dl); err != nil {
		d.log.WithContext(ctx).WithDelivery(dl.ID).WithTenant(dl.TenantID).WithError(err).Warn("delivery processing failed; lease will expire")
	}
}

func (d *Dispatcher) monitorBacklog(ctx context.Context) {
	ticker := time.NewTicker(d.opts.BacklogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.claimer.CountDue(ctx, d.opts.Now())
			if err != nil {
				d.log.Plain().WithError(err).Warn("backlog count failed")
				continue
			}
			metrics.UpdateDueBacklog(n)
		}
	}
}
