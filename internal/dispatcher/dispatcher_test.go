package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/store/memory"
	"github.com/austindbirch/callhook/internal/subscription"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, n int) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	st.SetClock(func() time.Time { return t0 })
	if err := st.CreateSubscription(ctx, &subscription.Subscription{
		ID: "sub_1", TenantID: "tn_1", URL: "https://a.example.com", Secret: "whsec_x",
		Events: []events.Type{events.CallCompleted}, Active: true, RetryPolicy: retry.None(),
		Timeout: time.Second,
	}); err != nil {
		t.Fatal(err)
	}
	var ds []*delivery.Delivery
	for i := 0; i < n; i++ {
		ds = append(ds, &delivery.Delivery{
			ID: fmt.Sprintf("dlv_%d", i), SubscriptionID: "sub_1", TenantID: "tn_1",
			EventType: events.CallCompleted, EventID: fmt.Sprintf("evt_%d", i), MaxAttempts: 1,
		})
	}
	if _, err := st.CreateDeliveries(ctx, ds); err != nil {
		t.Fatal(err)
	}
	return st
}

// blockingProcessor completes a delivery as delivered once released.
type blockingProcessor struct {
	st      *memory.Store
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	seen    map[string]int
	err     error
}

func newProcessor(st *memory.Store) *blockingProcessor {
	return &blockingProcessor{st: st, release: make(chan struct{}), seen: map[string]int{}}
}

func (p *blockingProcessor) Process(ctx context.Context, d *delivery.Delivery) (coordinator.Result, error) {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-p.release
	p.mu.Lock()
	p.seen[d.ID]++
	p.mu.Unlock()
	if p.err != nil {
		return coordinator.Result{}, p.err
	}
	d.Status = delivery.StatusDelivered
	return coordinator.Result{Delivery: d, Persisted: true}, p.st.CompleteAttempt(ctx, d)
}

func (p *blockingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.seen {
		total += n
	}
	return total
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollClaimsOnlyFreeSlots(t *testing.T) {
	st := seed(t, 5)
	proc := newProcessor(st)
	d := New(st, proc, nil, Options{Concurrency: 2, Lease: time.Minute, Now: func() time.Time { return t0 }})
	ctx := context.Background()

	if got := d.Poll(ctx); got != 2 {
		t.Fatalf("first Poll() started %d, want 2", got)
	}
	waitFor(t, func() bool { return proc.running.Load() == 2 })
	if got := d.Poll(ctx); got != 0 {
		t.Errorf("Poll() with no free slots started %d", got)
	}

	var pending int
	for _, dl := range st.Deliveries() {
		if dl.ClaimToken == "" {
			pending++
		}
	}
	if pending != 3 {
		t.Errorf("unclaimed deliveries = %d, want 3", pending)
	}

	close(proc.release)
	d.pool.Wait()
	if proc.peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", proc.peak.Load())
	}
}

func TestRunDrainsAndStopsGracefully(t *testing.T) {
	st := seed(t, 7)
	proc := newProcessor(st)
	close(proc.release)
	d := New(st, proc, nil, Options{Concurrency: 3, PollInterval: 10 * time.Millisecond, Lease: time.Minute, Now: func() time.Time { return t0 }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return proc.count() == 7 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	for id, n := range proc.seen {
		if n != 1 {
			t.Errorf("%s processed %d times", id, n)
		}
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight() = %d after stop", d.InFlight())
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	st := seed(t, 1)
	proc := newProcessor(st)
	d := New(st, proc, nil, Options{Concurrency: 1, PollInterval: time.Hour, Lease: time.Minute, Now: func() time.Time { return t0 }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return proc.running.Load() == 1 })
	cancel()

	select {
	case <-done:
		t.Fatal("Run() returned while an attempt was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(proc.release)
	<-done
	if dl, _ := st.Snapshot("dlv_0"); dl.Status != delivery.StatusDelivered {
		t.Errorf("in-flight attempt not completed: %s", dl.Status)
	}
}

func TestWakeTriggersPoll(t *testing.T) {
	st := seed(t, 0)
	proc := newProcessor(st)
	close(proc.release)
	d := New(st, proc, nil, Options{Concurrency: 2, PollInterval: time.Hour, Lease: time.Minute, Now: func() time.Time { return t0 }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if _, err := st.CreateDeliveries(ctx, []*delivery.Delivery{{
		ID: "dlv_late", SubscriptionID: "sub_1", TenantID: "tn_1",
		EventType: events.CallCompleted, EventID: "evt_late", MaxAttempts: 1,
	}}); err != nil {
		t.Fatal(err)
	}
	d.HandleTask(ctx, delivery.Task{DeliveryID: "dlv_late"})
	waitFor(t, func() bool { return proc.count() == 1 })
}

func TestProcessErrorLeavesLease(t *testing.T) {
	st := seed(t, 1)
	proc := newProcessor(st)
	proc.err = errors.New("db down")
	close(proc.release)
	d := New(st, proc, nil, Options{Concurrency: 1, Lease: time.Minute, Now: func() time.Time { return t0 }})

	d.Poll(context.Background())
	d.pool.Wait()
	dl, _ := st.Snapshot("dlv_0")
	if dl.ClaimToken == "" || dl.Status != delivery.StatusPending {
		t.Errorf("delivery = %s token=%q, want still claimed and pending", dl.Status, dl.ClaimToken)
	}
}

func TestBacklogGauge(t *testing.T) {
	st := seed(t, 4)
	proc := newProcessor(st)
	d := New(st, proc, nil, Options{Concurrency: 1, PollInterval: time.Hour, BacklogInterval: 10 * time.Millisecond, Lease: time.Minute, Now: func() time.Time { return t0 }})

	ctx, cancel := context.WithCancel(context.Background())
	go d.monitorBacklog(ctx)
	waitFor(t, func() bool { return testutil.ToFloat64(metrics.DueBacklog) == 4 })
	cancel()
	close(proc.release)
}
