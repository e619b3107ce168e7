package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/deliverylog"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/executor"
	"github.com/austindbirch/callhook/internal/ids"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/signing"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/store/memory"
	"github.com/austindbirch/callhook/internal/subscription"
)

const tenant = "tn_acme"

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	tasks []delivery.Task
	dlq   []delivery.DeadLetter
	err   error
}

func (r *recorder) PublishTasks(_ context.Context, ts []delivery.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, ts...)
	return nil
}

func (r *recorder) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, dl)
	return nil
}

// receiver answers with statuses in order, repeating the last one.
type receiver struct {
	srv      *httptest.Server
	hits     atomic.Int32
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := int(r.hits.Add(1))
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		code := r.statuses[min(n, len(r.statuses))-1]
		r.mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) setStatuses(statuses ...int) {
	r.mu.Lock()
	r.statuses = statuses
	r.mu.Unlock()
	r.hits.Store(0)
}

type harness struct {
	st  *memory.Store
	c   *Coordinator
	pub *recorder
	clk *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: t0}
	st := memory.New()
	st.SetClock(clk.Now)
	pub := &recorder{}
	c := New(st,
		subscription.NewRegistry(st, nil, nil),
		executor.New(executor.Options{}),
		retry.NewScheduler(retry.WithClock(clk.Now)),
		deliverylog.New(st, nil),
		pub, nil,
		Options{
			Lease:          time.Minute,
			PublishDLQ:     true,
			PersistTries:   2,
			PersistBackoff: time.Millisecond,
			Now:            clk.Now,
		})
	return &harness{st: st, c: c, pub: pub, clk: clk}
}

func (h *harness) addSub(t *testing.T, url string, mutate func(*subscription.Subscription)) *subscription.Subscription {
	t.Helper()
	s := &subscription.Subscription{
		ID:          ids.NewSubscription(),
		TenantID:    tenant,
		Name:        "test",
		URL:         url,
		Secret:      "whsec_test_secret",
		Events:      []events.Type{events.CallCompleted, events.RecordingAvailable},
		Active:      true,
		RetryPolicy: retry.Exponential(10*time.Second, 40*time.Second),
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
	}
	if mutate != nil {
		mutate(s)
	}
	if err := h.st.CreateSubscription(context.Background(), s); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	return s
}

func (h *harness) notify(t *testing.T, eventID string) NotifyResult {
	t.Helper()
	res, err := h.c.Notify(context.Background(), tenant, events.CallCompleted, eventID, map[string]any{"call_id": "c_1"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	return res
}

// drain claims everything due at the current clock and processes it.
func (h *harness) drain(t *testing.T) []Result {
	t.Helper()
	ds, err := h.st.ClaimDue(context.Background(), h.clk.Now(), 100, h.c.Lease())
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	var out []Result
	for _, d := range ds {
		res, err := h.c.Process(context.Background(), d)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		out = append(out, res)
	}
	return out
}

func (h *harness) get(t *testing.T, id string) *delivery.Delivery {
	t.Helper()
	d, ok := h.st.Snapshot(id)
	if !ok {
		t.Fatalf("delivery %s not found", id)
	}
	return d
}

func TestNotifyIdempotent(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	h.addSub(t, rcv.srv.URL+"/a", nil)
	h.addSub(t, rcv.srv.URL+"/b", nil)

	first := h.notify(t, "evt_1")
	if first.Matched != 2 || first.Created != 2 || first.Existing != 0 {
		t.Fatalf("first Notify() = %+v", first)
	}
	second := h.notify(t, "evt_1")
	if second.Created != 0 || second.Existing != 2 {
		t.Fatalf("second Notify() = %+v", second)
	}
	if got := len(h.st.Deliveries()); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
	if got := len(h.pub.tasks); got != 2 {
		t.Errorf("tasks published = %d, want 2 (only for new deliveries)", got)
	}

	// A second notify after completion must not reset state either.
	h.drain(t)
	h.notify(t, "evt_1")
	for _, d := range h.st.Deliveries() {
		if d.Status != delivery.StatusDelivered || d.AttemptsMade != 1 {
			t.Errorf("delivery %s = %s/%d after repeat notify", d.ID, d.Status, d.AttemptsMade)
		}
	}
}

func TestNotifyValidation(t *testing.T) {
	h := newHarness(t)
	long := make([]byte, MaxEventIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name    string
		tenant  string
		typ     events.Type
		eventID string
	}{
		{name: "missing tenant", typ: events.CallCompleted, eventID: "e"},
		{name: "unknown type", tenant: tenant, typ: "call.exploded", eventID: "e"},
		{name: "missing event id", tenant: tenant, typ: events.CallCompleted},
		{name: "event id too long", tenant: tenant, typ: events.CallCompleted, eventID: string(long)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.c.Notify(context.Background(), tt.tenant, tt.typ, tt.eventID, nil)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Notify() error = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestNotifyMatchesOnlyActiveSubscribers(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	h.addSub(t, rcv.srv.URL+"/inactive", func(s *subscription.Subscription) { s.Active = false })
	h.addSub(t, rcv.srv.URL+"/other", func(s *subscription.Subscription) { s.Events = []events.Type{events.SurveyCompleted} })

	res := h.notify(t, "evt_1")
	if res.Matched != 0 || res.Created != 0 {
		t.Errorf("Notify() = %+v, want no matches", res)
	}
}

func TestNotifyUnavailable(t *testing.T) {
	h := newHarness(t)
	h.st.Fail = errors.New("connection refused")
	_, err := h.c.Notify(context.Background(), tenant, events.CallCompleted, "evt_1", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Notify() error = %v, want ErrUnavailable", err)
	}
}

func TestNotifyPublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	h.addSub(t, rcv.srv.URL, nil)
	h.pub.err = errors.New("nsqd down")

	res := h.notify(t, "evt_1")
	if res.Created != 1 {
		t.Fatalf("Notify() = %+v", res)
	}
	if got := len(h.drain(t)); got != 1 {
		t.Errorf("poll found %d deliveries, want 1", got)
	}
}

func TestSuccessfulDelivery(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	sub := h.addSub(t, rcv.srv.URL, func(s *subscription.Subscription) {
		s.Headers = map[string]string{"X-Env": "test"}
	})
	res := h.notify(t, "evt_1")

	results := h.drain(t)
	if len(results) != 1 || !results[0].Persisted {
		t.Fatalf("drain() = %+v", results)
	}
	d := h.get(t, res.Deliveries[0])
	if d.Status != delivery.StatusDelivered || d.AttemptsMade != 1 || d.LastStatusCode != 200 {
		t.Errorf("delivery = %s attempts=%d code=%d", d.Status, d.AttemptsMade, d.LastStatusCode)
	}
	if d.CompletedAt == nil {
		t.Error("CompletedAt not set on delivered delivery")
	}

	hdr := rcv.headers[0]
	if err := signing.Verify(sub.Secret, rcv.bodies[0], hdr.Get("X-Callhook-Timestamp"), hdr.Get("X-Callhook-Signature"), time.Now(), time.Minute); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}
	if hdr.Get("X-Env") != "test" || hdr.Get("X-Callhook-Delivery") != d.ID {
		t.Errorf("headers = %v", hdr)
	}

	var env delivery.Envelope
	if err := json.Unmarshal(rcv.bodies[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "call.completed" || env.EventID != "evt_1" || env.OrganizationID != tenant || env.Data["call_id"] != "c_1" {
		t.Errorf("envelope = %+v", env)
	}

	attempts, err := h.st.ListAttempts(context.Background(), tenant, d.ID)
	if err != nil || len(attempts) != 1 || attempts[0].Kind != delivery.KindAutomatic {
		t.Errorf("attempts = %+v, %v", attempts, err)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 503)
	h.addSub(t, rcv.srv.URL, nil)
	id := h.notify(t, "evt_1").Deliveries[0]

	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second}
	for i, delay := range wantDelays {
		h.drain(t)
		d := h.get(t, id)
		if d.Status != delivery.StatusRetrying || d.AttemptsMade != i+1 {
			t.Fatalf("after attempt %d: %s/%d", i+1, d.Status, d.AttemptsMade)
		}
		if got := d.NextRetryAt.Sub(h.clk.Now()); got != delay {
			t.Errorf("delay after attempt %d = %s, want %s", i+1, got, delay)
		}
		// Not due yet.
		if n := len(h.drain(t)); n != 0 {
			t.Fatalf("claimed %d deliveries before retry time", n)
		}
		h.clk.Set(*d.NextRetryAt)
	}

	h.drain(t)
	d := h.get(t, id)
	if d.Status != delivery.StatusFailed || d.AttemptsMade != 3 || d.NextRetryAt != nil {
		t.Errorf("final delivery = %s/%d next=%v", d.Status, d.AttemptsMade, d.NextRetryAt)
	}
	if got := rcv.hits.Load(); got != 3 {
		t.Errorf("receiver hits = %d, want 3", got)
	}
	if len(h.pub.dlq) != 1 || h.pub.dlq[0].Attempt != 3 {
		t.Errorf("dead letters = %+v", h.pub.dlq)
	}
	h.clk.Set(h.clk.Now().Add(time.Hour))
	if n := len(h.drain(t)); n != 0 {
		t.Errorf("failed delivery claimed again (%d)", n)
	}
}

func TestExponentialCap(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 500)
	h.addSub(t, rcv.srv.URL, func(s *subscription.Subscription) {
		s.RetryPolicy = retry.Exponential(10*time.Second, 25*time.Second)
		s.MaxAttempts = 5
	})
	id := h.notify(t, "evt_1").Deliveries[0]

	for _, want := range []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second, 25 * time.Second} {
		h.drain(t)
		d := h.get(t, id)
		if got := d.NextRetryAt.Sub(h.clk.Now()); got != want {
			t.Errorf("attempt %d delay = %s, want %s", d.AttemptsMade, got, want)
		}
		h.clk.Set(*d.NextRetryAt)
	}
}

func TestEventualSuccess(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 500, 429, 200)
	h.addSub(t, rcv.srv.URL, func(s *subscription.Subscription) {
		s.RetryPolicy = retry.Fixed(5 * time.Second)
		s.MaxAttempts = 5
	})
	id := h.notify(t, "evt_1").Deliveries[0]

	for i := 0; i < 3; i++ {
		h.drain(t)
		if d := h.get(t, id); d.NextRetryAt != nil {
			h.clk.Set(*d.NextRetryAt)
		}
	}
	d := h.get(t, id)
	if d.Status != delivery.StatusDelivered || d.AttemptsMade != 3 {
		t.Errorf("delivery = %s/%d, want delivered/3", d.Status, d.AttemptsMade)
	}
	attempts, _ := h.st.ListAttempts(context.Background(), tenant, id)
	if len(attempts) != 3 {
		t.Errorf("attempt records = %d, want 3", len(attempts))
	}
}

func TestTerminalShortCircuit(t *testing.T) {
	tests := []struct {
		name   string
		status int
		policy retry.Policy
	}{
		{name: "404 is terminal", status: 404, policy: retry.Exponential(time.Second, time.Minute)},
		{name: "410 is terminal", status: 410, policy: retry.Fixed(time.Second)},
		{name: "policy none fails retryable", status: 500, policy: retry.None()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rcv := newReceiver(t, tt.status)
			h.addSub(t, rcv.srv.URL, func(s *subscription.Subscription) { s.RetryPolicy = tt.policy })
			id := h.notify(t, "evt_1").Deliveries[0]

			h.drain(t)
			d := h.get(t, id)
			if d.Status != delivery.StatusFailed || d.AttemptsMade != 1 || d.NextRetryAt != nil {
				t.Errorf("delivery = %s/%d next=%v", d.Status, d.AttemptsMade, d.NextRetryAt)
			}
			if d.LastStatusCode != tt.status {
				t.Errorf("LastStatusCode = %d", d.LastStatusCode)
			}
		})
	}
}

func TestIsolation(t *testing.T) {
	h := newHarness(t)
	good := newReceiver(t, 200)
	bad := newReceiver(t, 500)
	h.addSub(t, good.srv.URL, nil)
	badSub := h.addSub(t, bad.srv.URL, nil)
	h.notify(t, "evt_1")

	h.drain(t)
	for _, d := range h.st.Deliveries() {
		want := delivery.StatusDelivered
		if d.SubscriptionID == badSub.ID {
			want = delivery.StatusRetrying
		}
		if d.Status != want {
			t.Errorf("delivery for %s = %s, want %s", d.SubscriptionID, d.Status, want)
		}
	}
}

func TestInactiveSubscription(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	sub := h.addSub(t, rcv.srv.URL, nil)
	id := h.notify(t, "evt_1").Deliveries[0]

	sub.Active = false
	if err := h.st.UpdateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	d := h.get(t, id)
	if d.Status != delivery.StatusFailed || d.AttemptsMade != 0 {
		t.Errorf("delivery = %s/%d, want failed/0", d.Status, d.AttemptsMade)
	}
	if rcv.hits.Load() != 0 {
		t.Error("inactive subscription received a request")
	}
}

func TestSubscriptionDeletedBeforeAttempt(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	sub := h.addSub(t, rcv.srv.URL, nil)
	h.notify(t, "evt_1")

	ds, err := h.st.ClaimDue(context.Background(), h.clk.Now(), 10, time.Minute)
	if err != nil || len(ds) != 1 {
		t.Fatalf("ClaimDue() = %d, %v", len(ds), err)
	}
	if err := h.st.DeleteSubscription(context.Background(), tenant, sub.ID); err != nil {
		t.Fatal(err)
	}
	res, err := h.c.Process(context.Background(), ds[0])
	if err != nil || !res.Skipped {
		t.Errorf("Process() = %+v, %v; want skipped", res, err)
	}
	if rcv.hits.Load() != 0 {
		t.Error("deleted subscription received a request")
	}
}

func TestStatePersistFailure(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	h.addSub(t, rcv.srv.URL, nil)
	id := h.notify(t, "evt_1").Deliveries[0]

	before := testutil.ToFloat64(metrics.StatePersistFailuresTotal)
	h.st.FailComplete = errors.New("write timeout")
	results := h.drain(t)
	if len(results) != 1 || results[0].Persisted {
		t.Fatalf("drain() = %+v, want one unpersisted result", results)
	}
	if got := testutil.ToFloat64(metrics.StatePersistFailuresTotal) - before; got != 1 {
		t.Errorf("state persist failures = %v, want 1", got)
	}
	if d := h.get(t, id); d.Status != delivery.StatusPending || d.AttemptsMade != 0 {
		t.Errorf("stored delivery = %s/%d, want untouched", d.Status, d.AttemptsMade)
	}

	// Lease still held: not reclaimable yet.
	h.st.FailComplete = nil
	if n := len(h.drain(t)); n != 0 {
		t.Fatalf("claimed %d deliveries under a live lease", n)
	}
	h.clk.Set(h.clk.Now().Add(h.c.Lease() + time.Second))
	h.drain(t)
	if d := h.get(t, id); d.Status != delivery.StatusDelivered {
		t.Errorf("after lease expiry status = %s, want delivered", d.Status)
	}
	if got := rcv.hits.Load(); got != 2 {
		t.Errorf("receiver hits = %d, want 2 (at-least-once)", got)
	}
	attempts, err := h.st.ListAttempts(context.Background(), tenant, id)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("attempt records = %d, want 2 (one per request sent)", len(attempts))
	}
}

func TestSubscriptionDeletedDuringAttempt(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	lg := logging.New("callhook-test")
	lg.SetOutput(&buf)
	h.c.log = lg

	var subID atomic.Value
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := h.st.DeleteSubscription(context.Background(), tenant, subID.Load().(string)); err != nil {
			t.Errorf("DeleteSubscription() error = %v", err)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sub := h.addSub(t, srv.URL, nil)
	subID.Store(sub.ID)
	id := h.notify(t, "evt_1").Deliveries[0]

	results := h.drain(t)
	if len(results) != 1 {
		t.Fatalf("drain() = %d results, want 1", len(results))
	}
	res := results[0]
	if hits.Load() != 1 {
		t.Errorf("receiver hits = %d, want 1", hits.Load())
	}
	if res.Persisted || !res.Skipped {
		t.Errorf("result persisted=%v skipped=%v, want false/true", res.Persisted, res.Skipped)
	}
	if res.Outcome == nil || res.Outcome.StatusCode != http.StatusBadGateway {
		t.Errorf("outcome = %+v, want the 502 that was received", res.Outcome)
	}
	if _, ok := h.st.Snapshot(id); ok {
		t.Error("delivery should be gone with its subscription")
	}

	var audit map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if msg, _ := entry["msg"].(string); strings.HasPrefix(msg, "Subscription deleted during attempt") {
			audit = entry
		}
	}
	if audit == nil {
		t.Fatalf("no audit line for the in-flight outcome in:\n%s", buf.String())
	}
	if audit["delivery_id"] != id {
		t.Errorf("audit delivery_id = %v, want %s", audit["delivery_id"], id)
	}
	fields, _ := audit["fields"].(map[string]any)
	if fields["status_code"] != float64(http.StatusBadGateway) || fields["class"] != string(delivery.ClassRetryable) {
		t.Errorf("audit fields = %v", fields)
	}
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", store.ErrNotFound, true},
		{"claim lost", store.ErrClaimLost, true},
		{"conflict", store.ErrConflict, true},
		{"invalid data", fmt.Errorf("complete attempt: %w", store.ErrInvalidData), true},
		{"transient", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pe *backoff.PermanentError
			if got := errors.As(permanent(tt.err), &pe); got != tt.want {
				t.Errorf("permanent(%v) is permanent = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestInvalidDataIsNotRetried(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	h.addSub(t, rcv.srv.URL, nil)
	h.notify(t, "evt_1")

	h.c.opts.PersistTries = 5
	h.st.FailComplete = fmt.Errorf("complete attempt: %w", store.ErrInvalidData)
	calls := h.st.CompleteCalls()
	h.drain(t)
	if got := h.st.CompleteCalls() - calls; got != 1 {
		t.Errorf("CompleteAttempt calls = %d, want 1", got)
	}
}

func TestAttemptLogFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	h.addSub(t, rcv.srv.URL, nil)
	id := h.notify(t, "evt_1").Deliveries[0]

	h.st.FailAppend = errors.New("log table locked")
	h.drain(t)
	if d := h.get(t, id); d.Status != delivery.StatusDelivered {
		t.Errorf("status = %s, want delivered", d.Status)
	}
}

func TestRedeliver(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 404)
	h.addSub(t, rcv.srv.URL, nil)
	id := h.notify(t, "evt_1").Deliveries[0]
	h.drain(t)
	if d := h.get(t, id); d.Status != delivery.StatusFailed {
		t.Fatalf("setup: status = %s", d.Status)
	}

	// A failed manual attempt keeps the status.
	res, err := h.c.Redeliver(context.Background(), tenant, id)
	if err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	if res.Delivery.Status != delivery.StatusFailed || res.Attempt.Kind != delivery.KindManual {
		t.Errorf("failed redeliver = %s/%s", res.Delivery.Status, res.Attempt.Kind)
	}

	rcv.setStatuses(200)
	if _, err := h.c.Redeliver(context.Background(), tenant, id); err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	d := h.get(t, id)
	if d.Status != delivery.StatusDelivered || d.AttemptsMade != 1 || d.ManualAttempts != 2 {
		t.Errorf("delivery = %s attempts=%d manual=%d", d.Status, d.AttemptsMade, d.ManualAttempts)
	}

	attempts, _ := h.st.ListAttempts(context.Background(), tenant, id)
	var manual int
	for _, a := range attempts {
		if a.Kind == delivery.KindManual {
			manual++
		}
	}
	if len(attempts) != 3 || manual != 2 {
		t.Errorf("attempts = %d (manual %d), want 3 (2)", len(attempts), manual)
	}

	// Redelivering a delivered delivery is allowed.
	if _, err := h.c.Redeliver(context.Background(), tenant, id); err != nil {
		t.Errorf("Redeliver() of delivered error = %v", err)
	}
}

func TestRedeliverRejected(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 500)
	h.addSub(t, rcv.srv.URL, nil)
	id := h.notify(t, "evt_1").Deliveries[0]

	if _, err := h.c.Redeliver(context.Background(), tenant, id); !errors.Is(err, ErrNotRedeliverable) {
		t.Errorf("pending Redeliver() error = %v, want ErrNotRedeliverable", err)
	}
	h.drain(t)
	if _, err := h.c.Redeliver(context.Background(), tenant, id); !errors.Is(err, ErrNotRedeliverable) {
		t.Errorf("retrying Redeliver() error = %v, want ErrNotRedeliverable", err)
	}
	if _, err := h.c.Redeliver(context.Background(), "tn_other", id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-tenant Redeliver() error = %v, want ErrNotFound", err)
	}
}

func TestSendTest(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	sub := h.addSub(t, rcv.srv.URL, nil)

	d, err := h.c.SendTest(context.Background(), tenant, sub.ID, "")
	if err != nil {
		t.Fatalf("SendTest() error = %v", err)
	}
	if !d.IsTest || d.EventType != events.CallCompleted || len(d.EventID) < 6 || d.EventID[:5] != "test_" {
		t.Errorf("test delivery = %+v", d)
	}
	h.drain(t)

	var env delivery.Envelope
	if err := json.Unmarshal(rcv.bodies[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Data[delivery.TestFlag] != true {
		t.Errorf("data._test = %v, want true", env.Data[delivery.TestFlag])
	}
	if err := signing.Verify(sub.Secret, rcv.bodies[0], rcv.headers[0].Get("X-Callhook-Timestamp"), rcv.headers[0].Get("X-Callhook-Signature"), time.Now(), time.Minute); err != nil {
		t.Errorf("signature: %v", err)
	}
	if got := h.get(t, d.ID); got.Status != delivery.StatusDelivered {
		t.Errorf("status = %s", got.Status)
	}

	attempts, _ := h.st.ListAttempts(context.Background(), tenant, d.ID)
	if len(attempts) != 1 {
		t.Errorf("test delivery attempts logged = %d, want 1", len(attempts))
	}
	st, _ := deliverylog.New(h.st, nil).Stats(context.Background(), tenant, sub.ID)
	if st.Total != 0 {
		t.Errorf("stats include the test delivery: %+v", st)
	}
}

func TestSendTestRejects(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 200)
	active := h.addSub(t, rcv.srv.URL+"/a", nil)
	paused := h.addSub(t, rcv.srv.URL+"/b", func(s *subscription.Subscription) { s.Active = false })

	tests := []struct {
		name    string
		subID   string
		typ     events.Type
		wantErr error
	}{
		{name: "unknown subscription", subID: "sub_missing", wantErr: store.ErrNotFound},
		{name: "inactive", subID: paused.ID, wantErr: ErrSubscriptionInactive},
		{name: "unsubscribed type", subID: active.ID, typ: events.SurveyCompleted, wantErr: ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.c.SendTest(context.Background(), tenant, tt.subID, tt.typ); !errors.Is(err, tt.wantErr) {
				t.Errorf("SendTest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestZeroMaxAttemptsFailsOnFirstFailure(t *testing.T) {
	h := newHarness(t)
	rcv := newReceiver(t, 503)
	h.addSub(t, rcv.srv.URL, func(s *subscription.Subscription) { s.MaxAttempts = 0 })
	id := h.notify(t, "evt_1").Deliveries[0]

	h.drain(t)
	if d := h.get(t, id); d.Status != delivery.StatusFailed || d.AttemptsMade != 1 {
		t.Errorf("delivery = %s/%d, want failed/1", d.Status, d.AttemptsMade)
	}
}
