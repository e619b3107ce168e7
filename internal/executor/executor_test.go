package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/signing"
	"github.com/austindbirch/callhook/internal/subscription"
)

const testSecret = "whsec_test"

var clock = time.Unix(1_760_000_000, 0)

func testDelivery() *delivery.Delivery {
	return &delivery.Delivery{
		ID:             "dlv_1",
		SubscriptionID: "sub_1",
		TenantID:       "tn_1",
		EventType:      events.CallCompleted,
		EventID:        "call_123",
		Payload:        map[string]any{"call_id": "call_123", "duration": 42},
		OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testSub(url string) *subscription.Subscription {
	return &subscription.Subscription{
		ID:          "sub_1",
		TenantID:    "tn_1",
		URL:         url,
		Secret:      testSecret,
		Events:      []events.Type{events.CallCompleted},
		Active:      true,
		RetryPolicy: retry.None(),
		Timeout:     2 * time.Second,
		Headers:     map[string]string{"X-Api-Key": "abc"},
	}
}

func newTestExecutor() *Executor {
	return New(Options{Now: func() time.Time { return clock }})
}

func TestAttemptSignsExactBody(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out := newTestExecutor().Attempt(context.Background(), testDelivery(), testSub(srv.URL))

	if out.Class != delivery.ClassSuccess || out.StatusCode != 200 {
		t.Fatalf("Attempt() = %+v, want success 200", out)
	}
	if out.Body != `{"ok":true}` {
		t.Errorf("Body = %q", out.Body)
	}
	if got.Method != http.MethodPost {
		t.Errorf("method = %s", got.Method)
	}
	if ct := got.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got.Header.Get("X-Api-Key") != "abc" {
		t.Error("static header missing")
	}
	if got.Header.Get("X-Callhook-Delivery") != "dlv_1" || got.Header.Get("X-Callhook-Event") != "call.completed" {
		t.Errorf("delivery headers = %v", got.Header)
	}
	if ts := got.Header.Get("X-Callhook-Timestamp"); ts != "1760000000" {
		t.Errorf("timestamp header = %q", ts)
	}
	wantSig := signing.Sign(testSecret, gotBody, clock.Unix())
	if sig := got.Header.Get("X-Callhook-Signature"); sig != wantSig {
		t.Errorf("signature = %q, want %q", sig, wantSig)
	}

	var env map[string]any
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if env["event"] != "call.completed" || env["event_id"] != "call_123" || env["organization_id"] != "tn_1" {
		t.Errorf("envelope = %v", env)
	}
	if env["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", env["timestamp"])
	}
}

func TestAttemptClassification(t *testing.T) {
	tests := []struct {
		status int
		class  delivery.Class
		reason string
	}{
		{200, delivery.ClassSuccess, "http_2xx"},
		{204, delivery.ClassSuccess, "http_2xx"},
		{301, delivery.ClassRetryable, "http_other"},
		{400, delivery.ClassTerminal, "http_4xx"},
		{404, delivery.ClassTerminal, "http_4xx"},
		{410, delivery.ClassTerminal, "http_4xx"},
		{429, delivery.ClassRetryable, "http_429"},
		{500, delivery.ClassRetryable, "http_5xx"},
		{503, delivery.ClassRetryable, "http_5xx"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status >= 300 && tt.status < 400 {
					w.Header().Set("Location", "https://elsewhere.example.com")
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out := newTestExecutor().Attempt(context.Background(), testDelivery(), testSub(srv.URL))
			if out.Class != tt.class || out.Reason != tt.reason || out.StatusCode != tt.status {
				t.Errorf("Attempt() = class %s reason %s status %d, want %s %s %d",
					out.Class, out.Reason, out.StatusCode, tt.class, tt.reason, tt.status)
			}
			if tt.class != delivery.ClassSuccess && out.Error == "" {
				t.Error("failed attempt has no error text")
			}
		})
	}
}

func TestAttemptTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 10_000)))
	}))
	defer srv.Close()

	out := newTestExecutor().Attempt(context.Background(), testDelivery(), testSub(srv.URL))
	if len(out.Body) != delivery.MaxResponseBody {
		t.Errorf("len(Body) = %d, want %d", len(out.Body), delivery.MaxResponseBody)
	}
}

func TestAttemptCleansResponseBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "rune split at the cap",
			body: strings.Repeat("a", delivery.MaxResponseBody-1) + "é",
			want: strings.Repeat("a", delivery.MaxResponseBody-1),
		},
		{name: "nul byte", body: "bad\x00gateway", want: "badgateway"},
		{name: "invalid utf8", body: "bad\xffgateway", want: "bad\uFFFDgateway"},
		{name: "multibyte kept", body: "überlastet", want: "überlastet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := testDelivery()
			out := newTestExecutor().Attempt(context.Background(), d, testSub(srv.URL))
			d.Record(out)
			if out.Body != tt.want {
				t.Errorf("Body = %q, want %q", out.Body, tt.want)
			}
			for _, v := range []string{out.Body, d.LastResponseBody, d.LastError} {
				if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
					t.Errorf("stored text %q is not valid for a text column", v)
				}
			}
			if len(d.LastResponseBody) > delivery.MaxResponseBody {
				t.Errorf("len(LastResponseBody) = %d, want <= %d", len(d.LastResponseBody), delivery.MaxResponseBody)
			}
		})
	}
}

func TestAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sub := testSub(srv.URL)
	sub.Timeout = 100 * time.Millisecond

	out := New(Options{}).Attempt(context.Background(), testDelivery(), sub)
	if out.Class != delivery.ClassRetryable || out.Reason != "timeout" {
		t.Errorf("Attempt() = %+v, want retryable timeout", out)
	}
	if out.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", out.StatusCode)
	}
}

func TestAttemptConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := newTestExecutor().Attempt(context.Background(), testDelivery(), testSub(url))
	if out.Class != delivery.ClassRetryable || out.Reason != "network" {
		t.Errorf("Attempt() = %+v, want retryable network", out)
	}
	if out.Error == "" {
		t.Error("Error is empty")
	}
}

func TestAttemptRequestBuildFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*delivery.Delivery, *subscription.Subscription)
	}{
		{name: "bad url", mutate: func(_ *delivery.Delivery, s *subscription.Subscription) { s.URL = "://nope" }},
		{name: "unencodable payload", mutate: func(d *delivery.Delivery, _ *subscription.Subscription) { d.Payload = map[string]any{"c": make(chan int)} }},
		{name: "missing secret", mutate: func(_ *delivery.Delivery, s *subscription.Subscription) { s.Secret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
			defer srv.Close()

			d, s := testDelivery(), testSub(srv.URL)
			tt.mutate(d, s)
			out := newTestExecutor().Attempt(context.Background(), d, s)
			if out.Class != delivery.ClassTerminal || out.Reason != "request_build" {
				t.Errorf("Attempt() = %+v, want terminal request_build", out)
			}
			if hits.Load() != 0 {
				t.Error("request reached the server")
			}
		})
	}
}

func TestAttemptDoesNotFollowRedirects(t *testing.T) {
	var followed atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { followed.Add(1) }))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	out := newTestExecutor().Attempt(context.Background(), testDelivery(), testSub(srv.URL))
	if out.StatusCode != http.StatusTemporaryRedirect || out.Class != delivery.ClassRetryable {
		t.Errorf("Attempt() = %+v", out)
	}
	if followed.Load() != 0 {
		t.Error("redirect was followed")
	}
}

func TestAttemptReservedHeadersWin(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Callhook-Signature")
	}))
	defer srv.Close()

	s := testSub(srv.URL)
	s.Headers = map[string]string{"X-Callhook-Signature": "forged"}
	newTestExecutor().Attempt(context.Background(), testDelivery(), s)
	if sig == "forged" || !strings.HasPrefix(sig, signing.Scheme) {
		t.Errorf("signature header = %q", sig)
	}
}
