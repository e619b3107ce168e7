// Package executor performs exactly one signed HTTP POST of a delivery and
// classifies what happened.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/signing"
	"github.com/austindbirch/callhook/internal/subscription"
	"github.com/austindbirch/callhook/internal/tracing"
)

// Options configures request decoration.
type Options struct {
	SignatureHeader string
	TimestampHeader string
	DeliveryHeader  string
	EventHeader     string
	UserAgent       string
	Client          *http.Client     // nil uses a client that does not follow redirects
	Now             func() time.Time // nil uses time.Now
}

// Executor sends webhook requests.
type Executor struct {
	opts   Options
	client *http.Client
	now    func() time.Time
}

// New builds an Executor, filling unset header names with the callhook defaults.
func New(opts Options) *Executor {
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "X-Callhook-Signature"
	}
	if opts.TimestampHeader == "" {
		opts.TimestampHeader = "X-Callhook-Timestamp"
	}
	if opts.DeliveryHeader == "" {
		opts.DeliveryHeader = "X-Callhook-Delivery"
	}
	if opts.EventHeader == "" {
		opts.EventHeader = "X-Callhook-Event"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "callhook/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			// A redirect is reported to the scheduler, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{opts: opts, client: client, now: now}
}

// Attempt sends d to sub.URL once, bounded by sub.Timeout. It never returns an
// error: every failure is folded into the Outcome.
func (e *Executor) Attempt(ctx context.Context, d *delivery.Delivery, sub *subscription.Subscription) delivery.Outcome {
	ctx, span := tracing.StartSpan(ctx, "executor.attempt",
		attribute.String("delivery.id", d.ID),
		attribute.String("subscription.id", sub.ID),
		attribute.String("event.type", string(d.EventType)),
	)
	defer span.End()

	start := e.now()
	out := delivery.Outcome{AttemptedAt: start.UTC()}

	req, err := e.build(ctx, d, sub, start.Unix())
	if err != nil {
		out.Class = delivery.ClassTerminal
		out.Reason = "request_build"
		out.Error = delivery.CleanText(err.Error(), delivery.MaxErrorText)
		tracing.SetSpanError(ctx, err)
		return out
	}
	out.SignedAt = start.Unix()

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = subscription.MaxTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.client.Do(req.WithContext(reqCtx))
	if err != nil {
		out.Latency = e.now().Sub(start)
		out.Class = delivery.ClassRetryable
		out.Reason = transportReason(err)
		out.Error = delivery.CleanText(err.Error(), delivery.MaxErrorText)
		tracing.SetSpanError(ctx, err)
		return out
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, delivery.MaxResponseBody))
	// Drain a little more so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)
	out.Latency = e.now().Sub(start)

	out.StatusCode = resp.StatusCode
	// The body is stored in text columns; a cut rune or a NUL would be rejected.
	out.Body = delivery.CleanText(string(body), delivery.MaxResponseBody)
	out.Class = delivery.Classify(resp.StatusCode)
	out.Reason = delivery.StatusReason(resp.StatusCode)
	if out.Class != delivery.ClassSuccess {
		out.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	}
	if readErr != nil && out.Error == "" {
		out.Error = delivery.CleanText("read response body: "+readErr.Error(), delivery.MaxErrorText)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("outcome.class", string(out.Class)),
	)
	return out
}

func (e *Executor) build(ctx context.Context, d *delivery.Delivery, sub *subscription.Subscription, ts int64) (*http.Request, error) {
	if sub.Secret == "" {
		return nil, errors.New("subscription has no signing secret")
	}
	body, err := d.Envelope().Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.opts.UserAgent)
	req.Header.Set(e.opts.DeliveryHeader, d.ID)
	req.Header.Set(e.opts.EventHeader, string(d.EventType))
	req.Header.Set(e.opts.TimestampHeader, signing.Timestamp(ts))
	req.Header.Set(e.opts.SignatureHeader, signing.Sign(sub.Secret, body, ts))
	tracing.InjectHTTP(ctx, req.Header)
	return req, nil
}

func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "network"
}
