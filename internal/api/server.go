// Package api serves the ingestion endpoint and the tenant admin API over
// grpc-gateway's runtime.ServeMux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/callhook/internal/auth"
	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/deliverylog"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
)

const maxBodyBytes = 1 << 20

// Coordinator is the part of the delivery engine the API drives.
type Coordinator interface {
	NotifyEvent(ctx context.Context, ev coordinator.Event) (coordinator.NotifyResult, error)
	SendTest(ctx context.Context, tenantID, subscriptionID string, eventType events.Type) (*delivery.Delivery, error)
	Redeliver(ctx context.Context, tenantID, deliveryID string) (coordinator.ManualResult, error)
}

// Invalidator drops cached subscription lookups of a tenant.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string)
}

// Defaults fill fields a create request leaves out.
type Defaults struct {
	RetryPolicy retry.Policy
	MaxAttempts int
	Timeout     time.Duration
}

// Options configures the Server.
type Options struct {
	Rules       subscription.Rules
	Defaults    Defaults
	MaxPageSize int
	// RateLimit is requests per second per tenant; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Server implements the HTTP surface.
type Server struct {
	subs    store.Subscriptions
	coord   Coordinator
	dlog    *deliverylog.Log
	cache   Invalidator
	auth    *auth.Authenticator
	schemas Schemas
	limiter *TenantLimiter
	log     *logging.Logger
	opts    Options
	mux     *runtime.ServeMux
}

// New builds the server and registers its routes.
func New(subs store.Subscriptions, coord Coordinator, dlog *deliverylog.Log, cache Invalidator, authn *auth.Authenticator, log *logging.Logger, opts Options) (*Server, error) {
	schemas, err := CompileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	if cache == nil {
		cache = nopInvalidator{}
	}
	if opts.MaxPageSize <= 0 || opts.MaxPageSize > deliverylog.MaxLimit {
		opts.MaxPageSize = deliverylog.MaxLimit
	}
	s := &Server{
		subs:    subs,
		coord:   coord,
		dlog:    dlog,
		cache:   cache,
		auth:    authn,
		schemas: schemas,
		log:     log,
		opts:    opts,
		mux:     runtime.NewServeMux(),
	}
	if opts.RateLimit > 0 {
		s.limiter = NewTenantLimiter(opts.RateLimit, opts.Burst)
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) routes() error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/ping", s.ping},
		{http.MethodPost, "/v1/events", s.tenant(s.publishEvent)},
		{http.MethodGet, "/v1/subscriptions", s.tenant(s.listSubscriptions)},
		{http.MethodPost, "/v1/subscriptions", s.tenant(s.createSubscription)},
		{http.MethodGet, "/v1/subscriptions/{id}", s.tenant(s.getSubscription)},
		{http.MethodPatch, "/v1/subscriptions/{id}", s.tenant(s.updateSubscription)},
		{http.MethodDelete, "/v1/subscriptions/{id}", s.tenant(s.deleteSubscription)},
		{http.MethodPost, "/v1/subscriptions/{id}/test", s.tenant(s.sendTest)},
		{http.MethodGet, "/v1/subscriptions/{id}/stats", s.tenant(s.subscriptionStats)},
		{http.MethodGet, "/v1/deliveries", s.tenant(s.listDeliveries)},
		{http.MethodGet, "/v1/deliveries/{id}", s.tenant(s.getDelivery)},
		{http.MethodPost, "/v1/deliveries/{id}/redeliver", s.tenant(s.redeliver)},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// Handler returns the mux wrapped in the authenticator.
func (s *Server) Handler() http.Handler {
	if s.auth == nil {
		return s.mux
	}
	return s.auth.HTTPMiddleware(s.mux)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(context.Context, string) {}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string, params map[string]string)

// tenant resolves the caller's tenant and applies the per-tenant rate limit.
func (s *Server) tenant(h tenantHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		tenantID, ok := auth.GetTenantIDFromContext(r.Context())
		if !ok {
			s.writeError(w, r, auth.ErrMissingToken)
			return
		}
		if s.limiter != nil && !s.limiter.Allow(tenantID) {
			s.writeError(w, r, errRateLimited)
			return
		}
		h(w, r, tenantID, params)
	}
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// readBody reads and schema-checks a request body, then decodes it into v.
func (s *Server) readBody(r *http.Request, schema string, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return badRequest("body larger than %d bytes", maxBodyBytes)
		}
		return badRequest("read body: %v", err)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := s.schemas.Validate(schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
