package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is anything that can report its own reachability: a pgx pool, a redis client
// adapter, the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Status is the /healthz response body.
type Status struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message,omitempty"`
	Components map[string]bool `json:"components,omitempty"`
}

// Checker pings named dependencies.
type Checker struct {
	timeout time.Duration
	deps    map[string]Pinger
}

// NewChecker returns a Checker with a per-ping timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Checker{timeout: timeout, deps: make(map[string]Pinger)}
}

// Add registers a dependency. A nil pinger is ignored so optional
// dependencies can be passed unconditionally.
func (c *Checker) Add(name string, p Pinger) *Checker {
	if p != nil {
		c.deps[name] = p
	}
	return c
}

// Check pings every dependency concurrently.
func (c *Checker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st := Status{OK: true, Message: "ok", Components: make(map[string]bool, len(c.deps))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range c.deps {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			err := p.Ping(ctx)
			mu.Lock()
			st.Components[name] = err == nil
			if err != nil {
				st.OK = false
				st.Message = name + " ping failed"
			}
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return st
}

// HTTPHandler serves /healthz: 200 when every dependency answers, 503 otherwise.
func HTTPHandler(c *Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch mirrors the checker into a gRPC health server until ctx ends.
func Watch(ctx context.Context, c *Checker, hs *grpchealth.Server, service string, every time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !c.Check(ctx).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(service, status)
		hs.SetServingStatus("", status)
	}
	update()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			update()
		}
	}
}
