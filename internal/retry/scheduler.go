package retry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/austindbirch/callhook/internal/delivery"
)

// Decision is the scheduler's verdict for a delivery after one attempt.
type Decision struct {
	Status      delivery.Status
	NextRetryAt *time.Time
	Reason      string
}

// Retry reports whether another automatic attempt was scheduled.
func (d Decision) Retry() bool { return d.Status == delivery.StatusRetrying }

// Scheduler turns attempt outcomes into delivery state transitions.
type Scheduler struct {
	now       func() time.Time
	jitterPct float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJitter spreads delays by +/- pct (0.0-1.0) without ever exceeding the policy cap.
func WithJitter(pct float64) Option {
	return func(s *Scheduler) {
		if pct < 0 {
			pct = 0
		}
		if pct > 1 {
			pct = 1
		}
		s.jitterPct = pct
	}
}

// NewScheduler returns a Scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		now: func() time.Time { return time.Now().UTC() },
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Next decides the state after an attempt. d.AttemptsMade must already
// include the attempt that produced o.
func (s *Scheduler) Next(d *delivery.Delivery, o delivery.Outcome, p Policy) Decision {
	switch o.Class {
	case delivery.ClassSuccess:
		return Decision{Status: delivery.StatusDelivered, Reason: "delivered"}
	case delivery.ClassTerminal:
		return Decision{Status: delivery.StatusFailed, Reason: fmt.Sprintf("terminal failure (%s)", o.Reason)}
	}

	if p.Kind == KindNone {
		return Decision{Status: delivery.StatusFailed, Reason: "retry policy none"}
	}
	if d.AttemptsMade >= d.MaxAttempts {
		return Decision{Status: delivery.StatusFailed, Reason: fmt.Sprintf("max attempts reached (%d)", d.AttemptsMade)}
	}

	delay := s.jitter(p.Delay(d.AttemptsMade), p)
	next := s.now().Add(delay)
	return Decision{
		Status:      delivery.StatusRetrying,
		NextRetryAt: &next,
		Reason:      fmt.Sprintf("retry %d in %s", d.AttemptsMade+1, delay),
	}
}

func (s *Scheduler) jitter(d time.Duration, p Policy) time.Duration {
	if s.jitterPct == 0 || d <= 0 {
		return d
	}
	s.mu.Lock()
	f := 1 + (s.rnd.Float64()*2-1)*s.jitterPct
	s.mu.Unlock()
	if f < 0.1 {
		f = 0.1
	}
	out := time.Duration(float64(d) * f)
	if p.Kind == KindExponential && out > p.Cap {
		out = p.Cap
	}
	return out
}
