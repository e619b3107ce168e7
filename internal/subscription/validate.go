package subscription

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/callhook/internal/events"
)

// ErrInvalidSubscription is wrapped by every validation failure.
var ErrInvalidSubscription = errors.New("invalid subscription")

const (
	MinTimeout     = time.Second
	MaxTimeout     = 60 * time.Second
	MaxMaxAttempts = 10
	maxNameLen     = 200
	maxHeaders     = 20
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid subscription: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSubscription }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Rules are the deployment-dependent parts of validation.
type Rules struct {
	AllowInsecureURLs bool
	// MaxTimeout caps the attempt timeout; zero means the package MaxTimeout.
	// It must stay below the worker lease.
	MaxTimeout time.Duration
	// ReservedHeaders are set by the executor and cannot be overridden.
	ReservedHeaders []string
}

// DefaultReservedHeaders lists the headers every delivery controls itself.
func DefaultReservedHeaders(signature, timestamp, delivery, event string) []string {
	return []string{
		"Content-Type", "Content-Length", "Host", "User-Agent",
		"Traceparent", "Tracestate",
		signature, timestamp, delivery, event,
	}
}

// Validate checks every invariant of s that does not need storage.
func (r Rules) Validate(s *Subscription) error {
	if strings.TrimSpace(s.TenantID) == "" {
		return invalid("tenant_id", "required")
	}
	if len(s.Name) > maxNameLen {
		return invalid("name", "longer than %d characters", maxNameLen)
	}
	if err := r.validateURL(s.URL); err != nil {
		return err
	}
	if len(s.Events) == 0 {
		return invalid("events", "at least one event type is required")
	}
	for _, t := range s.Events {
		if !t.Valid() {
			return invalid("events", "unknown event type %q", t)
		}
	}
	if err := s.RetryPolicy.Validate(); err != nil {
		return invalid("retry_policy", "%v", err)
	}
	if s.MaxAttempts < 0 || s.MaxAttempts > MaxMaxAttempts {
		return invalid("max_attempts", "must be between 0 and %d", MaxMaxAttempts)
	}
	if limit := r.maxTimeout(); s.Timeout < MinTimeout || s.Timeout > limit {
		return invalid("timeout", "must be between %s and %s", MinTimeout, limit)
	}
	return r.validateHeaders(s.Headers)
}

func (r Rules) maxTimeout() time.Duration {
	if r.MaxTimeout <= 0 || r.MaxTimeout > MaxTimeout {
		return MaxTimeout
	}
	return r.MaxTimeout
}

func (r Rules) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return invalid("url", "must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !r.AllowInsecureURLs {
			return invalid("url", "scheme must be https")
		}
	default:
		return invalid("url", "scheme must be https")
	}
	if u.User != nil {
		return invalid("url", "credentials in URL are not allowed")
	}
	return nil
}

func (r Rules) validateHeaders(h map[string]string) error {
	if len(h) > maxHeaders {
		return invalid("headers", "at most %d headers", maxHeaders)
	}
	for name, value := range h {
		if name == "" || strings.ContainsAny(name, " \t\r\n:") {
			return invalid("headers", "malformed header name %q", name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return invalid("headers", "header %q contains a line break", name)
		}
		canon := http.CanonicalHeaderKey(name)
		for _, reserved := range r.ReservedHeaders {
			if reserved != "" && canon == http.CanonicalHeaderKey(reserved) {
				return invalid("headers", "%q is reserved", name)
			}
		}
	}
	return nil
}

// ParseEvents converts raw strings into the closed event enumeration.
func ParseEvents(raw []string) ([]events.Type, error) {
	out := make([]events.Type, 0, len(raw))
	for _, s := range raw {
		t, err := events.Parse(s)
		if err != nil {
			return nil, invalid("events", "%v", err)
		}
		out = append(out, t)
	}
	return normalizeEvents(out), nil
}
