package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/austindbirch/callhook/internal/auth"
	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/deliverylog"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// codeFor maps domain errors onto gRPC codes; the gateway turns those into HTTP statuses.
func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, subscription.ErrInvalidSubscription),
		errors.Is(err, coordinator.ErrInvalidEvent),
		errors.Is(err, deliverylog.ErrBadCursor):
		return codes.InvalidArgument
	case errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrConflict):
		return codes.AlreadyExists
	case errors.Is(err, coordinator.ErrNotRedeliverable),
		errors.Is(err, coordinator.ErrSubscriptionInactive):
		return codes.FailedPrecondition
	case errors.Is(err, coordinator.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return codes.Unauthenticated
	case errors.Is(err, errRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// writeError renders err through the gateway's error handler so every error
// body has the same {code, message, details} shape.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := codeFor(err)
	msg := err.Error()
	switch code {
	case codes.Internal:
		s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		msg = "internal error"
	case codes.Unavailable:
		s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Warn("request failed; storage unavailable")
		w.Header().Set("Retry-After", "1")
	case codes.ResourceExhausted:
		w.Header().Set("Retry-After", "1")
	}
	runtime.HTTPError(r.Context(), s.mux, &runtime.JSONPb{}, w, r, status.Error(code, msg))
}

// HTTPStatus is the status writeError produces for err.
func HTTPStatus(err error) int {
	return runtime.HTTPStatusFromCode(codeFor(err))
}
