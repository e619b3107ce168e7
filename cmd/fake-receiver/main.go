// Command fake-receiver is a webhook target for local testing. It verifies
// signatures and can be told to fail, so retry behaviour is observable.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/callhook/internal/config"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/signing"
)

type receiver struct {
	cfg      config.FakeReceiver
	sig      config.Signing
	log      *logging.Logger
	requests atomic.Int64
	now      func() time.Time
}

func newReceiver(cfg config.FakeReceiver, sig config.Signing, log *logging.Logger) *receiver {
	return &receiver{cfg: cfg, sig: sig, log: log, now: time.Now}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("callhook-fake-receiver")

	rcv := newReceiver(cfg.FakeReceiver, cfg.Signing, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"fixed_status": cfg.FakeReceiver.FixedStatus,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.requests.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	entry := rc.log.WithContext(r.Context()).WithFields(map[string]any{
		"request":     n,
		"delivery_id": r.Header.Get(rc.sig.DeliveryHeader),
		"event":       r.Header.Get(rc.sig.EventHeader),
	})

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		err := signing.Verify(rc.cfg.EndpointSecret, b,
			r.Header.Get(rc.sig.TimestampHeader), r.Header.Get(rc.sig.SignatureHeader), rc.now(), leeway)
		if err != nil {
			entry.WithError(err).Warn("signature rejected")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		select {
		case <-time.After(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	if rc.cfg.FixedStatus != 0 {
		entry.WithField("status", rc.cfg.FixedStatus).Info("fixed response")
		w.WriteHeader(rc.cfg.FixedStatus)
		_, _ = fmt.Fprintf(w, "fixed status %d", rc.cfg.FixedStatus)
		return
	}

	if n <= int64(rc.cfg.FailFirstN) {
		status := rc.cfg.FailStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		entry.WithFields(map[string]any{"status": status, "body": truncate(string(b), 160)}).
			Infof("failing %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", status)
		return
	}

	entry.WithField("body", truncate(string(b), 160)).Info("accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
