package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/deliverylog"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/ids"
	"github.com/austindbirch/callhook/internal/secrets"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
)

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request, tenantID string, _ map[string]string) {
	var req eventRequest
	if err := s.readBody(r, "event", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := events.Parse(req.EventType)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	ev := coordinator.Event{TenantID: tenantID, Type: t, ID: req.EventID, Data: req.Data}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}
	res, err := s.coord.NotifyEvent(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request, tenantID string, _ map[string]string) {
	subs, err := s.subs.ListSubscriptions(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]subscriptionJSON, 0, len(subs))
	for _, sub := range subs {
		out = append(out, newSubscriptionJSON(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request, tenantID string, _ map[string]string) {
	var req createSubscriptionRequest
	if err := s.readBody(r, "subscription_create", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	evs, err := subscription.ParseEvents(req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	d := s.opts.Defaults
	sub := &subscription.Subscription{
		ID:          ids.NewSubscription(),
		TenantID:    tenantID,
		Name:        req.Name,
		URL:         req.URL,
		Events:      evs,
		Active:      true,
		RetryPolicy: d.RetryPolicy,
		MaxAttempts: d.MaxAttempts,
		Timeout:     d.Timeout,
		Headers:     req.Headers,
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if req.RetryPolicy != nil {
		if sub.RetryPolicy, err = req.RetryPolicy.policy(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.MaxAttempts != nil {
		sub.MaxAttempts = *req.MaxAttempts
	}
	if req.TimeoutMs != nil {
		sub.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	// Secrets are always server-generated.
	if sub.Secret, err = secrets.Generate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.opts.Rules.Validate(sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.subs.CreateSubscription(r.Context(), sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cache.Invalidate(r.Context(), tenantID)

	s.log.WithContext(r.Context()).WithTenant(tenantID).WithSubscription(sub.ID).WithField("url", sub.URL).Info("Subscription created")
	writeJSON(w, http.StatusCreated, createSubscriptionResponse{
		Subscription: newSubscriptionJSON(sub),
		Secret:       sub.Secret,
	})
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	sub, err := s.subs.GetSubscription(r.Context(), tenantID, p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubscriptionJSON(sub))
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	var req updateSubscriptionRequest
	if err := s.readBody(r, "subscription_update", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.subs.GetSubscription(r.Context(), tenantID, p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	u := subscription.Update{
		Name:        req.Name,
		URL:         req.URL,
		Active:      req.Active,
		MaxAttempts: req.MaxAttempts,
		Headers:     req.Headers,
	}
	if req.Events != nil {
		evs, err := subscription.ParseEvents(*req.Events)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		u.Events = &evs
	}
	if req.RetryPolicy != nil {
		pol, err := req.RetryPolicy.policy()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		u.RetryPolicy = &pol
	}
	if req.TimeoutMs != nil {
		timeout := time.Duration(*req.TimeoutMs) * time.Millisecond
		u.Timeout = &timeout
	}
	sub.Apply(u)

	if err := s.opts.Rules.Validate(sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.subs.UpdateSubscription(r.Context(), sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cache.Invalidate(r.Context(), tenantID)
	s.log.WithContext(r.Context()).WithTenant(tenantID).WithSubscription(sub.ID).Info("Subscription updated")
	writeJSON(w, http.StatusOK, newSubscriptionJSON(sub))
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	if err := s.subs.DeleteSubscription(r.Context(), tenantID, p["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cache.Invalidate(r.Context(), tenantID)
	s.log.WithContext(r.Context()).WithTenant(tenantID).WithSubscription(p["id"]).Info("Subscription deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendTest(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	var req testDeliveryRequest
	if err := s.readBody(r, "test_delivery", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var t events.Type
	if req.EventType != "" {
		var err error
		if t, err = events.Parse(req.EventType); err != nil {
			s.writeError(w, r, badRequest("%v", err))
			return
		}
	}
	d, err := s.coord.SendTest(r.Context(), tenantID, p["id"], t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]*delivery.Delivery{"delivery": d})
}

func (s *Server) subscriptionStats(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	if _, err := s.subs.GetSubscription(r.Context(), tenantID, p["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.dlog.Stats(r.Context(), tenantID, p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, tenantID string, _ map[string]string) {
	q := r.URL.Query()
	if _, err := store.StatusSet(q.Get("status")); err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	query := deliverylog.Query{
		TenantID:       tenantID,
		SubscriptionID: q.Get("subscription_id"),
		Status:         q.Get("status"),
		Cursor:         q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		query.Limit = min(n, s.opts.MaxPageSize)
	}
	if v := q.Get("include_test"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, badRequest("include_test must be a boolean"))
			return
		}
		query.IncludeTest = b
	}

	page, err := s.dlog.Query(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	d, err := s.dlog.Get(r.Context(), tenantID, p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	attempts, err := s.dlog.Attempts(r.Context(), tenantID, d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*delivery.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": d, "attempts": attempts})
}

func (s *Server) redeliver(w http.ResponseWriter, r *http.Request, tenantID string, p map[string]string) {
	res, err := s.coord.Redeliver(r.Context(), tenantID, p["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
