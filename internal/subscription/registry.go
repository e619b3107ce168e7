package subscription

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/metrics"
)

// Source is the authoritative store of subscriptions.
type Source interface {
	ListActiveForEvent(ctx context.Context, tenantID string, t events.Type) ([]*Subscription, error)
}

// Cache holds resolved subscription sets. Implementations must never persist secrets.
//
// Get reports the tenant generation it read under, also on a miss. Set stores
// under that generation, so a set read from storage before an Invalidate can
// never be served after it.
type Cache interface {
	Get(ctx context.Context, tenantID string, t events.Type) (subs []*Subscription, gen int64, ok bool, err error)
	Set(ctx context.Context, tenantID string, gen int64, t events.Type, subs []*Subscription) error
	Invalidate(ctx context.Context, tenantID string) error
}

// lookupTimeout bounds a shared storage read; it outlives any single caller.
const lookupTimeout = 5 * time.Second

// Registry resolves the subscriptions that should receive an event.
type Registry struct {
	source Source
	cache  Cache // optional
	group  singleflight.Group
	log    *logging.Logger
	// epoch is bumped by Invalidate; lookups never join a flight from an older epoch.
	epoch atomic.Int64
}

// NewRegistry builds a Registry. cache may be nil.
func NewRegistry(source Source, cache Cache, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{source: source, cache: cache, log: log}
}

// Resolve returns the active subscriptions of tenantID that include t.
// Results never carry secrets. Storage errors are returned wrapped; cache
// errors only degrade to a storage read.
func (r *Registry) Resolve(ctx context.Context, tenantID string, t events.Type) ([]*Subscription, error) {
	cacheGen := int64(-1)
	if r.cache != nil {
		subs, gen, ok, err := r.cache.Get(ctx, tenantID, t)
		switch {
		case err != nil:
			metrics.RecordRegistryLookup("error")
			r.log.WithContext(ctx).WithTenant(tenantID).WithError(err).Warn("subscription cache read failed")
		case ok:
			metrics.RecordRegistryLookup("hit")
			return subs, nil
		default:
			metrics.RecordRegistryLookup("miss")
			cacheGen = gen
		}
	}

	key := fmt.Sprintf("%s\x00%s\x00%d\x00%d", tenantID, t, r.epoch.Load(), cacheGen)
	v, err, _ := r.group.Do(key, func() (any, error) {
		// Callers share this read; one of them leaving must not fail the rest.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		subs, err := r.source.ListActiveForEvent(fctx, tenantID, t)
		if err != nil {
			return nil, fmt.Errorf("resolve subscriptions: %w", err)
		}
		out := make([]*Subscription, 0, len(subs))
		for _, s := range subs {
			if s.Receives(t) {
				out = append(out, s.Redacted())
			}
		}
		if r.cache != nil && cacheGen >= 0 {
			if err := r.cache.Set(fctx, tenantID, cacheGen, t, out); err != nil {
				r.log.WithContext(ctx).WithTenant(tenantID).WithError(err).Warn("subscription cache write failed")
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	// Callers sharing a flight must not share slices.
	shared := v.([]*Subscription)
	out := make([]*Subscription, len(shared))
	for i, s := range shared {
		out[i] = s.Clone()
	}
	return out, nil
}

// Invalidate drops every cached lookup of tenantID. Call it after any subscription write.
func (r *Registry) Invalidate(ctx context.Context, tenantID string) {
	r.epoch.Add(1)
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, tenantID); err != nil {
		r.log.WithContext(ctx).WithTenant(tenantID).WithError(err).Error("subscription cache invalidation failed")
	}
}
