// Package cache stores resolved subscription sets in Redis.
//
// Keys are namespaced by a per-tenant generation counter:
//
//	callhook:subs:gen:{tenant}            -> integer generation
//	callhook:subs:{tenant}:{gen}:{event}  -> JSON array of subscriptions
//
// Invalidating a tenant is a single INCR; stale generations expire on their TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/subscription"
)

const keyPrefix = "callhook:subs:"

// SubscriptionCache implements subscription.Cache.
type SubscriptionCache struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

var _ subscription.Cache = (*SubscriptionCache)(nil)

// New returns a cache over rdb. A ttl <= 0 defaults to five minutes.
func New(rdb goredis.UniversalClient, ttl time.Duration) *SubscriptionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SubscriptionCache{rdb: rdb, ttl: ttl}
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func genKey(tenantID string) string {
	return keyPrefix + "gen:" + tenantID
}

func entryKey(tenantID string, gen int64, t events.Type) string {
	return fmt.Sprintf("%s%s:%d:%s", keyPrefix, tenantID, gen, t)
}

// subscriptionModel is the cached JSON form. It has no secret field.
type subscriptionModel struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Active      bool              `json:"active"`
	RetryPolicy retry.Policy      `json:"retry_policy"`
	MaxAttempts int               `json:"max_attempts"`
	TimeoutMs   int64             `json:"timeout_ms"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toModel(s *subscription.Subscription) subscriptionModel {
	evs := make([]string, len(s.Events))
	for i, t := range s.Events {
		evs[i] = string(t)
	}
	return subscriptionModel{
		ID:          s.ID,
		TenantID:    s.TenantID,
		Name:        s.Name,
		URL:         s.URL,
		Events:      evs,
		Active:      s.Active,
		RetryPolicy: s.RetryPolicy,
		MaxAttempts: s.MaxAttempts,
		TimeoutMs:   s.Timeout.Milliseconds(),
		Headers:     s.Headers,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func fromModel(m subscriptionModel) *subscription.Subscription {
	evs := make([]events.Type, len(m.Events))
	for i, t := range m.Events {
		evs[i] = events.Type(t)
	}
	return &subscription.Subscription{
		ID:          m.ID,
		TenantID:    m.TenantID,
		Name:        m.Name,
		URL:         m.URL,
		Events:      evs,
		Active:      m.Active,
		RetryPolicy: m.RetryPolicy,
		MaxAttempts: m.MaxAttempts,
		Timeout:     time.Duration(m.TimeoutMs) * time.Millisecond,
		Headers:     m.Headers,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (c *SubscriptionCache) generation(ctx context.Context, tenantID string) (int64, error) {
	gen, err := c.rdb.Get(ctx, genKey(tenantID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns the cached set for (tenantID, t) and the generation it was
// looked up under. ok is false on a miss.
func (c *SubscriptionCache) Get(ctx context.Context, tenantID string, t events.Type) ([]*subscription.Subscription, int64, bool, error) {
	gen, err := c.generation(ctx, tenantID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read generation: %w", err)
	}
	raw, err := c.rdb.Get(ctx, entryKey(tenantID, gen, t)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("read entry: %w", err)
	}

	var models []subscriptionModel
	if err := json.Unmarshal(raw, &models); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, gen, false, nil
	}
	out := make([]*subscription.Subscription, len(models))
	for i, m := range models {
		out[i] = fromModel(m)
	}
	return out, gen, true, nil
}

// Set stores subs under gen, the generation Get reported before the storage
// read. If the tenant was invalidated since, the entry is unreachable and
// expires on its TTL.
func (c *SubscriptionCache) Set(ctx context.Context, tenantID string, gen int64, t events.Type, subs []*subscription.Subscription) error {
	models := make([]subscriptionModel, len(subs))
	for i, s := range subs {
		models[i] = toModel(s)
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	return c.rdb.Set(ctx, entryKey(tenantID, gen, t), raw, c.ttl).Err()
}

// Invalidate bumps the tenant generation so every existing entry becomes unreachable.
func (c *SubscriptionCache) Invalidate(ctx context.Context, tenantID string) error {
	return c.rdb.Incr(ctx, genKey(tenantID)).Err()
}

// Ping reports whether Redis is reachable.
func (c *SubscriptionCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
