// Package memory is an in-process implementation of store.Store with the same
// claim, uniqueness and cascade semantics as the postgres store.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
)

var _ store.Store = (*Store)(nil)

type deliveryKey struct {
	subscriptionID string
	eventType      events.Type
	eventID        string
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	subs       map[string]*subscription.Subscription
	deliveries map[string]*delivery.Delivery
	byKey      map[deliveryKey]string
	attempts   map[string][]*delivery.Attempt

	completeCalls int

	// Fail, when set, is returned by every operation. Tests use it to simulate outages.
	Fail error
	// FailComplete, when set, is returned by CompleteAttempt only.
	FailComplete error
	// FailAppend, when set, is returned by AppendAttempt only.
	FailAppend error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		subs:       make(map[string]*subscription.Subscription),
		deliveries: make(map[string]*delivery.Delivery),
		byKey:      make(map[deliveryKey]string),
		attempts:   make(map[string][]*delivery.Attempt),
	}
}

// CompleteCalls reports how many times CompleteAttempt was called.
func (s *Store) CompleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeCalls
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Ping(context.Context) error { return s.Fail }

// --- subscriptions ---

func (s *Store) conflicts(sub *subscription.Subscription) bool {
	if !sub.Active {
		return false
	}
	for _, other := range s.subs {
		if other.ID != sub.ID && other.Active && other.TenantID == sub.TenantID && other.URL == sub.URL {
			return true
		}
	}
	return false
}

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.subs[sub.ID]; ok {
		return store.ErrConflict
	}
	if s.conflicts(sub) {
		return store.ErrConflict
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *Store) GetSubscription(_ context.Context, tenantID, id string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	sub, ok := s.subs[id]
	if !ok || sub.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) LoadSubscription(_ context.Context, id string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	sub, ok := s.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) ListSubscriptions(_ context.Context, tenantID string) ([]*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []*subscription.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	cur, ok := s.subs[sub.ID]
	if !ok || cur.TenantID != sub.TenantID {
		return store.ErrNotFound
	}
	if s.conflicts(sub) {
		return store.ErrConflict
	}
	next := sub.Clone()
	next.Secret = cur.Secret
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	sub.UpdatedAt = next.UpdatedAt
	s.subs[sub.ID] = next
	return nil
}

func (s *Store) DeleteSubscription(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	sub, ok := s.subs[id]
	if !ok || sub.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(s.subs, id)
	for did, d := range s.deliveries {
		if d.SubscriptionID == id {
			delete(s.deliveries, did)
			delete(s.byKey, deliveryKey{d.SubscriptionID, d.EventType, d.EventID})
			delete(s.attempts, did)
		}
	}
	return nil
}

func (s *Store) ListActiveForEvent(_ context.Context, tenantID string, t events.Type) ([]*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []*subscription.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.Receives(t) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- deliveries ---

func (s *Store) CreateDeliveries(_ context.Context, ds []*delivery.Delivery) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	now := s.now()
	var created []*delivery.Delivery
	for _, d := range ds {
		k := deliveryKey{d.SubscriptionID, d.EventType, d.EventID}
		if _, exists := s.byKey[k]; exists {
			continue
		}
		if _, ok := s.subs[d.SubscriptionID]; !ok {
			continue
		}
		c := d.Clone()
		if c.Status == "" {
			c.Status = delivery.StatusPending
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.deliveries[c.ID] = c
		s.byKey[k] = c.ID
		created = append(created, c.Clone())
	}
	return created, nil
}

func (s *Store) GetDelivery(_ context.Context, tenantID, id string) (*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return d.Clone(), nil
}

func leaseFree(d *delivery.Delivery, now time.Time) bool {
	return d.LeaseExpiresAt == nil || d.LeaseExpiresAt.Before(now)
}

func due(d *delivery.Delivery, now time.Time) bool {
	if d.Status != delivery.StatusPending && d.Status != delivery.StatusRetrying {
		return false
	}
	if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
		return false
	}
	return leaseFree(d, now)
}

func dueAt(d *delivery.Delivery) time.Time {
	if d.NextRetryAt != nil {
		return *d.NextRetryAt
	}
	return d.CreatedAt
}

func (s *Store) claim(d *delivery.Delivery, now time.Time, lease time.Duration) *delivery.Delivery {
	exp := now.Add(lease)
	d.ClaimToken = uuid.NewString()
	d.LeaseExpiresAt = &exp
	return d.Clone()
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	if limit <= 0 {
		return nil, nil
	}
	var candidates []*delivery.Delivery
	for _, d := range s.deliveries {
		if due(d, now) {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := dueAt(candidates[i]), dueAt(candidates[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*delivery.Delivery, 0, len(candidates))
	for _, d := range candidates {
		out = append(out, s.claim(d, now, lease))
	}
	return out, nil
}

func (s *Store) Claim(_ context.Context, tenantID, id string, allowed []delivery.Status, now time.Time, lease time.Duration) (*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if !slices.Contains(allowed, d.Status) || !leaseFree(d, now) {
		return nil, store.ErrClaimLost
	}
	return s.claim(d, now, lease), nil
}

func (s *Store) CompleteAttempt(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	if s.Fail != nil {
		return s.Fail
	}
	if s.FailComplete != nil {
		return s.FailComplete
	}
	cur, ok := s.deliveries[d.ID]
	if !ok || d.ClaimToken == "" || cur.ClaimToken != d.ClaimToken {
		return store.ErrClaimLost
	}
	next := d.Clone()
	next.ClaimToken = ""
	next.LeaseExpiresAt = nil
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	if next.Status.Terminal() && next.CompletedAt == nil {
		at := next.UpdatedAt
		next.CompletedAt = &at
	}
	s.deliveries[d.ID] = next
	return nil
}

func (s *Store) ReleaseClaim(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	cur, ok := s.deliveries[id]
	if !ok || cur.ClaimToken != token {
		return store.ErrClaimLost
	}
	cur.ClaimToken = ""
	cur.LeaseExpiresAt = nil
	return nil
}

func (s *Store) CountDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	var n int64
	for _, d := range s.deliveries {
		if due(d, now) {
			n++
		}
	}
	return n, nil
}

// newer reports whether a sorts before b in (created_at DESC, id DESC) order.
func newer(a, b *delivery.Delivery) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *Store) ListDeliveries(_ context.Context, q store.DeliveryQuery) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []*delivery.Delivery
	for _, d := range s.deliveries {
		if d.TenantID != q.TenantID {
			continue
		}
		if q.SubscriptionID != "" && d.SubscriptionID != q.SubscriptionID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, d.Status) {
			continue
		}
		if d.IsTest && !q.IncludeTest {
			continue
		}
		if q.After != nil && !newer(&delivery.Delivery{CreatedAt: q.After.CreatedAt, ID: q.After.ID}, d) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, tenantID, subscriptionID string) (map[delivery.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	out := make(map[delivery.Status]int64)
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && d.SubscriptionID == subscriptionID && !d.IsTest {
			out[d.Status]++
		}
	}
	return out, nil
}

// --- attempts ---

func (s *Store) AppendAttempt(_ context.Context, a *delivery.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if s.FailAppend != nil {
		return s.FailAppend
	}
	if _, ok := s.deliveries[a.DeliveryID]; !ok {
		return store.ErrNotFound
	}
	c := *a
	s.attempts[a.DeliveryID] = append(s.attempts[a.DeliveryID], &c)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, tenantID, deliveryID string) ([]*delivery.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	d, ok := s.deliveries[deliveryID]
	if !ok || d.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	var out []*delivery.Attempt
	for _, a := range s.attempts[deliveryID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// Snapshot returns the stored delivery regardless of tenant, for assertions.
func (s *Store) Snapshot(id string) (*delivery.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Deliveries returns every stored delivery, for assertions.
func (s *Store) Deliveries() []*delivery.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*delivery.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
