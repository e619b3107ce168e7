// Package store defines the persistence contract of the delivery engine.
// postgres is the production implementation; memory backs engine tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/subscription"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness rule, such as two
	// active subscriptions of one tenant pointing at the same URL.
	ErrConflict = errors.New("conflict")
	// ErrClaimLost means the claim token no longer matches: the lease expired and
	// another worker owns the delivery, or it was never claimed.
	ErrClaimLost = errors.New("claim lost")
	// ErrInvalidData means the database refused a value (bad encoding, out of
	// range). Retrying the same write cannot succeed.
	ErrInvalidData = errors.New("invalid data")
)

// Subscriptions persists subscriptions. Reads return the decrypted secret.
type Subscriptions interface {
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (*subscription.Subscription, error)
	// LoadSubscription is the unscoped read used by workers that only know the id.
	LoadSubscription(ctx context.Context, id string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error
	// DeleteSubscription removes the subscription with its deliveries and attempts.
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	ListActiveForEvent(ctx context.Context, tenantID string, t events.Type) ([]*subscription.Subscription, error)
}

// Cursor is a keyset position in reverse chronological delivery order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// DeliveryQuery filters delivery listings. Zero values mean "any".
type DeliveryQuery struct {
	TenantID       string
	SubscriptionID string
	Statuses       []delivery.Status
	IncludeTest    bool
	After          *Cursor
	Limit          int
}

// Deliveries persists deliveries and arbitrates claims on them.
type Deliveries interface {
	// CreateDeliveries inserts ds atomically, skipping any whose
	// (subscription, event type, event id) already exists. It returns the
	// deliveries that were actually inserted.
	CreateDeliveries(ctx context.Context, ds []*delivery.Delivery) ([]*delivery.Delivery, error)
	GetDelivery(ctx context.Context, tenantID, id string) (*delivery.Delivery, error)

	// ClaimDue claims up to limit pending or retrying deliveries whose retry
	// time has passed and whose lease is free or expired.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*delivery.Delivery, error)
	// Claim claims one delivery of tenantID if its status is in allowed and its
	// lease is free. It returns ErrNotFound or ErrClaimLost.
	Claim(ctx context.Context, tenantID, id string, allowed []delivery.Status, now time.Time, lease time.Duration) (*delivery.Delivery, error)
	// CompleteAttempt writes the status fields of d and releases the claim,
	// provided d.ClaimToken still owns it.
	CompleteAttempt(ctx context.Context, d *delivery.Delivery) error
	// ReleaseClaim gives a claim back without changing the delivery.
	ReleaseClaim(ctx context.Context, id, token string) error

	CountDue(ctx context.Context, now time.Time) (int64, error)
	ListDeliveries(ctx context.Context, q DeliveryQuery) ([]*delivery.Delivery, error)
	// CountByStatus counts non-test deliveries of a subscription.
	CountByStatus(ctx context.Context, tenantID, subscriptionID string) (map[delivery.Status]int64, error)
}

// Attempts is the append-only attempt log.
type Attempts interface {
	AppendAttempt(ctx context.Context, a *delivery.Attempt) error
	ListAttempts(ctx context.Context, tenantID, deliveryID string) ([]*delivery.Attempt, error)
}

// Store is everything the engine persists.
type Store interface {
	Subscriptions
	Deliveries
	Attempts
	Ping(ctx context.Context) error
}

// StatusSet expands a filter name into statuses: all, terminal,
// non_terminal, or a single status. An empty name means all.
func StatusSet(filter string) ([]delivery.Status, error) {
	switch filter {
	case "", "all":
		return nil, nil
	case "terminal":
		return []delivery.Status{delivery.StatusDelivered, delivery.StatusFailed}, nil
	case "non_terminal":
		return []delivery.Status{delivery.StatusPending, delivery.StatusRetrying}, nil
	}
	st, err := delivery.ParseStatus(filter)
	if err != nil {
		return nil, err
	}
	return []delivery.Status{st}, nil
}
