// Package deliverylog is the queryable history of deliveries and their attempts.
package deliverylog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrBadCursor is returned for a cursor this package did not produce.
var ErrBadCursor = errors.New("invalid cursor")

// Backend is the storage the log reads and appends to.
type Backend interface {
	store.Attempts
	GetDelivery(ctx context.Context, tenantID, id string) (*delivery.Delivery, error)
	ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]*delivery.Delivery, error)
	CountByStatus(ctx context.Context, tenantID, subscriptionID string) (map[delivery.Status]int64, error)
}

// Log appends attempt records and answers history queries.
type Log struct {
	backend Backend
	log     *logging.Logger
}

// New returns a Log over backend.
func New(backend Backend, log *logging.Logger) *Log {
	if log == nil {
		log = logging.Discard()
	}
	return &Log{backend: backend, log: log}
}

// Append records an attempt. A failure is logged and counted but never
// returned: the attempt already happened and its delivery state is persisted.
func (l *Log) Append(ctx context.Context, a *delivery.Attempt) {
	if err := l.backend.AppendAttempt(ctx, a); err != nil {
		metrics.RecordLogAppendFailure()
		l.log.WithContext(ctx).
			WithTenant(a.TenantID).
			WithDelivery(a.DeliveryID).
			WithSubscription(a.SubscriptionID).
			WithField("attempt", a.Number).
			WithField("kind", string(a.Kind)).
			WithError(err).
			Error("Failed to append delivery attempt")
	}
}

// Query selects a page of deliveries.
type Query struct {
	TenantID       string
	SubscriptionID string
	// Status is all, terminal, non_terminal or a single status name.
	Status      string
	IncludeTest bool
	Cursor      string
	Limit       int
}

// Page is one page of deliveries, newest first.
type Page struct {
	Deliveries []*delivery.Delivery `json:"deliveries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Query returns deliveries in reverse chronological order. NextCursor is empty
// on the last page.
func (l *Log) Query(ctx context.Context, q Query) (Page, error) {
	statuses, err := store.StatusSet(q.Status)
	if err != nil {
		return Page{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	sq := store.DeliveryQuery{
		TenantID:       q.TenantID,
		SubscriptionID: q.SubscriptionID,
		Statuses:       statuses,
		IncludeTest:    q.IncludeTest,
		Limit:          limit + 1,
	}
	if q.Cursor != "" {
		c, err := DecodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		sq.After = &c
	}

	ds, err := l.backend.ListDeliveries(ctx, sq)
	if err != nil {
		return Page{}, fmt.Errorf("list deliveries: %w", err)
	}
	page := Page{Deliveries: ds}
	if len(ds) > limit {
		page.Deliveries = ds[:limit]
		last := page.Deliveries[limit-1]
		page.NextCursor = EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Deliveries == nil {
		page.Deliveries = []*delivery.Delivery{}
	}
	return page, nil
}

// Get returns one delivery of a tenant.
func (l *Log) Get(ctx context.Context, tenantID, deliveryID string) (*delivery.Delivery, error) {
	return l.backend.GetDelivery(ctx, tenantID, deliveryID)
}

// Attempts lists the attempts of a delivery, oldest first.
func (l *Log) Attempts(ctx context.Context, tenantID, deliveryID string) ([]*delivery.Attempt, error) {
	if _, err := l.backend.GetDelivery(ctx, tenantID, deliveryID); err != nil {
		return nil, err
	}
	return l.backend.ListAttempts(ctx, tenantID, deliveryID)
}

// Stats is the per-status count of a subscription's non-test deliveries.
type Stats struct {
	SubscriptionID string `json:"subscription_id"`
	Pending        int64  `json:"pending"`
	Retrying       int64  `json:"retrying"`
	Delivered      int64  `json:"delivered"`
	Failed         int64  `json:"failed"`
	Total          int64  `json:"total"`
}

// Stats counts a subscription's deliveries by status.
func (l *Log) Stats(ctx context.Context, tenantID, subscriptionID string) (Stats, error) {
	counts, err := l.backend.CountByStatus(ctx, tenantID, subscriptionID)
	if err != nil {
		return Stats{}, fmt.Errorf("count deliveries: %w", err)
	}
	st := Stats{
		SubscriptionID: subscriptionID,
		Pending:        counts[delivery.StatusPending],
		Retrying:       counts[delivery.StatusRetrying],
		Delivered:      counts[delivery.StatusDelivered],
		Failed:         counts[delivery.StatusFailed],
	}
	st.Total = st.Pending + st.Retrying + st.Delivered + st.Failed
	return st, nil
}

// EncodeCursor renders c as an opaque token.
func EncodeCursor(c store.Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(s string) (store.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return store.Cursor{}, ErrBadCursor
	}
	ns, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return store.Cursor{}, ErrBadCursor
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return store.Cursor{}, ErrBadCursor
	}
	return store.Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
