// Package postgres implements store.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/store"
	"github.com/austindbirch/callhook/internal/subscription"
)

//go:embed schema.sql
var schema string

// Sealer encrypts subscription secrets at rest.
type Sealer interface {
	Seal(id, plaintext string) (string, error)
	Open(id, sealed string) (string, error)
}

// Store is the pgx-backed store.Store.
type Store struct {
	pool   *pgxpool.Pool
	sealer Sealer
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool.
func New(pool *pgxpool.Pool, sealer Sealer) *Store {
	return &Store{pool: pool, sealer: sealer}
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		}
		// Class 22: data exception (invalid byte sequence, value too long, ...).
		if strings.HasPrefix(pgErr.Code, "22") {
			return fmt.Errorf("%w: %s", store.ErrInvalidData, pgErr.Message)
		}
	}
	return err
}

// --- subscriptions ---

const subscriptionColumns = `id, tenant_id, name, url, secret_sealed, events, active,
	retry_policy, max_attempts, timeout_ms, headers, created_at, updated_at`

func (s *Store) scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		sub       subscription.Subscription
		sealed    string
		evs       []string
		timeoutMs int64
		headers   map[string]string
	)
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.Name, &sub.URL, &sealed, &evs, &sub.Active,
		&sub.RetryPolicy, &sub.MaxAttempts, &timeoutMs, &headers, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	secret, err := s.sealer.Open(sub.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret of %s: %w", sub.ID, err)
	}
	sub.Secret = secret
	sub.Events = make([]events.Type, len(evs))
	for i, e := range evs {
		sub.Events[i] = events.Type(e)
	}
	sub.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if len(headers) > 0 {
		sub.Headers = headers
	}
	return &sub, nil
}

func (s *Store) querySubscriptions(ctx context.Context, sql string, args ...any) ([]*subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func eventStrings(evs []events.Type) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e)
	}
	return out
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	sealed, err := s.sealer.Seal(sub.ID, sub.Secret)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO callhook.subscriptions(id, tenant_id, name, url, secret_sealed, events, active,
			retry_policy, max_attempts, timeout_ms, headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		sub.ID, sub.TenantID, sub.Name, sub.URL, sealed, eventStrings(sub.Events), sub.Active,
		sub.RetryPolicy, sub.MaxAttempts, sub.Timeout.Milliseconds(), headersOrEmpty(sub.Headers),
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", mapErr(err))
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, tenantID, id string) (*subscription.Subscription, error) {
	sub, err := s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM callhook.subscriptions WHERE id = $1 AND tenant_id = $2`,
		id, tenantID))
	if err != nil {
		return nil, mapErr(err)
	}
	return sub, nil
}

func (s *Store) LoadSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM callhook.subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	out, err := s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM callhook.subscriptions
		WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// UpdateSubscription writes every mutable field. The secret column is never touched.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE callhook.subscriptions
		SET name = $3, url = $4, events = $5, active = $6, retry_policy = $7,
			max_attempts = $8, timeout_ms = $9, headers = $10, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at`,
		sub.ID, sub.TenantID, sub.Name, sub.URL, eventStrings(sub.Events), sub.Active, sub.RetryPolicy,
		sub.MaxAttempts, sub.Timeout.Milliseconds(), headersOrEmpty(sub.Headers),
	).Scan(&sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", mapErr(err))
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM callhook.subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveForEvent(ctx context.Context, tenantID string, t events.Type) ([]*subscription.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM callhook.subscriptions
		WHERE tenant_id = $1 AND active AND events @> ARRAY[$2::text]
		ORDER BY id`, tenantID, string(t))
}

// --- deliveries ---

const deliveryColumns = `id, subscription_id, tenant_id, event_type, event_id, payload, occurred_at,
	status, attempts_made, max_attempts, manual_attempts, next_retry_at,
	last_status_code, last_response_body, last_latency_ms, last_error, is_test,
	COALESCE(claim_token, ''), lease_expires_at, created_at, updated_at, completed_at`

func scanDelivery(row pgx.Row) (*delivery.Delivery, error) {
	var d delivery.Delivery
	var eventType, status string
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.TenantID, &eventType, &d.EventID, &d.Payload, &d.OccurredAt,
		&status, &d.AttemptsMade, &d.MaxAttempts, &d.ManualAttempts, &d.NextRetryAt,
		&d.LastStatusCode, &d.LastResponseBody, &d.LastLatencyMs, &d.LastError, &d.IsTest,
		&d.ClaimToken, &d.LeaseExpiresAt, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt,
	); err != nil {
		return nil, err
	}
	d.EventType = events.Type(eventType)
	d.Status = delivery.Status(status)
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]*delivery.Delivery, error) {
	defer rows.Close()
	var out []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

// CreateDeliveries inserts the whole batch in one transaction.
func (s *Store) CreateDeliveries(ctx context.Context, ds []*delivery.Delivery) ([]*delivery.Delivery, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range ds {
		status := d.Status
		if status == "" {
			status = delivery.StatusPending
		}
		batch.Queue(`
			INSERT INTO callhook.deliveries(id, subscription_id, tenant_id, event_type, event_id, payload,
				occurred_at, status, max_attempts, is_test)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT ON CONSTRAINT uq_deliveries_identity DO NOTHING
			RETURNING `+deliveryColumns,
			d.ID, d.SubscriptionID, d.TenantID, string(d.EventType), d.EventID, payloadOrEmpty(d.Payload),
			d.OccurredAt, string(status), d.MaxAttempts, d.IsTest)
	}

	br := tx.SendBatch(ctx, batch)
	var created []*delivery.Delivery
	for range ds {
		d, err := scanDelivery(br.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate identity: the existing delivery is left alone.
			continue
		}
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("insert delivery: %w", mapErr(err))
		}
		created = append(created, d)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (s *Store) GetDelivery(ctx context.Context, tenantID, id string) (*delivery.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM callhook.deliveries WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil {
		return nil, mapErr(err)
	}
	return d, nil
}

// ClaimDue takes due rows with SKIP LOCKED so concurrent workers never block on
// or double-claim the same delivery.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*delivery.Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE callhook.deliveries
		SET claim_token = $1, lease_expires_at = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM callhook.deliveries
			WHERE status IN ('pending', 'retrying')
				AND COALESCE(next_retry_at, created_at) <= $3
				AND (lease_expires_at IS NULL OR lease_expires_at < $3)
			ORDER BY COALESCE(next_retry_at, created_at), id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		uuid.NewString(), now.Add(lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	out, err := collectDeliveries(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	return out, nil
}

func statusStrings(ss []delivery.Status) []string {
	out := make([]string, len(ss))
	for i, st := range ss {
		out[i] = string(st)
	}
	return out
}

func (s *Store) Claim(ctx context.Context, tenantID, id string, allowed []delivery.Status, now time.Time, lease time.Duration) (*delivery.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE callhook.deliveries
		SET claim_token = $1, lease_expires_at = $2, updated_at = now()
		WHERE id = $3 AND tenant_id = $4
			AND status = ANY($5)
			AND (lease_expires_at IS NULL OR lease_expires_at < $6)
		RETURNING `+deliveryColumns,
		uuid.NewString(), now.Add(lease), id, tenantID, statusStrings(allowed), now))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM callhook.deliveries WHERE id = $1 AND tenant_id = $2)`,
		id, tenantID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrClaimLost
}

func (s *Store) CompleteAttempt(ctx context.Context, d *delivery.Delivery) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE callhook.deliveries
		SET status = $3, attempts_made = $4, manual_attempts = $5, next_retry_at = $6,
			last_status_code = $7, last_response_body = $8, last_latency_ms = $9, last_error = $10,
			completed_at = CASE WHEN $11::boolean THEN COALESCE(completed_at, now()) ELSE NULL END,
			claim_token = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND claim_token = $2`,
		d.ID, d.ClaimToken, string(d.Status), d.AttemptsMade, d.ManualAttempts, d.NextRetryAt,
		d.LastStatusCode, d.LastResponseBody, d.LastLatencyMs, d.LastError, d.Status.Terminal())
	if err != nil {
		return fmt.Errorf("complete attempt: %w", mapErr(err))
	}
	if ct.RowsAffected() == 0 {
		return store.ErrClaimLost
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id, token string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE callhook.deliveries SET claim_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND claim_token = $2`, id, token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrClaimLost
	}
	return nil
}

func (s *Store) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM callhook.deliveries
		WHERE status IN ('pending', 'retrying')
			AND COALESCE(next_retry_at, created_at) <= $1
			AND (lease_expires_at IS NULL OR lease_expires_at < $1)`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due: %w", err)
	}
	return n, nil
}

// listQuery builds the keyset page query for q.
func listQuery(q store.DeliveryQuery) (string, []any) {
	args := []any{q.TenantID}
	where := []string{"tenant_id = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.SubscriptionID != "" {
		where = append(where, "subscription_id = "+arg(q.SubscriptionID))
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(q.Statuses))+")")
	}
	if !q.IncludeTest {
		where = append(where, "NOT is_test")
	}
	if q.After != nil {
		where = append(where, "(created_at, id) < ("+arg(q.After.CreatedAt)+", "+arg(q.After.ID)+")")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT %s FROM callhook.deliveries
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, deliveryColumns, strings.Join(where, " AND "), len(args))
	return sql, args
}

func (s *Store) ListDeliveries(ctx context.Context, q store.DeliveryQuery) ([]*delivery.Delivery, error) {
	sql, args := listQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	out, err := collectDeliveries(rows)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context, tenantID, subscriptionID string) (map[delivery.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM callhook.deliveries
		WHERE tenant_id = $1 AND subscription_id = $2 AND NOT is_test
		GROUP BY status`, tenantID, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[delivery.Status]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[delivery.Status(st)] = n
	}
	return out, rows.Err()
}

// --- attempts ---

func (s *Store) AppendAttempt(ctx context.Context, a *delivery.Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callhook.delivery_attempts(id, delivery_id, subscription_id, tenant_id, number, kind,
			class, status_code, response_body, latency_ms, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.DeliveryID, a.SubscriptionID, a.TenantID, a.Number, string(a.Kind),
		string(a.Class), a.StatusCode, a.ResponseBody, a.LatencyMs, a.Error, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("append attempt: %w", mapErr(err))
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, tenantID, deliveryID string) ([]*delivery.Attempt, error) {
	if _, err := s.GetDelivery(ctx, tenantID, deliveryID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, delivery_id, subscription_id, tenant_id, number, kind, class, status_code,
			response_body, latency_ms, error, attempted_at
		FROM callhook.delivery_attempts
		WHERE delivery_id = $1 AND tenant_id = $2
		ORDER BY attempted_at, id`, deliveryID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*delivery.Attempt
	for rows.Next() {
		var a delivery.Attempt
		var kind, class string
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.SubscriptionID, &a.TenantID, &a.Number, &kind, &class,
			&a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &a.AttemptedAt); err != nil {
			return nil, err
		}
		a.Kind = delivery.Kind(kind)
		a.Class = delivery.Class(class)
		out = append(out, &a)
	}
	return out, rows.Err()
}
