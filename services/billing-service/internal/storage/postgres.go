package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/merchantbilling/libs/db"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/outbox"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool       *db.Pool
	outbox     *outbox.Repository
	maxRetries uint
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo, maxRetries: 3}
}

func (p *Postgres) WithMerchantTx(ctx context.Context, merchantID string, fn func(Tx) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		// Serializes webhooks, user actions and the sweep for one merchant.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "billing:merchant:"+merchantID); err != nil {
			return fmt.Errorf("merchant lock: %w", err)
		}
		return fn(&pgTx{tx: tx, outbox: p.outbox})
	})
}

func (p *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, outbox: p.outbox})
	})
}

// inTx retries the whole transaction on serialization failures, deadlocks and dropped
// connections. Everything else, domain errors included, is returned as-is.
func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, fn)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(p.maxRetries))
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

func (p *Postgres) CurrentSubscription(ctx context.Context, merchantID string) (billing.Subscription, error) {
	return scanSubscription(p.pool.QueryRow(ctx, subscriptionColumns+`
		FROM subscriptions WHERE merchant_id = $1 AND status <> 'cancelled'
	`, merchantID))
}

func (p *Postgres) LatestSubscription(ctx context.Context, merchantID string) (billing.Subscription, error) {
	return scanSubscription(p.pool.QueryRow(ctx, subscriptionColumns+`
		FROM subscriptions WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT 1
	`, merchantID))
}

func (p *Postgres) GetSubscription(ctx context.Context, id string) (billing.Subscription, error) {
	return getSubscription(ctx, p.pool, id, false)
}

func (p *Postgres) FindByReference(ctx context.Context, provider billing.Provider, reference string) (billing.Subscription, error) {
	if strings.TrimSpace(reference) == "" {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return scanSubscription(p.pool.QueryRow(ctx, subscriptionColumns+`
		FROM subscriptions WHERE provider = $1 AND (external_reference = $2 OR customer_reference = $2)
		ORDER BY created_at DESC LIMIT 1
	`, string(provider), reference))
}

func (p *Postgres) ListHistory(ctx context.Context, merchantID string) ([]billing.HistoryEntry, error) {
	return listHistory(ctx, p.pool, merchantID)
}

func (p *Postgres) GetCheckoutSession(ctx context.Context, reference string) (billing.CheckoutSession, error) {
	return getCheckoutSession(ctx, p.pool, reference)
}

func (p *Postgres) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, subscriptionColumns+`
		FROM subscriptions
		WHERE status <> 'cancelled' AND (current_period_end <= $1 OR status = 'past_due')
		ORDER BY current_period_end
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Subscription, error) {
		return scanSubscription(row)
	})
}

func (p *Postgres) TryLeader(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, true, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return db.ReadyCheck(p.pool)(ctx)
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) CurrentForUpdate(ctx context.Context, merchantID string) (billing.Subscription, bool, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx, subscriptionColumns+`
		FROM subscriptions WHERE merchant_id = $1 AND status <> 'cancelled'
		FOR UPDATE
	`, merchantID))
	if errors.Is(err, billing.ErrNotFound) {
		return billing.Subscription{}, false, nil
	}
	return s, err == nil, err
}

func (t *pgTx) GetForUpdate(ctx context.Context, subscriptionID string) (billing.Subscription, error) {
	return getSubscription(ctx, t.tx, subscriptionID, true)
}

func (t *pgTx) MerchantFirstPaymentAt(ctx context.Context, merchantID string) (*time.Time, error) {
	var first *time.Time
	err := t.tx.QueryRow(ctx, `
		SELECT min(first_payment_at) FROM subscriptions WHERE merchant_id = $1
	`, merchantID).Scan(&first)
	return first, err
}

func (t *pgTx) InsertSubscription(ctx context.Context, s billing.Subscription) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (id, merchant_id, tier, billing_interval, status, provider,
		                           current_period_start, current_period_end, cancel_at_period_end,
		                           past_due_since, first_payment_at, external_reference, customer_reference,
		                           created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, s.ID, s.MerchantID, string(s.Tier), string(s.Interval), string(s.Status), string(s.Provider),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd,
		s.PastDueSince, s.FirstPaymentAt, s.ExternalReference, s.CustomerReference, s.CreatedAt)
	return err
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s billing.Subscription) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $2, billing_interval = $3, status = $4,
		    current_period_start = $5, current_period_end = $6, cancel_at_period_end = $7,
		    past_due_since = $8,
		    first_payment_at = COALESCE(first_payment_at, $9),
		    external_reference = $10, customer_reference = $11, updated_at = $12
		WHERE id = $1
	`, s.ID, string(s.Tier), string(s.Interval), string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd,
		s.PastDueSince, s.FirstPaymentAt, s.ExternalReference, s.CustomerReference, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (t *pgTx) HasHistory(ctx context.Context, subscriptionID, externalEventID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM subscription_history WHERE subscription_id = $1 AND external_event_id = $2)
	`, subscriptionID, externalEventID).Scan(&exists)
	return exists, err
}

func (t *pgTx) AppendHistory(ctx context.Context, e billing.HistoryEntry) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO subscription_history (id, subscription_id, merchant_id, action, tier, amount, external_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
		ON CONFLICT (subscription_id, external_event_id) DO NOTHING
	`, e.ID, e.SubscriptionID, e.MerchantID, string(e.Action), string(e.Tier), e.Amount.String(), e.ExternalEventID, e.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateHistory
	}
	return nil
}

func (t *pgTx) ListHistory(ctx context.Context, merchantID string) ([]billing.HistoryEntry, error) {
	return listHistory(ctx, t.tx, merchantID)
}

func (t *pgTx) InsertProviderEvent(ctx context.Context, e billing.ProviderEvent) error {
	payload := e.Payload
	if !json.Valid(payload) {
		// Inbox keeps non-JSON bodies as a JSON string.
		payload, _ = json.Marshal(string(e.Payload))
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload, status, received_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, string(e.Provider), e.EventID, e.EventType, string(payload), string(e.Status), e.ReceivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

func (t *pgTx) SetProviderEventStatus(ctx context.Context, provider billing.Provider, eventID string, status billing.ProviderEventStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE provider_events SET status = $3 WHERE provider = $1 AND provider_event_id = $2
	`, string(provider), eventID, string(status))
	return err
}

func (t *pgTx) SaveCheckoutSession(ctx context.Context, s billing.CheckoutSession) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO checkout_sessions (session_reference, merchant_id, tier, billing_interval, provider, status,
		                               price, currency, redirect_url, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11)
		ON CONFLICT (session_reference)
		DO UPDATE SET status = EXCLUDED.status,
		              redirect_url = EXCLUDED.redirect_url,
		              completed_at = COALESCE(checkout_sessions.completed_at, EXCLUDED.completed_at)
	`, s.Reference, s.MerchantID, string(s.Tier), string(s.Interval), string(s.Provider), string(s.Status),
		s.Price.String(), s.Currency, s.RedirectURL, s.CreatedAt, s.CompletedAt)
	return err
}

func (t *pgTx) GetCheckoutSession(ctx context.Context, reference string) (billing.CheckoutSession, error) {
	return getCheckoutSession(ctx, t.tx, reference)
}

func (t *pgTx) OpenCheckoutSession(ctx context.Context, merchantID string, since time.Time) (billing.CheckoutSession, bool, error) {
	var reference string
	err := t.tx.QueryRow(ctx, `
		SELECT session_reference FROM checkout_sessions
		WHERE merchant_id = $1 AND status = $2 AND created_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`, merchantID, string(billing.SessionCreated), since).Scan(&reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.CheckoutSession{}, false, nil
	}
	if err != nil {
		return billing.CheckoutSession{}, false, err
	}
	sess, err := getCheckoutSession(ctx, t.tx, reference)
	if err != nil {
		return billing.CheckoutSession{}, false, err
	}
	return sess, true, nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e billing.AuditEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_type, actor_id, merchant_id, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, e.EventType, e.ActorType, nullIfEmpty(e.ActorID), nullIfEmpty(e.MerchantID), string(raw))
	return err
}

func (t *pgTx) InsertOutbox(ctx context.Context, e outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, e)
}

const subscriptionColumns = `
	SELECT id::text, merchant_id, tier, billing_interval, status, provider,
	       current_period_start, current_period_end, cancel_at_period_end,
	       past_due_since, first_payment_at, external_reference, customer_reference,
	       created_at, updated_at`

func getSubscription(ctx context.Context, q querier, id string, forUpdate bool) (billing.Subscription, error) {
	sql := subscriptionColumns + ` FROM subscriptions WHERE id::text = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanSubscription(q.QueryRow(ctx, sql, id))
}

func scanSubscription(row pgx.Row) (billing.Subscription, error) {
	var s billing.Subscription
	var tier, interval, status, provider string
	err := row.Scan(&s.ID, &s.MerchantID, &tier, &interval, &status, &provider,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd,
		&s.PastDueSince, &s.FirstPaymentAt, &s.ExternalReference, &s.CustomerReference,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Subscription{}, billing.ErrNotFound
	}
	if err != nil {
		return billing.Subscription{}, err
	}
	s.Tier = tiers.ID(tier)
	s.Interval = tiers.Interval(interval)
	s.Status = billing.Status(status)
	s.Provider = billing.Provider(provider)
	return s, nil
}

func listHistory(ctx context.Context, q querier, merchantID string) ([]billing.HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, subscription_id::text, merchant_id, action, tier, amount::text, external_event_id, created_at
		FROM subscription_history
		WHERE merchant_id = $1
		ORDER BY created_at, id
	`, merchantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.HistoryEntry, error) {
		var e billing.HistoryEntry
		var action, tier, amount string
		if err := row.Scan(&e.ID, &e.SubscriptionID, &e.MerchantID, &action, &tier, &amount, &e.ExternalEventID, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Action = billing.Action(action)
		e.Tier = tiers.ID(tier)
		dec, err := decimal.NewFromString(amount)
		if err != nil {
			return e, fmt.Errorf("history %s amount: %w", e.ID, err)
		}
		e.Amount = dec
		return e, nil
	})
}

func getCheckoutSession(ctx context.Context, q querier, reference string) (billing.CheckoutSession, error) {
	var s billing.CheckoutSession
	var tier, interval, provider, status, price string
	err := q.QueryRow(ctx, `
		SELECT session_reference, merchant_id, tier, billing_interval, provider, status,
		       price::text, currency, redirect_url, created_at, completed_at
		FROM checkout_sessions WHERE session_reference = $1
	`, reference).Scan(&s.Reference, &s.MerchantID, &tier, &interval, &provider, &status,
		&price, &s.Currency, &s.RedirectURL, &s.CreatedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.CheckoutSession{}, billing.ErrNotFound
	}
	if err != nil {
		return billing.CheckoutSession{}, err
	}
	s.Tier = tiers.ID(tier)
	s.Interval = tiers.Interval(interval)
	s.Provider = billing.Provider(provider)
	s.Status = billing.SessionStatus(status)
	if s.Price, err = decimal.NewFromString(price); err != nil {
		return billing.CheckoutSession{}, fmt.Errorf("session %s price: %w", s.Reference, err)
	}
	return s, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
