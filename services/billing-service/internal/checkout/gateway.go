package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Timeout bounds one provider operation including retries.
	Timeout     time.Duration
	MaxAttempts uint
	Currency    string
	// RetryAfter is suggested to clients when a provider is unavailable.
	RetryAfter  time.Duration
	// SessionTTL is how long a checkout stays payable. Providers are told to expire it
	// then, and a merchant cannot open a second one before.
	SessionTTL  time.Duration
}

const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

// CallObserver is notified after every provider operation (metrics hook).
type CallObserver func(provider billing.Provider, op, outcome string, elapsed time.Duration)

// Session is the result of a successful checkout start.
type Session struct {
	Reference    string
	Provider     billing.Provider
	Tier         tiers.ID
	Interval     tiers.Interval
	Price        decimal.Decimal
	Currency     string
	RedirectURL  string
	ClientConfig map[string]string
	TrialDays    int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type Gateway struct {
	providers map[billing.Provider]PaymentProvider
	store     storage.Store
	cfg       Config
	logger    *slog.Logger
	observe   CallObserver
	now       func() time.Time
}

func NewGateway(store storage.Store, logger *slog.Logger, cfg Config, providers ...PaymentProvider) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	switch {
	case cfg.SessionTTL <= 0:
		cfg.SessionTTL = time.Hour
	case cfg.SessionTTL < minSessionTTL:
		cfg.SessionTTL = minSessionTTL
	case cfg.SessionTTL > maxSessionTTL:
		cfg.SessionTTL = maxSessionTTL
	}
	g := &Gateway{
		providers: map[billing.Provider]PaymentProvider{},
		store:     store,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

func (g *Gateway) SetObserver(o CallObserver) { g.observe = o }

// SetClock overrides time.Now (tests).
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

func (g *Gateway) Currency() string { return g.cfg.Currency }

func (g *Gateway) Provider(name billing.Provider) (PaymentProvider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, billing.Invalid("provider", "provider %q is not configured", name)
	}
	return p, nil
}

func (g *Gateway) TrialDays(name billing.Provider) int {
	if p, ok := g.providers[name]; ok {
		return p.TrialDays()
	}
	return 0
}

// CreateSession validates the plan choice, opens a provider checkout and records it.
func (g *Gateway) CreateSession(ctx context.Context, merchantID string, tierID tiers.ID, interval tiers.Interval, providerName billing.Provider) (Session, error) {
	if strings.TrimSpace(merchantID) == "" {
		return Session{}, billing.Invalid("merchant_id", "is required")
	}
	tier, err := tiers.Resolve(tierID)
	if err != nil {
		return Session{}, billing.Invalid("tier", "unknown tier %q", tierID)
	}
	if !tier.Purchasable {
		return Session{}, billing.Invalid("tier", "tier %q cannot be purchased", tierID)
	}
	if interval, err = tiers.ParseInterval(string(interval)); err != nil {
		return Session{}, billing.Invalid("interval", "must be month or year")
	}
	provider, err := g.Provider(providerName)
	if err != nil {
		return Session{}, err
	}

	now := g.now().UTC()
	record := billing.CheckoutSession{
		Reference:  "cs_" + strings.ToLower(ulid.Make().String()),
		MerchantID: merchantID,
		Tier:       tierID,
		Interval:   interval,
		Provider:   providerName,
		Status:     billing.SessionCreated,
		Price:      tier.Price(interval),
		Currency:   g.cfg.Currency,
		CreatedAt:  now,
	}
	// The session is reserved under the merchant lock before the provider is called, so
	// two concurrent checkouts cannot both reach the provider.
	err = g.store.WithMerchantTx(ctx, merchantID, func(tx storage.Tx) error {
		if err := g.checkoutAllowed(ctx, tx, merchantID, tierID, now); err != nil {
			return err
		}
		return tx.SaveCheckoutSession(ctx, record)
	})
	if err != nil {
		return Session{}, err
	}

	req := SessionRequest{
		Reference:  record.Reference,
		MerchantID: merchantID,
		Tier:       tierID,
		Interval:   interval,
		Price:      record.Price,
		Currency:   record.Currency,
		TrialDays:  provider.TrialDays(),
		ExpiresAt:  now.Add(g.cfg.SessionTTL),
	}
	ps, err := call(ctx, g, providerName, "create_session", func(ctx context.Context) (ProviderSession, error) {
		return provider.CreateSession(ctx, req)
	})
	if err != nil {
		g.release(record)
		return Session{}, err
	}

	out := Session{
		Reference:    record.Reference,
		Provider:     providerName,
		Tier:         tierID,
		Interval:     interval,
		Price:        req.Price,
		Currency:     req.Currency,
		RedirectURL:  ps.RedirectURL,
		ClientConfig: ps.ClientConfig,
		TrialDays:    req.TrialDays,
		CreatedAt:    now,
		ExpiresAt:    req.ExpiresAt,
	}
	actor, _ := auth.ActorFromContext(ctx)
	err = g.store.WithMerchantTx(ctx, merchantID, func(tx storage.Tx) error {
		// A fast webhook may already have completed the session.
		saved, err := tx.GetCheckoutSession(ctx, record.Reference)
		if err != nil {
			return err
		}
		saved.RedirectURL = ps.RedirectURL
		if err := tx.SaveCheckoutSession(ctx, saved); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, billing.AuditEvent{
			EventType:  "billing.checkout.session_created",
			ActorType:  "user",
			ActorID:    actor.UserID,
			MerchantID: merchantID,
			Metadata: map[string]any{
				"session_reference": out.Reference,
				"tier":              string(tierID),
				"interval":          string(interval),
				"provider":          string(providerName),
				"expires_at":        out.ExpiresAt,
			},
		})
	})
	if err != nil {
		return Session{}, fmt.Errorf("save checkout session: %w", err)
	}
	return out, nil
}

// checkoutAllowed rejects a checkout while the merchant holds a live subscription or
// another checkout that can still be paid.
func (g *Gateway) checkoutAllowed(ctx context.Context, tx storage.Tx, merchantID string, tierID tiers.ID, now time.Time) error {
	cur, found, err := tx.CurrentForUpdate(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if found {
		switch {
		case cur.Status == billing.StatusPastDue:
			return billing.Conflict(billing.ConflictPaymentPastDue, "subscription payment is past due; settle it before starting a new checkout")
		case cur.Tier == tierID:
			return billing.Conflict(billing.ConflictAlreadySubscribed, "already subscribed to %s", tierID)
		default:
			return billing.Conflict(billing.ConflictPlanChangeRequired, "already subscribed to %s; change the plan instead", cur.Tier)
		}
	}
	pending, open, err := tx.OpenCheckoutSession(ctx, merchantID, now.Add(-g.cfg.SessionTTL))
	if err != nil {
		return fmt.Errorf("load checkout sessions: %w", err)
	}
	if open {
		return billing.Conflict(billing.ConflictCheckoutPending,
			"checkout %s for %s is still open until %s", pending.Reference, pending.Tier,
			pending.CreatedAt.Add(g.cfg.SessionTTL).Format(time.RFC3339))
	}
	return nil
}

// release frees a reservation whose provider call failed.
func (g *Gateway) release(record billing.CheckoutSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.store.WithMerchantTx(ctx, record.MerchantID, func(tx storage.Tx) error {
		saved, err := tx.GetCheckoutSession(ctx, record.Reference)
		if err != nil || saved.Status != billing.SessionCreated {
			return err
		}
		saved.Status = billing.SessionCancelled
		return tx.SaveCheckoutSession(ctx, saved)
	})
	if err != nil {
		g.logger.Error("release checkout session", "session_reference", record.Reference, "err", err)
	}
}

// NormalizeEvent verifies and maps a webhook. ErrEventIgnored comes back with the event
// id filled in so the caller can still acknowledge and record it.
func (g *Gateway) NormalizeEvent(providerName billing.Provider, header http.Header, body []byte) (billing.DomainEvent, error) {
	provider, ok := g.providers[providerName]
	if !ok {
		return billing.DomainEvent{}, fmt.Errorf("webhook provider %q: %w", providerName, billing.ErrNotFound)
	}
	ev, err := provider.NormalizeEvent(header, body)
	ev.Provider = providerName
	if len(ev.Payload) == 0 {
		ev.Payload = body
	}
	if errors.Is(err, billing.ErrEventIgnored) {
		return ev, err
	}
	if err != nil {
		return billing.DomainEvent{}, &billing.VerificationFailedError{Provider: providerName, Err: err}
	}
	if ev.ID == "" {
		return billing.DomainEvent{}, &billing.VerificationFailedError{Provider: providerName, Err: errors.New("event id missing")}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = g.now().UTC()
	}
	return ev, nil
}

func (g *Gateway) LookupSubscription(ctx context.Context, providerName billing.Provider, reference string) (billing.RemoteSubscription, error) {
	provider, err := g.Provider(providerName)
	if err != nil {
		return billing.RemoteSubscription{}, err
	}
	return call(ctx, g, providerName, "lookup", func(ctx context.Context) (billing.RemoteSubscription, error) {
		return provider.LookupSubscription(ctx, reference)
	})
}

func (g *Gateway) CancelAtPeriodEnd(ctx context.Context, providerName billing.Provider, reference string) error {
	provider, err := g.Provider(providerName)
	if err != nil {
		return err
	}
	_, err = call(ctx, g, providerName, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, provider.CancelAtPeriodEnd(ctx, reference)
	})
	return err
}

func (g *Gateway) ChangeTier(ctx context.Context, providerName billing.Provider, reference string, tier tiers.ID, interval tiers.Interval) error {
	provider, err := g.Provider(providerName)
	if err != nil {
		return err
	}
	_, err = call(ctx, g, providerName, "change_tier", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, provider.ChangeTier(ctx, reference, tier, interval)
	})
	return err
}

func (g *Gateway) Refund(ctx context.Context, providerName billing.Provider, req RefundRequest) (RefundReceipt, error) {
	provider, err := g.Provider(providerName)
	if err != nil {
		return RefundReceipt{}, err
	}
	if req.Currency == "" {
		req.Currency = g.cfg.Currency
	}
	return call(ctx, g, providerName, "refund", func(ctx context.Context) (RefundReceipt, error) {
		return provider.Refund(ctx, req)
	})
}

// call runs fn under the configured deadline, retrying temporary failures with
// exponential backoff. Exhausted retries and timeouts become ProviderUnavailableError;
// anything else is a ProviderRejectedError.
func call[T any](ctx context.Context, g *Gateway, provider billing.Provider, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	res, err := backoff.Retry(callCtx, func() (T, error) {
		v, err := fn(callCtx)
		if err == nil || isTemporary(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(g.cfg.MaxAttempts))

	outcome := "ok"
	switch {
	case err == nil:
	case isTemporary(err):
		outcome = "unavailable"
		err = &billing.ProviderUnavailableError{Provider: provider, RetryAfter: g.cfg.RetryAfter, Err: err}
	default:
		outcome = "rejected"
		err = &billing.ProviderRejectedError{Provider: provider, Err: err}
	}
	if g.observe != nil {
		g.observe(provider, op, outcome, time.Since(start))
	}
	if err != nil {
		g.logger.Warn("provider call failed", "provider", provider, "op", op, "outcome", outcome, "err", err)
	}
	return res, err
}

func isTemporary(err error) bool {
	return errors.Is(err, ErrTemporary) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
