// Package entitlements is the single entry point the API layers call. Every operation
// receives the acting user explicitly; nothing is kept between calls.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	otelx "github.com/md-rashed-zaman/merchantbilling/libs/otel"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/locks"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/quota"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/refunds"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/subscriptions"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// UsageSource reads a merchant's live place and coupon counts.
type UsageSource func(ctx context.Context, merchantID string) (quota.Usage, error)

type Deps struct {
	Subscriptions *subscriptions.Service
	Gateway       *checkout.Gateway
	// Locker guards AuthorizeAndReserve; defaults to an in-process lock.
	Locker  locks.Locker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Facade struct {
	subs     *subscriptions.Service
	gateway  *checkout.Gateway
	enforcer *quota.Enforcer
	locker   locks.Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(d Deps) *Facade {
	locker := d.Locker
	if locker == nil {
		locker = locks.NewLocal()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		subs:     d.Subscriptions,
		gateway:  d.Gateway,
		enforcer: quota.NewEnforcer(d.Subscriptions),
		locker:   locker,
		metrics:  d.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides time.Now (tests).
func (f *Facade) SetClock(now func() time.Time) { f.now = now }

// Scope points actor at merchantID. Only admins may act on a merchant other than their own.
func Scope(actor auth.Actor, merchantID string) (auth.Actor, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" || merchantID == actor.MerchantID {
		return actor, nil
	}
	if !actor.CanActOn(merchantID) {
		return auth.Actor{}, billing.ErrForbidden
	}
	actor.MerchantID = merchantID
	return actor, nil
}

func (f *Facade) scope(ctx context.Context, actor auth.Actor) (context.Context, string, error) {
	if !actor.CanActOn(actor.MerchantID) {
		return ctx, "", billing.ErrForbidden
	}
	return auth.WithActor(ctx, actor), actor.MerchantID, nil
}

func (f *Facade) CurrentTier(ctx context.Context, actor auth.Actor) (tiers.ID, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return "", err
	}
	return f.subs.CurrentTier(ctx, merchantID)
}

func (f *Facade) Entitlements(ctx context.Context, actor auth.Actor) (View, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return View{}, err
	}
	sub, err := f.subs.Current(ctx, merchantID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return View{}, fmt.Errorf("load subscription: %w", err)
	}
	return viewOf(merchantID, sub)
}

func (f *Facade) HasFeature(ctx context.Context, actor auth.Actor, feature tiers.Feature) (bool, error) {
	id, err := f.CurrentTier(ctx, actor)
	if err != nil {
		return false, err
	}
	tier, err := tiers.Resolve(id)
	if err != nil {
		return false, err
	}
	return tier.HasFeature(feature), nil
}

// Authorize decides one add_place/add_coupon against the counts the caller supplies.
// A denial comes back as the Decision plus a QuotaExceededError.
func (f *Facade) Authorize(ctx context.Context, actor auth.Actor, action quota.Action, usage quota.Usage) (quota.Decision, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return quota.Decision{}, err
	}
	return f.authorize(ctx, merchantID, action, usage)
}

func (f *Facade) authorize(ctx context.Context, merchantID string, action quota.Action, usage quota.Usage) (quota.Decision, error) {
	d, err := f.enforcer.Authorize(ctx, merchantID, action, usage)
	if err != nil {
		return quota.Decision{}, err
	}
	f.metrics.QuotaDecision(string(action), d.Allowed)
	if !d.Allowed {
		f.logger.Info("quota denied", "merchant_id", merchantID, "action", action,
			"tier", d.Tier, "current", d.Current, "limit", d.Limit.String(), "reason", d.Reason)
	}
	return d, d.Err()
}

// AuthorizeAndReserve holds the merchant's reservation lock while usage is re-read,
// the action authorized and create run. create never runs on a denial.
func (f *Facade) AuthorizeAndReserve(ctx context.Context, actor auth.Actor, action quota.Action, usage UsageSource, create func(ctx context.Context) error) error {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return err
	}
	if _, err := quota.ParseAction(string(action)); err != nil {
		return err
	}
	release, err := f.locker.Acquire(ctx, "reserve:"+merchantID)
	if err != nil {
		return fmt.Errorf("reserve %s for %s: %w", action, merchantID, err)
	}
	defer release()

	current, err := usage(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}
	if _, err := f.authorize(ctx, merchantID, action, current); err != nil {
		return err
	}
	return create(ctx)
}

// Checkout starts a provider checkout. Providers that begin with free days open the
// trial right away; payment arrives later by webhook.
func (f *Facade) Checkout(ctx context.Context, actor auth.Actor, tier tiers.ID, interval tiers.Interval, provider billing.Provider) (checkout.Session, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return checkout.Session{}, err
	}
	sess, err := f.gateway.CreateSession(ctx, merchantID, tier, interval, provider)
	if err != nil {
		return checkout.Session{}, err
	}
	if sess.TrialDays > 0 {
		_, err := f.subs.StartTrial(ctx, billing.CheckoutSession{
			Reference:  sess.Reference,
			MerchantID: merchantID,
			Tier:       sess.Tier,
			Interval:   sess.Interval,
			Provider:   sess.Provider,
			Status:     billing.SessionCreated,
			Price:      sess.Price,
			Currency:   sess.Currency,
			CreatedAt:  sess.CreatedAt,
		}, sess.TrialDays)
		if err != nil {
			return checkout.Session{}, fmt.Errorf("start trial: %w", err)
		}
	}
	return sess, nil
}

// Cancel schedules cancellation of subscriptionID at the end of its paid period.
func (f *Facade) Cancel(ctx context.Context, actor auth.Actor, subscriptionID string) (billing.Subscription, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return billing.Subscription{}, err
	}
	if strings.TrimSpace(subscriptionID) == "" {
		return billing.Subscription{}, billing.Invalid("subscription_id", "is required")
	}
	cur, err := f.subs.Current(ctx, merchantID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
	case err != nil:
		return billing.Subscription{}, fmt.Errorf("load subscription: %w", err)
	case cur.ID != subscriptionID:
		return billing.Subscription{}, fmt.Errorf("subscription %s: %w", subscriptionID, billing.ErrNotFound)
	}
	return f.subs.RequestCancel(ctx, merchantID)
}

// ChangeTier moves the live subscription to tier, keeping its interval. usage vets downgrades.
func (f *Facade) ChangeTier(ctx context.Context, actor auth.Actor, tier tiers.ID, usage quota.Usage) (billing.Subscription, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return billing.Subscription{}, err
	}
	return f.subs.ChangeTier(ctx, merchantID, tier, "", usage)
}

func (f *Facade) History(ctx context.Context, actor auth.Actor) ([]billing.HistoryEntry, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return nil, err
	}
	return f.subs.History(ctx, merchantID)
}

func (f *Facade) RefundEligibility(ctx context.Context, actor auth.Actor) (refunds.Eligibility, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return refunds.Eligibility{}, err
	}
	elig, _, err := f.eligibility(ctx, merchantID)
	return elig, err
}

func (f *Facade) eligibility(ctx context.Context, merchantID string) (refunds.Eligibility, billing.Subscription, error) {
	sub, err := f.subs.Latest(ctx, merchantID)
	if errors.Is(err, billing.ErrNotFound) {
		return refunds.Eligibility{Reason: refunds.ReasonNoPayment, RefundableAmount: decimal.Zero}, billing.Subscription{}, nil
	}
	if err != nil {
		return refunds.Eligibility{}, billing.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	history, err := f.subs.History(ctx, merchantID)
	if err != nil {
		return refunds.Eligibility{}, billing.Subscription{}, fmt.Errorf("load history: %w", err)
	}
	return refunds.Evaluate(sub, history, f.now().UTC()), sub, nil
}

// RefundResult is the answer to a refund request. An ineligible request is a normal
// result carrying the reason, not an error.
type RefundResult struct {
	Refunded     bool
	Reason       string
	Reference    string
	Amount       decimal.Decimal
	Subscription billing.Subscription
}

// RequestRefund refunds the first paid period inside the cooling-off window and ends
// access immediately.
func (f *Facade) RequestRefund(ctx context.Context, actor auth.Actor, subscriptionID, reason string) (RefundResult, error) {
	ctx, merchantID, err := f.scope(ctx, actor)
	if err != nil {
		return RefundResult{}, err
	}
	if err := refunds.ValidateReason(reason); err != nil {
		return RefundResult{}, err
	}
	elig, sub, err := f.eligibility(ctx, merchantID)
	if err != nil {
		return RefundResult{}, err
	}
	if sub.ID != "" && subscriptionID != "" && sub.ID != subscriptionID {
		return RefundResult{}, fmt.Errorf("subscription %s: %w", subscriptionID, billing.ErrNotFound)
	}
	if !elig.IsEligible {
		return RefundResult{Reason: elig.Reason, Subscription: sub}, nil
	}

	receipt, err := f.gateway.Refund(ctx, sub.Provider, checkout.RefundRequest{
		SubscriptionReference: sub.ExternalReference,
		Amount:                elig.RefundableAmount,
		Reason:                strings.TrimSpace(reason),
		IdempotencyKey:        "refund-" + sub.ID,
	})
	if err != nil {
		return RefundResult{}, err
	}
	amount := receipt.Amount
	if amount.IsZero() {
		amount = elig.RefundableAmount
	}
	res, err := f.subs.ApplyInternal(ctx, sub.ID, billing.DomainEvent{
		ID:                "refund:" + receipt.Reference,
		Provider:          sub.Provider,
		Type:              billing.SubscriptionRefunded,
		MerchantID:        merchantID,
		ExternalReference: sub.ExternalReference,
		Amount:            amount,
		OccurredAt:        f.now().UTC(),
		ProviderType:      "refund_request",
	}, nil)
	if err != nil {
		// The money has moved; the provider's own refund webhook will retry the transition.
		f.logger.Error("refund issued but not recorded", "merchant_id", merchantID,
			"subscription_id", sub.ID, "refund_reference", receipt.Reference, "err", err)
		return RefundResult{}, err
	}
	f.logger.Info("refund issued", "merchant_id", merchantID, "subscription_id", sub.ID,
		"refund_reference", receipt.Reference, "amount", amount.String())
	out := RefundResult{Refunded: true, Reference: receipt.Reference, Amount: amount, Subscription: sub}
	if res.Subscription.ID != "" {
		out.Subscription = res.Subscription
	}
	return out, nil
}

// ProcessWebhook verifies and applies one provider delivery. Ignored event types are
// recorded and acknowledged; verification failures change nothing.
func (f *Facade) ProcessWebhook(ctx context.Context, provider billing.Provider, header http.Header, body []byte) (subscriptions.Result, error) {
	ctx, span := otelx.Start(ctx, "billing/entitlements", "webhook.process", attribute.String("provider", string(provider)))
	res, err := f.processWebhook(ctx, provider, header, body)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	otelx.End(span, err)
	return res, err
}

func (f *Facade) processWebhook(ctx context.Context, provider billing.Provider, header http.Header, body []byte) (subscriptions.Result, error) {
	ev, err := f.gateway.NormalizeEvent(provider, header, body)
	if errors.Is(err, billing.ErrEventIgnored) {
		res := subscriptions.Result{Outcome: subscriptions.OutcomeIgnored}
		if ev.ID != "" {
			if res, err = f.subs.RecordIgnored(ctx, ev); err != nil {
				f.metrics.Webhook(string(provider), "error")
				return subscriptions.Result{}, err
			}
		}
		f.metrics.Webhook(string(provider), string(res.Outcome))
		return res, nil
	}
	if err != nil {
		f.metrics.Webhook(string(provider), "rejected")
		f.logger.Error("webhook rejected", "provider", provider, "err", err)
		return subscriptions.Result{}, err
	}

	res, err := f.subs.Apply(ctx, ev)
	if err != nil {
		f.metrics.Webhook(string(provider), "error")
		return subscriptions.Result{}, err
	}
	f.metrics.Webhook(string(provider), string(res.Outcome))
	f.logger.Info("webhook processed", "provider", provider, "provider_event_id", ev.ID,
		"event_type", ev.ProviderType, "outcome", res.Outcome, "actions", res.Actions)
	return res, nil
}
