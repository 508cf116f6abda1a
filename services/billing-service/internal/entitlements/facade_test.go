package entitlements_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/checkouttest"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/local"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/entitlements"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/locks"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/quota"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/refunds"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/subscriptions"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	facade  *entitlements.Facade
	store   *storage.Memory
	fake    *checkouttest.Fake
	metrics *metrics.Metrics
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		store:   storage.NewMemory(),
		fake:    checkouttest.New(billing.ProviderInternational),
		metrics: metrics.New(),
		now:     t0,
	}
	clock := func() time.Time { return e.now }
	gw := checkout.NewGateway(e.store, logger, checkout.Config{Timeout: time.Second, MaxAttempts: 1}, e.fake,
		local.New(local.Config{WebhookSecret: "whsec_local"}))
	gw.SetClock(clock)
	svc := subscriptions.New(e.store, gw, logger)
	svc.SetClock(clock)
	e.facade = entitlements.New(entitlements.Deps{
		Subscriptions: svc,
		Gateway:       gw,
		Locker:        locks.NewLocal(),
		Metrics:       e.metrics,
		Logger:        logger,
	})
	e.facade.SetClock(clock)
	return e
}

func owner(merchantID string) auth.Actor {
	return auth.Actor{UserID: "user-" + merchantID, MerchantID: merchantID, Role: auth.RoleOwner}
}

// subscribe runs checkout plus the provider's payment webhook.
func (e *env) subscribe(t *testing.T, actor auth.Actor, tier tiers.ID) billing.Subscription {
	t.Helper()
	ctx := context.Background()
	sess, err := e.facade.Checkout(ctx, actor, tier, tiers.Monthly, billing.ProviderInternational)
	require.NoError(t, err)

	def, err := tiers.Resolve(tier)
	require.NoError(t, err)
	header, body := checkouttest.Event(billing.DomainEvent{
		ID:                "evt_paid_" + actor.MerchantID,
		Type:              billing.PaymentSucceeded,
		SessionReference:  sess.Reference,
		ExternalReference: "sub_" + actor.MerchantID,
		Amount:            def.MonthlyPrice,
		OccurredAt:        e.now,
		PeriodStart:       e.now,
		PeriodEnd:         e.now.AddDate(0, 1, 0),
	})
	res, err := e.facade.ProcessWebhook(ctx, billing.ProviderInternational, header, body)
	require.NoError(t, err)
	require.Equal(t, subscriptions.OutcomeApplied, res.Outcome)
	return res.Subscription
}

func TestFreeMerchantEntitlements(t *testing.T) {
	e := newEnv(t)
	view, err := e.facade.Entitlements(context.Background(), owner("m1"))
	require.NoError(t, err)
	assert.Equal(t, tiers.Free, view.Tier)
	assert.Equal(t, int32(1), view.Limits.MaxPlaces)
	assert.Equal(t, int32(3), view.Limits.MaxCoupons)
	assert.Empty(t, view.Features)
	assert.Nil(t, view.CurrentPeriodEnd)
}

func TestQuotaExceededUntilUpgrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	actor := owner("m1")
	e.subscribe(t, actor, tiers.Pro)

	d, err := e.facade.Authorize(ctx, actor, quota.AddPlace, quota.Usage{Places: 5})
	var qe *billing.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 5, qe.Limit)
	assert.Equal(t, tiers.Pro, qe.Tier)
	assert.False(t, d.Allowed)

	sub, err := e.facade.ChangeTier(ctx, actor, tiers.Premium, quota.Usage{Places: 5})
	require.NoError(t, err)
	assert.Equal(t, tiers.Premium, sub.Tier)
	assert.Equal(t, []tiers.ID{tiers.Premium}, e.fake.Changed)

	d, err = e.facade.Authorize(ctx, actor, quota.AddPlace, quota.Usage{Places: 5})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	view, err := e.facade.Entitlements(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, entitlements.Unbounded, view.Limits.MaxPlaces)

	series, err := testutil.GatherAndCount(e.metrics.Registry(), "billing_quota_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestDowngradeMustFitUsage(t *testing.T) {
	e := newEnv(t)
	actor := owner("m1")
	e.subscribe(t, actor, tiers.Pro)

	_, err := e.facade.ChangeTier(context.Background(), actor, tiers.Basic, quota.Usage{Places: 4})
	assert.True(t, billing.IsConflict(err, billing.ConflictUsageExceedsTier))
	assert.Empty(t, e.fake.Changed)
}

func TestAuthorizeAndReserveNeverOverbooks(t *testing.T) {
	e := newEnv(t)
	actor := owner("m1")

	var (
		mu     sync.Mutex
		places int
		wg     sync.WaitGroup
	)
	usage := func(context.Context, string) (quota.Usage, error) {
		mu.Lock()
		defer mu.Unlock()
		return quota.Usage{Places: places}, nil
	}
	create := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		places++
		return nil
	}

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.facade.AuthorizeAndReserve(context.Background(), actor, quota.AddPlace, usage, create)
		}()
	}
	wg.Wait()
	close(errs)

	denied := 0
	for err := range errs {
		var qe *billing.QuotaExceededError
		if errors.As(err, &qe) {
			denied++
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 1, places)
	assert.Equal(t, 9, denied)
}

func TestScopeRestrictsOtherMerchants(t *testing.T) {
	_, err := entitlements.Scope(owner("m1"), "m2")
	assert.ErrorIs(t, err, billing.ErrForbidden)

	admin := auth.Actor{UserID: "ops", Role: auth.RoleAdmin}
	scoped, err := entitlements.Scope(admin, "m2")
	require.NoError(t, err)
	assert.Equal(t, "m2", scoped.MerchantID)

	e := newEnv(t)
	_, err = e.facade.Entitlements(context.Background(), auth.Actor{UserID: "u", Role: auth.RoleStaff})
	assert.ErrorIs(t, err, billing.ErrForbidden)

	tier, err := e.facade.CurrentTier(context.Background(), scoped)
	require.NoError(t, err)
	assert.Equal(t, tiers.Free, tier)
}

func TestRefundWithinCoolingOff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	actor := owner("m1")
	sub := e.subscribe(t, actor, tiers.Pro)

	e.now = t0.Add(6 * 24 * time.Hour)
	elig, err := e.facade.RefundEligibility(ctx, actor)
	require.NoError(t, err)
	assert.True(t, elig.IsEligible)
	assert.Equal(t, 24, elig.HoursRemaining)

	_, err = e.facade.RequestRefund(ctx, actor, sub.ID, "too short")
	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)

	res, err := e.facade.RequestRefund(ctx, actor, sub.ID, "not what I need")
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("29")))
	assert.Equal(t, billing.StatusCancelled, res.Subscription.Status)
	require.Len(t, e.fake.Refunds, 1)
	assert.Equal(t, "sub_m1", e.fake.Refunds[0].SubscriptionReference)

	tier, err := e.facade.CurrentTier(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, tiers.Free, tier)

	again, err := e.facade.RequestRefund(ctx, actor, sub.ID, "not what I need")
	require.NoError(t, err)
	assert.False(t, again.Refunded)
	assert.Equal(t, refunds.ReasonAlreadyRefunded, again.Reason)
	assert.Len(t, e.fake.Refunds, 1)

	history, err := e.facade.History(ctx, actor)
	require.NoError(t, err)
	var actions []billing.Action
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []billing.Action{billing.ActionCreated, billing.ActionRefunded, billing.ActionCancelled}, actions)
}

func TestRefundAfterWindowIsIneligible(t *testing.T) {
	e := newEnv(t)
	actor := owner("m1")
	sub := e.subscribe(t, actor, tiers.Basic)

	e.now = t0.Add(7*24*time.Hour + time.Second)
	res, err := e.facade.RequestRefund(context.Background(), actor, sub.ID, "changed my mind")
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, refunds.ReasonExpired, res.Reason)
	assert.Empty(t, e.fake.Refunds)
}

func TestRefundWithoutSubscription(t *testing.T) {
	e := newEnv(t)
	res, err := e.facade.RequestRefund(context.Background(), owner("m1"), "", "changed my mind")
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, refunds.ReasonNoPayment, res.Reason)
}

func TestCancelChecksSubscriptionID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	actor := owner("m1")
	sub := e.subscribe(t, actor, tiers.Pro)

	_, err := e.facade.Cancel(ctx, actor, "someone-elses")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	cancelled, err := e.facade.Cancel(ctx, actor, sub.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelAtPeriodEnd)
	assert.Equal(t, billing.StatusActive, cancelled.Status)
	assert.Equal(t, []string{"sub_m1"}, e.fake.Cancelled)

	_, err = e.facade.Cancel(ctx, actor, sub.ID)
	assert.True(t, billing.IsConflict(err, billing.ConflictAlreadyCancelling))
}

func TestCheckoutWithTrialStartsTrialing(t *testing.T) {
	e := newEnv(t)
	e.fake.Trial = 14
	ctx := context.Background()
	actor := owner("m1")

	sess, err := e.facade.Checkout(ctx, actor, tiers.Premium, tiers.Yearly, billing.ProviderInternational)
	require.NoError(t, err)
	assert.Equal(t, 14, sess.TrialDays)

	view, err := e.facade.Entitlements(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, tiers.Premium, view.Tier)
	assert.Equal(t, billing.StatusTrialing, view.Status)
	require.NotNil(t, view.CurrentPeriodEnd)
	assert.Equal(t, t0.AddDate(0, 0, 14), *view.CurrentPeriodEnd)

	ok, err := e.facade.HasFeature(ctx, actor, tiers.CustomBranding)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnverifiableLocalWebhookChangesNothing(t *testing.T) {
	e := newEnv(t)
	header := http.Header{}
	header.Set(local.SignatureHeader, local.Sign("wrong-secret", time.Now(), []byte(`{"event_id":"evt_1"}`)))

	_, err := e.facade.ProcessWebhook(context.Background(), billing.ProviderLocal, header, []byte(`{"event_id":"evt_1"}`))
	var vf *billing.VerificationFailedError
	require.ErrorAs(t, err, &vf)
	_, recorded := e.store.ProviderEvent(billing.ProviderLocal, "evt_1")
	assert.False(t, recorded)
	assert.Empty(t, e.store.AuditEvents())
}

func TestIgnoredWebhookIsRecorded(t *testing.T) {
	e := newEnv(t)
	header, body := checkouttest.Event(billing.DomainEvent{ID: "evt_other"})

	res, err := e.facade.ProcessWebhook(context.Background(), billing.ProviderInternational, header, body)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.OutcomeIgnored, res.Outcome)
	ev, ok := e.store.ProviderEvent(billing.ProviderInternational, "evt_other")
	require.True(t, ok)
	assert.Equal(t, billing.EventIgnored, ev.Status)

	res, err = e.facade.ProcessWebhook(context.Background(), billing.ProviderInternational, header, body)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.OutcomeDuplicate, res.Outcome)
}

func TestReplayedWebhookIsDuplicate(t *testing.T) {
	e := newEnv(t)
	actor := owner("m1")
	e.subscribe(t, actor, tiers.Pro)

	header, body := checkouttest.Event(billing.DomainEvent{
		ID: "evt_paid_m1", Type: billing.PaymentSucceeded, ExternalReference: "sub_m1",
		Amount: decimal.RequireFromString("29"), OccurredAt: t0,
	})
	res, err := e.facade.ProcessWebhook(context.Background(), billing.ProviderInternational, header, body)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.OutcomeDuplicate, res.Outcome)

	history, err := e.facade.History(context.Background(), actor)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
