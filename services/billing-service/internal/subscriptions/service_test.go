package subscriptions

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/checkouttest"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/quota"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc   *Service
	store *storage.Memory
	fake  *checkouttest.Fake
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{store: storage.NewMemory(), fake: checkouttest.New(billing.ProviderLocal), now: t0}
	gw := checkout.NewGateway(h.store, logger, checkout.Config{Timeout: time.Second, MaxAttempts: 1}, h.fake)
	h.svc = New(h.store, gw, logger)
	h.svc.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) session(t *testing.T, merchantID string, tier tiers.ID) billing.CheckoutSession {
	t.Helper()
	def, err := tiers.Resolve(tier)
	require.NoError(t, err)
	sess := billing.CheckoutSession{
		Reference: "cs_" + merchantID, MerchantID: merchantID, Tier: tier, Interval: tiers.Monthly,
		Provider: billing.ProviderLocal, Status: billing.SessionCreated, Price: def.MonthlyPrice,
		Currency: "EUR", CreatedAt: h.now,
	}
	require.NoError(t, h.store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.SaveCheckoutSession(context.Background(), sess)
	}))
	return sess
}

func payment(id, merchantID string, start time.Time) billing.DomainEvent {
	return billing.DomainEvent{
		ID: id, Provider: billing.ProviderLocal, Type: billing.PaymentSucceeded,
		SessionReference: "cs_" + merchantID, ExternalReference: "sub_" + merchantID,
		Amount: decimal.RequireFromString("29"), OccurredAt: start, PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0),
	}
}

func event(id, merchantID string, typ billing.EventType, at time.Time) billing.DomainEvent {
	return billing.DomainEvent{
		ID: id, Provider: billing.ProviderLocal, Type: typ, ExternalReference: "sub_" + merchantID,
		Amount: decimal.RequireFromString("29"), OccurredAt: at,
	}
}

func TestFirstPaymentCreatesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)

	res, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []billing.Action{billing.ActionCreated}, res.Actions)

	cur, err := h.svc.Current(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, cur.Status)
	assert.Equal(t, tiers.Pro, cur.Tier)
	require.NotNil(t, cur.FirstPaymentAt)
	assert.Equal(t, t0, *cur.FirstPaymentAt)

	sess, err := h.store.GetCheckoutSession(ctx, "cs_m1")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionCompleted, sess.Status)

	inbox, ok := h.store.ProviderEvent(billing.ProviderLocal, "evt_1")
	require.True(t, ok)
	assert.Equal(t, billing.EventApplied, inbox.Status)

	records := h.store.OutboxEvents()
	require.Len(t, records, 1)
	assert.Equal(t, "billing.subscription.created.v1", records[0].EventType)
	assert.Equal(t, "m1", records[0].AggregateID)

	tier, err := h.svc.CurrentTier(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tiers.Pro, tier)
}

func TestReplayIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	ev := payment("evt_1", "m1", t0)

	_, err := h.svc.Apply(ctx, ev)
	require.NoError(t, err)
	res, err := h.svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	hist, err := h.svc.History(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Len(t, h.store.OutboxEvents(), 1)
}

func TestReplayingAnyPrefixChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	events := []billing.DomainEvent{
		payment("evt_1", "m1", t0),
		event("evt_2", "m1", billing.PaymentFailed, t0.AddDate(0, 1, 0)),
		payment("evt_3", "m1", t0.AddDate(0, 1, 0)),
		payment("evt_4", "m1", t0.AddDate(0, 2, 0)),
		event("evt_5", "m1", billing.SubscriptionCancelled, t0.AddDate(0, 3, 0)),
	}
	for _, ev := range events {
		_, err := h.svc.Apply(ctx, ev)
		require.NoError(t, err)
	}
	before, err := h.svc.Latest(ctx, "m1")
	require.NoError(t, err)
	hist, err := h.svc.History(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, hist, 5)
	assert.Equal(t, billing.StatusCancelled, before.Status)

	for i := len(events) - 1; i >= 0; i-- {
		res, err := h.svc.Apply(ctx, events[i])
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
	}
	after, err := h.svc.Latest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	again, err := h.svc.History(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, again, 5)
}

func TestPastDueAndReactivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	_, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)

	res, err := h.svc.Apply(ctx, event("evt_2", "m1", billing.PaymentFailed, t0.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, res.Subscription.Status)
	require.NotNil(t, res.Subscription.PastDueSince)

	tier, err := h.svc.CurrentTier(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tiers.Pro, tier)

	res, err = h.svc.Apply(ctx, payment("evt_3", "m1", t0.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, []billing.Action{billing.ActionReactivated}, res.Actions)
	assert.Nil(t, res.Subscription.PastDueSince)
	assert.Equal(t, t0.AddDate(0, 2, 0), res.Subscription.CurrentPeriodEnd)
}

func TestUnknownReferenceIsDiscardedAfterOneLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := event("evt_x", "ghost", billing.PaymentSucceeded, t0)

	res, err := h.svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, res.Outcome)
	assert.Equal(t, []string{"sub_ghost"}, h.fake.Lookups)

	inbox, ok := h.store.ProviderEvent(billing.ProviderLocal, "evt_x")
	require.True(t, ok)
	assert.Equal(t, billing.EventDiscarded, inbox.Status)

	res, err = h.svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestLookupResolvesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m2", tiers.Basic)
	h.fake.SetRemote(billing.RemoteSubscription{Reference: "sub_m2", SessionReference: "cs_m2", MerchantID: "m2"})

	ev := payment("evt_1", "m2", t0)
	ev.SessionReference = ""
	res, err := h.svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, tiers.Basic, res.Subscription.Tier)
}

func TestPaymentWithoutSessionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ev := payment("evt_1", "m3", t0)
	ev.MerchantID = "m3"

	res, err := h.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, res.Outcome)
	inbox, _ := h.store.ProviderEvent(billing.ProviderLocal, "evt_1")
	assert.Equal(t, billing.EventDiscarded, inbox.Status)
}

func TestRefundEventCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	_, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)

	h.now = t0.Add(24 * time.Hour)
	res, err := h.svc.Apply(ctx, event("evt_r", "m1", billing.SubscriptionRefunded, h.now))
	require.NoError(t, err)
	assert.Equal(t, []billing.Action{billing.ActionRefunded, billing.ActionCancelled}, res.Actions)

	tier, err := h.svc.CurrentTier(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tiers.Free, tier)

	res, err = h.svc.Apply(ctx, event("evt_r2", "m1", billing.SubscriptionRefunded, h.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestTrialLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(t, "m4", tiers.Pro)

	sub, err := h.svc.StartTrial(ctx, sess, 14)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
	assert.Equal(t, t0.AddDate(0, 0, 14), sub.CurrentPeriodEnd)
	assert.Nil(t, sub.FirstPaymentAt)

	_, err = h.svc.StartTrial(ctx, sess, 14)
	assert.True(t, billing.IsConflict(err, billing.ConflictAlreadySubscribed))

	link := payment("evt_link", "m4", t0)
	link.ExternalReference = "sub_remote"
	link.Amount = decimal.Zero
	link.PeriodEnd = time.Time{}
	res, err := h.svc.Apply(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, "sub_remote", res.Subscription.ExternalReference)

	paid := payment("evt_paid", "m4", t0.AddDate(0, 0, 14))
	paid.SessionReference = ""
	paid.ExternalReference = "sub_remote"
	res, err = h.svc.Apply(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, []billing.Action{billing.ActionActivated}, res.Actions)
	assert.Equal(t, billing.StatusActive, res.Subscription.Status)
	require.NotNil(t, res.Subscription.FirstPaymentAt)
	assert.Equal(t, t0.AddDate(0, 0, 14), *res.Subscription.FirstPaymentAt)
}

func TestRequestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RequestCancel(ctx, "m1")
	assert.True(t, billing.IsConflict(err, billing.ConflictNoActivePlan))

	h.session(t, "m1", tiers.Pro)
	_, err = h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)

	sub, err := h.svc.RequestCancel(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, []string{"sub_m1"}, h.fake.Cancelled)

	_, err = h.svc.RequestCancel(ctx, "m1")
	assert.True(t, billing.IsConflict(err, billing.ConflictAlreadyCancelling))

	_, err = h.svc.Apply(ctx, event("evt_c", "m1", billing.SubscriptionCancelled, t0.AddDate(0, 1, 0)))
	require.NoError(t, err)
	_, err = h.svc.RequestCancel(ctx, "m1")
	assert.True(t, billing.IsConflict(err, billing.ConflictAlreadyCancelled))
}

func TestRequestCancelProviderDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	_, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)

	h.fake.Fail(checkout.Temporary(assert.AnError))
	_, err = h.svc.RequestCancel(ctx, "m1")
	var unavailable *billing.ProviderUnavailableError
	require.ErrorAs(t, err, &unavailable)

	cur, err := h.svc.Current(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, cur.CancelAtPeriodEnd)
}

func TestChangeTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	_, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)
	first, _ := h.svc.Current(ctx, "m1")

	sub, err := h.svc.ChangeTier(ctx, "m1", tiers.Premium, "", quota.Usage{Places: 5})
	require.NoError(t, err)
	assert.Equal(t, tiers.Premium, sub.Tier)
	assert.Equal(t, first.ID, sub.ID)
	assert.Equal(t, *first.FirstPaymentAt, *sub.FirstPaymentAt)
	assert.Equal(t, []tiers.ID{tiers.Premium}, h.fake.Changed)

	_, err = h.svc.ChangeTier(ctx, "m1", tiers.Basic, "", quota.Usage{Places: 5})
	assert.True(t, billing.IsConflict(err, billing.ConflictUsageExceedsTier))

	sub, err = h.svc.ChangeTier(ctx, "m1", tiers.Basic, "", quota.Usage{Places: 1})
	require.NoError(t, err)
	assert.Equal(t, tiers.Basic, sub.Tier)

	_, err = h.svc.ChangeTier(ctx, "m1", tiers.Basic, "", quota.Usage{})
	assert.True(t, billing.IsConflict(err, billing.ConflictAlreadySubscribed))

	_, err = h.svc.ChangeTier(ctx, "m1", tiers.Partner, "", quota.Usage{})
	var verr *billing.ValidationError
	assert.ErrorAs(t, err, &verr)

	hist, err := h.svc.History(ctx, "m1")
	require.NoError(t, err)
	var actions []billing.Action
	for _, e := range hist {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []billing.Action{billing.ActionCreated, billing.ActionUpgraded, billing.ActionDowngraded}, actions)
}

func TestChangeTierRejectsPastDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	_, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)
	_, err = h.svc.Apply(ctx, event("evt_2", "m1", billing.PaymentFailed, t0.AddDate(0, 1, 0)))
	require.NoError(t, err)

	_, err = h.svc.ChangeTier(ctx, "m1", tiers.Premium, "", quota.Usage{})
	assert.True(t, billing.IsConflict(err, billing.ConflictPaymentPastDue))
}

func TestApplyInternalGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	res, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)
	subID := res.Subscription.ID

	ev := billing.DomainEvent{ID: "sweep:x", MerchantID: "m1", Type: billing.SubscriptionCancelled, ProviderType: "sweep",
		OccurredAt: t0.AddDate(0, 1, 0)}
	res, err = h.svc.ApplyInternal(ctx, subID, ev, func(s billing.Subscription) bool { return s.CancelAtPeriodEnd })
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	res, err = h.svc.ApplyInternal(ctx, "other", ev, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	var seen []billing.Action
	h.svc.OnTransition(func(a billing.Action) { seen = append(seen, a) })
	res, err = h.svc.ApplyInternal(ctx, subID, ev, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []billing.Action{billing.ActionCancelled}, seen)

	audits := h.store.AuditEvents()
	require.NotEmpty(t, audits)
	assert.Equal(t, "system", audits[len(audits)-1].ActorType)
}

func TestProviderCancelKeepsTierUntilPeriodEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	_, err := h.svc.Apply(ctx, payment("evt_1", "m1", t0))
	require.NoError(t, err)

	h.now = t0.AddDate(0, 0, 2)
	res, err := h.svc.Apply(ctx, event("evt_c", "m1", billing.SubscriptionCancelled, h.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []billing.Action{billing.ActionCancelScheduled}, res.Actions)

	cur, err := h.svc.Current(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, cur.Status)
	assert.True(t, cur.CancelAtPeriodEnd)
	assert.Equal(t, t0.AddDate(0, 1, 0), cur.CurrentPeriodEnd)

	tier, err := h.svc.CurrentTier(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, tiers.Pro, tier)
}

func TestSecondCheckoutPaymentDoesNotRelink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "m1", tiers.Pro)
	first := payment("evt_1", "m1", t0)
	first.CustomerReference = "cus_1"
	_, err := h.svc.Apply(ctx, first)
	require.NoError(t, err)

	other := billing.CheckoutSession{
		Reference: "cs_m1_other", MerchantID: "m1", Tier: tiers.Premium, Interval: tiers.Monthly,
		Provider: billing.ProviderLocal, Status: billing.SessionCreated, Price: decimal.RequireFromString("79"),
		Currency: "EUR", CreatedAt: t0,
	}
	require.NoError(t, h.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SaveCheckoutSession(ctx, other)
	}))
	stray := payment("evt_2", "m1", t0.AddDate(0, 0, 1))
	stray.SessionReference = "cs_m1_other"
	stray.ExternalReference = "sub_m1_other"
	stray.CustomerReference = "cus_1"
	res, err := h.svc.Apply(ctx, stray)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Empty(t, res.Actions)

	cur, err := h.svc.Current(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "sub_m1", cur.ExternalReference)
	assert.Equal(t, tiers.Pro, cur.Tier)
	assert.Equal(t, t0.AddDate(0, 1, 0), cur.CurrentPeriodEnd)

	hist, err := h.svc.History(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	inbox, ok := h.store.ProviderEvent(billing.ProviderLocal, "evt_2")
	require.True(t, ok)
	assert.Equal(t, billing.EventUnmatched, inbox.Status)

	sess, err := h.store.GetCheckoutSession(ctx, "cs_m1_other")
	require.NoError(t, err)
	assert.Equal(t, billing.SessionCompleted, sess.Status)

	var flagged []billing.AuditEvent
	for _, a := range h.store.AuditEvents() {
		if a.EventType == "billing.checkout.unmatched_payment" {
			flagged = append(flagged, a)
		}
	}
	require.Len(t, flagged, 1)
	assert.Equal(t, "sub_m1_other", flagged[0].Metadata["external_reference"])
	assert.Equal(t, cur.ID, flagged[0].Metadata["subscription_id"])

	res, err = h.svc.Apply(ctx, stray)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}
