// Package reconcile runs the scheduled sweep that closes lifecycle gaps webhooks leave
// behind: period-end cancellations, ended trials, expired past-due grace and missed
// renewals.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/errreport"
	otelx "github.com/md-rashed-zaman/merchantbilling/libs/otel"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/subscriptions"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
)

const (
	RuleCancelAtPeriodEnd = "cancel_at_period_end"
	RuleTrialEnded        = "trial_ended"
	RulePastDueExpired    = "past_due_expired"
	RuleMissedRenewal     = "missed_renewal"
)

// Lookup asks the provider for its view of a subscription.
type Lookup interface {
	LookupSubscription(ctx context.Context, provider billing.Provider, reference string) (billing.RemoteSubscription, error)
}

type Config struct {
	Schedule  string
	BatchSize int
	// LeaderKey is the advisory lock id shared by every replica.
	LeaderKey int64
	// RenewalGrace is how long after period end an active subscription may wait for
	// its renewal webhook before the provider is polled.
	RenewalGrace time.Duration
}

type Sweeper struct {
	store   storage.Store
	subs    *subscriptions.Service
	remote  Lookup
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// Report summarizes one pass.
type Report struct {
	Leader     bool
	Candidates int
	Applied    map[string]int
	Failed     int
}

func New(store storage.Store, subs *subscriptions.Service, remote Lookup, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.LeaderKey == 0 {
		cfg.LeaderKey = 4242001
	}
	if cfg.RenewalGrace <= 0 {
		cfg.RenewalGrace = 72 * time.Hour
	}
	return &Sweeper{store: store, subs: subs, remote: remote, metrics: m, logger: logger, cfg: cfg, now: time.Now}
}

// SetClock overrides time.Now (tests).
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run sweeps once immediately, then on the cron schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.RunOnce(ctx)
	c.Start()
	s.logger.Info("sweep scheduled", "schedule", s.cfg.Schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce performs one pass if this replica holds the leader lock.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	rep := Report{Applied: map[string]int{}}
	release, ok, err := s.store.TryLeader(ctx, s.cfg.LeaderKey)
	if err != nil {
		s.fail(ctx, "sweep: leader lock", err, nil)
		s.metrics.SweepRun("error")
		return rep
	}
	if !ok {
		s.logger.Debug("sweep skipped: leader lock held elsewhere", "lock_key", s.cfg.LeaderKey)
		s.metrics.SweepRun("skipped")
		return rep
	}
	defer release()
	rep.Leader = true

	now := s.now().UTC()
	candidates, err := s.store.ListSweepCandidates(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.fail(ctx, "sweep: list candidates", err, nil)
		s.metrics.SweepRun("error")
		return rep
	}
	rep.Candidates = len(candidates)
	for _, sub := range candidates {
		if ctx.Err() != nil {
			break
		}
		sctx, span := otelx.Start(ctx, "billing/reconcile", "sweep.subscription",
			attribute.String("subscription.id", sub.ID), attribute.String("merchant.id", sub.MerchantID))
		rule, applied, err := s.sweep(sctx, sub, now)
		span.SetAttributes(attribute.String("sweep.rule", rule), attribute.Bool("sweep.applied", applied))
		otelx.End(span, err)
		if err != nil {
			rep.Failed++
			s.fail(ctx, "sweep: subscription skipped", err, map[string]string{
				"subscription_id": sub.ID, "merchant_id": sub.MerchantID, "rule": rule,
			})
			continue
		}
		if applied {
			rep.Applied[rule]++
			s.metrics.SweepAction(rule)
			s.logger.Info("sweep applied", "rule", rule, "subscription_id", sub.ID, "merchant_id", sub.MerchantID)
		}
	}
	result := "ok"
	if rep.Failed > 0 {
		result = "partial"
	}
	s.metrics.SweepRun(result)
	return rep
}

func (s *Sweeper) fail(ctx context.Context, msg string, err error, tags map[string]string) {
	args := []any{"err", err}
	for k, v := range tags {
		args = append(args, k, v)
	}
	s.logger.Error(msg, args...)
	errreport.Capture(ctx, err, tags)
}

// sweep applies the first rule that matches sub.
func (s *Sweeper) sweep(ctx context.Context, sub billing.Subscription, now time.Time) (string, bool, error) {
	end := sub.CurrentPeriodEnd
	switch {
	case sub.CancelAtPeriodEnd && !end.After(now):
		return s.apply(ctx, RuleCancelAtPeriodEnd, sub, billing.SubscriptionCancelled, billing.RemoteSubscription{})

	case sub.Status == billing.StatusTrialing && !end.After(now):
		rs, err := s.lookup(ctx, sub)
		if err != nil {
			return RuleTrialEnded, false, err
		}
		if paid(rs) {
			return s.apply(ctx, RuleTrialEnded, sub, billing.PaymentSucceeded, rs)
		}
		return s.apply(ctx, RuleTrialEnded, sub, billing.SubscriptionCancelled, rs)

	case sub.Status == billing.StatusPastDue:
		if sub.PastDueSince == nil || sub.PastDueSince.Add(subscriptions.PastDueGrace).After(now) {
			return "", false, nil
		}
		rs, err := s.lookup(ctx, sub)
		if err != nil {
			return RulePastDueExpired, false, err
		}
		if paid(rs) {
			return s.apply(ctx, RulePastDueExpired, sub, billing.PaymentSucceeded, rs)
		}
		return s.apply(ctx, RulePastDueExpired, sub, billing.SubscriptionCancelled, rs)

	case sub.Status == billing.StatusActive && !end.Add(s.cfg.RenewalGrace).After(now):
		rs, err := s.lookup(ctx, sub)
		if err != nil {
			return RuleMissedRenewal, false, err
		}
		switch {
		case rs.Status == billing.RemoteCancelled:
			return s.apply(ctx, RuleMissedRenewal, sub, billing.SubscriptionCancelled, rs)
		case rs.Status == billing.RemotePastDue:
			return s.apply(ctx, RuleMissedRenewal, sub, billing.PaymentFailed, rs)
		case paid(rs) && rs.PeriodEnd.After(end):
			return s.apply(ctx, RuleMissedRenewal, sub, billing.PaymentSucceeded, rs)
		}
		s.logger.Warn("sweep: renewal still outstanding", "subscription_id", sub.ID,
			"remote_status", rs.Status, "period_end", end)
		return RuleMissedRenewal, false, nil
	}
	return "", false, nil
}

// lookup treats an unknown remote subscription as never paid.
func (s *Sweeper) lookup(ctx context.Context, sub billing.Subscription) (billing.RemoteSubscription, error) {
	rs, err := s.remote.LookupSubscription(ctx, sub.Provider, sub.ExternalReference)
	if errors.Is(err, billing.ErrNotFound) {
		return billing.RemoteSubscription{Reference: sub.ExternalReference, Status: billing.RemoteCancelled}, nil
	}
	if err != nil {
		return billing.RemoteSubscription{}, fmt.Errorf("lookup %s: %w", sub.ExternalReference, err)
	}
	return rs, nil
}

func paid(rs billing.RemoteSubscription) bool {
	return (rs.Status == billing.RemoteActive || rs.Status == billing.RemoteTrialing) && rs.Paid
}

// apply runs typ against sub under the merchant lock. The event id is derived from the
// rule, the subscription and the period it closes, so repeated sweeps are replays.
func (s *Sweeper) apply(ctx context.Context, rule string, sub billing.Subscription, typ billing.EventType, rs billing.RemoteSubscription) (string, bool, error) {
	ev := billing.DomainEvent{
		ID:                fmt.Sprintf("sweep:%s:%s:%d", rule, sub.ID, sub.CurrentPeriodEnd.Unix()),
		Provider:          sub.Provider,
		Type:              typ,
		MerchantID:        sub.MerchantID,
		ExternalReference: sub.ExternalReference,
		OccurredAt:        s.now().UTC(),
		ProviderType:      "sweep." + rule,
	}
	if typ == billing.PaymentSucceeded {
		if rs.Reference != "" {
			ev.ExternalReference = rs.Reference
		}
		ev.CustomerReference = rs.CustomerReference
		ev.PeriodStart, ev.PeriodEnd = rs.PeriodStart, rs.PeriodEnd
		ev.Amount = rs.LatestAmount
		if !ev.Amount.IsPositive() {
			if tier, err := tiers.Resolve(sub.Tier); err == nil {
				ev.Amount = tier.Price(sub.Interval)
			}
		}
	}
	unchanged := func(cur billing.Subscription) bool {
		return cur.Status == sub.Status && cur.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd)
	}
	res, err := s.subs.ApplyInternal(ctx, sub.ID, ev, unchanged)
	if err != nil {
		return rule, false, err
	}
	return rule, res.Outcome == subscriptions.OutcomeApplied, nil
}
