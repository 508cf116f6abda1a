// Package subscriptions owns the subscription lifecycle: every state change, its
// history entry, the outbox event and the audit record are written in one merchant
// transaction.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/outbox"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/quota"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Remote is the slice of the checkout gateway the lifecycle needs.
type Remote interface {
	LookupSubscription(ctx context.Context, provider billing.Provider, reference string) (billing.RemoteSubscription, error)
	CancelAtPeriodEnd(ctx context.Context, provider billing.Provider, reference string) error
	ChangeTier(ctx context.Context, provider billing.Provider, reference string, tier tiers.ID, interval tiers.Interval) error
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
)

type Result struct {
	Outcome      Outcome
	Subscription billing.Subscription
	Actions      []billing.Action
}

type Service struct {
	store        storage.Store
	remote       Remote
	logger       *slog.Logger
	now          func() time.Time
	onTransition func(billing.Action)
}

func New(store storage.Store, remote Remote, logger *slog.Logger) *Service {
	return &Service{store: store, remote: remote, logger: logger, now: time.Now}
}

// SetClock overrides time.Now (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// OnTransition registers a hook called once per committed history entry.
func (s *Service) OnTransition(fn func(billing.Action)) { s.onTransition = fn }

func (s *Service) Current(ctx context.Context, merchantID string) (billing.Subscription, error) {
	return s.store.CurrentSubscription(ctx, merchantID)
}

// Latest returns the newest subscription in any status.
func (s *Service) Latest(ctx context.Context, merchantID string) (billing.Subscription, error) {
	return s.store.LatestSubscription(ctx, merchantID)
}

// CurrentTier is the live subscription's tier, or free.
func (s *Service) CurrentTier(ctx context.Context, merchantID string) (tiers.ID, error) {
	cur, err := s.store.CurrentSubscription(ctx, merchantID)
	if errors.Is(err, billing.ErrNotFound) {
		return tiers.Free, nil
	}
	if err != nil {
		return "", err
	}
	return cur.Tier, nil
}

func (s *Service) History(ctx context.Context, merchantID string) ([]billing.HistoryEntry, error) {
	return s.store.ListHistory(ctx, merchantID)
}

type origin struct {
	actorType string
	actorID   string
}

func userOrigin(ctx context.Context) origin {
	a, _ := auth.ActorFromContext(ctx)
	return origin{actorType: "user", actorID: a.UserID}
}

// Apply consumes a verified provider event: it records the event in the inbox, resolves
// the merchant and runs the transition. Replays are reported as duplicates.
func (s *Service) Apply(ctx context.Context, ev billing.DomainEvent) (Result, error) {
	merchantID, err := s.resolveMerchant(ctx, &ev)
	if err != nil {
		return Result{}, err
	}
	if merchantID == "" {
		s.logger.Warn("provider event discarded: unknown reference",
			"provider", ev.Provider, "provider_event_id", ev.ID, "event_type", ev.ProviderType,
			"external_reference", ev.ExternalReference, "session_reference", ev.SessionReference)
		return s.recordOnly(ctx, ev, billing.EventDiscarded)
	}

	var res Result
	err = s.store.WithMerchantTx(ctx, merchantID, func(tx storage.Tx) error {
		res = Result{}
		if err := tx.InsertProviderEvent(ctx, inboxRecord(ev, billing.EventApplied, s.now())); err != nil {
			if errors.Is(err, storage.ErrDuplicateProviderEvent) {
				res.Outcome = OutcomeDuplicate
				return nil
			}
			return err
		}
		r, err := s.transition(ctx, tx, merchantID, "", ev, nil, origin{actorType: "provider", actorID: string(ev.Provider)})
		if err != nil {
			return err
		}
		res = r
		switch res.Outcome {
		case OutcomeDiscarded:
			return tx.SetProviderEventStatus(ctx, ev.Provider, ev.ID, billing.EventDiscarded)
		case OutcomeUnmatched:
			return tx.SetProviderEventStatus(ctx, ev.Provider, ev.ID, billing.EventUnmatched)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply %s event %s: %w", ev.Provider, ev.ID, err)
	}
	s.notify(res)
	switch res.Outcome {
	case OutcomeDiscarded:
		s.logger.Warn("provider event discarded: no checkout session", "provider", ev.Provider,
			"provider_event_id", ev.ID, "merchant_id", merchantID)
	case OutcomeUnmatched:
		s.logger.Error("checkout payment for a second provider subscription needs a refund",
			"provider", ev.Provider, "provider_event_id", ev.ID, "merchant_id", merchantID,
			"subscription_id", res.Subscription.ID, "external_reference", ev.ExternalReference,
			"session_reference", ev.SessionReference, "amount", ev.Amount.StringFixed(2))
	}
	return res, nil
}

// RecordIgnored stores an event type the lifecycle does not consume so replays stay
// visible in the inbox.
func (s *Service) RecordIgnored(ctx context.Context, ev billing.DomainEvent) (Result, error) {
	return s.recordOnly(ctx, ev, billing.EventIgnored)
}

func (s *Service) recordOnly(ctx context.Context, ev billing.DomainEvent, status billing.ProviderEventStatus) (Result, error) {
	res := Result{Outcome: Outcome(status)}
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		err := tx.InsertProviderEvent(ctx, inboxRecord(ev, status, s.now()))
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("record %s event %s: %w", ev.Provider, ev.ID, err)
	}
	return res, nil
}

// ApplyInternal runs a synthetic event (sweep, facade refund) against subscriptionID
// without touching the inbox. guard is re-checked under the lock; a false guard or a
// different live subscription makes the call a no-op.
func (s *Service) ApplyInternal(ctx context.Context, subscriptionID string, ev billing.DomainEvent, guard func(billing.Subscription) bool) (Result, error) {
	if ev.MerchantID == "" || ev.ID == "" {
		return Result{}, errors.New("internal event needs a merchant and an id")
	}
	var res Result
	err := s.store.WithMerchantTx(ctx, ev.MerchantID, func(tx storage.Tx) error {
		var err error
		res, err = s.transition(ctx, tx, ev.MerchantID, subscriptionID, ev, guard, origin{actorType: "system", actorID: ev.ProviderType})
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply internal event %s: %w", ev.ID, err)
	}
	s.notify(res)
	return res, nil
}

// resolveMerchant walks metadata, the stored session, stored references and finally one
// provider lookup. A session found through the lookup is copied onto ev.
func (s *Service) resolveMerchant(ctx context.Context, ev *billing.DomainEvent) (string, error) {
	if ev.MerchantID != "" {
		return ev.MerchantID, nil
	}
	if ev.SessionReference != "" {
		sess, err := s.store.GetCheckoutSession(ctx, ev.SessionReference)
		if err == nil {
			return sess.MerchantID, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return "", err
		}
	}
	for _, ref := range []string{ev.ExternalReference, ev.CustomerReference} {
		if ref == "" {
			continue
		}
		sub, err := s.store.FindByReference(ctx, ev.Provider, ref)
		if err == nil {
			return sub.MerchantID, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return "", err
		}
	}
	if ev.ExternalReference == "" || s.remote == nil {
		return "", nil
	}

	rs, err := s.remote.LookupSubscription(ctx, ev.Provider, ev.ExternalReference)
	var unavailable *billing.ProviderUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return "", err
	case err != nil:
		s.logger.Info("provider lookup did not resolve reference", "provider", ev.Provider,
			"external_reference", ev.ExternalReference, "err", err)
		return "", nil
	}
	if rs.SessionReference != "" {
		if sess, err := s.store.GetCheckoutSession(ctx, rs.SessionReference); err == nil {
			if ev.SessionReference == "" {
				ev.SessionReference = sess.Reference
			}
			return sess.MerchantID, nil
		}
	}
	if ev.SessionReference == "" {
		ev.SessionReference = rs.SessionReference
	}
	return rs.MerchantID, nil
}

// transition must only use tx; the memory store holds its lock for the whole callback.
func (s *Service) transition(ctx context.Context, tx storage.Tx, merchantID, subscriptionID string, ev billing.DomainEvent, guard func(billing.Subscription) bool, by origin) (Result, error) {
	now := s.now().UTC()
	cur, found, err := tx.CurrentForUpdate(ctx, merchantID)
	if err != nil {
		return Result{}, err
	}
	if subscriptionID != "" && (!found || cur.ID != subscriptionID) {
		return Result{Outcome: OutcomeNoop}, nil
	}
	if found && guard != nil && !guard(cur) {
		return Result{Outcome: OutcomeNoop, Subscription: cur}, nil
	}

	if found && strayCheckout(cur, ev) {
		return s.unmatched(ctx, tx, cur, ev, now, by)
	}

	in := inputs{now: now}
	var curp *billing.Subscription
	if found {
		curp = &cur
	}
	if ev.Type == billing.PaymentSucceeded {
		if in.firstPaid, err = tx.MerchantFirstPaymentAt(ctx, merchantID); err != nil {
			return Result{}, err
		}
		if !found {
			sess, err := tx.GetCheckoutSession(ctx, ev.SessionReference)
			switch {
			case errors.Is(err, billing.ErrNotFound):
			case err != nil:
				return Result{}, err
			case sess.MerchantID == merchantID && (ev.Provider == "" || sess.Provider == ev.Provider):
				in.session = &sess
			}
			if in.session == nil {
				return Result{Outcome: OutcomeDiscarded}, nil
			}
		}
	}

	t, ok := decide(curp, ev, in)
	if !ok {
		return Result{Outcome: OutcomeNoop, Subscription: cur}, nil
	}
	if len(t.Entries) == 0 {
		if err := tx.UpdateSubscription(ctx, t.Next); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeNoop, Subscription: t.Next}, nil
	}
	return s.commit(ctx, tx, t, in.session, by)
}

// unmatched keeps a stray checkout payment out of the live record. The session is closed
// and the payment is audited so it can be refunded.
func (s *Service) unmatched(ctx context.Context, tx storage.Tx, cur billing.Subscription, ev billing.DomainEvent, now time.Time, by origin) (Result, error) {
	sess, err := tx.GetCheckoutSession(ctx, ev.SessionReference)
	switch {
	case errors.Is(err, billing.ErrNotFound):
	case err != nil:
		return Result{}, err
	case sess.MerchantID == cur.MerchantID && sess.Status != billing.SessionCompleted:
		sess.Status = billing.SessionCompleted
		sess.CompletedAt = &now
		if err := tx.SaveCheckoutSession(ctx, sess); err != nil {
			return Result{}, err
		}
	}
	err = tx.InsertAudit(ctx, billing.AuditEvent{
		EventType:  "billing.checkout.unmatched_payment",
		ActorType:  by.actorType,
		ActorID:    by.actorID,
		MerchantID: cur.MerchantID,
		Metadata: map[string]any{
			"subscription_id":    cur.ID,
			"provider_event_id":  ev.ID,
			"session_reference":  ev.SessionReference,
			"external_reference": ev.ExternalReference,
			"amount":             ev.Amount.StringFixed(2),
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeUnmatched, Subscription: cur}, nil
}

// commit persists t. A transition whose first entry was already recorded is a replay
// and changes nothing.
func (s *Service) commit(ctx context.Context, tx storage.Tx, t Transition, sess *billing.CheckoutSession, by origin) (Result, error) {
	now := s.now().UTC()
	if t.Insert {
		t.Next.ID = uuid.NewString()
	} else if seen, err := tx.HasHistory(ctx, t.Next.ID, t.Entries[0].Key); err != nil {
		return Result{}, err
	} else if seen {
		return Result{Outcome: OutcomeNoop, Subscription: t.Next}, nil
	}

	if t.Insert {
		if err := tx.InsertSubscription(ctx, t.Next); err != nil {
			return Result{}, err
		}
	} else if err := tx.UpdateSubscription(ctx, t.Next); err != nil {
		return Result{}, err
	}
	if sess != nil {
		done := *sess
		done.Status = billing.SessionCompleted
		done.CompletedAt = &now
		if err := tx.SaveCheckoutSession(ctx, done); err != nil {
			return Result{}, err
		}
	}

	res := Result{Outcome: OutcomeApplied, Subscription: t.Next}
	for _, e := range t.Entries {
		err := tx.AppendHistory(ctx, billing.HistoryEntry{
			ID:              ulid.Make().String(),
			SubscriptionID:  t.Next.ID,
			MerchantID:      t.Next.MerchantID,
			Action:          e.Action,
			Tier:            t.Next.Tier,
			Amount:          e.Amount,
			ExternalEventID: e.Key,
			CreatedAt:       now,
		})
		if errors.Is(err, storage.ErrDuplicateHistory) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		if err := s.emit(ctx, tx, t.Next, e, by, now); err != nil {
			return Result{}, err
		}
		res.Actions = append(res.Actions, e.Action)
	}
	return res, nil
}

func (s *Service) emit(ctx context.Context, tx storage.Tx, sub billing.Subscription, e Entry, by origin, at time.Time) error {
	tier, err := tiers.Resolve(sub.Tier)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"merchant_id":        sub.MerchantID,
		"subscription_id":    sub.ID,
		"action":             string(e.Action),
		"tier":               string(sub.Tier),
		"interval":           string(sub.Interval),
		"status":             string(sub.Status),
		"amount":             e.Amount.StringFixed(2),
		"current_period_end": sub.CurrentPeriodEnd.UTC().Format(time.RFC3339),
		"max_places":         tier.MaxPlaces.String(),
		"max_coupons":        tier.MaxCoupons.String(),
		"occurred_at":        at.Format(time.RFC3339),
	}
	evt, err := outbox.NewEvent("subscription", sub.MerchantID, outbox.Topic(string(e.Action)), payload)
	if err != nil {
		return err
	}
	if err := tx.InsertOutbox(ctx, evt); err != nil {
		return err
	}
	return tx.InsertAudit(ctx, billing.AuditEvent{
		EventType:  "billing.subscription." + string(e.Action),
		ActorType:  by.actorType,
		ActorID:    by.actorID,
		MerchantID: sub.MerchantID,
		Metadata: map[string]any{
			"subscription_id":   sub.ID,
			"tier":              string(sub.Tier),
			"status":            string(sub.Status),
			"external_event_id": e.Key,
		},
	})
}

func (s *Service) notify(res Result) {
	if s.onTransition == nil {
		return
	}
	for _, a := range res.Actions {
		s.onTransition(a)
	}
}

func inboxRecord(ev billing.DomainEvent, status billing.ProviderEventStatus, at time.Time) billing.ProviderEvent {
	typ := ev.ProviderType
	if typ == "" {
		typ = string(ev.Type)
	}
	return billing.ProviderEvent{
		Provider:   ev.Provider,
		EventID:    ev.ID,
		EventType:  typ,
		Payload:    ev.Payload,
		Status:     status,
		ReceivedAt: at.UTC(),
	}
}

// StartTrial opens a trialing subscription for a checkout that begins with free days.
func (s *Service) StartTrial(ctx context.Context, sess billing.CheckoutSession, trialDays int) (billing.Subscription, error) {
	if trialDays <= 0 {
		return billing.Subscription{}, billing.Invalid("trial_days", "must be positive")
	}
	now := s.now().UTC()
	t := Transition{
		Insert: true,
		Next: billing.Subscription{
			MerchantID:         sess.MerchantID,
			Tier:               sess.Tier,
			Interval:           sess.Interval,
			Status:             billing.StatusTrialing,
			Provider:           sess.Provider,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.AddDate(0, 0, trialDays),
			ExternalReference:  sess.Reference,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		Entries: []Entry{{billing.ActionCreated, decimal.Zero, "trial:" + sess.Reference}},
	}
	var res Result
	err := s.store.WithMerchantTx(ctx, sess.MerchantID, func(tx storage.Tx) error {
		if _, found, err := tx.CurrentForUpdate(ctx, sess.MerchantID); err != nil {
			return err
		} else if found {
			return billing.Conflict(billing.ConflictAlreadySubscribed, "merchant already has a live subscription")
		}
		var err error
		res, err = s.commit(ctx, tx, t, nil, userOrigin(ctx))
		return err
	})
	if err != nil {
		return billing.Subscription{}, err
	}
	s.notify(res)
	return res.Subscription, nil
}

// RequestCancel schedules cancellation at the end of the paid period. The provider is
// told first; the local record is re-validated under the lock afterwards.
func (s *Service) RequestCancel(ctx context.Context, merchantID string) (billing.Subscription, error) {
	cur, err := s.liveOrConflict(ctx, merchantID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if cur.CancelAtPeriodEnd {
		return billing.Subscription{}, billing.Conflict(billing.ConflictAlreadyCancelling, "cancellation already scheduled for %s", cur.CurrentPeriodEnd.Format(time.RFC3339))
	}
	if s.hasRemote(ctx, cur) {
		if err := s.remote.CancelAtPeriodEnd(ctx, cur.Provider, cur.ExternalReference); err != nil {
			return billing.Subscription{}, err
		}
	}

	var res Result
	err = s.store.WithMerchantTx(ctx, merchantID, func(tx storage.Tx) error {
		locked, found, err := tx.CurrentForUpdate(ctx, merchantID)
		if err != nil {
			return err
		}
		if !found || locked.ID != cur.ID {
			return billing.Conflict(billing.ConflictNoActivePlan, "subscription changed while cancelling; retry")
		}
		if locked.CancelAtPeriodEnd {
			return billing.Conflict(billing.ConflictAlreadyCancelling, "cancellation already scheduled")
		}
		locked.CancelAtPeriodEnd = true
		locked.UpdatedAt = s.now().UTC()
		res, err = s.commit(ctx, tx, Transition{
			Next:    locked,
			Entries: []Entry{{billing.ActionCancelScheduled, decimal.Zero, "cancel:" + locked.ID}},
		}, nil, userOrigin(ctx))
		return err
	})
	if err != nil {
		return billing.Subscription{}, err
	}
	s.notify(res)
	return res.Subscription, nil
}

// ChangeTier swaps the tier of the live subscription. Downgrades must fit the current
// usage.
func (s *Service) ChangeTier(ctx context.Context, merchantID string, tierID tiers.ID, interval tiers.Interval, usage quota.Usage) (billing.Subscription, error) {
	target, err := tiers.Resolve(tierID)
	if err != nil {
		return billing.Subscription{}, billing.Invalid("tier", "unknown tier %q", tierID)
	}
	if !target.Purchasable {
		return billing.Subscription{}, billing.Invalid("tier", "tier %q cannot be purchased", tierID)
	}
	cur, err := s.liveOrConflict(ctx, merchantID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if interval == "" {
		interval = cur.Interval
	} else if interval, err = tiers.ParseInterval(string(interval)); err != nil {
		return billing.Subscription{}, billing.Invalid("interval", "must be month or year")
	}
	if cur.Status == billing.StatusPastDue {
		return billing.Subscription{}, billing.Conflict(billing.ConflictPaymentPastDue, "settle the outstanding payment before changing plans")
	}
	if cur.Tier == tierID && cur.Interval == interval {
		return billing.Subscription{}, billing.Conflict(billing.ConflictAlreadySubscribed, "already subscribed to %s", tierID)
	}
	from, err := tiers.Resolve(cur.Tier)
	if err != nil {
		return billing.Subscription{}, err
	}
	action := billing.ActionUpgraded
	if target.Rank < from.Rank {
		action = billing.ActionDowngraded
		if resource, ok := quota.Fits(target, usage); !ok {
			return billing.Subscription{}, billing.Conflict(billing.ConflictUsageExceedsTier,
				"current %s usage exceeds the %s limit of %s", resource, tierID, target.Limit(resource))
		}
	}
	if s.hasRemote(ctx, cur) {
		if err := s.remote.ChangeTier(ctx, cur.Provider, cur.ExternalReference, tierID, interval); err != nil {
			return billing.Subscription{}, err
		}
	}

	var res Result
	err = s.store.WithMerchantTx(ctx, merchantID, func(tx storage.Tx) error {
		locked, found, err := tx.CurrentForUpdate(ctx, merchantID)
		if err != nil {
			return err
		}
		if !found || locked.ID != cur.ID || locked.Status == billing.StatusPastDue {
			return billing.Conflict(billing.ConflictNoActivePlan, "subscription changed while switching plans; retry")
		}
		locked.Tier = tierID
		locked.Interval = interval
		locked.UpdatedAt = s.now().UTC()
		res, err = s.commit(ctx, tx, Transition{
			Next:    locked,
			Entries: []Entry{{action, target.Price(interval), "change:" + uuid.NewString()}},
		}, nil, userOrigin(ctx))
		return err
	})
	if err != nil {
		return billing.Subscription{}, err
	}
	s.notify(res)
	return res.Subscription, nil
}

// liveOrConflict loads the live subscription, turning its absence into the matching
// conflict.
func (s *Service) liveOrConflict(ctx context.Context, merchantID string) (billing.Subscription, error) {
	cur, err := s.store.CurrentSubscription(ctx, merchantID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return billing.Subscription{}, err
	}
	if latest, err := s.store.LatestSubscription(ctx, merchantID); err == nil && latest.Status == billing.StatusCancelled {
		return billing.Subscription{}, billing.Conflict(billing.ConflictAlreadyCancelled, "subscription is already cancelled")
	}
	return billing.Subscription{}, billing.Conflict(billing.ConflictNoActivePlan, "merchant has no active subscription")
}

// hasRemote is false while a trial still points at its checkout session.
func (s *Service) hasRemote(ctx context.Context, sub billing.Subscription) bool {
	if s.remote == nil || sub.ExternalReference == "" {
		return false
	}
	_, err := s.store.GetCheckoutSession(ctx, sub.ExternalReference)
	return errors.Is(err, billing.ErrNotFound)
}
