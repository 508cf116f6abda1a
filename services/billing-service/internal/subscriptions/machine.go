package subscriptions

import (
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
)

// PastDueGrace is how long a past_due subscription keeps its tier before the sweep
// cancels it.
const PastDueGrace = 30 * 24 * time.Hour

// Entry is one history line produced by a transition. Key is the idempotency key
// stored as the entry's external event id.
type Entry struct {
	Action billing.Action
	Amount decimal.Decimal
	Key    string
}

// Transition is the result of feeding one input to the machine. Next is persisted;
// Entries are appended in order. A transition without entries only refreshes provider
// references.
type Transition struct {
	Next    billing.Subscription
	Insert  bool
	Entries []Entry
}

// inputs carries the state the machine may need beyond the current record.
type inputs struct {
	session   *billing.CheckoutSession
	firstPaid *time.Time
	now       time.Time
}

// decide returns the transition for ev, or false when ev changes nothing.
func decide(cur *billing.Subscription, ev billing.DomainEvent, in inputs) (Transition, bool) {
	if cur != nil && (!sameSubscription(*cur, ev) || strayCheckout(*cur, ev)) {
		return Transition{}, false
	}
	switch ev.Type {
	case billing.PaymentSucceeded:
		return paymentSucceeded(cur, ev, in)
	case billing.PaymentFailed:
		return paymentFailed(cur, ev, in)
	case billing.SubscriptionCancelled:
		return cancelled(cur, ev, in)
	case billing.SubscriptionRefunded:
		return refunded(cur, ev, in)
	}
	return Transition{}, false
}

// sameSubscription rejects events that name a different provider subscription than the
// live record, e.g. late events for an earlier, cancelled subscription. Trials are
// matched loosely: their reference is the checkout session until the provider links it.
func sameSubscription(cur billing.Subscription, ev billing.DomainEvent) bool {
	if ev.Provider != "" && cur.Provider != ev.Provider {
		return false
	}
	switch {
	case ev.ExternalReference == "" || cur.ExternalReference == "":
		return true
	case cur.ExternalReference == ev.ExternalReference:
		return true
	case cur.ExternalReference == ev.SessionReference:
		return true
	case cur.CustomerReference != "" && cur.CustomerReference == ev.CustomerReference:
		return true
	}
	return cur.Status == billing.StatusTrialing
}

// strayCheckout reports a checkout payment that opened a second provider subscription
// while cur is live, e.g. a second session paid in another tab. It never relinks cur.
func strayCheckout(cur billing.Subscription, ev billing.DomainEvent) bool {
	if ev.Type != billing.PaymentSucceeded || ev.SessionReference == "" {
		return false
	}
	if ev.ExternalReference == "" || cur.ExternalReference == "" {
		return false
	}
	return cur.ExternalReference != ev.ExternalReference && cur.ExternalReference != ev.SessionReference
}

func linkReferences(s *billing.Subscription, ev billing.DomainEvent) bool {
	changed := false
	if ev.ExternalReference != "" && s.ExternalReference != ev.ExternalReference {
		s.ExternalReference = ev.ExternalReference
		changed = true
	}
	if ev.CustomerReference != "" && s.CustomerReference != ev.CustomerReference {
		s.CustomerReference = ev.CustomerReference
		changed = true
	}
	return changed
}

func occurred(ev billing.DomainEvent, now time.Time) time.Time {
	if ev.OccurredAt.IsZero() {
		return now
	}
	return ev.OccurredAt.UTC()
}

// period returns the service period an event pays for, falling back to one interval
// from start.
func period(ev billing.DomainEvent, start time.Time, interval tiers.Interval) (time.Time, time.Time) {
	if !ev.PeriodStart.IsZero() {
		start = ev.PeriodStart.UTC()
	}
	end := ev.PeriodEnd.UTC()
	if ev.PeriodEnd.IsZero() || !end.After(start) {
		end = start.AddDate(0, interval.Months(), 0)
	}
	return start, end
}

func paymentSucceeded(cur *billing.Subscription, ev billing.DomainEvent, in inputs) (Transition, bool) {
	at := occurred(ev, in.now)
	if cur == nil {
		sess := in.session
		if sess == nil || (ev.Amount.IsZero() && sess.Price.IsPositive()) {
			return Transition{}, false
		}
		amount := ev.Amount
		if amount.IsZero() {
			amount = sess.Price
		}
		first := at
		if in.firstPaid != nil {
			first = *in.firstPaid
		}
		start, end := period(ev, at, sess.Interval)
		next := billing.Subscription{
			MerchantID:         sess.MerchantID,
			Tier:               sess.Tier,
			Interval:           sess.Interval,
			Status:             billing.StatusActive,
			Provider:           sess.Provider,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
			FirstPaymentAt:     &first,
			ExternalReference:  ev.ExternalReference,
			CustomerReference:  ev.CustomerReference,
			CreatedAt:          in.now,
			UpdatedAt:          in.now,
		}
		if next.ExternalReference == "" {
			next.ExternalReference = sess.Reference
		}
		return Transition{Next: next, Insert: true, Entries: []Entry{{billing.ActionCreated, amount, ev.ID}}}, true
	}

	next := *cur
	next.UpdatedAt = in.now
	linked := linkReferences(&next, ev)

	switch cur.Status {
	case billing.StatusTrialing:
		// A zero-amount completion only links the provider subscription to the trial.
		if ev.Amount.IsZero() {
			return Transition{Next: next}, linked
		}
		next.Status = billing.StatusActive
		next.CurrentPeriodStart, next.CurrentPeriodEnd = period(ev, at, cur.Interval)
		if next.FirstPaymentAt == nil {
			first := at
			if in.firstPaid != nil {
				first = *in.firstPaid
			}
			next.FirstPaymentAt = &first
		}
		return Transition{Next: next, Entries: []Entry{{billing.ActionActivated, ev.Amount, ev.ID}}}, true

	case billing.StatusActive:
		// Checkout completions for a record that already exists are not renewals.
		if ev.PeriodEnd.IsZero() && ev.SessionReference != "" {
			return Transition{Next: next}, linked
		}
		start, end := period(ev, cur.CurrentPeriodEnd, cur.Interval)
		if !end.After(cur.CurrentPeriodEnd) {
			return Transition{Next: next}, linked
		}
		next.CurrentPeriodStart, next.CurrentPeriodEnd = start, end
		return Transition{Next: next, Entries: []Entry{{billing.ActionRenewed, ev.Amount, ev.ID}}}, true

	case billing.StatusPastDue:
		next.Status = billing.StatusActive
		next.PastDueSince = nil
		if start, end := period(ev, cur.CurrentPeriodEnd, cur.Interval); end.After(cur.CurrentPeriodEnd) {
			next.CurrentPeriodStart, next.CurrentPeriodEnd = start, end
		}
		return Transition{Next: next, Entries: []Entry{{billing.ActionReactivated, ev.Amount, ev.ID}}}, true
	}
	return Transition{}, false
}

func paymentFailed(cur *billing.Subscription, ev billing.DomainEvent, in inputs) (Transition, bool) {
	if cur == nil || cur.Status != billing.StatusActive {
		return Transition{}, false
	}
	next := *cur
	since := occurred(ev, in.now)
	next.Status = billing.StatusPastDue
	next.PastDueSince = &since
	next.UpdatedAt = in.now
	linkReferences(&next, ev)
	return Transition{Next: next, Entries: []Entry{{billing.ActionPastDue, decimal.Zero, ev.ID}}}, true
}

// cancelled never moves the period end earlier. A provider cancellation that arrives
// inside a paid period only schedules the cancel; the sweep ends it at period end.
func cancelled(cur *billing.Subscription, ev billing.DomainEvent, in inputs) (Transition, bool) {
	if cur == nil || !cur.Status.Live() {
		return Transition{}, false
	}
	next := *cur
	next.UpdatedAt = in.now
	if ev.PeriodEnd.After(next.CurrentPeriodEnd) {
		next.CurrentPeriodEnd = ev.PeriodEnd.UTC()
	}
	if cur.Status == billing.StatusActive && occurred(ev, in.now).Before(next.CurrentPeriodEnd) {
		if cur.CancelAtPeriodEnd {
			return Transition{Next: next}, !next.CurrentPeriodEnd.Equal(cur.CurrentPeriodEnd)
		}
		next.CancelAtPeriodEnd = true
		return Transition{Next: next, Entries: []Entry{{billing.ActionCancelScheduled, decimal.Zero, ev.ID}}}, true
	}
	next.Status = billing.StatusCancelled
	return Transition{Next: next, Entries: []Entry{{billing.ActionCancelled, decimal.Zero, ev.ID}}}, true
}

// refunded records the refund and ends access immediately. It is the only transition
// that moves the period end earlier.
func refunded(cur *billing.Subscription, ev billing.DomainEvent, in inputs) (Transition, bool) {
	if cur == nil || !cur.Status.Live() {
		return Transition{}, false
	}
	next := *cur
	next.Status = billing.StatusCancelled
	next.CancelAtPeriodEnd = false
	next.PastDueSince = nil
	next.UpdatedAt = in.now
	if in.now.Before(next.CurrentPeriodEnd) {
		next.CurrentPeriodEnd = in.now
	}
	return Transition{Next: next, Entries: []Entry{
		{billing.ActionRefunded, ev.Amount, ev.ID},
		{billing.ActionCancelled, decimal.Zero, ev.ID + ":cancel"},
	}}, true
}
