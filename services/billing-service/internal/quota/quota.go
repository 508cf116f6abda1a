// Package quota decides whether a merchant may add one more place or coupon.
package quota

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
)

type Action string

const (
	AddPlace  Action = "add_place"
	AddCoupon Action = "add_coupon"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case AddPlace, AddCoupon:
		return Action(s), nil
	default:
		return "", billing.Invalid("action", "unsupported action %q", s)
	}
}

func (a Action) Resource() tiers.Resource {
	if a == AddCoupon {
		return tiers.Coupons
	}
	return tiers.Places
}

// Usage is supplied by the owner of places/coupons on every call; it is never cached.
type Usage struct {
	Places  int
	Coupons int
}

func (u Usage) Count(r tiers.Resource) int {
	if r == tiers.Coupons {
		return u.Coupons
	}
	return u.Places
}

type DenyReason string

const (
	ReasonQuotaExceeded     DenyReason = "quota_exceeded"
	ReasonTierNotResolvable DenyReason = "tier_not_resolvable"
)

type Decision struct {
	Allowed bool
	Reason  DenyReason
	Action  Action
	Tier    tiers.ID
	Limit   tiers.Limit
	Current int
}

// Err converts a denial into a QuotaExceededError or TierNotResolvableError; nil when
// allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonTierNotResolvable {
		return &billing.TierNotResolvableError{Tier: d.Tier}
	}
	return &billing.QuotaExceededError{Resource: d.Action.Resource(), Tier: d.Tier, Limit: d.Limit.Max}
}

// TierResolver yields the tier currently granted to a merchant (free when none).
type TierResolver interface {
	CurrentTier(ctx context.Context, merchantID string) (tiers.ID, error)
}

type Enforcer struct {
	resolver TierResolver
}

func NewEnforcer(resolver TierResolver) *Enforcer {
	return &Enforcer{resolver: resolver}
}

// Authorize evaluates the action against the merchant's current tier. Store failures
// come back as errors, never as denials.
func (e *Enforcer) Authorize(ctx context.Context, merchantID string, action Action, usage Usage) (Decision, error) {
	if merchantID == "" {
		return Decision{}, billing.Invalid("merchant_id", "is required")
	}
	if _, err := ParseAction(string(action)); err != nil {
		return Decision{}, err
	}
	if usage.Places < 0 || usage.Coupons < 0 {
		return Decision{}, billing.Invalid("current_count", "must not be negative")
	}
	id, err := e.resolver.CurrentTier(ctx, merchantID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve tier: %w", err)
	}
	return Evaluate(id, action, usage), nil
}

// Evaluate is the pure rule: count+1 must fit the tier limit.
func Evaluate(id tiers.ID, action Action, usage Usage) Decision {
	d := Decision{Action: action, Tier: id, Current: usage.Count(action.Resource())}
	tier, err := tiers.Resolve(id)
	if err != nil {
		d.Reason = ReasonTierNotResolvable
		return d
	}
	d.Limit = tier.Limit(action.Resource())
	if !d.Limit.Allows(d.Current + 1) {
		d.Reason = ReasonQuotaExceeded
		return d
	}
	d.Allowed = true
	return d
}

// Fits reports whether existing usage stays within tier t (used to vet downgrades).
// The first offending resource is returned when it does not.
func Fits(t tiers.Tier, usage Usage) (tiers.Resource, bool) {
	for _, r := range []tiers.Resource{tiers.Places, tiers.Coupons} {
		if !t.Limit(r).Allows(usage.Count(r)) {
			return r, false
		}
	}
	return "", true
}
