package entitlements

import (
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
)

// Unbounded is how an unlimited quota is rendered on the wire.
const Unbounded int32 = -1

// Limits is the quota part of an entitlement view.
// Other services enforce against these numbers, so the shape stays stable.
type Limits struct {
	Tier       string `json:"tier"`
	MaxPlaces  int32  `json:"max_places"`
	MaxCoupons int32  `json:"max_coupons"`
}

func LimitsForTier(t tiers.Tier) Limits {
	return Limits{
		Tier:       string(t.ID),
		MaxPlaces:  wire(t.MaxPlaces),
		MaxCoupons: wire(t.MaxCoupons),
	}
}

func wire(l tiers.Limit) int32 {
	if l.Unbounded {
		return Unbounded
	}
	return int32(l.Max)
}

// View is everything a merchant is granted right now.
type View struct {
	MerchantID        string          `json:"merchant_id"`
	SubscriptionID    string          `json:"subscription_id,omitempty"`
	Tier              tiers.ID        `json:"tier"`
	Status            billing.Status  `json:"status,omitempty"`
	Interval          tiers.Interval  `json:"interval,omitempty"`
	Limits            Limits          `json:"limits"`
	Features          []tiers.Feature `json:"features"`
	CurrentPeriodEnd  *time.Time      `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end"`
}

// viewOf renders sub; a zero subscription means the merchant is on the free tier.
func viewOf(merchantID string, sub billing.Subscription) (View, error) {
	id := sub.Tier
	if id == "" || !sub.Status.Live() {
		id = tiers.Free
	}
	tier, err := tiers.Resolve(id)
	if err != nil {
		return View{}, err
	}
	v := View{
		MerchantID: merchantID,
		Tier:       tier.ID,
		Limits:     LimitsForTier(tier),
		Features:   append([]tiers.Feature{}, tier.Features...),
	}
	if sub.Status.Live() {
		end := sub.CurrentPeriodEnd
		v.SubscriptionID = sub.ID
		v.Status = sub.Status
		v.Interval = sub.Interval
		v.CurrentPeriodEnd = &end
		v.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	return v, nil
}
