// Package tiers is the immutable plan catalog: limits, prices and feature flags per tier.
package tiers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrTierNotFound    = errors.New("tier not found")
	ErrInvalidInterval = errors.New("invalid billing interval")
)

type ID string

const (
	Free    ID = "free"
	Basic   ID = "basic"
	Pro     ID = "pro"
	Premium ID = "premium"
	Partner ID = "partner"
)

type Interval string

const (
	Monthly Interval = "month"
	Yearly  Interval = "year"
)

func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(s))) {
	case Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
}

// Months is the length of one billing period.
func (i Interval) Months() int {
	if i == Yearly {
		return 12
	}
	return 1
}

type Resource string

const (
	Places  Resource = "places"
	Coupons Resource = "coupons"
)

type Feature string

const (
	Analytics        Feature = "analytics"
	FeaturedListing  Feature = "featured_listing"
	CouponScheduling Feature = "coupon_scheduling"
	CustomBranding   Feature = "custom_branding"
	PrioritySupport  Feature = "priority_support"
	APIAccess        Feature = "api_access"
	BulkImport       Feature = "bulk_import"
)

// Limit is either a hard ceiling or unbounded. The zero value is a ceiling of 0.
type Limit struct {
	Max       int
	Unbounded bool
}

func Max(n int) Limit { return Limit{Max: n} }

var Unlimited = Limit{Unbounded: true}

// Allows reports whether holding count items is within the limit.
func (l Limit) Allows(count int) bool {
	return l.Unbounded || count <= l.Max
}

func (l Limit) String() string {
	if l.Unbounded {
		return "unbounded"
	}
	return fmt.Sprintf("%d", l.Max)
}

type Tier struct {
	ID           ID
	Rank         int
	MaxPlaces    Limit
	MaxCoupons   Limit
	MonthlyPrice decimal.Decimal
	YearlyPrice  decimal.Decimal
	Features     []Feature
	Purchasable  bool
}

func (t Tier) Price(interval Interval) decimal.Decimal {
	if interval == Yearly {
		return t.YearlyPrice
	}
	return t.MonthlyPrice
}

func (t Tier) Limit(r Resource) Limit {
	switch r {
	case Places:
		return t.MaxPlaces
	case Coupons:
		return t.MaxCoupons
	default:
		return Limit{}
	}
}

func (t Tier) HasFeature(f Feature) bool {
	for _, have := range t.Features {
		if have == f {
			return true
		}
	}
	return false
}

var (
	basicFeatures   = []Feature{Analytics}
	proFeatures     = append(append([]Feature{}, basicFeatures...), FeaturedListing, CouponScheduling)
	premiumFeatures = append(append([]Feature{}, proFeatures...), CustomBranding, PrioritySupport)
	partnerFeatures = append(append([]Feature{}, premiumFeatures...), APIAccess, BulkImport)
)

// Resolve returns the catalog entry for id. Unknown ids are an error, never a default.
func Resolve(id ID) (Tier, error) {
	switch id {
	case Free:
		return Tier{ID: Free, Rank: 0, MaxPlaces: Max(1), MaxCoupons: Max(3),
			MonthlyPrice: decimal.Zero, YearlyPrice: decimal.Zero}, nil
	case Basic:
		return Tier{ID: Basic, Rank: 1, MaxPlaces: Max(3), MaxCoupons: Max(10),
			MonthlyPrice: decimal.RequireFromString("9.99"), YearlyPrice: decimal.RequireFromString("99.00"),
			Features: basicFeatures, Purchasable: true}, nil
	case Pro:
		return Tier{ID: Pro, Rank: 2, MaxPlaces: Max(5), MaxCoupons: Max(25),
			MonthlyPrice: decimal.RequireFromString("29.00"), YearlyPrice: decimal.RequireFromString("290.00"),
			Features: proFeatures, Purchasable: true}, nil
	case Premium:
		return Tier{ID: Premium, Rank: 3, MaxPlaces: Unlimited, MaxCoupons: Max(100),
			MonthlyPrice: decimal.RequireFromString("79.00"), YearlyPrice: decimal.RequireFromString("790.00"),
			Features: premiumFeatures, Purchasable: true}, nil
	case Partner:
		// Assigned by operators only.
		return Tier{ID: Partner, Rank: 4, MaxPlaces: Unlimited, MaxCoupons: Unlimited,
			MonthlyPrice: decimal.Zero, YearlyPrice: decimal.Zero,
			Features: partnerFeatures}, nil
	default:
		return Tier{}, fmt.Errorf("%w: %q", ErrTierNotFound, string(id))
	}
}

func Parse(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, err := Resolve(id); err != nil {
		return "", err
	}
	return id, nil
}

func All() []Tier {
	ids := []ID{Free, Basic, Pro, Premium, Partner}
	out := make([]Tier, 0, len(ids))
	for _, id := range ids {
		t, _ := Resolve(id)
		out = append(out, t)
	}
	return out
}
