package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	tier  tiers.ID
	err   error
	calls int
}

func (s *staticResolver) CurrentTier(context.Context, string) (tiers.ID, error) {
	s.calls++
	return s.tier, s.err
}

func TestProAtFivePlacesIsDenied(t *testing.T) {
	e := NewEnforcer(&staticResolver{tier: tiers.Pro})
	d, err := e.Authorize(context.Background(), "m1", AddPlace, Usage{Places: 5})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, 5, d.Limit.Max)

	var qe *billing.QuotaExceededError
	require.True(t, errors.As(d.Err(), &qe))
	assert.Equal(t, 5, qe.Limit)
	assert.Equal(t, tiers.Places, qe.Resource)
}

func TestPremiumPlacesUnbounded(t *testing.T) {
	e := NewEnforcer(&staticResolver{tier: tiers.Premium})
	d, err := e.Authorize(context.Background(), "m1", AddPlace, Usage{Places: 5000})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())

	d, err = e.Authorize(context.Background(), "m1", AddCoupon, Usage{Coupons: 100})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "premium coupons are capped at 100")
}

func TestNeverAllowsBeyondFiniteLimit(t *testing.T) {
	for _, tier := range tiers.All() {
		for _, action := range []Action{AddPlace, AddCoupon} {
			limit := tier.Limit(action.Resource())
			if limit.Unbounded {
				continue
			}
			for count := 0; count <= limit.Max+2; count++ {
				d := Evaluate(tier.ID, action, Usage{Places: count, Coupons: count})
				if d.Allowed {
					assert.LessOrEqual(t, count+1, limit.Max, "tier %s action %s count %d", tier.ID, action, count)
				}
			}
		}
	}
}

func TestUnknownTierIsNotResolvable(t *testing.T) {
	d := Evaluate("gold", AddPlace, Usage{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTierNotResolvable, d.Reason)
	var tn *billing.TierNotResolvableError
	require.ErrorAs(t, d.Err(), &tn)
	assert.Equal(t, tiers.ID("gold"), tn.Tier)
	assert.ErrorIs(t, d.Err(), tiers.ErrTierNotFound)
}

func TestAuthorizeDeniesUnresolvableTier(t *testing.T) {
	e := NewEnforcer(&staticResolver{tier: "retired"})
	d, err := e.Authorize(context.Background(), "m1", AddCoupon, Usage{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTierNotResolvable, d.Reason)
	var tn *billing.TierNotResolvableError
	assert.ErrorAs(t, d.Err(), &tn)
}

func TestResolverErrorsAreNotDenials(t *testing.T) {
	boom := errors.New("db down")
	e := NewEnforcer(&staticResolver{err: boom})
	_, err := e.Authorize(context.Background(), "m1", AddPlace, Usage{})
	assert.ErrorIs(t, err, boom)
}

func TestAuthorizeRereadsTierEveryCall(t *testing.T) {
	r := &staticResolver{tier: tiers.Free}
	e := NewEnforcer(r)
	_, _ = e.Authorize(context.Background(), "m1", AddPlace, Usage{})
	r.tier = tiers.Pro
	d, _ := e.Authorize(context.Background(), "m1", AddPlace, Usage{Places: 2})
	assert.Equal(t, 2, r.calls)
	assert.True(t, d.Allowed)
}

func TestAuthorizeValidatesInput(t *testing.T) {
	e := NewEnforcer(&staticResolver{tier: tiers.Free})
	_, err := e.Authorize(context.Background(), "m1", "delete_place", Usage{})
	var ve *billing.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = e.Authorize(context.Background(), "m1", AddPlace, Usage{Places: -1})
	assert.True(t, errors.As(err, &ve))
}

func TestFits(t *testing.T) {
	basic, _ := tiers.Resolve(tiers.Basic)
	r, ok := Fits(basic, Usage{Places: 4, Coupons: 1})
	assert.False(t, ok)
	assert.Equal(t, tiers.Places, r)

	_, ok = Fits(basic, Usage{Places: 3, Coupons: 10})
	assert.True(t, ok)
}
