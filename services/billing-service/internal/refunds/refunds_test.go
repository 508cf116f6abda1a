package refunds

import (
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paidAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func paidSub(id string) billing.Subscription {
	first := paidAt
	return billing.Subscription{ID: id, MerchantID: "m1", Status: billing.StatusActive, FirstPaymentAt: &first}
}

func entry(subID string, action billing.Action, amount string, at time.Time) billing.HistoryEntry {
	return billing.HistoryEntry{SubscriptionID: subID, MerchantID: "m1", Action: action,
		Amount: decimal.RequireFromString(amount), CreatedAt: at}
}

func TestEvaluateWindowBoundaries(t *testing.T) {
	sub := paidSub("s1")
	history := []billing.HistoryEntry{entry("s1", billing.ActionCreated, "29.00", paidAt)}

	cases := []struct {
		name     string
		now      time.Time
		eligible bool
		hours    int
	}{
		{"just paid", paidAt, true, 168},
		{"two days", paidAt.Add(48 * time.Hour), true, 120},
		{"one second before", paidAt.Add(Window - time.Second), true, 1},
		{"exactly seven days", paidAt.Add(Window), true, 0},
		{"one second after", paidAt.Add(Window + time.Second), false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(sub, history, tc.now)
			assert.Equal(t, tc.eligible, got.IsEligible)
			assert.Equal(t, tc.hours, got.HoursRemaining)
			if tc.eligible {
				assert.Empty(t, got.Reason)
				assert.True(t, got.RefundableAmount.Equal(decimal.RequireFromString("29")))
			} else {
				assert.Equal(t, ReasonExpired, got.Reason)
				assert.True(t, got.RefundableAmount.IsZero())
			}
		})
	}
}

func TestEvaluateDisqualifications(t *testing.T) {
	now := paidAt.Add(time.Hour)

	got := Evaluate(billing.Subscription{ID: "s1"}, nil, now)
	assert.Equal(t, ReasonNoPayment, got.Reason)

	got = Evaluate(paidSub("s1"), []billing.HistoryEntry{
		entry("s1", billing.ActionCreated, "29", paidAt),
		entry("s1", billing.ActionRenewed, "29", paidAt.AddDate(0, 1, 0)),
	}, now)
	assert.Equal(t, ReasonRenewal, got.Reason)

	got = Evaluate(paidSub("s2"), []billing.HistoryEntry{
		entry("s1", billing.ActionCreated, "29", paidAt.AddDate(0, -2, 0)),
		entry("s1", billing.ActionCancelled, "0", paidAt.AddDate(0, -1, 0)),
		entry("s2", billing.ActionCreated, "29", paidAt),
	}, now)
	assert.Equal(t, ReasonRenewal, got.Reason)

	got = Evaluate(paidSub("s2"), []billing.HistoryEntry{
		entry("s1", billing.ActionCreated, "29", paidAt.AddDate(0, -2, 0)),
		entry("s1", billing.ActionRefunded, "29", paidAt.AddDate(0, -2, 1)),
		entry("s2", billing.ActionCreated, "29", paidAt),
	}, now)
	assert.Equal(t, ReasonAlreadyRefunded, got.Reason)
	assert.False(t, got.IsEligible)
}

func TestEvaluateTrialConversion(t *testing.T) {
	trialStart := paidAt.AddDate(0, 0, -14)
	got := Evaluate(paidSub("s1"), []billing.HistoryEntry{
		entry("s1", billing.ActionCreated, "0", trialStart),
		entry("s1", billing.ActionActivated, "79", paidAt),
	}, paidAt.Add(time.Hour))
	require.True(t, got.IsEligible)
	assert.True(t, got.RefundableAmount.Equal(decimal.RequireFromString("79")))
	assert.Equal(t, 167, got.HoursRemaining)
}

func TestValidateReason(t *testing.T) {
	assert.Error(t, ValidateReason("too short"))
	assert.Error(t, ValidateReason("   padded   "))
	assert.NoError(t, ValidateReason("not what I expected"))
	assert.NoError(t, ValidateReason(strings.Repeat("é", MaxReasonLength)))
	assert.Error(t, ValidateReason(strings.Repeat("a", MaxReasonLength+1)))
}
