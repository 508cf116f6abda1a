// Package refunds decides whether a subscription is still inside the cooling-off
// window. Evaluate is pure; the facade performs the refund itself.
package refunds

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/shopspring/decimal"
)

// Window is measured from the merchant's first payment.
const Window = 7 * 24 * time.Hour

const (
	MinReasonLength = 10
	MaxReasonLength = 1000
)

const (
	ReasonNoPayment       = "no payment recorded"
	ReasonAlreadyRefunded = "already refunded"
	ReasonRenewal         = "renewal periods are not refundable"
	ReasonExpired         = "cooling-off window has expired"
)

type Eligibility struct {
	IsEligible       bool
	Reason           string
	HoursRemaining   int
	RefundableAmount decimal.Decimal
	SubscriptionID   string
}

// Evaluate checks sub against the merchant-wide history. Only the first paid period of
// the merchant's first paid subscription is refundable, once.
func Evaluate(sub billing.Subscription, history []billing.HistoryEntry, now time.Time) Eligibility {
	out := Eligibility{SubscriptionID: sub.ID, RefundableAmount: decimal.Zero}
	if sub.FirstPaymentAt == nil {
		out.Reason = ReasonNoPayment
		return out
	}

	entries := append([]billing.HistoryEntry(nil), history...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	var firstPaid *billing.HistoryEntry
	for i, e := range entries {
		if e.Action == billing.ActionRefunded {
			out.Reason = ReasonAlreadyRefunded
			return out
		}
		if firstPaid == nil && e.Action.Paid() && e.Amount.IsPositive() {
			firstPaid = &entries[i]
		}
	}
	for _, e := range entries {
		if e.SubscriptionID == sub.ID && e.Action == billing.ActionRenewed {
			out.Reason = ReasonRenewal
			return out
		}
	}
	if firstPaid == nil {
		out.Reason = ReasonNoPayment
		return out
	}
	if firstPaid.SubscriptionID != sub.ID {
		out.Reason = ReasonRenewal
		return out
	}

	elapsed := now.Sub(*sub.FirstPaymentAt)
	if elapsed > Window {
		out.Reason = ReasonExpired
		return out
	}
	out.IsEligible = true
	out.HoursRemaining = int(math.Ceil((Window - elapsed).Hours()))
	out.RefundableAmount = firstPaid.Amount
	return out
}

// ValidateReason enforces the free-text reason length, counted in characters.
func ValidateReason(reason string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(reason))
	if n < MinReasonLength || n > MaxReasonLength {
		return billing.Invalid("reason", "must be between %d and %d characters", MinReasonLength, MaxReasonLength)
	}
	return nil
}
