// Package checkout is the provider-neutral gateway in front of the payment back-ends.
package checkout

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
)

// SessionRequest is what a provider needs to open a checkout.
type SessionRequest struct {
	Reference  string
	MerchantID string
	Tier       tiers.ID
	Interval   tiers.Interval
	Price      decimal.Decimal
	Currency   string
	TrialDays  int
	// ExpiresAt is when the provider must stop accepting payment for the session.
	ExpiresAt  time.Time
}

// ProviderSession is the provider's answer: either a redirect or an embedded form config.
type ProviderSession struct {
	Reference    string
	RedirectURL  string
	ClientConfig map[string]string
}

type RefundRequest struct {
	SubscriptionReference string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
	IdempotencyKey        string
}

type RefundReceipt struct {
	Reference string
	Amount    decimal.Decimal
}

// PaymentProvider is implemented once per back-end. Nothing outside a provider package
// sees provider SDK types.
type PaymentProvider interface {
	Name() billing.Provider
	CreateSession(ctx context.Context, req SessionRequest) (ProviderSession, error)
	// NormalizeEvent verifies the signature and maps the payload. Unconsumed event
	// types return billing.ErrEventIgnored.
	NormalizeEvent(header http.Header, body []byte) (billing.DomainEvent, error)
	LookupSubscription(ctx context.Context, reference string) (billing.RemoteSubscription, error)
	CancelAtPeriodEnd(ctx context.Context, reference string) error
	ChangeTier(ctx context.Context, reference string, tier tiers.ID, interval tiers.Interval) error
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
	TrialDays() int
}

// ErrTemporary marks provider failures worth retrying (timeouts, 5xx, 429).
var ErrTemporary = errors.New("temporary provider failure")

// Temporary wraps err so the gateway retries it.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrTemporary, err)
}

// ErrVerification is wrapped by providers when a webhook fails signature or shape checks.
var ErrVerification = errors.New("webhook verification failed")
