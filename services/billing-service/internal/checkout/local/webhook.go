package local

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
)

// Event is the webhook body posted by the processor.
type Event struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	MerchantID  string          `json:"merchant_id"`
	Reference   string          `json:"reference"`
	Customer    string          `json:"customer"`
	Session     string          `json:"session"`
	Tier        string          `json:"tier"`
	Interval    string          `json:"interval"`
	Amount      decimal.Decimal `json:"amount"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

const (
	TypePaymentSucceeded      = "payment.succeeded"
	TypePaymentFailed         = "payment.failed"
	TypeSubscriptionCancelled = "subscription.cancelled"
	TypePaymentRefunded       = "payment.refunded"
)

func (p *Provider) NormalizeEvent(header http.Header, body []byte) (billing.DomainEvent, error) {
	if p.cfg.WebhookSecret == "" {
		return billing.DomainEvent{}, fmt.Errorf("%w: webhook secret not configured", checkout.ErrVerification)
	}
	if err := verify(p.cfg.WebhookSecret, header.Get(SignatureHeader), body, p.now(), p.cfg.Tolerance); err != nil {
		return billing.DomainEvent{}, fmt.Errorf("%w: %w", checkout.ErrVerification, err)
	}

	var in Event
	if err := json.Unmarshal(body, &in); err != nil {
		return billing.DomainEvent{}, fmt.Errorf("%w: decode: %w", checkout.ErrVerification, err)
	}
	if in.EventID == "" || in.Type == "" {
		return billing.DomainEvent{}, fmt.Errorf("%w: event_id and type are required", checkout.ErrVerification)
	}

	ev := billing.DomainEvent{
		ID:                in.EventID,
		Provider:          billing.ProviderLocal,
		MerchantID:        in.MerchantID,
		ExternalReference: in.Reference,
		CustomerReference: in.Customer,
		SessionReference:  in.Session,
		Tier:              tiers.ID(in.Tier),
		Interval:          tiers.Interval(in.Interval),
		Amount:            in.Amount,
		PeriodStart:       in.PeriodStart,
		PeriodEnd:         in.PeriodEnd,
		OccurredAt:        in.OccurredAt,
		ProviderType:      in.Type,
		Payload:           body,
	}
	switch in.Type {
	case TypePaymentSucceeded:
		ev.Type = billing.PaymentSucceeded
	case TypePaymentFailed:
		ev.Type = billing.PaymentFailed
	case TypeSubscriptionCancelled:
		ev.Type = billing.SubscriptionCancelled
	case TypePaymentRefunded:
		ev.Type = billing.SubscriptionRefunded
	default:
		return ev, billing.ErrEventIgnored
	}
	if ev.ExternalReference == "" && ev.SessionReference == "" {
		return billing.DomainEvent{}, fmt.Errorf("%w: reference or session is required", checkout.ErrVerification)
	}
	return ev, nil
}
