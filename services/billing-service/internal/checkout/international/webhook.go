package international

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const SignatureHeader = "Stripe-Signature"

func (p *Provider) NormalizeEvent(header http.Header, body []byte) (billing.DomainEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return billing.DomainEvent{}, fmt.Errorf("%w: webhook secret not configured", checkout.ErrVerification)
	}
	evt, err := webhook.ConstructEventWithOptions(body, header.Get(SignatureHeader), p.cfg.WebhookSecret,
		webhook.ConstructEventOptions{Tolerance: p.cfg.Tolerance})
	if err != nil {
		return billing.DomainEvent{}, fmt.Errorf("%w: %w", checkout.ErrVerification, err)
	}
	if evt.Data == nil {
		return billing.DomainEvent{}, fmt.Errorf("%w: event %s has no data", checkout.ErrVerification, evt.ID)
	}

	ev := billing.DomainEvent{
		ID:           evt.ID,
		Provider:     billing.ProviderInternational,
		OccurredAt:   unix(evt.Created),
		ProviderType: string(evt.Type),
		Payload:      body,
	}
	switch evt.Type {
	case "checkout.session.completed":
		err = mapSessionCompleted(evt.Data.Raw, &ev)
	case "invoice.paid":
		err = mapInvoice(evt.Data.Raw, &ev, billing.PaymentSucceeded)
	case "invoice.payment_failed":
		err = mapInvoice(evt.Data.Raw, &ev, billing.PaymentFailed)
	case "customer.subscription.deleted":
		err = mapSubscriptionDeleted(evt.Data.Raw, &ev)
	case "charge.refunded":
		err = mapChargeRefunded(evt.Data.Raw, &ev)
	default:
		err = billing.ErrEventIgnored
	}
	return ev, err
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode object: %w", checkout.ErrVerification, err)
	}
	return nil
}

func applyMetadata(ev *billing.DomainEvent, meta map[string]string) {
	ev.MerchantID = strings.TrimSpace(meta[metaMerchantID])
	ev.Tier = tiers.ID(strings.ToLower(strings.TrimSpace(meta[metaTier])))
	ev.Interval = tiers.Interval(strings.ToLower(strings.TrimSpace(meta[metaInterval])))
	ev.SessionReference = meta[metaSession]
}

// A completed session is the first payment. Trial sessions report a zero amount, which
// only links the provider subscription; the first cycle invoice converts the trial.
func mapSessionCompleted(raw []byte, ev *billing.DomainEvent) error {
	var s stripe.CheckoutSession
	if err := decode(raw, &s); err != nil {
		return err
	}
	applyMetadata(ev, s.Metadata)
	if ev.MerchantID == "" {
		ev.MerchantID = s.ClientReferenceID
	}
	if ev.SessionReference == "" {
		ev.SessionReference = s.ID
	}
	if s.Subscription != nil {
		ev.ExternalReference = s.Subscription.ID
	}
	if s.Customer != nil {
		ev.CustomerReference = s.Customer.ID
	}
	ev.Amount = fromCents(s.AmountTotal)
	ev.PeriodStart = ev.OccurredAt
	if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		ev.Amount = decimal.Zero
	}
	ev.Type = billing.PaymentSucceeded
	return nil
}

// Only cycle invoices count as renewals; the creation invoice is covered by the
// session and proration invoices do not move the period.
func mapInvoice(raw []byte, ev *billing.DomainEvent, typ billing.EventType) error {
	var inv stripe.Invoice
	if err := decode(raw, &inv); err != nil {
		return err
	}
	if inv.Subscription != nil {
		ev.ExternalReference = inv.Subscription.ID
		applyMetadata(ev, inv.Subscription.Metadata)
	}
	if inv.Customer != nil {
		ev.CustomerReference = inv.Customer.ID
	}
	if ev.ExternalReference == "" {
		return billing.ErrEventIgnored
	}
	ev.Amount = fromCents(inv.AmountPaid)
	ev.PeriodStart, ev.PeriodEnd = unix(inv.PeriodStart), unix(inv.PeriodEnd)
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > 0 {
				ev.PeriodStart, ev.PeriodEnd = unix(line.Period.Start), unix(line.Period.End)
				break
			}
		}
	}
	if typ == billing.PaymentSucceeded && inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return billing.ErrEventIgnored
	}
	ev.Type = typ
	return nil
}

func mapSubscriptionDeleted(raw []byte, ev *billing.DomainEvent) error {
	var sub stripe.Subscription
	if err := decode(raw, &sub); err != nil {
		return err
	}
	applyMetadata(ev, sub.Metadata)
	ev.ExternalReference = sub.ID
	if sub.Customer != nil {
		ev.CustomerReference = sub.Customer.ID
	}
	ev.PeriodStart, ev.PeriodEnd = unix(sub.CurrentPeriodStart), unix(sub.CurrentPeriodEnd)
	ev.Type = billing.SubscriptionCancelled
	return nil
}

func mapChargeRefunded(raw []byte, ev *billing.DomainEvent) error {
	var ch stripe.Charge
	if err := decode(raw, &ch); err != nil {
		return err
	}
	ev.MerchantID = strings.TrimSpace(ch.Metadata[metaMerchantID])
	if ch.Invoice != nil && ch.Invoice.Subscription != nil {
		ev.ExternalReference = ch.Invoice.Subscription.ID
	}
	if ch.Customer != nil {
		ev.CustomerReference = ch.Customer.ID
	}
	if ev.ExternalReference == "" && ev.CustomerReference == "" && ev.MerchantID == "" {
		return billing.ErrEventIgnored
	}
	ev.Amount = fromCents(ch.AmountRefunded)
	ev.Type = billing.SubscriptionRefunded
	return nil
}
