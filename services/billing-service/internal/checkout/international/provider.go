// Package international adapts Stripe: hosted Checkout Sessions in subscription mode,
// signed webhooks and the Subscriptions/Refunds APIs.
package international

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Metadata keys written on sessions and subscriptions.
const (
	metaMerchantID = "merchant_id"
	metaTier       = "tier"
	metaInterval   = "interval"
	metaSession    = "session_reference"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	Tolerance     time.Duration
	SuccessURL    string
	CancelURL     string
	// Prices maps PriceKey(tier, interval) to a Stripe price id.
	Prices    map[string]string
	TrialDays int
	// Backends overrides the Stripe HTTP backends (tests).
	Backends *stripe.Backends
}

func PriceKey(tier tiers.ID, interval tiers.Interval) string {
	return string(tier) + ":" + string(interval)
}

type Provider struct {
	cfg Config
	api *client.API
}

func New(cfg Config) *Provider {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	backends := cfg.Backends
	if backends == nil {
		backends = stripe.NewBackends(&http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	}
	return &Provider{cfg: cfg, api: client.New(cfg.SecretKey, backends)}
}

func (p *Provider) Name() billing.Provider { return billing.ProviderInternational }

func (p *Provider) TrialDays() int { return p.cfg.TrialDays }

func (p *Provider) price(tier tiers.ID, interval tiers.Interval) (string, error) {
	id := p.cfg.Prices[PriceKey(tier, interval)]
	if id == "" {
		return "", fmt.Errorf("international: no price configured for %s/%s", tier, interval)
	}
	return id, nil
}

func (p *Provider) CreateSession(ctx context.Context, req checkout.SessionRequest) (checkout.ProviderSession, error) {
	priceID, err := p.price(req.Tier, req.Interval)
	if err != nil {
		return checkout.ProviderSession{}, err
	}
	meta := map[string]string{
		metaMerchantID: req.MerchantID,
		metaTier:       string(req.Tier),
		metaInterval:   string(req.Interval),
		metaSession:    req.Reference,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(withQuery(p.cfg.SuccessURL, "session", req.Reference)),
		CancelURL:         stripe.String(withQuery(p.cfg.CancelURL, "session", req.Reference)),
		ClientReferenceID: stripe.String(req.MerchantID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		Metadata: meta,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.Reference)

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return checkout.ProviderSession{}, classify("create checkout session", err)
	}
	return checkout.ProviderSession{Reference: req.Reference, RedirectURL: sess.URL}, nil
}

func (p *Provider) getSubscription(ctx context.Context, reference string, expand ...string) (*stripe.Subscription, error) {
	if reference == "" {
		return nil, fmt.Errorf("international: empty reference: %w", billing.ErrNotFound)
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	for _, e := range expand {
		params.AddExpand(e)
	}
	sub, err := p.api.Subscriptions.Get(reference, params)
	if err != nil {
		return nil, classify("get subscription", err)
	}
	return sub, nil
}

func (p *Provider) LookupSubscription(ctx context.Context, reference string) (billing.RemoteSubscription, error) {
	sub, err := p.getSubscription(ctx, reference, "latest_invoice")
	if err != nil {
		return billing.RemoteSubscription{}, err
	}
	out := billing.RemoteSubscription{
		Reference:        sub.ID,
		MerchantID:       sub.Metadata[metaMerchantID],
		SessionReference: sub.Metadata[metaSession],
		Status:           remoteStatus(sub.Status),
		Tier:             tiers.ID(sub.Metadata[metaTier]),
		Interval:         tiers.Interval(sub.Metadata[metaInterval]),
		PeriodStart:      unix(sub.CurrentPeriodStart),
		PeriodEnd:        unix(sub.CurrentPeriodEnd),
	}
	if sub.Customer != nil {
		out.CustomerReference = sub.Customer.ID
	}
	if inv := sub.LatestInvoice; inv != nil {
		out.LatestAmount = fromCents(inv.AmountPaid)
		out.Paid = inv.Paid
	}
	return out, nil
}

func remoteStatus(s stripe.SubscriptionStatus) billing.RemoteStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return billing.RemoteActive
	case stripe.SubscriptionStatusTrialing:
		return billing.RemoteTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return billing.RemotePastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.RemoteCancelled
	default:
		return billing.RemoteUnknown
	}
}

func (p *Provider) CancelAtPeriodEnd(ctx context.Context, reference string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("cancel:" + reference)
	if _, err := p.api.Subscriptions.Update(reference, params); err != nil {
		return classify("cancel subscription", err)
	}
	return nil
}

func (p *Provider) ChangeTier(ctx context.Context, reference string, tier tiers.ID, interval tiers.Interval) error {
	priceID, err := p.price(tier, interval)
	if err != nil {
		return err
	}
	sub, err := p.getSubscription(ctx, reference)
	if err != nil {
		return err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("international: subscription %s has no items", reference)
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(sub.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.AddMetadata(metaTier, string(tier))
	params.AddMetadata(metaInterval, string(interval))
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(reference, params); err != nil {
		return classify("change subscription price", err)
	}
	return nil
}

// Refund refunds the payment intent behind the subscription's latest invoice.
func (p *Provider) Refund(ctx context.Context, req checkout.RefundRequest) (checkout.RefundReceipt, error) {
	sub, err := p.getSubscription(ctx, req.SubscriptionReference, "latest_invoice.payment_intent")
	if err != nil {
		return checkout.RefundReceipt{}, err
	}
	if sub.LatestInvoice == nil || sub.LatestInvoice.PaymentIntent == nil {
		return checkout.RefundReceipt{}, fmt.Errorf("international: subscription %s has no captured payment", req.SubscriptionReference)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(sub.LatestInvoice.PaymentIntent.ID),
		Amount:        stripe.Int64(toCents(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.AddMetadata("reason", req.Reason)
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	r, err := p.api.Refunds.New(params)
	if err != nil {
		return checkout.RefundReceipt{}, classify("create refund", err)
	}
	return checkout.RefundReceipt{Reference: r.ID, Amount: fromCents(r.Amount)}, nil
}

// classify maps Stripe errors onto the gateway's retry and not-found semantics.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return checkout.Temporary(fmt.Errorf("international: %s: %w", op, err))
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
		return checkout.Temporary(fmt.Errorf("international: %s: %w", op, err))
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("international: %s: %w: %w", op, billing.ErrNotFound, err)
	default:
		return fmt.Errorf("international: %s: %w", op, err)
	}
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func fromCents(c int64) decimal.Decimal { return decimal.New(c, -2) }

func toCents(d decimal.Decimal) int64 { return d.Shift(2).Round(0).IntPart() }
