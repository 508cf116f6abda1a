// Command webhook-sim builds, signs and posts provider webhooks to a running billing
// service, for local end-to-end runs without a real payment provider.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/international"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/local"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

type options struct {
	baseURL      string
	secret       string
	eventType    string
	merchantID   string
	tier         string
	interval     string
	session      string
	subscription string
	customer     string
	amount       string
	dryRun       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "webhook-sim",
		Short:        "Post signed provider webhooks to the billing service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", env("BASE_URL", "http://localhost:8084"), "billing service base url")
	root.PersistentFlags().StringVar(&opts.merchantID, "merchant", env("MERCHANT_ID", ""), "merchant id")
	root.PersistentFlags().StringVar(&opts.tier, "tier", "pro", "tier id")
	root.PersistentFlags().StringVar(&opts.interval, "interval", string(tiers.Monthly), "billing interval (month or year)")
	root.PersistentFlags().StringVar(&opts.session, "session", "", "checkout session reference")
	root.PersistentFlags().StringVar(&opts.subscription, "subscription", "sub_sim_1", "provider subscription reference")
	root.PersistentFlags().StringVar(&opts.customer, "customer", "cus_sim_1", "provider customer reference")
	root.PersistentFlags().StringVar(&opts.amount, "amount", "", "charged amount; defaults to the tier price")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "print the signed request instead of sending it")

	var stripeSecret, stripeType string
	stripeCmd := &cobra.Command{
		Use:   "stripe",
		Short: "Send a Stripe-format event (checkout.session.completed, invoice.paid, ...)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.secret, opts.eventType = stripeSecret, stripeType
			return runStripe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	stripeCmd.Flags().StringVar(&stripeSecret, "secret", env("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret")
	stripeCmd.Flags().StringVar(&stripeType, "type", "checkout.session.completed", "stripe event type")

	var localSecret, localType string
	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Send a local processor event (payment.succeeded, payment.failed, ...)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.secret, opts.eventType = localSecret, localType
			return runLocal(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	localCmd.Flags().StringVar(&localSecret, "secret", env("LOCAL_PAY_WEBHOOK_SECRET", ""), "local processor webhook secret")
	localCmd.Flags().StringVar(&localType, "type", local.TypePaymentSucceeded, "local event type")

	root.AddCommand(stripeCmd, localCmd)
	return root
}

func (o *options) validate() error {
	if strings.TrimSpace(o.secret) == "" {
		return fmt.Errorf("--secret is required")
	}
	if strings.TrimSpace(o.merchantID) == "" {
		return fmt.Errorf("--merchant is required")
	}
	return nil
}

// period returns the billing window starting at now and the charged amount.
func (o *options) period(now time.Time) (time.Time, time.Time, decimal.Decimal, error) {
	id, err := tiers.Parse(o.tier)
	if err != nil {
		return time.Time{}, time.Time{}, decimal.Zero, err
	}
	iv, err := tiers.ParseInterval(o.interval)
	if err != nil {
		return time.Time{}, time.Time{}, decimal.Zero, err
	}
	tier, err := tiers.Resolve(id)
	if err != nil {
		return time.Time{}, time.Time{}, decimal.Zero, err
	}
	amount := tier.Price(iv)
	if o.amount != "" {
		if amount, err = decimal.NewFromString(o.amount); err != nil {
			return time.Time{}, time.Time{}, decimal.Zero, fmt.Errorf("--amount: %w", err)
		}
	}
	return now, now.AddDate(0, iv.Months(), 0), amount, nil
}

func runStripe(ctx context.Context, out io.Writer, o *options) error {
	if err := o.validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	start, end, amount, err := o.period(now)
	if err != nil {
		return err
	}
	payload, err := stripeEvent(o, now, start, end, amount.Shift(2).IntPart())
	if err != nil {
		return err
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    o.secret,
		Timestamp: now,
		Scheme:    "v1",
	})
	return post(ctx, out, o, "international", payload, international.SignatureHeader, signed.Header)
}

func stripeEvent(o *options, now, start, end time.Time, cents int64) ([]byte, error) {
	meta := map[string]string{
		"merchant_id":       o.merchantID,
		"tier":              o.tier,
		"interval":          o.interval,
		"session_reference": o.session,
	}
	subscription := map[string]any{
		"id":                   o.subscription,
		"object":               "subscription",
		"status":               "active",
		"customer":             o.customer,
		"metadata":             meta,
		"current_period_start": start.Unix(),
		"current_period_end":   end.Unix(),
	}
	var object map[string]any
	switch o.eventType {
	case "checkout.session.completed":
		object = map[string]any{
			"id":                  firstNonEmpty(o.session, "cs_sim_"+strings.ToLower(ulid.Make().String())),
			"object":              "checkout.session",
			"mode":                "subscription",
			"client_reference_id": o.merchantID,
			"subscription":        o.subscription,
			"customer":            o.customer,
			"amount_total":        cents,
			"payment_status":      "paid",
			"metadata":            meta,
		}
	case "invoice.paid", "invoice.payment_failed":
		paid := cents
		if o.eventType == "invoice.payment_failed" {
			paid = 0
		}
		object = map[string]any{
			"id":             "in_sim_" + strings.ToLower(ulid.Make().String()),
			"object":         "invoice",
			"billing_reason": "subscription_cycle",
			"subscription":   subscription,
			"customer":       o.customer,
			"amount_paid":    paid,
			"period_start":   start.Unix(),
			"period_end":     end.Unix(),
		}
	case "customer.subscription.deleted":
		subscription["status"] = "canceled"
		object = subscription
	case "charge.refunded":
		object = map[string]any{
			"id":              "ch_sim_" + strings.ToLower(ulid.Make().String()),
			"object":          "charge",
			"customer":        o.customer,
			"amount_refunded": cents,
			"refunded":        true,
			"metadata":        map[string]string{"merchant_id": o.merchantID},
			"invoice": map[string]any{
				"id":           "in_sim_refunded",
				"object":       "invoice",
				"subscription": o.subscription,
			},
		}
	default:
		return nil, fmt.Errorf("unsupported stripe event type %q", o.eventType)
	}
	return json.Marshal(map[string]any{
		"id":          "evt_sim_" + strings.ToLower(ulid.Make().String()),
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     now.Unix(),
		"type":        o.eventType,
		"data":        map[string]any{"object": object},
	})
}

func runLocal(ctx context.Context, out io.Writer, o *options) error {
	if err := o.validate(); err != nil {
		return err
	}
	switch o.eventType {
	case local.TypePaymentSucceeded, local.TypePaymentFailed, local.TypeSubscriptionCancelled, local.TypePaymentRefunded:
	default:
		return fmt.Errorf("unsupported local event type %q", o.eventType)
	}
	now := time.Now().UTC()
	start, end, amount, err := o.period(now)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(local.Event{
		EventID:     "lev_" + strings.ToLower(ulid.Make().String()),
		Type:        o.eventType,
		MerchantID:  o.merchantID,
		Reference:   o.subscription,
		Customer:    o.customer,
		Session:     o.session,
		Tier:        o.tier,
		Interval:    o.interval,
		Amount:      amount,
		PeriodStart: start,
		PeriodEnd:   end,
		OccurredAt:  now,
	})
	if err != nil {
		return err
	}
	return post(ctx, out, o, "local", payload, local.SignatureHeader, local.Sign(o.secret, now, payload))
}

func post(ctx context.Context, out io.Writer, o *options, provider string, payload []byte, header, signature string) error {
	url := strings.TrimRight(o.baseURL, "/") + "/api/v1/billing/webhooks/" + provider
	if o.dryRun {
		fmt.Fprintf(out, "POST %s\n%s: %s\n\n%s\n", url, header, signature, payload)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, signature)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintf(out, "status=%d\n%s\n", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected with status %d", resp.StatusCode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
