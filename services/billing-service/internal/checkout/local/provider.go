// Package local adapts the regional payment processor: embedded payment form,
// REST API and HMAC-signed webhooks.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	PublicKey     string
	ScriptURL     string
	Tolerance     time.Duration
	HTTPClient    *http.Client
}

type Provider struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

func New(cfg Config) *Provider {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{cfg: cfg, client: client, now: time.Now}
}

func (p *Provider) Name() billing.Provider { return billing.ProviderLocal }

// TrialDays is zero: the regional processor has no trial support.
func (p *Provider) TrialDays() int { return 0 }

type sessionResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (p *Provider) CreateSession(ctx context.Context, req checkout.SessionRequest) (checkout.ProviderSession, error) {
	var resp sessionResponse
	body := map[string]any{
		"reference":   req.Reference,
		"merchant_id": req.MerchantID,
		"amount":      req.Price.StringFixed(2),
		"currency":    req.Currency,
		"plan":        map[string]string{"tier": string(req.Tier), "interval": string(req.Interval)},
	}
	if !req.ExpiresAt.IsZero() {
		body["expires_at"] = req.ExpiresAt.UTC()
	}
	err := p.do(ctx, http.MethodPost, "/v1/checkout/sessions", req.Reference, body, &resp)
	if err != nil {
		return checkout.ProviderSession{}, err
	}
	if resp.Token == "" {
		return checkout.ProviderSession{}, errors.New("local: session token missing in response")
	}
	return checkout.ProviderSession{
		Reference: req.Reference,
		ClientConfig: map[string]string{
			"token":      resp.Token,
			"public_key": p.cfg.PublicKey,
			"script_url": p.cfg.ScriptURL,
		},
	}, nil
}

type remoteSubscription struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	Customer           string          `json:"customer"`
	MerchantID         string          `json:"merchant_id"`
	Session            string          `json:"session"`
	Tier               string          `json:"tier"`
	Interval           string          `json:"interval"`
	CurrentPeriodStart time.Time       `json:"current_period_start"`
	CurrentPeriodEnd   time.Time       `json:"current_period_end"`
	LatestAmount       decimal.Decimal `json:"latest_amount"`
	LatestPaid         bool            `json:"latest_paid"`
}

func (p *Provider) LookupSubscription(ctx context.Context, reference string) (billing.RemoteSubscription, error) {
	if reference == "" {
		return billing.RemoteSubscription{}, fmt.Errorf("local: empty reference: %w", billing.ErrNotFound)
	}
	var rs remoteSubscription
	if err := p.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(reference), "", nil, &rs); err != nil {
		return billing.RemoteSubscription{}, err
	}
	return billing.RemoteSubscription{
		Reference:         rs.ID,
		CustomerReference: rs.Customer,
		MerchantID:        rs.MerchantID,
		SessionReference:  rs.Session,
		Status:            remoteStatus(rs.Status),
		Tier:              tiers.ID(rs.Tier),
		Interval:          tiers.Interval(rs.Interval),
		PeriodStart:       rs.CurrentPeriodStart,
		PeriodEnd:         rs.CurrentPeriodEnd,
		LatestAmount:      rs.LatestAmount,
		Paid:              rs.LatestPaid,
	}, nil
}

func remoteStatus(s string) billing.RemoteStatus {
	switch s {
	case "active":
		return billing.RemoteActive
	case "past_due", "unpaid":
		return billing.RemotePastDue
	case "cancelled", "canceled", "ended":
		return billing.RemoteCancelled
	default:
		return billing.RemoteUnknown
	}
}

func (p *Provider) CancelAtPeriodEnd(ctx context.Context, reference string) error {
	return p.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(reference)+"/cancel", "cancel:"+reference,
		map[string]any{"at_period_end": true}, nil)
}

func (p *Provider) ChangeTier(ctx context.Context, reference string, tierID tiers.ID, interval tiers.Interval) error {
	tier, err := tiers.Resolve(tierID)
	if err != nil {
		return err
	}
	return p.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(reference)+"/plan", "",
		map[string]any{
			"tier":     string(tierID),
			"interval": string(interval),
			"amount":   tier.Price(interval).StringFixed(2),
		}, nil)
}

type refundResponse struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

func (p *Provider) Refund(ctx context.Context, req checkout.RefundRequest) (checkout.RefundReceipt, error) {
	var resp refundResponse
	err := p.do(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, map[string]any{
		"subscription": req.SubscriptionReference,
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"reason":       req.Reason,
	}, &resp)
	if err != nil {
		return checkout.RefundReceipt{}, err
	}
	return checkout.RefundReceipt{Reference: resp.ID, Amount: resp.Amount}, nil
}

// do sends a JSON request. Network errors, 429 and 5xx are temporary; 404 maps to
// billing.ErrNotFound.
func (p *Provider) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return checkout.Temporary(fmt.Errorf("local %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return checkout.Temporary(fmt.Errorf("local %s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("local %s %s: %w", method, path, billing.ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("local %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("local %s %s: decode: %w", method, path, err)
	}
	return nil
}
