// Package checkouttest provides an in-memory PaymentProvider for tests.
package checkouttest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
)

// SignatureHeader must equal "valid" for NormalizeEvent to accept a body.
const SignatureHeader = "X-Fake-Signature"

// Fake records every call. Bodies passed to NormalizeEvent are JSON-encoded
// billing.DomainEvent values; an empty Type means "ignored".
type Fake struct {
	ProviderName billing.Provider
	Trial        int
	// Delay is applied to every remote call, honoring ctx.
	Delay time.Duration

	mu        sync.Mutex
	err       error
	remote    map[string]billing.RemoteSubscription
	Sessions  []checkout.SessionRequest
	Cancelled []string
	Changed   []tiers.ID
	Refunds   []checkout.RefundRequest
	Lookups   []string
}

func New(name billing.Provider) *Fake {
	return &Fake{ProviderName: name, remote: map[string]billing.RemoteSubscription{}}
}

// Fail makes remote calls return err until Fail(nil).
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) SetRemote(rs billing.RemoteSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[rs.Reference] = rs
}

func (f *Fake) Name() billing.Provider { return f.ProviderName }

func (f *Fake) TrialDays() int { return f.Trial }

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fake) CreateSession(ctx context.Context, req checkout.SessionRequest) (checkout.ProviderSession, error) {
	if err := f.wait(ctx); err != nil {
		return checkout.ProviderSession{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sessions = append(f.Sessions, req)
	return checkout.ProviderSession{
		Reference:   req.Reference,
		RedirectURL: "https://pay.test/" + req.Reference,
	}, nil
}

func (f *Fake) NormalizeEvent(header http.Header, body []byte) (billing.DomainEvent, error) {
	if header.Get(SignatureHeader) != "valid" {
		return billing.DomainEvent{}, errors.New("bad fake signature")
	}
	var ev billing.DomainEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return billing.DomainEvent{}, err
	}
	ev.Provider = f.ProviderName
	if ev.Type == "" {
		return ev, billing.ErrEventIgnored
	}
	return ev, nil
}

// Event encodes ev as a body NormalizeEvent accepts.
func Event(ev billing.DomainEvent) (http.Header, []byte) {
	body, _ := json.Marshal(ev)
	h := http.Header{}
	h.Set(SignatureHeader, "valid")
	return h, body
}

func (f *Fake) LookupSubscription(ctx context.Context, reference string) (billing.RemoteSubscription, error) {
	if err := f.wait(ctx); err != nil {
		return billing.RemoteSubscription{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lookups = append(f.Lookups, reference)
	rs, ok := f.remote[reference]
	if !ok {
		return billing.RemoteSubscription{}, billing.ErrNotFound
	}
	return rs, nil
}

func (f *Fake) CancelAtPeriodEnd(ctx context.Context, reference string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, reference)
	return nil
}

func (f *Fake) ChangeTier(ctx context.Context, _ string, tier tiers.ID, _ tiers.Interval) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Changed = append(f.Changed, tier)
	return nil
}

func (f *Fake) Refund(ctx context.Context, req checkout.RefundRequest) (checkout.RefundReceipt, error) {
	if err := f.wait(ctx); err != nil {
		return checkout.RefundReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refunds = append(f.Refunds, req)
	return checkout.RefundReceipt{Reference: "re_" + req.IdempotencyKey, Amount: req.Amount}, nil
}
