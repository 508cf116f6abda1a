// Package storage persists subscriptions, history, checkout sessions, the provider
// event inbox, audit events and the outbox. Postgres backs production; Memory backs
// tests and single-process development.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/outbox"
)

var (
	ErrDuplicateProviderEvent = errors.New("duplicate provider event")
	ErrDuplicateHistory       = errors.New("duplicate history entry")
)

// Store is the read side plus transaction entry points.
type Store interface {
	// WithMerchantTx runs fn in one transaction that holds the merchant's exclusive
	// lock; every subscription mutation goes through here.
	WithMerchantTx(ctx context.Context, merchantID string, fn func(Tx) error) error
	// WithTx runs fn in a transaction without a merchant lock.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// CurrentSubscription returns the merchant's non-cancelled subscription or ErrNotFound.
	CurrentSubscription(ctx context.Context, merchantID string) (billing.Subscription, error)
	// LatestSubscription returns the most recently created subscription in any status.
	LatestSubscription(ctx context.Context, merchantID string) (billing.Subscription, error)
	GetSubscription(ctx context.Context, id string) (billing.Subscription, error)
	// FindByReference matches the provider's subscription or customer reference, newest first.
	FindByReference(ctx context.Context, provider billing.Provider, reference string) (billing.Subscription, error)
	ListHistory(ctx context.Context, merchantID string) ([]billing.HistoryEntry, error)
	GetCheckoutSession(ctx context.Context, reference string) (billing.CheckoutSession, error)
	// ListSweepCandidates returns non-cancelled subscriptions whose period ended by now
	// or that are past due.
	ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]billing.Subscription, error)

	// TryLeader takes a cluster-wide lock; ok is false when another instance holds it.
	TryLeader(ctx context.Context, key int64) (release func(), ok bool, err error)
	Ping(ctx context.Context) error
}

// Tx is the write side, valid only inside WithMerchantTx / WithTx.
type Tx interface {
	// CurrentForUpdate locks and returns the merchant's non-cancelled subscription.
	CurrentForUpdate(ctx context.Context, merchantID string) (billing.Subscription, bool, error)
	GetForUpdate(ctx context.Context, subscriptionID string) (billing.Subscription, error)
	// MerchantFirstPaymentAt is the earliest first payment across all of the merchant's subscriptions.
	MerchantFirstPaymentAt(ctx context.Context, merchantID string) (*time.Time, error)
	InsertSubscription(ctx context.Context, s billing.Subscription) error
	UpdateSubscription(ctx context.Context, s billing.Subscription) error

	HasHistory(ctx context.Context, subscriptionID, externalEventID string) (bool, error)
	// AppendHistory returns ErrDuplicateHistory for a repeated (subscription, event) pair.
	AppendHistory(ctx context.Context, e billing.HistoryEntry) error
	ListHistory(ctx context.Context, merchantID string) ([]billing.HistoryEntry, error)

	// InsertProviderEvent returns ErrDuplicateProviderEvent when the event was seen before.
	InsertProviderEvent(ctx context.Context, e billing.ProviderEvent) error
	SetProviderEventStatus(ctx context.Context, provider billing.Provider, eventID string, status billing.ProviderEventStatus) error

	SaveCheckoutSession(ctx context.Context, s billing.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, reference string) (billing.CheckoutSession, error)
	// OpenCheckoutSession returns the merchant's newest session still in status created
	// and created after since.
	OpenCheckoutSession(ctx context.Context, merchantID string, since time.Time) (billing.CheckoutSession, bool, error)

	InsertAudit(ctx context.Context, e billing.AuditEvent) error
	InsertOutbox(ctx context.Context, e outbox.Event) error
}
