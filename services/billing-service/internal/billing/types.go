// Package billing holds the domain types shared by the lifecycle, checkout and API layers.
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderLocal         Provider = "local"
	ProviderInternational Provider = "international"
)

func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderLocal:
		return ProviderLocal, nil
	case ProviderInternational:
		return ProviderInternational, nil
	default:
		return "", &ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", s)}
	}
}

type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// Live reports whether the subscription still grants its tier.
func (s Status) Live() bool { return s != StatusCancelled && s != "" }

type Subscription struct {
	ID                 string
	MerchantID         string
	Tier               tiers.ID
	Interval           tiers.Interval
	Status             Status
	Provider           Provider
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	PastDueSince       *time.Time
	FirstPaymentAt     *time.Time
	ExternalReference  string
	CustomerReference  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Action string

const (
	ActionCreated         Action = "created"
	ActionActivated       Action = "activated"
	ActionRenewed         Action = "renewed"
	ActionCancelled       Action = "cancelled"
	ActionRefunded        Action = "refunded"
	ActionUpgraded        Action = "upgraded"
	ActionDowngraded      Action = "downgraded"
	ActionPastDue         Action = "past_due"
	ActionCancelScheduled Action = "cancel_scheduled"
	ActionReactivated     Action = "reactivated"
)

// Paid reports whether entries with this action record a captured payment.
func (a Action) Paid() bool {
	switch a {
	case ActionCreated, ActionActivated, ActionRenewed, ActionReactivated:
		return true
	}
	return false
}

// HistoryEntry is append-only; (SubscriptionID, ExternalEventID) is unique.
type HistoryEntry struct {
	ID              string
	SubscriptionID  string
	MerchantID      string
	Action          Action
	Tier            tiers.ID
	Amount          decimal.Decimal
	ExternalEventID string
	CreatedAt       time.Time
}

type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// CheckoutSession is the record of a checkout this service started. Only these can
// become subscriptions.
type CheckoutSession struct {
	Reference   string
	MerchantID  string
	Tier        tiers.ID
	Interval    tiers.Interval
	Provider    Provider
	Status      SessionStatus
	Price       decimal.Decimal
	Currency    string
	RedirectURL string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type EventType string

const (
	PaymentSucceeded      EventType = "payment_succeeded"
	PaymentFailed         EventType = "payment_failed"
	SubscriptionCancelled EventType = "subscription_cancelled"
	SubscriptionRefunded  EventType = "subscription_refunded"
)

// DomainEvent is a provider event normalized into the vocabulary of the lifecycle.
// Zero fields mean "not reported by the provider".
type DomainEvent struct {
	ID                string
	Provider          Provider
	Type              EventType
	MerchantID        string
	ExternalReference string
	CustomerReference string
	SessionReference  string
	Tier              tiers.ID
	Interval          tiers.Interval
	Amount            decimal.Decimal
	PeriodStart       time.Time
	PeriodEnd         time.Time
	OccurredAt        time.Time
	// ProviderType is the provider's own event name, e.g. "invoice.paid".
	ProviderType string
	// Payload is the raw provider body, kept for the inbox.
	Payload []byte
}

type RemoteStatus string

const (
	RemoteActive    RemoteStatus = "active"
	RemoteTrialing  RemoteStatus = "trialing"
	RemotePastDue   RemoteStatus = "past_due"
	RemoteCancelled RemoteStatus = "cancelled"
	RemoteUnknown   RemoteStatus = "unknown"
)

// RemoteSubscription is the provider's view of a subscription, used by reconciliation.
type RemoteSubscription struct {
	Reference         string
	CustomerReference string
	MerchantID        string
	SessionReference  string
	Status            RemoteStatus
	Tier              tiers.ID
	Interval          tiers.Interval
	PeriodStart       time.Time
	PeriodEnd         time.Time
	LatestAmount      decimal.Decimal
	// Paid is true when the latest invoice for the current period was collected.
	Paid bool
}

type ProviderEventStatus string

const (
	EventApplied   ProviderEventStatus = "applied"
	EventDuplicate ProviderEventStatus = "duplicate"
	EventDiscarded ProviderEventStatus = "discarded"
	EventIgnored   ProviderEventStatus = "ignored"
	// EventUnmatched is a checkout payment for a merchant that already holds another
	// provider subscription; it is kept for an operator to refund.
	EventUnmatched ProviderEventStatus = "unmatched"
)

type ProviderEvent struct {
	Provider   Provider
	EventID    string
	EventType  string
	Payload    []byte
	Status     ProviderEventStatus
	ReceivedAt time.Time
}

type AuditEvent struct {
	EventType  string
	ActorType  string
	ActorID    string
	MerchantID string
	Metadata   map[string]any
}
