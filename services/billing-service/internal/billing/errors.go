package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrEventIgnored marks provider events the lifecycle does not consume. They are
	// acknowledged and recorded, never applied.
	ErrEventIgnored = errors.New("event type ignored")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type ConflictCode string

const (
	ConflictAlreadySubscribed  ConflictCode = "already_subscribed"
	ConflictPlanChangeRequired ConflictCode = "plan_change_required"
	ConflictPaymentPastDue     ConflictCode = "payment_past_due"
	ConflictAlreadyCancelling  ConflictCode = "already_cancelling"
	ConflictAlreadyCancelled   ConflictCode = "already_cancelled"
	ConflictUsageExceedsTier   ConflictCode = "usage_exceeds_tier"
	ConflictNoActivePlan       ConflictCode = "no_active_subscription"
	ConflictCheckoutPending    ConflictCode = "checkout_pending"
)

type ConflictError struct {
	Code    ConflictCode
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return "conflict: " + string(e.Code)
	}
	return e.Message
}

func Conflict(code ConflictCode, format string, args ...any) error {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is a ConflictError with the given code.
func IsConflict(err error, code ConflictCode) bool {
	var c *ConflictError
	return errors.As(err, &c) && c.Code == code
}

type QuotaExceededError struct {
	Resource tiers.Resource
	Tier     tiers.ID
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: tier %s allows %d", e.Resource, e.Tier, e.Limit)
}

// TierNotResolvableError denies a quota check because the merchant's granted tier is not
// in the catalogue. It is a denial, not a server fault.
type TierNotResolvableError struct {
	Tier tiers.ID
}

func (e *TierNotResolvableError) Error() string {
	return fmt.Sprintf("tier %q is not resolvable", e.Tier)
}

func (e *TierNotResolvableError) Unwrap() error { return tiers.ErrTierNotFound }

type ProviderUnavailableError struct {
	Provider   Provider
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("payment provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ProviderRejectedError is a non-retryable provider answer (invalid request, unknown
// reference).
type ProviderRejectedError struct {
	Provider Provider
	Err      error
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("payment provider %s rejected request: %v", e.Provider, e.Err)
}

func (e *ProviderRejectedError) Unwrap() error { return e.Err }

type VerificationFailedError struct {
	Provider Provider
	Err      error
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("%s webhook verification failed: %v", e.Provider, e.Err)
}

func (e *VerificationFailedError) Unwrap() error { return e.Err }
