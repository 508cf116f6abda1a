package handlers

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/merchantbilling/libs/errreport"
	"github.com/md-rashed-zaman/merchantbilling/libs/httpx"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/locks"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`

	// Quota denials only.
	Resource  tiers.Resource `json:"resource,omitempty"`
	Limit     *int           `json:"limit,omitempty"`
	UpgradeTo tiers.ID       `json:"upgrade_to,omitempty"`
}

// writeError maps the domain taxonomy onto HTTP. Unclassified errors are logged and
// reported; the client only sees a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		ve *billing.ValidationError
		ce *billing.ConflictError
		qe *billing.QuotaExceededError
		tn *billing.TierNotResolvableError
		vf *billing.VerificationFailedError
		pu *billing.ProviderUnavailableError
		pr *billing.ProviderRejectedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Message: ve.Error(), Field: ve.Field})
	case errors.As(err, &vf):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "verification_failed", Message: "webhook could not be verified"})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorBody{Error: string(ce.Code), Message: ce.Error()})
	case errors.As(err, &qe):
		limit := qe.Limit
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:     "quota_exceeded",
			Message:   qe.Error(),
			Resource:  qe.Resource,
			Limit:     &limit,
			UpgradeTo: upgradeFor(qe),
		})
	case errors.As(err, &tn):
		logger.Error("quota denied: tier not resolvable", "request_id", httpx.RequestIDFromContext(r.Context()),
			"tier", tn.Tier, "err", err)
		writeJSON(w, http.StatusConflict, errorBody{Error: "tier_not_resolvable", Message: tn.Error()})
	case errors.As(err, &pu):
		if pu.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pu.RetryAfter.Seconds()))))
		}
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "provider_unavailable", Message: "payment provider unavailable, try again later"})
	case errors.As(err, &pr):
		logger.Warn("provider rejected request", "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "provider_rejected", Message: "payment provider rejected the request"})
	case errors.Is(err, billing.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, billing.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "not allowed to act on this merchant"})
	case errors.Is(err, locks.ErrNotAcquired):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "busy", Message: "try again later"})
	default:
		logger.Error("request failed", "request_id", httpx.RequestIDFromContext(r.Context()),
			"method", r.Method, "path", r.URL.Path, "err", err)
		errreport.CaptureRequest(r, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "try again later"})
	}
}

// upgradeFor names the cheapest purchasable tier that would allow one more item.
func upgradeFor(qe *billing.QuotaExceededError) tiers.ID {
	from, err := tiers.Resolve(qe.Tier)
	if err != nil {
		return ""
	}
	for _, t := range tiers.All() {
		if t.Purchasable && t.Rank > from.Rank && t.Limit(qe.Resource).Allows(qe.Limit+1) {
			return t.ID
		}
	}
	return ""
}
