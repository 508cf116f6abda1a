// Package handlers exposes the entitlement facade over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/entitlements"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/quota"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/shopspring/decimal"
)

const prefix = "/api/v1/billing"

type Handler struct {
	facade *entitlements.Facade
	logger *slog.Logger
	// maxWebhookBytes caps provider payloads read into memory.
	maxWebhookBytes int64
}

func New(facade *entitlements.Facade, logger *slog.Logger) *Handler {
	return &Handler{facade: facade, logger: logger, maxWebhookBytes: 1 << 20}
}

// Register mounts the API on mux. Webhooks are public (the provider signature is the
// auth); everything else goes through requireAuth. Staff may read; only owners and
// admins move money.
func (h *Handler) Register(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	private := func(path string, fn http.HandlerFunc) {
		mux.Handle(prefix+path, requireAuth(fn))
	}
	owner := auth.RequireRole(auth.RoleOwner, auth.RoleAdmin)
	billingOwner := func(path string, fn http.HandlerFunc) {
		mux.Handle(prefix+path, requireAuth(owner(fn)))
	}
	mux.HandleFunc(prefix+"/webhooks/{provider}", h.Webhook)
	billingOwner("/checkout", h.Checkout)
	private("/subscription", h.GetSubscription)
	private("/subscription/history", h.History)
	billingOwner("/subscription/cancel", h.CancelSubscription)
	billingOwner("/subscription/change", h.ChangeTier)
	private("/refund/eligibility", h.RefundEligibility)
	billingOwner("/refund/request", h.RequestRefund)
	private("/quota/authorize", h.AuthorizeQuota)
}

// Webhook verifies and applies one provider delivery. Anything but a 2xx makes the
// provider redeliver.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider, err := billing.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxWebhookBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	res, err := h.facade.ProcessWebhook(r.Context(), provider, r.Header, body)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.Outcome})
}

type checkoutRequest struct {
	Tier     string `json:"tier"`
	Interval string `json:"interval"`
	Provider string `json:"provider"`
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !decode(w, r, &req) {
		return
	}
	provider, err := billing.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	interval := tiers.Monthly
	if strings.TrimSpace(req.Interval) != "" {
		interval = tiers.Interval(strings.ToLower(strings.TrimSpace(req.Interval)))
	}
	tier := tiers.ID(strings.ToLower(strings.TrimSpace(req.Tier)))

	sess, err := h.facade.Checkout(r.Context(), actor, tier, interval, provider)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := map[string]any{
		"session_reference": sess.Reference,
		"provider":          sess.Provider,
		"tier":              sess.Tier,
		"interval":          sess.Interval,
		"price":             sess.Price,
		"currency":          sess.Currency,
		"trial_days":        sess.TrialDays,
	}
	if sess.RedirectURL != "" {
		out["redirect_url"] = sess.RedirectURL
	}
	if len(sess.ClientConfig) > 0 {
		out["client_config"] = sess.ClientConfig
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.facade.Entitlements(r.Context(), actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type historyEntry struct {
	ID              string          `json:"id"`
	SubscriptionID  string          `json:"subscription_id"`
	Action          billing.Action  `json:"action"`
	Tier            tiers.ID        `json:"tier"`
	Amount          decimal.Decimal `json:"amount"`
	ExternalEventID string          `json:"external_event_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	entries, err := h.facade.History(r.Context(), actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{
			ID:              e.ID,
			SubscriptionID:  e.SubscriptionID,
			Action:          e.Action,
			Tier:            e.Tier,
			Amount:          e.Amount,
			ExternalEventID: e.ExternalEventID,
			CreatedAt:       e.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

type cancelRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.facade.Cancel(r.Context(), actor, strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionJSON(sub))
}

type changeRequest struct {
	Tier         string `json:"tier"`
	PlacesCount  int    `json:"places_count"`
	CouponsCount int    `json:"coupons_count"`
}

// ChangeTier takes the caller's current counts so downgrades can be vetted.
func (h *Handler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req changeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PlacesCount < 0 || req.CouponsCount < 0 {
		writeError(w, r, h.logger, billing.Invalid("places_count", "counts must not be negative"))
		return
	}
	tier := tiers.ID(strings.ToLower(strings.TrimSpace(req.Tier)))
	sub, err := h.facade.ChangeTier(r.Context(), actor, tier, quota.Usage{Places: req.PlacesCount, Coupons: req.CouponsCount})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionJSON(sub))
}

func (h *Handler) RefundEligibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	elig, err := h.facade.RefundEligibility(r.Context(), actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := map[string]any{
		"is_eligible":       elig.IsEligible,
		"hours_remaining":   elig.HoursRemaining,
		"refundable_amount": elig.RefundableAmount,
	}
	if elig.Reason != "" {
		out["reason"] = elig.Reason
	}
	if elig.SubscriptionID != "" {
		out["subscription_id"] = elig.SubscriptionID
	}
	writeJSON(w, http.StatusOK, out)
}

type refundRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Reason         string `json:"reason"`
}

// RequestRefund answers 200 for both outcomes; an ineligible request carries the reason.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.facade.RequestRefund(r.Context(), actor, strings.TrimSpace(req.SubscriptionID), req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !res.Refunded {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ineligible", "reason": res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "refunded",
		"refund_reference": res.Reference,
		"amount":           res.Amount,
		"subscription":     subscriptionJSON(res.Subscription),
	})
}

type authorizeRequest struct {
	Action       string `json:"action"`
	CurrentCount int    `json:"current_count"`
}

// AuthorizeQuota is called by the owners of places and coupons before they create one.
func (h *Handler) AuthorizeQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := quota.ParseAction(strings.TrimSpace(req.Action))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	usage := quota.Usage{Places: req.CurrentCount}
	if action == quota.AddCoupon {
		usage = quota.Usage{Coupons: req.CurrentCount}
	}
	d, err := h.facade.Authorize(r.Context(), actor, action, usage)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": true,
		"action":  d.Action,
		"tier":    d.Tier,
		"limit":   d.Limit.String(),
		"current": d.Current,
	})
}

type subscriptionView struct {
	ID                 string           `json:"id"`
	Tier               tiers.ID         `json:"tier"`
	Interval           tiers.Interval   `json:"interval"`
	Status             billing.Status   `json:"status"`
	Provider           billing.Provider `json:"provider"`
	CurrentPeriodStart time.Time        `json:"current_period_start"`
	CurrentPeriodEnd   time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd  bool             `json:"cancel_at_period_end"`
}

func subscriptionJSON(s billing.Subscription) subscriptionView {
	return subscriptionView{
		ID:                 s.ID,
		Tier:               s.Tier,
		Interval:           s.Interval,
		Status:             s.Status,
		Provider:           s.Provider,
		CurrentPeriodStart: s.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   s.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
}

// actor resolves the caller; admins may target another merchant with ?merchant_id=.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Actor{}, false
	}
	scoped, err := entitlements.Scope(actor, r.URL.Query().Get("merchant_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return auth.Actor{}, false
	}
	return scoped, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
