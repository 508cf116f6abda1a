package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/checkouttest"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/local"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/entitlements"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/subscriptions"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "test-secret"

type server struct {
	mux  *http.ServeMux
	fake *checkouttest.Fake
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	fake := checkouttest.New(billing.ProviderInternational)
	gw := checkout.NewGateway(store, logger, checkout.Config{Timeout: time.Second, MaxAttempts: 1}, fake,
		local.New(local.Config{WebhookSecret: "whsec_local"}))
	svc := subscriptions.New(store, gw, logger)
	facade := entitlements.New(entitlements.Deps{Subscriptions: svc, Gateway: gw, Logger: logger})

	mux := http.NewServeMux()
	New(facade, logger).Register(mux, auth.RequireAuth(auth.NewVerifier(jwtSecret, nil)))
	return &server{mux: mux, fake: fake}
}

func token(t *testing.T, merchantID, role string) string {
	t.Helper()
	tok, err := auth.SignHS256(auth.NewClaims("user-1", merchantID, role, time.Hour), jwtSecret)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *server) webhook(t *testing.T, provider string, header http.Header, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, prefix+"/webhooks/"+provider, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// subscribe drives checkout plus the payment webhook for merchant m1 on pro.
func (s *server) subscribe(t *testing.T, tok string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, prefix+"/checkout", tok, map[string]string{"tier": "pro", "interval": "month", "provider": "international"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decodeBody(t, rec)
	assert.NotEmpty(t, out["redirect_url"])

	now := time.Now().UTC()
	header, body := checkouttest.Event(billing.DomainEvent{
		ID: "evt_1", Type: billing.PaymentSucceeded, SessionReference: out["session_reference"].(string),
		ExternalReference: "sub_1", Amount: decimal.RequireFromString("29"),
		OccurredAt: now, PeriodStart: now, PeriodEnd: now.AddDate(0, 1, 0),
	})
	rec = s.webhook(t, "international", header, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decodeBody(t, rec)["status"])
}

func TestCheckoutAndSubscriptionView(t *testing.T) {
	s := newServer(t)
	tok := token(t, "m1", auth.RoleOwner)
	s.subscribe(t, tok)

	rec := s.do(t, http.MethodGet, prefix+"/subscription", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "pro", out["tier"])
	assert.Equal(t, "active", out["status"])
	limits := out["limits"].(map[string]any)
	assert.Equal(t, float64(5), limits["max_places"])

	rec = s.do(t, http.MethodGet, prefix+"/subscription/history", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "created", history[0].(map[string]any)["action"])
}

func TestQuotaDenialIsPaymentRequired(t *testing.T) {
	s := newServer(t)
	tok := token(t, "m1", auth.RoleOwner)
	s.subscribe(t, tok)

	rec := s.do(t, http.MethodPost, prefix+"/quota/authorize", tok, map[string]any{"action": "add_place", "current_count": 5})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "quota_exceeded", out["error"])
	assert.Equal(t, float64(5), out["limit"])
	assert.Equal(t, "premium", out["upgrade_to"])

	rec = s.do(t, http.MethodPost, prefix+"/quota/authorize", tok, map[string]any{"action": "add_place", "current_count": 4})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["allowed"])

	rec = s.do(t, http.MethodPost, prefix+"/quota/authorize", tok, map[string]any{"action": "delete_place"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnverifiableWebhookIsRejected(t *testing.T) {
	s := newServer(t)
	body := []byte(`{"event_id":"evt_1","type":"payment.succeeded"}`)
	header := http.Header{}
	header.Set(local.SignatureHeader, local.Sign("wrong", time.Now(), body))

	rec := s.webhook(t, "local", header, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "verification_failed", decodeBody(t, rec)["error"])

	rec = s.webhook(t, "paypal", header, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequiresBearerToken(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, prefix+"/subscription", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProviderOutageIsServiceUnavailable(t *testing.T) {
	s := newServer(t)
	s.fake.Fail(checkout.Temporary(errors.New("connection reset")))

	rec := s.do(t, http.MethodPost, prefix+"/checkout", token(t, "m1", auth.RoleOwner),
		map[string]string{"tier": "basic", "provider": "international"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestCancelAndRefundConflicts(t *testing.T) {
	s := newServer(t)
	tok := token(t, "m1", auth.RoleOwner)

	rec := s.do(t, http.MethodPost, prefix+"/subscription/cancel", tok, map[string]string{"subscription_id": "nope"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(billing.ConflictNoActivePlan), decodeBody(t, rec)["error"])

	rec = s.do(t, http.MethodPost, prefix+"/refund/request", tok, map[string]string{"reason": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, prefix+"/refund/request", tok, map[string]string{"reason": "never used the product"})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "ineligible", out["status"])
	assert.Equal(t, "no payment recorded", out["reason"])
}

func TestRefundEligibleAfterPayment(t *testing.T) {
	s := newServer(t)
	tok := token(t, "m1", auth.RoleOwner)
	s.subscribe(t, tok)

	rec := s.do(t, http.MethodGet, prefix+"/refund/eligibility", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["is_eligible"])
	assert.Equal(t, float64(168), out["hours_remaining"])

	rec = s.do(t, http.MethodPost, prefix+"/refund/request", tok, map[string]string{"reason": "not what we expected"})
	require.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, "refunded", out["status"])
	assert.Equal(t, "cancelled", out["subscription"].(map[string]any)["status"])
}

func TestAdminMayTargetAnotherMerchant(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, prefix+"/subscription?merchant_id=m2", token(t, "m1", auth.RoleStaff), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, prefix+"/subscription?merchant_id=m2", token(t, "", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m2", decodeBody(t, rec)["merchant_id"])
}

func TestMethodNotAllowed(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, prefix+"/checkout", token(t, "m1", auth.RoleOwner), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStaffCannotStartCheckout(t *testing.T) {
	s := newServer(t)
	staff := token(t, "m1", auth.RoleStaff)

	rec := s.do(t, http.MethodPost, prefix+"/checkout", staff,
		map[string]string{"tier": "pro", "interval": "month", "provider": "local"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, prefix+"/subscription", staff, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteErrorClassifiesDenials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := map[string]struct {
		err    error
		status int
		code   string
	}{
		"tier not resolvable": {&billing.TierNotResolvableError{Tier: "gold"}, http.StatusConflict, "tier_not_resolvable"},
		"checkout pending":    {billing.Conflict(billing.ConflictCheckoutPending, "open"), http.StatusConflict, "checkout_pending"},
		"quota exceeded":      {&billing.QuotaExceededError{Resource: "places", Tier: "free", Limit: 1}, http.StatusPaymentRequired, "quota_exceeded"},
		"unclassified":        {errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodPost, prefix+"/quota/authorize", nil), logger, tc.err)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["error"])
		})
	}
}
