package grpcserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/libs/grpcx"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/checkouttest"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/entitlements"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/subscriptions"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func start(t *testing.T, verifier *auth.Verifier) (*Client, *storage.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	gw := checkout.NewGateway(store, logger, checkout.Config{Timeout: time.Second, MaxAttempts: 1}, checkouttest.New(billing.ProviderLocal))
	facade := entitlements.New(entitlements.Deps{Subscriptions: subscriptions.New(store, gw, logger), Gateway: gw, Logger: logger})

	srv, _ := grpcx.NewServer(logger)
	Register(srv, facade, verifier)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpcx.NewClient(lis.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn), store
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func seedPremium(t *testing.T, store *storage.Memory, merchantID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertSubscription(context.Background(), billing.Subscription{
			ID: "sub-" + merchantID, MerchantID: merchantID, Tier: tiers.Premium, Interval: tiers.Monthly,
			Status: billing.StatusActive, Provider: billing.ProviderLocal, CurrentPeriodStart: now,
			CurrentPeriodEnd: now.AddDate(0, 1, 0), CreatedAt: now, UpdatedAt: now,
		})
	}))
}

func TestGetEntitlements(t *testing.T) {
	client, store := start(t, nil)
	seedPremium(t, store, "m1")

	resp, err := client.GetEntitlements(context.Background(), request(t, map[string]any{"merchant_id": "m1"}))
	require.NoError(t, err)
	f := resp.GetFields()
	assert.Equal(t, "premium", f["tier"].GetStringValue())
	assert.Equal(t, "active", f["status"].GetStringValue())
	assert.Equal(t, float64(entitlements.Unbounded), f["max_places"].GetNumberValue())
	assert.Equal(t, float64(100), f["max_coupons"].GetNumberValue())
	assert.NotEmpty(t, f["current_period_end"].GetStringValue())
	assert.Len(t, f["features"].GetListValue().GetValues(), 5)

	resp, err = client.GetEntitlements(context.Background(), request(t, map[string]any{"merchant_id": "m2"}))
	require.NoError(t, err)
	assert.Equal(t, "free", resp.GetFields()["tier"].GetStringValue())
}

func TestAuthorize(t *testing.T) {
	client, _ := start(t, nil)
	ctx := context.Background()

	resp, err := client.Authorize(ctx, request(t, map[string]any{"merchant_id": "m1", "action": "add_place", "current_count": 0}))
	require.NoError(t, err)
	assert.True(t, resp.GetFields()["allowed"].GetBoolValue())

	resp, err = client.Authorize(ctx, request(t, map[string]any{"merchant_id": "m1", "action": "add_place", "current_count": 1}))
	require.NoError(t, err)
	assert.False(t, resp.GetFields()["allowed"].GetBoolValue())
	assert.Equal(t, "quota_exceeded", resp.GetFields()["reason"].GetStringValue())
	assert.Equal(t, "1", resp.GetFields()["limit"].GetStringValue())

	_, err = client.Authorize(ctx, request(t, map[string]any{"merchant_id": "m1", "action": "add_review"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Authorize(ctx, request(t, map[string]any{"action": "add_place"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTokenScopesCaller(t *testing.T) {
	const secret = "grpc-secret"
	client, _ := start(t, auth.NewVerifier(secret, nil))
	req := request(t, map[string]any{"merchant_id": "m2"})

	_, err := client.GetEntitlements(context.Background(), req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	tok, err := auth.SignHS256(auth.NewClaims("u1", "m1", auth.RoleOwner, time.Hour), secret)
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
	_, err = client.GetEntitlements(ctx, req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = client.GetEntitlements(ctx, request(t, map[string]any{"merchant_id": "m1"}))
	assert.NoError(t, err)
}
