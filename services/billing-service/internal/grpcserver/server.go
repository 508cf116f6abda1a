package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/entitlements"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/quota"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type server struct {
	facade *entitlements.Facade
	// verifier is nil when callers are trusted by the network (mesh mTLS).
	verifier *auth.Verifier
}

func Register(grpcServer *grpc.Server, facade *entitlements.Facade, verifier *auth.Verifier) {
	RegisterEntitlementsServer(grpcServer, &server{facade: facade, verifier: verifier})
}

func (s *server) GetEntitlements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := s.actor(ctx, req)
	if err != nil {
		return nil, err
	}
	view, err := s.facade.Entitlements(ctx, actor)
	if err != nil {
		return nil, toStatus(err)
	}
	features := make([]any, 0, len(view.Features))
	for _, f := range view.Features {
		features = append(features, string(f))
	}
	out := map[string]any{
		"merchant_id":          view.MerchantID,
		"tier":                 string(view.Tier),
		"status":               string(view.Status),
		"max_places":           int64(view.Limits.MaxPlaces),
		"max_coupons":          int64(view.Limits.MaxCoupons),
		"features":             features,
		"cancel_at_period_end": view.CancelAtPeriodEnd,
	}
	if view.CurrentPeriodEnd != nil {
		out["current_period_end"] = view.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(out)
}

// Authorize answers allowed=false for a quota denial; only failures are gRPC errors.
func (s *server) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := s.actor(ctx, req)
	if err != nil {
		return nil, err
	}
	action, err := quota.ParseAction(req.GetFields()["action"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	count := int(req.GetFields()["current_count"].GetNumberValue())
	usage := quota.Usage{Places: count}
	if action == quota.AddCoupon {
		usage = quota.Usage{Coupons: count}
	}

	d, err := s.facade.Authorize(ctx, actor, action, usage)
	var (
		qe *billing.QuotaExceededError
		tn *billing.TierNotResolvableError
	)
	if err != nil && !errors.As(err, &qe) && !errors.As(err, &tn) {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"allowed": d.Allowed,
		"tier":    string(d.Tier),
		"limit":   d.Limit.String(),
		"current": int64(d.Current),
	}
	if !d.Allowed {
		out["reason"] = string(d.Reason)
	}
	return structpb.NewStruct(out)
}

// actor authenticates the caller when a verifier is set and scopes it to the
// requested merchant.
func (s *server) actor(ctx context.Context, req *structpb.Struct) (auth.Actor, error) {
	merchantID := strings.TrimSpace(req.GetFields()["merchant_id"].GetStringValue())
	if merchantID == "" {
		return auth.Actor{}, status.Error(codes.InvalidArgument, "merchant_id is required")
	}
	if s.verifier == nil {
		return auth.Actor{UserID: "grpc", MerchantID: merchantID, Role: auth.RoleAdmin}, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 || !strings.HasPrefix(vals[0], "Bearer ") {
		return auth.Actor{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, err := s.verifier.Verify(strings.TrimSpace(strings.TrimPrefix(vals[0], "Bearer ")))
	if err != nil {
		return auth.Actor{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	actor, err := entitlements.Scope(auth.Actor{UserID: claims.Subject, MerchantID: claims.MerchantID, Role: claims.Role}, merchantID)
	if err != nil {
		return auth.Actor{}, toStatus(err)
	}
	return actor, nil
}

func toStatus(err error) error {
	var (
		ve *billing.ValidationError
		ce *billing.ConflictError
		pu *billing.ProviderUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, ve.Error())
	case errors.As(err, &ce):
		return status.Error(codes.FailedPrecondition, ce.Error())
	case errors.As(err, &pu):
		return status.Error(codes.Unavailable, "payment provider unavailable")
	case errors.Is(err, billing.ErrForbidden):
		return status.Error(codes.PermissionDenied, "not allowed to act on this merchant")
	case errors.Is(err, billing.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
