package grpcx

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"

	"github.com/md-rashed-zaman/merchantbilling/libs/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestServerHealthAndRequestID(t *testing.T) {
	srv, _ := NewServer(slog.Default())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := NewClient(lis.Addr().String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var header metadata.MD
	ctx := httpx.ContextWithRequestID(context.Background(), "req-123")
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	assert.Equal(t, []string{"req-123"}, header.Get(RequestIDMetadataKey))
}

func TestRecoveryInterceptor(t *testing.T) {
	icpt := UnaryServerRecoveryInterceptor(slog.Default())
	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, func(context.Context, any) (any, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestAccessLogAssignsRequestID(t *testing.T) {
	var logs bytes.Buffer
	icpt := UnaryServerAccessLog(slog.New(slog.NewJSONHandler(&logs, nil)))

	var seen string
	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, func(ctx context.Context, _ any) (any, error) {
		seen = httpx.RequestIDFromContext(ctx)
		return nil, status.Error(codes.NotFound, "missing")
	})
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.NotEmpty(t, seen)
	assert.Contains(t, logs.String(), `"level":"WARN"`)
	assert.Contains(t, logs.String(), `"request_id":"`+seen+`"`)
}
