package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/merchantbilling/libs/httpx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDMetadataKey carries the request id in gRPC metadata.
const RequestIDMetadataKey = "x-request-id"

// Request ids share the httpx context key, so one id follows a call across HTTP and
// gRPC hops and shows up in the same log field.

func propagateRequestID() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := httpx.RequestIDFromContext(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(RequestIDMetadataKey)
	if len(vals) == 0 || len(vals[0]) > 128 {
		return ""
	}
	return vals[0]
}

// UnaryServerAccessLog assigns the request id, echoes it in the response header and
// logs every call: Internal and Unknown at error, other failures at warn.
func UnaryServerAccessLog(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := incomingRequestID(ctx)
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDMetadataKey, id))
		ctx = httpx.ContextWithRequestID(ctx, id)

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []any{
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", id,
		}
		switch code {
		case codes.OK:
			logger.Info("grpc call", attrs...)
		case codes.Internal, codes.Unknown, codes.DataLoss:
			logger.Error("grpc call", append(attrs, "err", err)...)
		default:
			logger.Warn("grpc call", append(attrs, "err", err)...)
		}
		return resp, err
	}
}
