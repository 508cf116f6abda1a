// Package grpcserver serves entitlements.v1.EntitlementsService to the other
// services. Messages are google.protobuf.Struct so no generated code is needed.
package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "entitlements.v1.EntitlementsService"

const (
	getEntitlementsMethod = "/" + ServiceName + "/GetEntitlements"
	authorizeMethod       = "/" + ServiceName + "/Authorize"
)

// EntitlementsServer is the server API.
type EntitlementsServer interface {
	GetEntitlements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EntitlementsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEntitlements", Handler: getEntitlementsHandler},
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "entitlements/v1/entitlements.proto",
}

func RegisterEntitlementsServer(s grpc.ServiceRegistrar, srv EntitlementsServer) {
	s.RegisterService(&serviceDesc, srv)
}

func getEntitlementsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntitlementsServer).GetEntitlements(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getEntitlementsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EntitlementsServer).GetEntitlements(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntitlementsServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: authorizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EntitlementsServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetEntitlements(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getEntitlementsMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Authorize(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, authorizeMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
