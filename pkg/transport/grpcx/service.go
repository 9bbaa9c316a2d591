// Package grpcx carries request frames over a unary gRPC call.
package grpcx

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "xblob.transport.v1.Exchange"
	callFullMethod = "/" + serviceName + "/Call"
)

// ExchangeServer is the server API for the Exchange service. Frames travel
// in protobuf well-known wrappers so no generated code is needed.
type ExchangeServer interface {
	Call(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// UnimplementedExchangeServer can be embedded to have forward compatible implementations.
type UnimplementedExchangeServer struct{}

func (UnimplementedExchangeServer) Call(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Call not implemented")
}

// RegisterExchangeServer registers the Exchange service on a gRPC server.
func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&Exchange_ServiceDesc, srv)
}

// ExchangeClient is the client API for the Exchange service.
type ExchangeClient interface {
	Call(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type exchangeClient struct{ cc grpc.ClientConnInterface }

func NewExchangeClient(cc grpc.ClientConnInterface) ExchangeClient { return &exchangeClient{cc: cc} }

func (c *exchangeClient) Call(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, callFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Exchange_Call_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExchangeServer).Call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Exchange_ServiceDesc is the grpc.ServiceDesc for the Exchange service.
var Exchange_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: _Exchange_Call_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "exchange.proto",
}
