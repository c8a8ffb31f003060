package api

import (
	"context"

	"google.golang.org/grpc"
)

// Service names of the daemon API.
const (
	SessionServiceName      = "huddle.v1.Session"
	ConversationServiceName = "huddle.v1.Conversation"
	TypingServiceName       = "huddle.v1.Typing"
	PresenceServiceName     = "huddle.v1.Presence"
	ReceiptsServiceName     = "huddle.v1.Receipts"
)

// FullMethod returns the gRPC method path of a service method.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary adapts a typed handler to a grpc.MethodDesc.
func unary[Req, Resp any](service, name string, fn func(context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, name)}
			return interceptor(ctx, req, info, call)
		},
	}
}

// serverStream adapts a typed server-streaming handler to a grpc.StreamDesc.
func serverStream[Req, Resp any](name string, fn func(context.Context, *Req, func(*Resp) error) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(_ any, stream grpc.ServerStream) error {
			req := new(Req)
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			send := func(r *Resp) error { return stream.SendMsg(r) }
			if err := fn(stream.Context(), req, send); err != nil {
				return toStatus(err)
			}
			return nil
		},
	}
}

// serviceDesc builds a descriptor whose handlers are bound to their service
// value, so any registered value satisfies HandlerType.
func serviceDesc(name string, methods []grpc.MethodDesc, streams ...grpc.StreamDesc) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods:     methods,
		Streams:     streams,
	}
}
