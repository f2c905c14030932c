// Package api exposes conversation views over gRPC on the daemon socket.
//
// The service is described by hand rather than generated from a .proto:
// every request and response is a google.protobuf.Struct, encoded and
// decoded by the helpers in this package.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convsync.v1.ConversationService"

// Method names.
const (
	MethodOpen          = "Open"
	MethodClose         = "Close"
	MethodSend          = "Send"
	MethodRetry         = "Retry"
	MethodDelete        = "Delete"
	MethodMarkVisible   = "MarkVisible"
	MethodSetInput      = "SetInput"
	MethodTimeline      = "Timeline"
	MethodOutbox        = "Outbox"
	MethodStatus        = "Status"
	MethodWatchTimeline = "WatchTimeline"
)

// ConversationServer is the server side of ConversationService.
type ConversationServer interface {
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkVisible(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetInput(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Timeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Outbox(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchTimeline(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryFunc func(ConversationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ConversationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ConversationServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchTimelineHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConversationServer).WatchTimeline(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes ConversationService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodOpen, ConversationServer.Open),
		unary(MethodClose, ConversationServer.Close),
		unary(MethodSend, ConversationServer.Send),
		unary(MethodRetry, ConversationServer.Retry),
		unary(MethodDelete, ConversationServer.Delete),
		unary(MethodMarkVisible, ConversationServer.MarkVisible),
		unary(MethodSetInput, ConversationServer.SetInput),
		unary(MethodTimeline, ConversationServer.Timeline),
		unary(MethodOutbox, ConversationServer.Outbox),
		unary(MethodStatus, ConversationServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchTimeline,
			Handler:       watchTimelineHandler,
			ServerStreams: true,
		},
	},
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ServiceDesc, srv)
}
