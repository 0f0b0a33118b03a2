package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "outpost.v1.Outpost"

// Method names.
const (
	MethodSubmitText    = "SubmitText"
	MethodSubmitImage   = "SubmitImage"
	MethodLoadMessages  = "LoadMessages"
	MethodMarkDelivered = "MarkDelivered"
	MethodMarkRead      = "MarkRead"
	MethodMarkAllRead   = "MarkAllRead"
	MethodSearch        = "Search"
	MethodUpsertChat    = "UpsertChat"
	MethodListChats     = "ListChats"
	MethodRecover       = "Recover"
	MethodSetReachable  = "SetReachable"
	MethodStatus        = "Status"
	MethodWatchEvents   = "WatchEvents"
)

// OutpostServer is the server API. Every request and response is a
// google.protobuf.Struct carrying the JSON form of the types in types.go.
type OutpostServer interface {
	SubmitText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitImage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkDelivered(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAllRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpsertChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Recover(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetReachable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(OutpostServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OutpostServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(name),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OutpostServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OutpostServer).WatchEvents(in, stream)
}

// FullMethod returns the wire name of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the Outpost service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OutpostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSubmitText, Handler: unaryHandler(MethodSubmitText, OutpostServer.SubmitText)},
		{MethodName: MethodSubmitImage, Handler: unaryHandler(MethodSubmitImage, OutpostServer.SubmitImage)},
		{MethodName: MethodLoadMessages, Handler: unaryHandler(MethodLoadMessages, OutpostServer.LoadMessages)},
		{MethodName: MethodMarkDelivered, Handler: unaryHandler(MethodMarkDelivered, OutpostServer.MarkDelivered)},
		{MethodName: MethodMarkRead, Handler: unaryHandler(MethodMarkRead, OutpostServer.MarkRead)},
		{MethodName: MethodMarkAllRead, Handler: unaryHandler(MethodMarkAllRead, OutpostServer.MarkAllRead)},
		{MethodName: MethodSearch, Handler: unaryHandler(MethodSearch, OutpostServer.Search)},
		{MethodName: MethodUpsertChat, Handler: unaryHandler(MethodUpsertChat, OutpostServer.UpsertChat)},
		{MethodName: MethodListChats, Handler: unaryHandler(MethodListChats, OutpostServer.ListChats)},
		{MethodName: MethodRecover, Handler: unaryHandler(MethodRecover, OutpostServer.Recover)},
		{MethodName: MethodSetReachable, Handler: unaryHandler(MethodSetReachable, OutpostServer.SetReachable)},
		{MethodName: MethodStatus, Handler: unaryHandler(MethodStatus, OutpostServer.Status)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

// RegisterOutpostServer registers srv on s.
func RegisterOutpostServer(s grpc.ServiceRegistrar, srv OutpostServer) {
	s.RegisterService(&ServiceDesc, srv)
}
