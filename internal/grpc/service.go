package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified session status service
const ServiceName = "loveretold.recording.v1.SessionStatus"

const (
	getSessionMethod    = "/" + ServiceName + "/GetSession"
	updateSessionMethod = "/" + ServiceName + "/UpdateSession"
)

// SessionStatusServer is the server API of the session status service.
// Messages are google.protobuf.Struct documents:
//
//	GetSession    {session_id}         -> session record
//	UpdateSession {session_id, update} -> session record after the merge
type SessionStatusServer interface {
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterSessionStatusServer registers srv on s
func RegisterSessionStatusServer(s grpc.ServiceRegistrar, srv SessionStatusServer) {
	s.RegisterService(&sessionStatusDesc, srv)
}

var sessionStatusDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionStatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSession", Handler: getSessionHandler},
		{MethodName: "UpdateSession", Handler: updateSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loveretold/recording/v1/session_status.proto",
}

func getSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionStatusServer).GetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSessionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionStatusServer).GetSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func updateSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionStatusServer).UpdateSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: updateSessionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionStatusServer).UpdateSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
