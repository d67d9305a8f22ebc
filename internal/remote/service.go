package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kvclient.datastore.v1.DataStore"

// RequestIDHeader carries a per-call id in request metadata.
const RequestIDHeader = "x-request-id"

// Method names.
const (
	MethodOpen             = "Open"
	MethodGet              = "Get"
	MethodSet              = "Set"
	MethodUpdate           = "Update"
	MethodIncrement        = "Increment"
	MethodRemove           = "Remove"
	MethodGetVersion       = "GetVersion"
	MethodGetVersionAtTime = "GetVersionAtTime"
	MethodRemoveVersion    = "RemoveVersion"
	MethodListKeys         = "ListKeys"
	MethodListVersions     = "ListVersions"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// DataStoreServer is the server API for the DataStore service. Every
// request and response is a google.protobuf.Struct.
type DataStoreServer interface {
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Set(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Increment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVersionAtTime(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListKeys(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListVersions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(DataStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DataStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DataStoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DataStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodOpen, DataStoreServer.Open),
		unaryMethod(MethodGet, DataStoreServer.Get),
		unaryMethod(MethodSet, DataStoreServer.Set),
		unaryMethod(MethodUpdate, DataStoreServer.Update),
		unaryMethod(MethodIncrement, DataStoreServer.Increment),
		unaryMethod(MethodRemove, DataStoreServer.Remove),
		unaryMethod(MethodGetVersion, DataStoreServer.GetVersion),
		unaryMethod(MethodGetVersionAtTime, DataStoreServer.GetVersionAtTime),
		unaryMethod(MethodRemoveVersion, DataStoreServer.RemoveVersion),
		unaryMethod(MethodListKeys, DataStoreServer.ListKeys),
		unaryMethod(MethodListVersions, DataStoreServer.ListVersions),
	},
}

// RegisterDataStoreServer registers srv on s.
func RegisterDataStoreServer(s grpc.ServiceRegistrar, srv DataStoreServer) {
	s.RegisterService(&serviceDesc, srv)
}
