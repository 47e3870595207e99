package metaapi

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName                        = "iotics.api.MetaAPI"
	MetaAPI_SparqlQuery_FullMethodName = "/iotics.api.MetaAPI/SparqlQuery"
)

// MetaAPIClient is the client API for the MetaAPI service.
type MetaAPIClient interface {
	// SparqlQuery runs a query and streams the result back in numbered chunks.
	SparqlQuery(ctx context.Context, in *SparqlQueryRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[SparqlQueryResponse], error)
}

type metaAPIClient struct {
	cc grpc.ClientConnInterface
}

func NewMetaAPIClient(cc grpc.ClientConnInterface) MetaAPIClient {
	return &metaAPIClient{cc}
}

func (c *metaAPIClient) SparqlQuery(ctx context.Context, in *SparqlQueryRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[SparqlQueryResponse], error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	stream, err := c.cc.NewStream(ctx, &MetaAPI_ServiceDesc.Streams[0], MetaAPI_SparqlQuery_FullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SparqlQueryRequest, SparqlQueryResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// MetaAPIServer is the server API for the MetaAPI service. The gateway only
// consumes the service; servers are used by tests and local fakes.
type MetaAPIServer interface {
	SparqlQuery(*SparqlQueryRequest, grpc.ServerStreamingServer[SparqlQueryResponse]) error
}

func RegisterMetaAPIServer(s grpc.ServiceRegistrar, srv MetaAPIServer) {
	s.RegisterService(&MetaAPI_ServiceDesc, srv)
}

func _MetaAPI_SparqlQuery_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(SparqlQueryRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(MetaAPIServer).SparqlQuery(m, &grpc.GenericServerStream[SparqlQueryRequest, SparqlQueryResponse]{ServerStream: stream})
}

// MetaAPI_ServiceDesc is the grpc.ServiceDesc for the MetaAPI service.
var MetaAPI_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MetaAPIServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SparqlQuery",
			Handler:       _MetaAPI_SparqlQuery_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "iotics/api/meta.proto",
}
