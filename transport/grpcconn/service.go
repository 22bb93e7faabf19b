package grpcconn

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// exchangeStream is the typed server-side view of the Exchange RPC's
// bidirectional stream -- the hand-written equivalent of what
// protoc-gen-go-grpc would generate for
//
//	service Hub { rpc Exchange(stream BytesValue) returns (stream BytesValue); }
type exchangeStream interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

// exchangeServer is the server-side half of the Exchange RPC: one
// bidirectional stream per connected rank, carrying wrapperspb.BytesValue
// frames, hand-written against the well-known wrapperspb type so the
// service can be wired without running protoc.
type exchangeServer interface {
	Exchange(stream exchangeStream) error
}

func registerHub(s grpc.ServiceRegistrar, srv exchangeServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "collcomm.grpcconn.Hub",
	HandlerType: (*exchangeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(exchangeServer).Exchange(&exchangeStreamAdapter{stream})
			},
		},
	},
	Metadata: "collcomm/transport/grpcconn/hub.proto",
}

// exchangeStreamAdapter satisfies exchangeStream over the untyped
// grpc.ServerStream, the way generated gRPC code always does -- here
// written by hand rather than by protoc-gen-go-grpc.
type exchangeStreamAdapter struct {
	grpc.ServerStream
}

func (a *exchangeStreamAdapter) Send(m *wrapperspb.BytesValue) error {
	return a.ServerStream.SendMsg(m)
}

func (a *exchangeStreamAdapter) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := a.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

