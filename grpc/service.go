package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/hlc"
)

// Wire messages for the publication service. The service is registered
// through a hand-written descriptor and framed with the msgpack codec, so
// there is no generated protobuf code behind these types.

// PublishStateRequest carries one serialized publication payload.
type PublishStateRequest struct {
	SourceNodeID uint64        `msgpack:"s"`
	Timestamp    hlc.Timestamp `msgpack:"t"`
	Payload      []byte        `msgpack:"p"`
}

// JoinInfo is piggybacked on a publish ack when the responder wants to
// (re)join the cluster under the given term.
type JoinInfo struct {
	NodeID uint64 `msgpack:"n"`
	Term   uint64 `msgpack:"tm"`
}

// PublishStateResponse acks an applied publication.
type PublishStateResponse struct {
	SourceNodeID uint64        `msgpack:"s"`
	Timestamp    hlc.Timestamp `msgpack:"t"`
	Term         uint64        `msgpack:"tm"`
	Version      int64         `msgpack:"v"`
	Join         *JoinInfo     `msgpack:"j,omitempty"`
}

// CommitStateRequest marks a previously published version as committed.
type CommitStateRequest struct {
	SourceNodeID uint64        `msgpack:"s"`
	Timestamp    hlc.Timestamp `msgpack:"t"`
	Term         uint64        `msgpack:"tm"`
	Version      int64         `msgpack:"v"`
}

// CommitStateResponse acks an applied commit marker.
type CommitStateResponse struct {
	SourceNodeID uint64        `msgpack:"s"`
	Timestamp    hlc.Timestamp `msgpack:"t"`
}

// PublicationServiceServer is the server API for the publication service.
type PublicationServiceServer interface {
	PublishState(ctx context.Context, req *PublishStateRequest) (*PublishStateResponse, error)
	CommitState(ctx context.Context, req *CommitStateRequest) (*CommitStateResponse, error)
}

const (
	serviceName        = "statepub.Publication"
	methodPublishState = "/statepub.Publication/PublishState"
	methodCommitState  = "/statepub.Publication/CommitState"
)

func publishStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PublicationServiceServer).PublishState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: methodPublishState,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PublicationServiceServer).PublishState(ctx, req.(*PublishStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func commitStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommitStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PublicationServiceServer).CommitState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: methodCommitState,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PublicationServiceServer).CommitState(ctx, req.(*CommitStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var publicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PublicationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PublishState",
			Handler:    publishStateHandler,
		},
		{
			MethodName: "CommitState",
			Handler:    commitStateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "statepub",
}

// RegisterPublicationServiceServer registers the service implementation.
func RegisterPublicationServiceServer(s grpc.ServiceRegistrar, srv PublicationServiceServer) {
	s.RegisterService(&publicationServiceDesc, srv)
}

// toStatusError maps domain errors onto gRPC status codes. Incompatibility
// becomes FailedPrecondition so the sender can recognize it across the wire
// and fall back to a full state.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if cluster.IsIncompatibleClusterState(err) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatusError is the client-side inverse of toStatusError.
func fromStatusError(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
		return cluster.NewIncompatibleClusterStateError("%s", st.Message())
	}
	return err
}
