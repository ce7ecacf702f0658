package grpcmesh

import (
	"errors"
	"io"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
)

const (
	serviceName   = "dataloader.transport.v1.Mesh"
	deliverMethod = "/" + serviceName + "/Deliver"

	// rankHeader carries the sender's rank on every Deliver stream.
	rankHeader = "x-dataloader-rank"
)

// meshServer is the handler type of the mesh service.
type meshServer interface {
	Deliver(stream grpc.ServerStream) error
}

// meshServiceDesc describes a single client-streaming RPC. A sender keeps one
// Deliver stream open per peer for its whole lifetime, which is what gives
// the transport its per-sender ordering.
var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*meshServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Deliver",
			Handler:       deliverHandler,
			ClientStreams: true,
		},
	},
	Metadata: "dataloader/transport/v1/mesh.proto",
}

func deliverHandler(srv any, stream grpc.ServerStream) error {
	return srv.(meshServer).Deliver(stream)
}

// inbox serves Deliver streams by appending every received frame to the
// local mailbox.
type inbox struct {
	size    int
	mailbox *transport.Mailbox
}

// Deliver implements meshServer.
func (in *inbox) Deliver(stream grpc.ServerStream) error {
	src, err := sourceRank(stream, in.size)
	if err != nil {
		return err
	}

	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				// The sender closed its side; acknowledge so it knows every
				// frame reached the mailbox.
				return stream.SendMsg(&frame{})
			}
			return err
		}
		if len(f.data) == 0 {
			return status.Error(codes.InvalidArgument, "empty frame")
		}

		msg := transport.Message{
			Source:  src,
			Tag:     transport.Tag(f.data[0]),
			Payload: f.data[1:],
		}
		if err := in.mailbox.Deliver(msg); err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
	}
}

func sourceRank(stream grpc.ServerStream, size int) (transport.Rank, error) {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok || len(md.Get(rankHeader)) != 1 {
		return 0, status.Error(codes.InvalidArgument, "missing sender rank")
	}

	n, err := strconv.Atoi(md.Get(rankHeader)[0])
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid sender rank: %v", err)
	}
	src := transport.Rank(n)
	if err := transport.CheckRank(src, size); err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return src, nil
}
