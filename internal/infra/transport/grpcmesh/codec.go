package grpcmesh

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype peers select with grpc.CallContentSubtype.
// Registering it globally lets the mesh service share a server with
// protobuf services such as health checking.
const codecName = "dataloader-raw"

func init() { encoding.RegisterCodec(rawCodec{}) }

// frame is the only message type of the mesh service: one tag byte followed
// by the transport payload.
type frame struct {
	data []byte
}

// rawCodec passes frames through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (rawCodec) Name() string { return codecName }
