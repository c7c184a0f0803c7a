package grpc

import (
	grpcencoding "google.golang.org/grpc/encoding"

	"github.com/clusterd/statepub/encoding"
)

// CodecName is the content-subtype clients request so both sides frame
// messages with msgpack instead of protobuf.
const CodecName = "msgpack"

// msgpackCodec implements gRPC's encoding.Codec on top of the shared
// msgpack helpers.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return CodecName
}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}
