// Package encoding provides centralized serialization/deserialization for statepub.
// ALL msgpack operations MUST go through this package to ensure consistent behavior
// across the wire codec, the persisted state store and the gRPC message codec.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte),
// which keeps cluster-state fragment payloads comparable across a
// serialize/deserialize round trip.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalTo encodes a value directly into a writer. Used by the payload codec
// so the compressed stream is produced without an intermediate copy.
func MarshalTo(w io.Writer, v interface{}) error {
	return msgpack.NewEncoder(w).Encode(v)
}

// UnmarshalFrom decodes a value from a reader with loose interface decoding.
func UnmarshalFrom(r io.Reader, v interface{}) error {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
