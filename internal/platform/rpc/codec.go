// Package rpc provides the synchronous cross-service call boundary: a typed
// gateway on the client side and a method-registry server on the service side.
//
// Requests and responses travel as CBOR over gRPC. Methods are addressed by
// convention as /keyline.<service>.v1/<Method>, so publishers and consumers
// agree on a call surface without sharing generated stubs.
package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used for all gateway calls.
const CodecName = "cbor"

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("rpc: build cbor enc mode: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("rpc: build cbor dec mode: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

// Marshal implements encoding.Codec.
func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (c cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// Name implements encoding.Codec.
func (c cborCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(newCBORCodec())
}
