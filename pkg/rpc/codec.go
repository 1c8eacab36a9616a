package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is selected per call as the content subtype, so it travels in
// the content-type header (application/grpc+gob); both sides must register
// it before dialing/serving.
const codecName = "gob"

// gobCodec implements google.golang.org/grpc/encoding.Codec using the
// standard library's gob encoder in place of protobuf: grpc-go's codec
// extension point lets the transport, service dispatch, and streaming
// semantics stay exactly as generated protobuf code would use them while
// the actual byte format is gob, so no .proto toolchain is needed.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpc: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
