package grpcserver

import "fmt"

// rawCodec is a gRPC encoding.Codec that treats every message as an
// opaque []byte, so the transport's wire format (JSON envelopes) never
// needs protobuf-generated stubs: the only message type crossing this
// service is *[]byte. Registered server-side via grpc.ForceServerCodec.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("grpcserver: rawCodec cannot marshal %T, want *[]byte", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpcserver: rawCodec cannot unmarshal into %T, want *[]byte", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }
