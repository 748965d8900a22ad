// Package grpcserver is one concrete realization of the transport
// factory spec section 1 calls an external collaborator ("per-environment
// transport back-ends ... consumed via a narrow factory"). It exposes a
// single bidirectional streaming RPC carrying raw JSON envelope bytes,
// so the root side needs no protobuf-generated stubs; the proxy-side
// client is explicitly out of scope (spec section 1), so only a server
// is implemented here.
package grpcserver

import (
	"context"
	"io"
	"log"
	"runtime/debug"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/paulgoldsmith/fdc3-web-sub000/transport"
)

// serviceDesc describes the "Channel" bidirectional stream by hand,
// mirroring what protoc-gen-go-grpc would emit for a
// `rpc Channel(stream bytes) returns (stream bytes)` method, without
// requiring a .proto/protoc step: the handler type is an interface this
// package implements, and the wire message type is []byte via rawCodec.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "fdc3.Transport",
	HandlerType: (*channelStreamer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "transport.proto",
}

type channelStreamer interface {
	Channel(stream grpc.ServerStream) error
}

func channelStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(channelStreamer).Channel(stream)
}

// Server adapts a transport.LocalTransport to a gRPC bidirectional
// stream: every connecting client is treated as one proxy, gets its own
// transport.ChannelId for the lifetime of the stream, and the stream
// loop pumps inbound frames into the LocalTransport and outbound frames
// from it back onto the wire.
type Server struct {
	local  *transport.LocalTransport
	logger transport.Logger
}

// NewServer wraps local, the shared in-process Transport the root
// dispatch loop subscribes to, with a gRPC front door.
func NewServer(local *transport.LocalTransport, logger transport.Logger) *Server {
	if logger == nil {
		logger = transport.NoopLogger{}
	}
	return &Server{local: local, logger: logger}
}

// ServerOptions returns the grpc.ServerOption set every construction of
// this adapter should pass to grpc.NewServer: the raw-byte codec (so no
// protobuf stubs are required), OTel stats instrumentation, and a
// stream-level recovery interceptor (one panicking proxy connection must
// not take the listener down for the others).
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainStreamInterceptor(recoveryStreamInterceptor),
	}
}

func recoveryStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("grpcserver: recovered panic in %s: %v\n%s", info.FullMethod, r, debug.Stack())
			err = context.Canceled
		}
	}()
	return handler(srv, ss)
}

// Register attaches the Channel stream service to srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

// Channel implements the bidirectional stream: each call is one proxy
// connection for its lifetime.
func (s *Server) Channel(stream grpc.ServerStream) error {
	id := s.local.Connect()
	s.logger.Info("grpcserver: proxy connected", "channelId", id)
	defer func() {
		_ = s.local.Close(id)
		s.logger.Info("grpcserver: proxy disconnected", "channelId", id)
	}()

	outbound, ok := s.local.Outbound(id)
	if !ok {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case frame, open := <-outbound:
				if !open {
					return
				}
				if err := stream.SendMsg(&frame); err != nil {
					return
				}
			case <-stream.Context().Done():
				return
			}
		}
	}()

	for {
		var frame []byte
		if err := stream.RecvMsg(&frame); err != nil {
			<-done
			if err == io.EOF {
				return nil
			}
			return err
		}
		s.local.Inject(id, frame)
	}
}
