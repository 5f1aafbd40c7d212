package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/asinka/asinka/pkg/errs"
)

// SessionIDFromContext extracts the session id attached to a Sync stream by
// Client.OpenSync, for the accept side to correlate the stream to the
// session minted during the preceding Handshake RPC (§4.H).
func SessionIDFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(sessionIDMetadataKey)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// serviceName is the gRPC service name used by both Server and Client to
// address the four RPCs (§4.G).
const serviceName = "asinka.Transport"

// Handler is implemented by whatever owns the session/registry/event-bus
// plumbing on the accepting side of a connection. Server dispatches every
// inbound RPC to a Handler (§4.G).
type Handler interface {
	Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error)
	SendEvent(ctx context.Context, req *EventMessage) (*EventResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	// Sync drives the bidirectional object-sync stream: it should read
	// incoming SyncMessages from stream until io.EOF/ctx cancellation and
	// may call stream.Send concurrently to push local changes out.
	Sync(stream SyncStream) error
}

// SyncStream is the server-side handle for one bidirectional Sync RPC.
type SyncStream interface {
	Context() context.Context
	Send(*SyncMessage) error
	Recv() (*SyncMessage, error)
}

func handshakeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HandshakeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		resp, err := h.Handshake(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Handshake"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := h.Handshake(ctx, req.(*HandshakeRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

// toStatus translates a refused handshake into a gRPC PermissionDenied
// status so clients can tell it apart from a transport-level failure
// without round-tripping through the wire response's ErrorMessage field
// (§7: HandshakeRefused vs TransportError are distinct kinds).
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var refused *errs.HandshakeRefused
	if errors.As(err, &refused) {
		return errRefused(refused.Error())
	}
	return err
}

func sendEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(EventMessage)
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return h.SendEvent(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendEvent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return h.SendEvent(ctx, req.(*EventMessage))
	}
	return interceptor(ctx, req, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return h.Heartbeat(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return h.Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serverSyncStream adapts a grpc.ServerStream to SyncStream.
type serverSyncStream struct {
	grpc.ServerStream
}

func (s *serverSyncStream) Send(m *SyncMessage) error { return s.ServerStream.SendMsg(m) }
func (s *serverSyncStream) Recv() (*SyncMessage, error) {
	m := new(SyncMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func syncStreamHandler(srv any, stream grpc.ServerStream) error {
	h := srv.(Handler)
	return h.Sync(&serverSyncStream{ServerStream: stream})
}

// serviceDesc is the hand-rolled gRPC service descriptor backing Register.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: handshakeHandler},
		{MethodName: "SendEvent", Handler: sendEventHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       syncStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "asinka/transport.proto",
}

// Register attaches h to s under the four Transport RPCs.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// errRefused wraps a handshake refusal as a gRPC status so clients can
// distinguish it from transport-level failures (§7).
func errRefused(msg string) error {
	return status.Error(codes.PermissionDenied, msg)
}
