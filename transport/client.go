package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/asinka/asinka/pkg/config"
	"github.com/asinka/asinka/pkg/errs"
	"github.com/asinka/asinka/wire"
)

// callOpts forces every RPC on Client to use the wire codec instead of
// grpc's default protobuf marshaler (§4.G).
var callOpts = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

// Client dials one peer's Transport service and exposes the four RPCs as
// plain Go methods (§4.G), mirroring the AIEngine.conn + AIStubClient
// pairing in core/common_structs.go.
type Client struct {
	log  *logrus.Logger
	conn *grpc.ClientConn
}

// Dial connects to addr using cfg's tuning for message size and keepalive
// (§4.G defaults: 4 MiB max message, 30s/10s keepalive period/timeout).
func Dial(ctx context.Context, addr string, cfg config.Transport, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	keepAlivePeriod := cfg.KeepAlivePeriod
	if keepAlivePeriod <= 0 {
		keepAlivePeriod = 30 * time.Second
	}
	keepAliveTimeout := cfg.KeepAliveTimeout
	if keepAliveTimeout <= 0 {
		keepAliveTimeout = 10 * time.Second
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxBytes),
			grpc.MaxCallSendMsgSize(maxBytes),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepAlivePeriod,
			Timeout:             keepAliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, &errs.TransportError{Message: fmt.Sprintf("dial %s", addr), Cause: err}
	}
	log.WithFields(logrus.Fields{"addr": addr}).Debug("transport: client dialed")
	return &Client{log: log, conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Handshake invokes the Handshake RPC (§4.F/§4.G).
func (c *Client) Handshake(ctx context.Context, req wire.HandshakeRequest) (wire.HandshakeResponse, error) {
	in := &HandshakeRequest{HandshakeRequest: req}
	out := new(HandshakeResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Handshake", in, out, callOpts...); err != nil {
		return wire.HandshakeResponse{}, classifyRPCErr("handshake", err)
	}
	return out.HandshakeResponse, nil
}

// SendEvent invokes the SendEvent RPC.
func (c *Client) SendEvent(ctx context.Context, ev wire.EventMessage) (bool, error) {
	in := &EventMessage{EventMessage: ev}
	out := new(EventResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/SendEvent", in, out, callOpts...); err != nil {
		return false, classifyRPCErr("send_event", err)
	}
	return out.Success, nil
}

// Heartbeat invokes the Heartbeat RPC (§4.H).
func (c *Client) Heartbeat(ctx context.Context, sessionID string, nowMS int64) (HeartbeatResponse, error) {
	in := &HeartbeatRequest{SessionID: sessionID, TimestampMS: nowMS}
	out := new(HeartbeatResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Heartbeat", in, out, callOpts...); err != nil {
		return HeartbeatResponse{}, classifyRPCErr("heartbeat", err)
	}
	return *out, nil
}

// ClientSyncStream is the client-side handle for the bidirectional Sync
// RPC.
type ClientSyncStream struct {
	grpc.ClientStream
}

func (s *ClientSyncStream) Send(m *SyncMessage) error { return s.ClientStream.SendMsg(m) }
func (s *ClientSyncStream) Recv() (*SyncMessage, error) {
	m := new(SyncMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// sessionIDMetadataKey carries the session id (minted by the handshake RPC)
// on the Sync stream's headers, so the accept side can correlate the stream
// to the session it belongs to without depending on the stream's first
// application-level message (§4.H).
const sessionIDMetadataKey = "asinka-session-id"

// OpenSync opens the bidirectional Sync stream to the peer, tagged with
// sessionID (§4.G).
func (c *Client) OpenSync(ctx context.Context, sessionID string) (*ClientSyncStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, sessionIDMetadataKey, sessionID)
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Sync", callOpts...)
	if err != nil {
		return nil, classifyRPCErr("sync", err)
	}
	return &ClientSyncStream{ClientStream: stream}, nil
}

func classifyRPCErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &errs.TransportError{Message: op, Cause: err}
}
