package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/asinka/asinka/pkg/config"
	"github.com/asinka/asinka/wire"
)

// stubHandler is a minimal transport.Handler used to exercise the RPC
// surface without a full session manager.
type stubHandler struct {
	sessionID string
}

func (h *stubHandler) Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	return &HandshakeResponse{HandshakeResponse: wire.HandshakeResponse{
		Success:           true,
		SessionID:         h.sessionID,
		IdentityPublicKey: []byte{9, 9, 9},
	}}, nil
}

func (h *stubHandler) SendEvent(ctx context.Context, req *EventMessage) (*EventResponse, error) {
	return &EventResponse{Success: true, EventID: req.EventID}, nil
}

func (h *stubHandler) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{Success: true, ServerTimestampMS: req.TimestampMS + 1}, nil
}

func (h *stubHandler) Sync(stream SyncStream) error {
	msg, err := stream.Recv()
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	return conn
}

func TestHandshakeSendEventHeartbeatOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(config.Transport{}, &stubHandler{sessionID: "sess-1"}, nil)
	go func() { _ = srv.grpc.Serve(lis) }()
	defer srv.grpc.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()
	client := &Client{conn: conn}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Handshake(ctx, wire.HandshakeRequest{AppID: "peer"})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !resp.Success || resp.SessionID != "sess-1" {
		t.Fatalf("unexpected handshake response: %+v", resp)
	}

	ok, err := client.SendEvent(ctx, wire.EventMessage{EventID: "evt-1", EventType: "notify"})
	if err != nil || !ok {
		t.Fatalf("send event: ok=%v err=%v", ok, err)
	}

	hb, err := client.Heartbeat(ctx, "sess-1", 100)
	if err != nil || !hb.Success || hb.ServerTimestampMS != 101 {
		t.Fatalf("heartbeat: %+v err=%v", hb, err)
	}
}

func TestSyncStreamEchoesOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(config.Transport{}, &stubHandler{}, nil)
	go func() { _ = srv.grpc.Serve(lis) }()
	defer srv.grpc.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()
	client := &Client{conn: conn}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenSync(ctx, "sess-1")
	if err != nil {
		t.Fatalf("open sync: %v", err)
	}

	want := &SyncMessage{SyncMessage: wire.SyncMessage{
		Kind:   wire.SyncDelete,
		Delete: &wire.ObjectDelete{ObjectID: "obj-1", SessionID: "sess-1"},
	}}
	if err := stream.Send(want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Kind != wire.SyncDelete || got.Delete.ObjectID != "obj-1" {
		t.Fatalf("unexpected echo: %+v", got)
	}
}
