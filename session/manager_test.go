package session

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/asinka/asinka/crypto"
	"github.com/asinka/asinka/eventbus"
	"github.com/asinka/asinka/handshake"
	"github.com/asinka/asinka/pkg/config"
	"github.com/asinka/asinka/registry"
	"github.com/asinka/asinka/transport"
	"github.com/asinka/asinka/wire"
)

type node struct {
	reg *registry.Registry
	bus *eventbus.Bus
	mgr *Manager
	srv *transport.Server
	lis net.Listener
}

func newNode(t *testing.T, appID string) *node {
	t.Helper()
	env, err := crypto.New(nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	pub, err := env.IdentityPublicKey()
	if err != nil {
		t.Fatalf("identity public key: %v", err)
	}
	reg := registry.New(nil)
	bus := eventbus.New(nil)
	identity := handshake.Identity{AppID: appID, IdentityPublicKey: pub}

	cfg := config.Transport{MaxMessageBytes: 4 << 20, DrainTimeout: time.Second}
	mgr := NewManager(reg, bus, env, identity, cfg, nil)
	srv := transport.NewServer(cfg, mgr, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()

	return &node{reg: reg, bus: bus, mgr: mgr, srv: srv, lis: lis}
}

func (n *node) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(n.lis.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestConnectHandshakeAndSyncPropagation(t *testing.T) {
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")
	defer func() { _ = a.srv.Shutdown(context.Background()) }()
	defer func() { _ = b.srv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := b.mgr.Connect(ctx, "127.0.0.1", a.port(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if info.State != Active || info.ID == "" {
		t.Fatalf("expected an active session with an id, got %+v", info)
	}

	// give the accept side a moment to register its session
	time.Sleep(100 * time.Millisecond)
	if got := len(a.mgr.Sessions()); got != 1 {
		t.Fatalf("expected node a to have registered 1 accepted session, got %d", got)
	}

	b.reg.Register(registry.Object{
		ID:       "obj-1",
		TypeName: "widget",
		Version:  1,
		Fields:   map[string]wire.Value{"name": wire.StringValue("hi")},
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if obj, ok := a.reg.Get("obj-1"); ok {
			if obj.Fields["name"].Str != "hi" {
				t.Fatalf("unexpected propagated object: %+v", obj)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for obj-1 to propagate to node a")
}

func TestDisconnectRemovesSession(t *testing.T) {
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")
	defer func() { _ = a.srv.Shutdown(context.Background()) }()
	defer func() { _ = b.srv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := b.mgr.Connect(ctx, "127.0.0.1", a.port(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	b.mgr.Disconnect(info.ID)
	if got := len(b.mgr.Sessions()); got != 0 {
		t.Fatalf("expected no sessions after disconnect, got %d", got)
	}
}
