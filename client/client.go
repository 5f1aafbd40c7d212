// Package client implements the Client Facade (§4.I): the single
// constructor/start/stop entry point an embedding application uses, wiring
// together config, the security envelope, the object registry, the event
// bus, discovery, transport, and the session manager.
//
// The create/start/stop lifecycle and the idempotent, multierr-aggregated
// teardown follow the node lifecycle in core/network.go (Node.Start /
// Node.Close), generalized from a single gossip network to the five
// collaborators Asinka's facade owns.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/asinka/asinka/crypto"
	"github.com/asinka/asinka/discovery"
	"github.com/asinka/asinka/eventbus"
	"github.com/asinka/asinka/handshake"
	"github.com/asinka/asinka/pkg/config"
	"github.com/asinka/asinka/pkg/errs"
	"github.com/asinka/asinka/registry"
	"github.com/asinka/asinka/session"
	"github.com/asinka/asinka/transport"
	"github.com/asinka/asinka/wire"
)

// Client is the facade an embedding application holds (§4.I). Construct
// with Create.
type Client struct {
	log    *logrus.Logger
	cfg    config.Config
	env    *crypto.Envelope
	reg    *registry.Registry
	bus    *eventbus.Bus
	disc   discovery.Provider
	sess   *session.Manager
	server *transport.Server

	instanceName string

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	advCancel  context.CancelFunc
	discCancel context.CancelFunc
	eventUnsub func()
	discoverWG sync.WaitGroup
}

// Create constructs every component (§4.I "create(config) → client"). It
// fails only if the security envelope cannot initialize its keypair, if
// config itself is invalid, or if the random instance-name suffix cannot be
// generated.
func Create(cfg config.Config, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &errs.ConfigError{Message: err.Error()}
	}

	env, err := crypto.New(log)
	if err != nil {
		return nil, err
	}
	pub, err := env.IdentityPublicKey()
	if err != nil {
		return nil, err
	}

	reg := registry.New(log)
	bus := eventbus.New(log)

	exposedSchemas := make([]wire.Schema, 0, len(cfg.ExposedSchemas))
	for _, s := range cfg.ExposedSchemas {
		fields := make([]wire.FieldDescriptor, 0, len(s.Fields))
		for _, f := range s.Fields {
			fields = append(fields, wire.FieldDescriptor{Name: f.Name, Kind: kindFromString(f.Kind), Nullable: f.Nullable})
		}
		exposedSchemas = append(exposedSchemas, wire.Schema{
			TypeName: s.TypeName, Version: s.Version, Fields: fields, Permissions: s.Permissions,
		})
	}

	identity := handshake.Identity{
		AppID:             cfg.AppID,
		AppName:           cfg.AppName,
		AppVersion:        cfg.AppVersion,
		DeviceID:          cfg.DeviceID,
		IdentityPublicKey: pub,
		ExposedSchemas:    exposedSchemas,
		Capabilities:      cfg.Capabilities,
	}

	suffix, err := discovery.RandomInstanceSuffix()
	if err != nil {
		return nil, &errs.TransportError{Message: "generate instance suffix", Cause: err}
	}
	instanceName := cfg.ServiceInstanceName(suffix)

	mgr := session.NewManager(reg, bus, env, identity, cfg.Transport, log)
	server := transport.NewServer(cfg.Transport, mgr, log)

	return &Client{
		log:          log,
		cfg:          cfg,
		env:          env,
		reg:          reg,
		bus:          bus,
		disc:         discovery.NewZeroconfProvider(log),
		sess:         mgr,
		server:       server,
		instanceName: instanceName,
	}, nil
}

func kindFromString(s string) wire.Kind {
	switch s {
	case "string":
		return wire.KindString
	case "int64":
		return wire.KindInt64
	case "float64":
		return wire.KindFloat64
	case "bool":
		return wire.KindBool
	case "bytes":
		return wire.KindBytes
	default:
		return wire.KindNull
	}
}

// Start begins listening, advertising, discovering, and auto-connecting to
// newly discovered peers (§4.I "start()"). Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ServerPort))
	if err != nil {
		return &errs.TransportError{Message: "listen", Cause: err}
	}
	go func() {
		if err := c.server.Serve(lis); err != nil {
			c.log.WithFields(logrus.Fields{"error": err}).Warn("client: transport server stopped")
		}
	}()

	advEvents, advCancel, err := c.disc.Advertise(runCtx, c.instanceName, c.cfg.ServerPort)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.advCancel = advCancel
	c.mu.Unlock()
	go func() {
		for ev := range advEvents {
			c.log.WithFields(logrus.Fields{"status": ev.Status, "code": ev.Code}).Debug("client: advertisement event")
		}
	}()

	discEvents, discCancel, err := c.disc.Discover(runCtx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.discCancel = discCancel
	c.mu.Unlock()

	c.discoverWG.Add(1)
	go func() {
		defer c.discoverWG.Done()
		c.autoConnectLoop(runCtx, discEvents)
	}()

	eventCh, unsub := c.bus.Observe("")
	c.mu.Lock()
	c.eventUnsub = unsub
	c.mu.Unlock()
	c.discoverWG.Add(1)
	go func() {
		defer c.discoverWG.Done()
		c.relayEventsToSessions(runCtx, eventCh)
	}()

	return nil
}

// relayEventsToSessions is the outbound half of the Event Bus's send(event)
// operation (§4.D): every locally produced event observed on the bus is
// forwarded to every active session, the event-bus analog of
// session.outboundPump for registry changes. Events that arrived over a
// session (OriginSession set by DeliverRemote) are skipped so a received
// event is never bounced straight back out to the network.
func (c *Client) relayEventsToSessions(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.OriginSession != "" {
				continue
			}
			c.sess.BroadcastEvent(ctx, wire.EventMessage{
				EventID:     ev.ID,
				EventType:   ev.Type,
				TimestampMS: ev.TimestampMS,
				Data:        ev.Data,
				Priority:    ev.Priority,
			})
		}
	}
}

// autoConnectLoop dials every discovered peer whose instance name passes
// the foreign-service filter (§4.E, §4.H "for each discovered peer...
// attempts an outbound connect").
func (c *Client) autoConnectLoop(ctx context.Context, events <-chan discovery.DiscoverEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != discovery.Found {
				continue
			}
			if !discovery.IsForeign(ev.Service.Name, c.instanceName) {
				continue
			}
			go func(svc discovery.ServiceInfo) {
				connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				if _, err := c.sess.Connect(connectCtx, svc.Host, svc.Port); err != nil {
					c.log.WithFields(logrus.Fields{"peer": svc.Name, "error": err}).Warn("client: auto-connect failed")
				}
			}(ev.Service)
		}
	}
}

// Stop tears every component down gracefully, aggregating non-fatal errors
// (§4.I "stop()"). Idempotent.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	advCancel, discCancel, cancel, eventUnsub := c.advCancel, c.discCancel, c.cancel, c.eventUnsub
	c.mu.Unlock()

	var err error
	if discCancel != nil {
		discCancel()
	}
	if advCancel != nil {
		advCancel()
	}
	if eventUnsub != nil {
		eventUnsub()
	}

	if closeErr := c.sess.CloseAll(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}

	if shutdownErr := c.server.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, shutdownErr)
	}

	if cancel != nil {
		cancel()
	}
	c.discoverWG.Wait()

	return err
}

// Connect explicitly dials host:port, running the HandshakingOut path
// (§4.I "connect(host, port)").
func (c *Client) Connect(ctx context.Context, host string, port int) (session.Info, error) {
	return c.sess.Connect(ctx, host, port)
}

// Disconnect removes and closes the named session (§4.I "disconnect").
func (c *Client) Disconnect(sessionID string) {
	c.sess.Disconnect(sessionID)
}

// Sessions returns a snapshot of every tracked session (§4.I "sessions()").
func (c *Client) Sessions() []session.Info {
	return c.sess.Sessions()
}

// Registry exposes the object registry to the embedding application (§4.I
// "Accessors").
func (c *Client) Registry() *registry.Registry { return c.reg }

// EventBus exposes the event bus to the embedding application.
func (c *Client) EventBus() *eventbus.Bus { return c.bus }

// SecurityEnvelope exposes the security envelope to the embedding
// application.
func (c *Client) SecurityEnvelope() *crypto.Envelope { return c.env }

// BroadcastEvent sends ev to every active session, best-effort (§4.H
// "Events are fanned out... parallel... non-fatal").
func (c *Client) BroadcastEvent(ctx context.Context, ev wire.EventMessage) {
	c.sess.BroadcastEvent(ctx, ev)
}
