package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/asinka/asinka/crypto"
	"github.com/asinka/asinka/eventbus"
	"github.com/asinka/asinka/handshake"
	"github.com/asinka/asinka/pkg/config"
	"github.com/asinka/asinka/pkg/errs"
	"github.com/asinka/asinka/registry"
	"github.com/asinka/asinka/transport"
	"github.com/asinka/asinka/wire"
)

const handshakeRPCTimeout = 5 * time.Second

// Manager owns the shared session table and drives the Connecting /
// HandshakingOut transitions of §4.H on the dialing side. On the accept side
// no Session exists during the Handshake RPC; the Session is created directly
// in Active when the Sync stream arrives, so HandshakingIn is never entered.
// It also implements transport.Handler so it can be registered directly
// against a transport.Server for the accept-side path.
type Manager struct {
	log      *logrus.Logger
	reg      *registry.Registry
	bus      *eventbus.Bus
	envelope *crypto.Envelope
	identity handshake.Identity
	cfg      config.Transport

	mu       sync.RWMutex
	sessions map[string]*Session

	pendingMu sync.Mutex
	pending   map[string]pendingPeer

	activeSessions  prometheus.Gauge
	heartbeatMisses prometheus.Counter
}

// pendingPeer is the accept-side identity data captured by Handshake and
// consumed by the Sync call that follows it, correlated by the session id
// minted during the handshake (§3: a session records the remote identity,
// schemas, and capabilities it learned during the handshake).
type pendingPeer struct {
	remotePublicKey    []byte
	remoteSchemas      []wire.Schema
	remoteCapabilities map[string]string
	sessionKey         []byte
	mintedAt           time.Time
}

// pendingPeerTTL bounds how long a minted handshake waits for its Sync
// stream before its identity data is dropped, guarding against a peer that
// completes the handshake RPC and never opens the stream.
const pendingPeerTTL = 30 * time.Second

// NewManager constructs a Manager. identity is rebuilt by the caller
// whenever exposed schemas/capabilities change; Manager reads it once per
// handshake.
func NewManager(reg *registry.Registry, bus *eventbus.Bus, envelope *crypto.Envelope, identity handshake.Identity, cfg config.Transport, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		log:      log,
		reg:      reg,
		bus:      bus,
		envelope: envelope,
		identity: identity,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		pending:  make(map[string]pendingPeer),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asinka_session_active",
			Help: "Number of sessions currently in the session table.",
		}),
		heartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asinka_session_heartbeat_misses_total",
			Help: "Number of heartbeat RPCs that failed or timed out.",
		}),
	}
}

// Collectors exposes the manager's diagnostic metrics to a Prometheus
// registry the embedding application already scrapes.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.activeSessions, m.heartbeatMisses}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.activeSessions.Inc()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed {
		m.activeSessions.Dec()
	}
}

// Sessions returns a snapshot of every tracked session (§4.I "sessions()").
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Disconnect removes and closes the named session (§4.I "disconnect").
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		m.activeSessions.Dec()
		if err := s.Close(); err != nil {
			m.log.WithFields(logrus.Fields{"session": sessionID, "error": err}).Warn("session: close on disconnect failed")
		}
	}
}

// CloseAll tears down every tracked session in parallel and aggregates any
// close errors, used by the Client Facade's stop() (§4.I).
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	m.activeSessions.Set(0)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var closeErr error
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				errMu.Lock()
				closeErr = multierr.Append(closeErr, err)
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return closeErr
}

// BroadcastEvent fans ev out to every Active session in parallel;
// per-session failures are logged but never fatal (§4.H "Events are fanned
// out... failures are non-fatal").
func (m *Manager) BroadcastEvent(ctx context.Context, ev wire.EventMessage) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.SendEvent(ctx, ev); err != nil {
				m.log.WithFields(logrus.Fields{"session": s.id, "error": err}).Warn("session: broadcast event failed")
			}
		}(s)
	}
	wg.Wait()
}

// Connect dials host:port, performs the HandshakingOut path, and on success
// starts the session's Active task group (§4.H, §4.I "connect").
func (m *Manager) Connect(ctx context.Context, host string, port int) (Info, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	conn, err := transport.Dial(ctx, addr, m.cfg, m.log)
	if err != nil {
		return Info{}, err
	}

	s := &Session{
		id:    "", // not yet known
		log:   m.log,
		reg:   m.reg,
		bus:   m.bus,
		conn:  conn,
		state: Connecting,
		host:  host,
		port:  port,
		done:  make(chan struct{}),
	}

	s.setState(HandshakingOut, nil)
	hctx, cancel := context.WithTimeout(ctx, handshakeRPCTimeout)
	resp, err := conn.Handshake(hctx, handshake.BuildRequest(m.identity))
	cancel()
	if err != nil {
		_ = conn.Close()
		s.setState(Failed, err)
		return s.Info(), &errs.TransportError{Message: "handshake rpc", Cause: err}
	}

	result := handshake.ValidateResponse(resp)
	if !result.Ok {
		_ = conn.Close()
		err := &errs.HandshakeRefused{Message: result.FailureMessage}
		s.setState(Failed, err)
		return s.Info(), err
	}

	sessionKey, err := m.envelope.UnwrapSessionKey(result.EncryptedSessionKey)
	if err != nil {
		_ = conn.Close()
		s.setState(Failed, err)
		return s.Info(), err
	}

	s.id = result.SessionID
	s.remotePublicKey = result.RemotePublicKey
	s.remoteSchemas = result.RemoteSchemas
	s.remoteCapabilities = result.RemoteCapabilities
	s.sessionKey = sessionKey
	s.setState(Active, nil)
	m.logConfirmation(s.id, sessionKey)
	m.register(s)

	streamCtx, streamCancel := context.WithCancel(ctx)
	s.cancel = streamCancel
	stream, err := conn.OpenSync(streamCtx, s.id)
	if err != nil {
		streamCancel()
		m.remove(s.id)
		_ = conn.Close()
		s.setState(Failed, err)
		return s.Info(), err
	}

	go func() {
		s.runActive(streamCtx, stream)
		m.remove(s.id)
	}()

	return s.Info(), nil
}

// Handshake implements transport.Handler: the accept-side (HandshakingIn)
// path of §4.H. On success, it stashes the peer's identity/schemas/
// capabilities under the minted session id for the Sync call that follows.
func (m *Manager) Handshake(ctx context.Context, req *transport.HandshakeRequest) (*transport.HandshakeResponse, error) {
	resp, sessionKey, err := handshake.ProcessRequest(req.HandshakeRequest, m.identity)
	if err != nil {
		return &transport.HandshakeResponse{HandshakeResponse: resp}, err
	}

	m.pendingMu.Lock()
	m.pending[resp.SessionID] = pendingPeer{
		remotePublicKey:    req.IdentityPublicKey,
		remoteSchemas:      req.ExposedSchemas,
		remoteCapabilities: req.Capabilities,
		sessionKey:         sessionKey,
		mintedAt:           time.Now(),
	}
	m.pruneStalePending()
	m.pendingMu.Unlock()

	m.logConfirmation(resp.SessionID, sessionKey)
	return &transport.HandshakeResponse{HandshakeResponse: resp}, nil
}

// logConfirmation derives and logs the handshake confirmation digest for a
// session key at Debug level: both sides compute it independently from the
// session id, so a support bundle showing matching digests from both peers
// rules out a mismatched session key as the cause of sync trouble.
func (m *Manager) logConfirmation(sessionID string, sessionKey []byte) {
	digest, err := crypto.DeriveConfirmation(sessionKey, []byte(sessionID))
	if err != nil {
		m.log.WithFields(logrus.Fields{"session": sessionID, "error": err}).Warn("session: derive handshake confirmation failed")
		return
	}
	m.log.WithFields(logrus.Fields{"session": sessionID, "confirmation": base64.StdEncoding.EncodeToString(digest)}).Debug("session: handshake confirmation")
}

// pruneStalePending drops pending entries whose Sync never arrived within
// pendingPeerTTL. Called with pendingMu held.
func (m *Manager) pruneStalePending() {
	cutoff := time.Now().Add(-pendingPeerTTL)
	for id, p := range m.pending {
		if p.mintedAt.Before(cutoff) {
			delete(m.pending, id)
		}
	}
}

// SendEvent implements transport.Handler: decode and deliver to the local
// event bus (§4.D "deliver remote").
func (m *Manager) SendEvent(ctx context.Context, req *transport.EventMessage) (*transport.EventResponse, error) {
	m.bus.DeliverRemote(ctx, req.EventMessage)
	return &transport.EventResponse{Success: true, EventID: req.EventID}, nil
}

// Heartbeat implements transport.Handler: the server side always succeeds
// with its current timestamp (§4.H "Heartbeat").
func (m *Manager) Heartbeat(ctx context.Context, req *transport.HeartbeatRequest) (*transport.HeartbeatResponse, error) {
	return &transport.HeartbeatResponse{Success: true, ServerTimestampMS: time.Now().UnixMilli()}, nil
}

// Sync implements transport.Handler: the accept-side counterpart of
// Connect's outbound stream open, entering Active for the session minted
// during the preceding Handshake RPC (§4.H "HandshakingIn").
func (m *Manager) Sync(stream transport.SyncStream) error {
	sessionID := transport.SessionIDFromContext(stream.Context())
	if sessionID == "" {
		return fmt.Errorf("session: sync stream opened without a session id")
	}

	m.pendingMu.Lock()
	peer, ok := m.pending[sessionID]
	delete(m.pending, sessionID)
	m.pendingMu.Unlock()
	if !ok {
		m.log.WithFields(logrus.Fields{"session": sessionID}).Warn("session: sync opened with no matching handshake identity")
	}

	s := &Session{
		id:                 sessionID,
		log:                m.log,
		reg:                m.reg,
		bus:                m.bus,
		state:              Active,
		remotePublicKey:    peer.remotePublicKey,
		remoteSchemas:      peer.remoteSchemas,
		remoteCapabilities: peer.remoteCapabilities,
		sessionKey:         peer.sessionKey,
		done:               make(chan struct{}),
	}
	streamCtx, cancel := context.WithCancel(stream.Context())
	s.cancel = cancel
	m.register(s)
	defer m.remove(s.id)

	s.runActive(streamCtx, stream)
	return nil
}
