// Package session implements the Session Manager (§4.H): the per-peer state
// machine that wires Transport, Registry, Event Bus, and the security
// envelope together, plus the shared session table the Client Facade
// consumes.
//
// The state-machine-over-a-table shape generalizes core/network.go's peer
// table (a guarded map of *Peer, one goroutine pair per connection for
// read/write pumps); the heartbeat-miss-count rule mirrors
// the same file's liveness check on gossip peers.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asinka/asinka/eventbus"
	"github.com/asinka/asinka/pkg/errs"
	"github.com/asinka/asinka/registry"
	"github.com/asinka/asinka/transport"
	"github.com/asinka/asinka/wire"
)

// State is one position in the session state machine of §4.H.
type State uint8

const (
	Connecting State = iota
	HandshakingOut
	HandshakingIn
	Active
	Closing
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakingOut:
		return "handshaking_out"
	case HandshakingIn:
		return "handshaking_in"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	heartbeatPeriod     = 30 * time.Second
	heartbeatMaxMisses  = 3
	heartbeatRPCTimeout = 5 * time.Second
)

// Info is the snapshot shape returned by Manager.Sessions (§4.I
// "sessions() → snapshot list").
type Info struct {
	ID                 string
	State              State
	RemoteHost         string
	RemotePort         int
	RemotePublicKey    []byte
	RemoteSchemas      []wire.Schema
	RemoteCapabilities map[string]string
	Err                error
}

// Session owns one peer connection's transport client, stream, and
// background tasks. All mutation of its own fields happens from the task
// group this session spawns (§5 "Shared-resource policy").
type Session struct {
	id   string
	log  *logrus.Logger
	reg  *registry.Registry
	bus  *eventbus.Bus
	conn *transport.Client

	mu                 sync.RWMutex
	state              State
	host               string
	port               int
	remotePublicKey    []byte
	remoteSchemas      []wire.Schema
	remoteCapabilities map[string]string
	sessionKey         []byte
	lastErr            error

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// Info returns a point-in-time snapshot of this session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:                 s.id,
		State:              s.state,
		RemoteHost:         s.host,
		RemotePort:         s.port,
		RemotePublicKey:    s.remotePublicKey,
		RemoteSchemas:      s.remoteSchemas,
		RemoteCapabilities: s.remoteCapabilities,
		Err:                s.lastErr,
	}
}

// Close transitions the session to Closing and releases its resources; safe
// to call more than once. The error, if any, comes from closing the
// underlying transport connection (dialer side only; the accept side has
// none to close).
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closing || s.state == Failed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// runActive starts the outbound pump, inbound pump, and (dialer side only)
// heartbeat ticker for an Active session, and blocks until any of them ends
// the session (§4.H). The accept side never originates heartbeats — §4.H
// "the server side always succeeds the call" — so a session with no
// transport.Client (s.conn == nil, the accept-side shape) skips the ticker.
func (s *Session) runActive(ctx context.Context, stream syncStreamLike) {
	defer close(s.done)

	tasks := 2
	if s.conn != nil {
		tasks++
	}
	var wg sync.WaitGroup
	wg.Add(tasks)

	// Any task ending — a send/recv failure or a heartbeat miss limit —
	// ends the session: cancelling s.cancel() unblocks the grpc stream's
	// Send/Recv in the other tasks (§4.H "Active" exit transitions).
	go func() {
		defer wg.Done()
		defer s.cancel()
		s.outboundPump(ctx, stream)
	}()
	go func() {
		defer wg.Done()
		defer s.cancel()
		s.inboundPump(ctx, stream)
	}()
	if s.conn != nil {
		go func() {
			defer wg.Done()
			defer s.cancel()
			s.heartbeatLoop(ctx)
		}()
	}

	wg.Wait()
	s.setState(Closing, nil)
}

// syncStreamLike is satisfied by both *transport.ClientSyncStream (dialer
// role) and transport.SyncStream (accept role), letting outbound/inbound
// pumps ignore which side opened the connection.
type syncStreamLike interface {
	Send(*transport.SyncMessage) error
	Recv() (*transport.SyncMessage, error)
}

// outboundPump subscribes to the registry's global change stream and writes
// every change not originating from this session onto the sync stream
// (§4.H "Outbound pump", loop-prevention).
func (s *Session) outboundPump(ctx context.Context, stream syncStreamLike) {
	changes, cancel := s.reg.ObserveAll()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Object.OriginSession == s.id {
				continue
			}
			msg, err := encodeChange(c, s.id)
			if err != nil {
				s.log.WithFields(logrus.Fields{"session": s.id, "error": err}).Warn("session: encode outbound change failed")
				continue
			}
			if err := stream.Send(msg); err != nil {
				s.log.WithFields(logrus.Fields{"session": s.id, "error": err}).Warn("session: outbound pump send failed")
				return
			}
		}
	}
}

func encodeChange(c registry.Change, sessionID string) (*transport.SyncMessage, error) {
	switch c.Kind {
	case registry.Updated:
		return &transport.SyncMessage{SyncMessage: wire.SyncMessage{
			Kind: wire.SyncUpdate,
			Update: &wire.ObjectUpdate{
				ObjectID:    c.Object.ID,
				TypeName:    c.Object.TypeName,
				Version:     c.Object.Version,
				TimestampMS: time.Now().UnixMilli(),
				Fields:      c.Object.Fields,
				SessionID:   sessionID,
			},
		}}, nil
	case registry.Deleted:
		return &transport.SyncMessage{SyncMessage: wire.SyncMessage{
			Kind: wire.SyncDelete,
			Delete: &wire.ObjectDelete{
				ObjectID:    c.ObjectID,
				TypeName:    c.TypeName,
				TimestampMS: time.Now().UnixMilli(),
				SessionID:   sessionID,
			},
		}}, nil
	default:
		return nil, fmt.Errorf("session: unknown change kind %d", c.Kind)
	}
}

// inboundPump reads the sync stream and routes updates/deletes into the
// registry (§4.H "Inbound pump").
func (s *Session) inboundPump(ctx context.Context, stream syncStreamLike) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.WithFields(logrus.Fields{"session": s.id, "error": err}).Warn("session: inbound pump recv failed")
			}
			return
		}
		switch msg.Kind {
		case wire.SyncUpdate:
			if msg.Update != nil {
				s.reg.ApplyRemoteUpdate(*msg.Update)
			}
		case wire.SyncDelete:
			if msg.Delete != nil {
				s.reg.ApplyRemoteDelete(*msg.Delete)
			}
		}
	}
}

// heartbeatLoop sends a heartbeat every 30s; three consecutive failures
// close the session (§4.H "Heartbeat").
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rpcCtx, cancel := context.WithTimeout(ctx, heartbeatRPCTimeout)
			resp, err := s.conn.Heartbeat(rpcCtx, s.id, time.Now().UnixMilli())
			cancel()
			if err != nil || !resp.Success {
				misses++
				s.log.WithFields(logrus.Fields{"session": s.id, "misses": misses}).Warn("session: heartbeat miss")
				if misses >= heartbeatMaxMisses {
					s.log.WithFields(logrus.Fields{"session": s.id}).Warn("session: heartbeat miss limit reached, closing")
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// SendEvent pushes ev over this session's transport, stamped with this
// session's id; failures are the caller's to log (§4.H "best-effort").
func (s *Session) SendEvent(ctx context.Context, ev wire.EventMessage) error {
	ev.SessionID = s.id
	_, err := s.conn.SendEvent(ctx, ev)
	if err != nil {
		return &errs.TransportError{Message: "send_event", Cause: err}
	}
	return nil
}
