package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/asinka/asinka/pkg/config"
	"github.com/asinka/asinka/pkg/errs"
)

// Server wraps a *grpc.Server configured per §4.G's tunables: max message
// size, application-level keepalive, idle-connection shutdown, and a
// bounded graceful-drain window.
type Server struct {
	log  *logrus.Logger
	grpc *grpc.Server
	cfg  config.Transport
}

// NewServer constructs a Server with h registered as the RPC handler. It
// does not start listening; call Serve.
func NewServer(cfg config.Transport, h Handler, log *logrus.Logger) *Server {
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
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}

	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxBytes),
		grpc.MaxSendMsgSize(maxBytes),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:              keepAlivePeriod,
			Timeout:           keepAliveTimeout,
			MaxConnectionIdle: idleTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepAlivePeriod / 2,
			PermitWithoutStream: true,
		}),
	)
	Register(s, h)

	return &Server{log: log, grpc: s, cfg: cfg}
}

// Serve blocks accepting connections on lis until Shutdown is called or the
// listener fails.
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithFields(logrus.Fields{"addr": lis.Addr().String()}).Info("transport: server listening")
	if err := s.grpc.Serve(lis); err != nil {
		return &errs.TransportError{Message: "serve", Cause: err}
	}
	return nil
}

// Shutdown stops accepting new RPCs and waits for in-flight ones to finish,
// up to cfg.DrainTimeout before forcing a hard stop (§4.G "graceful
// shutdown with bounded drain").
func (s *Server) Shutdown(ctx context.Context) error {
	drain := s.cfg.DrainTimeout
	if drain <= 0 {
		drain = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(drain)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		s.log.Warn("transport: drain timeout exceeded, forcing stop")
		s.grpc.Stop()
		return fmt.Errorf("transport: forced stop after %s drain timeout", drain)
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}
