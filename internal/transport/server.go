package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/quic-go/quic-go"

	"silo/internal/logging"
)

// Handler serves one accepted bidirectional stream: one request message in,
// zero or one response message out. A returned error is logged and the
// stream is closed like any other; the connection keeps serving. Handlers see plain io interfaces so
// they can be exercised without a transport underneath.
type Handler interface {
	HandleStream(ctx context.Context, stream io.ReadWriteCloser) error
}

// UniStreamHandler is implemented by handlers that also accept incoming
// unidirectional streams (the chunkserver discover handshake).
type UniStreamHandler interface {
	HandleUniStream(ctx context.Context, stream io.Reader) error
}

// ServerConfig holds Server configuration.
type ServerConfig struct {
	// Addr is the UDP listen address (host:port).
	Addr string
	// TLS is the server-side TLS configuration.
	TLS *tls.Config
	// Handler serves accepted streams.
	Handler Handler
	// Setup, when set, runs once before the accept loop. Servers use it to
	// spawn their background tasks (heartbeat emitter, liveness pruning).
	Setup func(ctx context.Context) error
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Server runs the shared accept loop: one task per connection, one task per
// stream, handler errors isolated per stream.
type Server struct {
	listener *quic.Listener
	handler  Handler
	setup    func(ctx context.Context) error
	logger   *slog.Logger
}

// NewServer binds the listener immediately so the caller can read the
// resolved address before Run.
func NewServer(cfg ServerConfig) (*Server, error) {
	listener, err := Listen(cfg.Addr, cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return &Server{
		listener: listener,
		handler:  cfg.Handler,
		setup:    cfg.Setup,
		logger:   logging.Default(cfg.Logger).With("component", "server"),
	}, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close shuts the listener down; Run returns after in-flight accepts drain.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Run executes the setup hook and then accepts connections until ctx is
// cancelled or the listener closes.
func (s *Server) Run(ctx context.Context) error {
	if s.setup != nil {
		if err := s.setup(ctx); err != nil {
			return fmt.Errorf("server setup: %w", err)
		}
	}

	s.logger.Info("listening", "addr", s.listener.Addr())
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn quic.Connection) {
	s.logger.Debug("connection accepted", "peer", conn.RemoteAddr())

	if uh, ok := s.handler.(UniStreamHandler); ok {
		go s.acceptUniStreams(ctx, conn, uh)
	}

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.logConnEnd(conn, err)
			return
		}
		go func() {
			defer stream.Close()
			if err := s.handler.HandleStream(ctx, stream); err != nil {
				s.logger.Warn("stream handler failed", "peer", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

func (s *Server) acceptUniStreams(ctx context.Context, conn quic.Connection, uh UniStreamHandler) {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() {
			if err := uh.HandleUniStream(ctx, stream); err != nil {
				s.logger.Warn("uni stream handler failed", "peer", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// logConnEnd distinguishes a clean application close or idle expiry from a
// transport failure.
func (s *Server) logConnEnd(conn quic.Connection, err error) {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	switch {
	case errors.As(err, &appErr), errors.As(err, &idleErr), errors.Is(err, context.Canceled):
		s.logger.Debug("connection closed", "peer", conn.RemoteAddr())
	default:
		s.logger.Warn("connection lost", "peer", conn.RemoteAddr(), "error", err)
	}
}
