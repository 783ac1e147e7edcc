package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlink/protocol"
	"lanlink/storage"
)

const (
	// MinControlPort is the first port tried when binding the control
	// listener.
	MinControlPort = 1714
	// MaxControlPort is the last port tried.
	MaxControlPort = 1764
)

// ErrNoPortAvailable indicates every port in the control range was busy.
var ErrNoPortAvailable = errors.New("network: no control port available")

// ServerOptions configures the control listener.
type ServerOptions struct {
	LocalIdentity protocol.DeviceIdentity
	TLSCert       tls.Certificate
	Store         *storage.Store

	// Port pins the listener to one port. Zero scans the control range.
	Port int

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	ReadTimeout       time.Duration

	Logger *zap.Logger
}

func (o *ServerOptions) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultConnectionTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server accepts inbound connections and runs the handshake on each.
// Established sessions are delivered on Sessions.
type Server struct {
	opts     ServerOptions
	listener net.Listener
	port     int

	sessions chan *Session

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup

	logger *zap.Logger
}

// NewServer binds the control listener. With Port zero it tries each port in
// [MinControlPort, MaxControlPort] in order and keeps the first that binds.
func NewServer(opts ServerOptions) (*Server, error) {
	opts.withDefaults()

	if opts.LocalIdentity.DeviceID == "" {
		return nil, errors.New("network: server requires a local identity")
	}

	listener, port, err := bindControlPort(opts.Port)
	if err != nil {
		return nil, err
	}
	// The advertised identity carries the port that actually bound.
	opts.LocalIdentity.ControlPort = port

	s := &Server{
		opts:     opts,
		listener: listener,
		port:     port,
		sessions: make(chan *Session, 16),
		stopped:  make(chan struct{}),
		logger:   opts.Logger,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control listener started", zap.Int("port", port))
	return s, nil
}

func bindControlPort(pinned int) (net.Listener, int, error) {
	if pinned > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", pinned))
		if err != nil {
			return nil, 0, fmt.Errorf("bind control port %d: %w", pinned, err)
		}
		return listener, pinned, nil
	}

	for port := MinControlPort; port <= MaxControlPort; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return listener, port, nil
		}
	}
	return nil, 0, ErrNoPortAvailable
}

// Port returns the bound control port.
func (s *Server) Port() int {
	return s.port
}

// Sessions delivers handshake-complete inbound sessions.
func (s *Server) Sessions() <-chan *Session {
	return s.sessions
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	session, err := handshake(conn, false, handshakeConfig{
		localIdentity:     s.opts.LocalIdentity,
		tlsCert:           s.opts.TLSCert,
		store:             s.opts.Store,
		timeout:           s.opts.HandshakeTimeout,
		logger:            s.logger,
		keepAliveInterval: s.opts.KeepAliveInterval,
		keepAliveTimeout:  s.opts.KeepAliveTimeout,
		readTimeout:       s.opts.ReadTimeout,
	})
	if err != nil {
		s.logger.Warn("inbound handshake failed",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	select {
	case s.sessions <- session:
	case <-s.stopped:
		_ = session.Close()
	}
}

// Stop closes the listener and waits for in-flight handshakes. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		_ = s.listener.Close()
		s.wg.Wait()
		close(s.sessions)
	})
}
