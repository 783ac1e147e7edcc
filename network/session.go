package network

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lanlink/protocol"
)

const (
	// DefaultConnectionTimeout bounds TCP dial and handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval probes idle sessions with protocol.ping.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for protocol.pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultReadTimeout bounds each transport read so the read loop can
	// observe shutdown.
	DefaultReadTimeout = 30 * time.Second
)

var (
	// ErrSessionClosed indicates a send on a closed session.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// SessionOptions controls runtime behavior of a Session.
type SessionOptions struct {
	LocalDeviceID  string
	RemoteIdentity protocol.DeviceIdentity
	Role           Role
	// PeerCertificate is the certificate the remote presented during the
	// TLS handshake; its fingerprint is the trust anchor.
	PeerCertificate *x509.Certificate

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	ReadTimeout       time.Duration

	Logger *zap.Logger
}

// Session is one live, authenticated connection to a device. It exclusively
// owns its transport; consumers get packets from Packets() and a send path,
// never the raw connection.
type Session struct {
	conn net.Conn

	localDeviceID string
	identity      protocol.DeviceIdentity
	role          Role
	peerCert      *x509.Certificate

	writeMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	readTimeout       time.Duration

	inbound chan protocol.Packet

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	logger *zap.Logger
}

func newSession(conn net.Conn, opts SessionOptions) *Session {
	interval := opts.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := opts.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		conn:              conn,
		localDeviceID:     opts.LocalDeviceID,
		identity:          opts.RemoteIdentity,
		role:              opts.Role,
		peerCert:          opts.PeerCertificate,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		readTimeout:       readTimeout,
		inbound:           make(chan protocol.Packet, 64),
		closed:            make(chan struct{}),
		logger:            logger.With(zap.String("device_id", opts.RemoteIdentity.DeviceID)),
	}

	s.touchActivity()
	go s.readLoop()
	go s.keepAliveLoop()

	return s
}

// DeviceID returns the remote device's ID.
func (s *Session) DeviceID() string {
	return s.identity.DeviceID
}

// Identity returns the remote device's identity as exchanged during the
// handshake.
func (s *Session) Identity() protocol.DeviceIdentity {
	return s.identity
}

// Role returns the local TLS role negotiated for this session.
func (s *Session) Role() Role {
	return s.role
}

// PeerCertificate returns the certificate the remote presented.
func (s *Session) PeerCertificate() *x509.Certificate {
	return s.peerCert
}

// RemoteAddr returns the transport's remote address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Packets returns inbound non-keepalive packets in arrival order.
func (s *Session) Packets() <-chan protocol.Packet {
	return s.inbound
}

// Done is closed when the session is fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the terminal session error, if any.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// SendPacket serializes and writes one packet. Packets sent on one session
// preserve send order on the wire.
func (s *Session) SendPacket(pkt protocol.Packet) error {
	select {
	case <-s.closed:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	default:
	}

	payload, err := protocol.Marshal(pkt)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(payload); err != nil {
		s.closeWithError(fmt.Errorf("write packet: %w", err))
		return err
	}

	s.touchActivity()
	return nil
}

// Close terminates the session and releases the transport. Idempotent.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) readLoop() {
	var decoder protocol.StreamDecoder
	buf := make([]byte, 4096)

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.closeWithError(fmt.Errorf("set read deadline: %w", err))
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.touchActivity()
			decoder.Feed(buf[:n])
			if !s.drainDecoder(&decoder) {
				return
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}
			s.closeWithError(fmt.Errorf("read transport: %w", err))
			return
		}
	}
}

// drainDecoder delivers every complete buffered packet. Malformed lines are
// logged and skipped; decoding resyncs on the next newline.
func (s *Session) drainDecoder(decoder *protocol.StreamDecoder) bool {
	for {
		pkt, err := decoder.Next()
		if err != nil {
			s.logger.Warn("dropping malformed packet", zap.Error(err))
			continue
		}
		if pkt == nil {
			return true
		}

		switch pkt.Type {
		case protocol.TypePing:
			_ = s.SendPacket(protocol.New(protocol.TypePong, nil))
		case protocol.TypePong:
			s.ackPong()
		default:
			select {
			case s.inbound <- *pkt:
			case <-s.closed:
				return false
			}
		}
	}
}

func (s *Session) keepAliveLoop() {
	checkEvery := s.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.waitingPongExpired() {
				s.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idleFor < s.keepAliveInterval {
				continue
			}
			if s.isWaitingPong() {
				continue
			}

			if err := s.SendPacket(protocol.New(protocol.TypePing, nil)); err != nil {
				return
			}
			s.setWaitingPong(time.Now().Add(s.keepAliveTimeout))
		case <-s.closed:
			return
		}
	}
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setWaitingPong(deadline time.Time) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = true
	s.pongDeadline = deadline
}

func (s *Session) ackPong() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = false
	s.pongDeadline = time.Time{}
}

func (s *Session) isWaitingPong() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong
}

func (s *Session) waitingPongExpired() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong && time.Now().After(s.pongDeadline)
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		_ = s.conn.Close()
		close(s.closed)

		if err != nil {
			s.logger.Info("session closed", zap.Error(err))
		}
	})
}
