package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"lanlink/certs"
	"lanlink/protocol"
)

const (
	// MinPayloadPort is the first port tried for payload transfers.
	MinPayloadPort = 1739
	// MaxPayloadPort is the last port tried.
	MaxPayloadPort = 1764

	// DefaultPayloadTimeout bounds how long a payload listener waits for
	// the receiver to connect.
	DefaultPayloadTimeout = 60 * time.Second
)

var (
	// ErrNoPayloadPort indicates every port in the payload range was busy.
	ErrNoPayloadPort = errors.New("network: no payload port available")
	// ErrPayloadMismatch indicates the transferred byte count differed
	// from the announced payload size.
	ErrPayloadMismatch = errors.New("network: payload size mismatch")
)

// PayloadOptions configures payload transfers for one session pair.
type PayloadOptions struct {
	TLSCert tls.Certificate
	Timeout time.Duration
	Logger  *zap.Logger
}

func (o *PayloadOptions) withDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultPayloadTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// SendPacketWithPayload announces a payload on the control session and
// serves its bytes over a one-shot TLS listener. The packet is sent with
// payloadSize and the listener port filled in, then the call blocks until
// the peer has drained the payload or the timeout elapses.
func SendPacketWithPayload(ctx context.Context, session *Session, pkt protocol.Packet, payload io.Reader, size int64, opts PayloadOptions) error {
	opts.withDefaults()

	if size < 0 {
		return fmt.Errorf("network: invalid payload size %d", size)
	}

	listener, port, err := bindPayloadPort(opts.TLSCert)
	if err != nil {
		return err
	}
	defer listener.Close()

	pkt.PayloadSize = size
	pkt.PayloadTransferInfo = map[string]any{"port": port}
	if err := session.SendPacket(pkt); err != nil {
		return err
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- acceptResult{conn, err}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var conn net.Conn
	select {
	case res := <-accepted:
		if res.err != nil {
			return fmt.Errorf("accept payload connection: %w", res.err)
		}
		conn = res.conn
	case <-timer.C:
		return fmt.Errorf("network: peer never fetched payload on port %d", port)
	case <-session.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
		return fmt.Errorf("set payload deadline: %w", err)
	}

	written, err := io.CopyN(conn, payload, size)
	if err != nil {
		return fmt.Errorf("send payload: %w", err)
	}
	if written != size {
		return ErrPayloadMismatch
	}

	opts.Logger.Debug("payload sent",
		zap.String("device_id", session.DeviceID()),
		zap.Int64("bytes", size))
	return nil
}

func bindPayloadPort(cert tls.Certificate) (net.Listener, int, error) {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	for port := MinPayloadPort; port <= MaxPayloadPort; port++ {
		listener, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), tlsConfig)
		if err == nil {
			return listener, port, nil
		}
	}
	return nil, 0, ErrNoPayloadPort
}

// ReceivePayload fetches the payload announced by pkt from the sending
// device and writes exactly payloadSize bytes to dst. The payload socket is
// authenticated by checking the presented certificate against the control
// session's pinned one.
func ReceivePayload(ctx context.Context, session *Session, pkt protocol.Packet, dst io.Writer, opts PayloadOptions) error {
	opts.withDefaults()

	if !pkt.HasPayload() {
		return errors.New("network: packet announces no payload")
	}
	port := pkt.PayloadPort()
	if port <= 0 {
		return errors.New("network: payload transfer info missing port")
	}

	host, _, err := splitHostPort(session.RemoteAddr())
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.Timeout},
		Config: &tls.Config{
			Certificates:       []tls.Certificate{opts.TLSCert},
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial payload port: %w", err)
	}
	defer conn.Close()

	tlsConn := conn.(*tls.Conn)
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return errors.New("network: payload peer presented no certificate")
	}
	expected := certs.Fingerprint(session.PeerCertificate())
	presented := certs.Fingerprint(state.PeerCertificates[0])
	if presented != expected {
		return ErrUntrustedCertificate
	}

	if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
		return fmt.Errorf("set payload deadline: %w", err)
	}

	copied, err := io.CopyN(dst, conn, pkt.PayloadSize)
	if err != nil {
		return fmt.Errorf("receive payload: %w", err)
	}
	if copied != pkt.PayloadSize {
		return ErrPayloadMismatch
	}

	opts.Logger.Debug("payload received",
		zap.String("device_id", session.DeviceID()),
		zap.Int64("bytes", pkt.PayloadSize))
	return nil
}
