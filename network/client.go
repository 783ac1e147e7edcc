package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"lanlink/protocol"
	"lanlink/storage"
)

// DialOptions configures an outbound connection attempt.
type DialOptions struct {
	LocalIdentity protocol.DeviceIdentity
	TLSCert       tls.Certificate
	Store         *storage.Store

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	ReadTimeout       time.Duration

	Logger *zap.Logger
}

// Dial connects to a device's control port and runs the handshake as the
// initiator. The returned session is authenticated but not necessarily
// paired.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Session, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Cancelling ctx aborts the handshake too, not just the TCP dial, so a
	// superseded attempt releases its connection promptly.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-handshakeDone:
		}
	}()
	defer close(handshakeDone)

	session, err := handshake(conn, true, handshakeConfig{
		localIdentity:     opts.LocalIdentity,
		tlsCert:           opts.TLSCert,
		store:             opts.Store,
		timeout:           timeout,
		logger:            opts.Logger,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		readTimeout:       opts.ReadTimeout,
	})
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return session, nil
}
