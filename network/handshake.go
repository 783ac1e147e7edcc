package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"lanlink/certs"
	"lanlink/protocol"
	"lanlink/storage"
)

// ErrUntrustedCertificate indicates a paired device presented a certificate
// whose fingerprint no longer matches the pinned one. The connection is
// refused; re-pairing requires an explicit unpair first.
var ErrUntrustedCertificate = errors.New("network: certificate fingerprint does not match pinned fingerprint")

// handshakeConfig carries everything a handshake needs from the caller.
type handshakeConfig struct {
	localIdentity protocol.DeviceIdentity
	tlsCert       tls.Certificate
	store         *storage.Store
	timeout       time.Duration
	logger        *zap.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	readTimeout       time.Duration
}

func (c *handshakeConfig) withDefaults() {
	if c.timeout <= 0 {
		c.timeout = DefaultConnectionTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
}

// handshake runs the full connection establishment over a fresh TCP
// connection: plaintext identity exchange, deterministic role selection, TLS
// upgrade, and trust verification. The initiator writes its identity first;
// the acceptor replies. On success the returned session owns conn.
func handshake(conn net.Conn, initiator bool, cfg handshakeConfig) (*Session, error) {
	cfg.withDefaults()

	deadline := time.Now().Add(cfg.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	remote, err := exchangeIdentity(conn, cfg.localIdentity, initiator)
	if err != nil {
		return nil, err
	}

	role, err := DetermineRole(cfg.localIdentity.DeviceID, remote.DeviceID)
	if err != nil {
		return nil, err
	}

	tlsConn, err := upgradeTLS(conn, role, cfg.tlsCert, deadline)
	if err != nil {
		return nil, err
	}

	peerCert, err := peerCertificate(tlsConn)
	if err != nil {
		return nil, err
	}

	if err := verifyPinnedTrust(cfg.store, remote.DeviceID, peerCert, conn, cfg.logger); err != nil {
		return nil, err
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newSession(tlsConn, SessionOptions{
		LocalDeviceID:     cfg.localIdentity.DeviceID,
		RemoteIdentity:    remote,
		Role:              role,
		PeerCertificate:   peerCert,
		KeepAliveInterval: cfg.keepAliveInterval,
		KeepAliveTimeout:  cfg.keepAliveTimeout,
		ReadTimeout:       cfg.readTimeout,
		Logger:            cfg.logger,
	}), nil
}

// exchangeIdentity swaps plaintext identity packets. Order is fixed so both
// sides know whose turn it is: the dialer writes first.
func exchangeIdentity(conn net.Conn, local protocol.DeviceIdentity, initiator bool) (protocol.DeviceIdentity, error) {
	if initiator {
		if err := writeIdentity(conn, local); err != nil {
			return protocol.DeviceIdentity{}, err
		}
		return readIdentity(conn)
	}

	remote, err := readIdentity(conn)
	if err != nil {
		return protocol.DeviceIdentity{}, err
	}
	if err := writeIdentity(conn, local); err != nil {
		return protocol.DeviceIdentity{}, err
	}
	return remote, nil
}

func writeIdentity(conn net.Conn, local protocol.DeviceIdentity) error {
	payload, err := protocol.Marshal(local.IdentityPacket())
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}
	return nil
}

// readIdentity reads exactly one newline-terminated line. It reads byte by
// byte so no bytes of the TLS handshake that follows end up buffered here.
func readIdentity(conn net.Conn) (protocol.DeviceIdentity, error) {
	line := make([]byte, 0, 512)
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return protocol.DeviceIdentity{}, fmt.Errorf("read identity: %w", err)
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			break
		}
		if len(line) > protocol.MaxPacketSize {
			return protocol.DeviceIdentity{}, fmt.Errorf("read identity: %w", protocol.ErrPacketTooLarge)
		}
	}

	pkt, err := protocol.Unmarshal(line)
	if err != nil {
		return protocol.DeviceIdentity{}, fmt.Errorf("decode identity: %w", err)
	}
	return protocol.ParseIdentity(pkt)
}

// upgradeTLS wraps conn in TLS according to the negotiated role. Certificate
// chains are never validated against a CA; trust is established by
// fingerprint pinning after pairing.
func upgradeTLS(conn net.Conn, role Role, cert tls.Certificate, deadline time.Time) (*tls.Conn, error) {
	var tlsConn *tls.Conn
	switch role {
	case RoleServer:
		tlsConn = tls.Server(conn, &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAnyClientCert,
			MinVersion:   tls.VersionTLS12,
		})
	case RoleClient:
		tlsConn = tls.Client(conn, &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		})
	default:
		return nil, fmt.Errorf("network: unknown role %q", role)
	}

	if err := tlsConn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set tls deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func peerCertificate(tlsConn *tls.Conn) (*x509.Certificate, error) {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("network: peer presented no certificate")
	}
	return state.PeerCertificates[0], nil
}

// verifyPinnedTrust compares the presented certificate against the stored
// fingerprint for an already-paired device. Unknown devices pass; they are
// simply unpaired. A mismatch on a paired device is recorded as a critical
// security event and refused.
func verifyPinnedTrust(store *storage.Store, deviceID string, peerCert *x509.Certificate, conn net.Conn, logger *zap.Logger) error {
	if store == nil {
		return nil
	}

	peer, err := store.GetPeer(deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up trusted peer: %w", err)
	}

	presented := certs.Fingerprint(peerCert)
	if presented == peer.CertificateFingerprint {
		return nil
	}

	details := fmt.Sprintf(`{"expected":%q,"presented":%q}`, peer.CertificateFingerprint, presented)
	if logErr := store.LogSecurityEvent(storage.SecurityEvent{
		PeerDeviceID: &deviceID,
		EventType:    storage.EventUntrustedCertificate,
		Severity:     storage.SecuritySeverityCritical,
		Details:      details,
	}); logErr != nil {
		logger.Error("failed to record security event", zap.Error(logErr))
	}

	logger.Error("refusing connection: certificate changed for paired device",
		zap.String("device_id", deviceID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.String("expected_fingerprint", peer.CertificateFingerprint),
		zap.String("presented_fingerprint", presented))

	return ErrUntrustedCertificate
}
