package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlink/certs"
	"lanlink/protocol"
	"lanlink/storage"
)

const (
	// DefaultPairingTimeout bounds how long an outgoing pairing request
	// waits for the peer's answer.
	DefaultPairingTimeout = 30 * time.Second

	bodyKeyPair        = "pair"
	bodyKeyFingerprint = "certificateFingerprint"
	bodyKeyPairingID   = "pairingId"
)

var (
	// ErrPairingTimeout indicates the peer did not answer in time.
	ErrPairingTimeout = errors.New("network: pairing request timed out")
	// ErrPairingRejected indicates the peer declined the pairing request.
	ErrPairingRejected = errors.New("network: pairing request rejected")
	// ErrPairingInProgress indicates a request for this device is already
	// waiting for an answer.
	ErrPairingInProgress = errors.New("network: pairing already in progress")
	// ErrAlreadyPaired indicates the device is already trusted.
	ErrAlreadyPaired = errors.New("network: device already paired")
)

// PairRequest describes an incoming pairing request presented to the
// delegate for a user decision.
type PairRequest struct {
	DeviceID         string
	DeviceName       string
	DeviceType       string
	Fingerprint      string
	VerificationCode string
}

// PairingDelegate decides incoming pairing requests. ConfirmPairing blocks
// until the user answers; returning false declines.
type PairingDelegate interface {
	ConfirmPairing(req PairRequest) bool
}

// PairingDelegateFunc adapts a function to PairingDelegate.
type PairingDelegateFunc func(req PairRequest) bool

// ConfirmPairing implements PairingDelegate.
func (f PairingDelegateFunc) ConfirmPairing(req PairRequest) bool { return f(req) }

// PairingOptions configures a PairingManager.
type PairingOptions struct {
	LocalDeviceID    string
	LocalFingerprint string
	Store            *storage.Store
	Delegate         PairingDelegate
	Timeout          time.Duration
	Logger           *zap.Logger
}

func (o *PairingOptions) withDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultPairingTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// PairingManager drives the pairing protocol over live sessions. Trust is
// recorded in the store only after both sides accept, and always uses the
// fingerprint of the certificate the peer presented during the TLS
// handshake, never a fingerprint claimed inside a packet.
type PairingManager struct {
	opts PairingOptions

	mu      sync.Mutex
	pending map[string]chan bool

	logger *zap.Logger
}

// NewPairingManager returns a manager persisting trust decisions to
// opts.Store.
func NewPairingManager(opts PairingOptions) (*PairingManager, error) {
	opts.withDefaults()
	if opts.LocalDeviceID == "" {
		return nil, errors.New("network: pairing manager requires a local device id")
	}
	if opts.Store == nil {
		return nil, errors.New("network: pairing manager requires a store")
	}
	return &PairingManager{
		opts:    opts,
		pending: make(map[string]chan bool),
		logger:  opts.Logger,
	}, nil
}

// IsPaired reports whether deviceID has a stored trust record.
func (m *PairingManager) IsPaired(deviceID string) bool {
	_, err := m.opts.Store.GetPeer(deviceID)
	return err == nil
}

// RequestPairing sends a pairing request on session and waits for the
// peer's answer, the timeout, or ctx cancellation. On acceptance the peer
// is persisted as trusted.
func (m *PairingManager) RequestPairing(ctx context.Context, session *Session) error {
	deviceID := session.DeviceID()
	if m.IsPaired(deviceID) {
		return ErrAlreadyPaired
	}

	answer := make(chan bool, 1)
	m.mu.Lock()
	if _, exists := m.pending[deviceID]; exists {
		m.mu.Unlock()
		return ErrPairingInProgress
	}
	m.pending[deviceID] = answer
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, deviceID)
		m.mu.Unlock()
	}()

	pkt := protocol.New(protocol.TypePair, map[string]any{
		bodyKeyPair:        true,
		bodyKeyFingerprint: m.opts.LocalFingerprint,
		bodyKeyPairingID:   uuid.NewString(),
	})
	if err := session.SendPacket(pkt); err != nil {
		return fmt.Errorf("send pairing request: %w", err)
	}

	m.logger.Info("pairing requested", zap.String("device_id", deviceID))

	timer := time.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case accepted := <-answer:
		if !accepted {
			m.recordRejection(deviceID, "peer declined")
			return ErrPairingRejected
		}
		return m.persistTrust(session)
	case <-timer.C:
		m.recordRejection(deviceID, "request timed out")
		return ErrPairingTimeout
	case <-session.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePairPacket processes an inbound protocol.pair packet on session.
func (m *PairingManager) HandlePairPacket(session *Session, pkt protocol.Packet) error {
	pair, ok := pkt.BoolField(bodyKeyPair)
	if !ok {
		return fmt.Errorf("%w: pair packet missing pair field", protocol.ErrMalformedPacket)
	}
	if pair {
		return m.handlePairRequest(session, pkt)
	}
	return m.handleUnpair(session)
}

// handlePairRequest resolves an incoming pair:true. If an outgoing request
// for the same device is waiting, the two requests crossed on the wire and
// each side's request doubles as the other's acceptance.
func (m *PairingManager) handlePairRequest(session *Session, pkt protocol.Packet) error {
	deviceID := session.DeviceID()

	m.mu.Lock()
	answer, outgoing := m.pending[deviceID]
	m.mu.Unlock()

	if outgoing {
		m.logger.Info("simultaneous pairing, auto-accepting", zap.String("device_id", deviceID))
		answer <- true
		return nil
	}

	if m.IsPaired(deviceID) {
		// Peer lost its trust record; confirm ours is still valid by
		// re-acknowledging. The fingerprint was already verified at
		// handshake time.
		return m.sendPairResponse(session, true)
	}

	remoteFP := certs.Fingerprint(session.PeerCertificate())
	pairingID, _ := pkt.StringField(bodyKeyPairingID)

	code, err := certs.VerificationCode(m.opts.LocalFingerprint, remoteFP, pairingID)
	if err != nil {
		return fmt.Errorf("compute verification code: %w", err)
	}

	identity := session.Identity()
	accepted, answered := m.confirmWithTimeout(session, PairRequest{
		DeviceID:         deviceID,
		DeviceName:       identity.DeviceName,
		DeviceType:       identity.DeviceType,
		Fingerprint:      remoteFP,
		VerificationCode: code,
	})

	if !accepted {
		reason := "declined locally"
		if !answered {
			reason = "confirmation timed out"
		}
		m.recordRejection(deviceID, reason)
		return m.sendPairResponse(session, false)
	}

	if err := m.persistTrust(session); err != nil {
		return err
	}
	return m.sendPairResponse(session, true)
}

// confirmWithTimeout asks the delegate to confirm an incoming request, but
// for no longer than the pairing timeout. An unanswered prompt declines, the
// same way an unanswered outgoing request expires, so a stalled delegate can
// never wedge the session's packet loop. answered is false on expiry.
func (m *PairingManager) confirmWithTimeout(session *Session, req PairRequest) (accepted, answered bool) {
	if m.opts.Delegate == nil {
		return false, true
	}

	decision := make(chan bool, 1)
	go func() {
		decision <- m.opts.Delegate.ConfirmPairing(req)
	}()

	timer := time.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case accepted = <-decision:
		return accepted, true
	case <-timer.C:
		m.logger.Warn("pairing confirmation timed out",
			zap.String("device_id", req.DeviceID))
		return false, false
	case <-session.Done():
		return false, false
	}
}

// handleUnpair resolves an incoming pair:false, which is either a rejection
// of our pending request or a revocation of an existing pairing.
func (m *PairingManager) handleUnpair(session *Session) error {
	deviceID := session.DeviceID()

	m.mu.Lock()
	answer, outgoing := m.pending[deviceID]
	m.mu.Unlock()

	if outgoing {
		answer <- false
		return nil
	}

	if !m.IsPaired(deviceID) {
		return nil
	}

	if err := m.opts.Store.RemovePeer(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove trust record: %w", err)
	}
	m.logEvent(deviceID, storage.EventUnpaired, storage.SecuritySeverityInfo, `{"initiated_by":"peer"}`)
	m.logger.Info("unpaired by peer", zap.String("device_id", deviceID))
	return nil
}

// Unpair revokes trust for deviceID. If session is non-nil a pair:false is
// sent so the peer drops its record too; local removal proceeds regardless.
func (m *PairingManager) Unpair(deviceID string, session *Session) error {
	if session != nil {
		if err := m.sendPairResponse(session, false); err != nil {
			m.logger.Warn("failed to notify peer of unpair", zap.Error(err))
		}
	}

	if err := m.opts.Store.RemovePeer(deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("remove trust record: %w", err)
	}

	m.logEvent(deviceID, storage.EventUnpaired, storage.SecuritySeverityInfo, `{"initiated_by":"local"}`)
	m.logger.Info("unpaired", zap.String("device_id", deviceID))
	return nil
}

func (m *PairingManager) sendPairResponse(session *Session, accepted bool) error {
	body := map[string]any{bodyKeyPair: accepted}
	if accepted {
		body[bodyKeyFingerprint] = m.opts.LocalFingerprint
	}
	return session.SendPacket(protocol.New(protocol.TypePair, body))
}

func (m *PairingManager) persistTrust(session *Session) error {
	identity := session.Identity()
	fingerprint := certs.Fingerprint(session.PeerCertificate())

	peer := storage.TrustedPeer{
		DeviceID:               identity.DeviceID,
		DisplayName:            identity.DeviceName,
		DeviceType:             identity.DeviceType,
		CertificateFingerprint: fingerprint,
	}
	if host, port, err := splitHostPort(session.RemoteAddr()); err == nil {
		peer.LastKnownIP = &host
		peer.LastKnownPort = &port
	}

	if err := m.opts.Store.SavePeer(peer); err != nil {
		return fmt.Errorf("persist trusted peer: %w", err)
	}

	m.logEvent(identity.DeviceID, storage.EventPaired, storage.SecuritySeverityInfo,
		fmt.Sprintf(`{"fingerprint":%q}`, fingerprint))
	m.logger.Info("paired",
		zap.String("device_id", identity.DeviceID),
		zap.String("fingerprint", certs.FormatFingerprint(fingerprint)))
	return nil
}

func (m *PairingManager) recordRejection(deviceID, reason string) {
	m.logEvent(deviceID, storage.EventPairingRejected, storage.SecuritySeverityWarning,
		fmt.Sprintf(`{"reason":%q}`, reason))
}

func (m *PairingManager) logEvent(deviceID, eventType, severity, details string) {
	err := m.opts.Store.LogSecurityEvent(storage.SecurityEvent{
		PeerDeviceID: &deviceID,
		EventType:    eventType,
		Severity:     severity,
		Details:      details,
	})
	if err != nil {
		m.logger.Error("failed to record security event", zap.Error(err))
	}
}

func splitHostPort(addr net.Addr) (string, int, error) {
	if addr == nil {
		return "", 0, errors.New("network: nil address")
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0, fmt.Errorf("network: not a TCP address: %v", addr)
	}
	return tcp.IP.String(), tcp.Port, nil
}
