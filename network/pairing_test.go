package network

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"lanlink/certs"
	"lanlink/protocol"
	"lanlink/storage"
)

func newTestIdentity(t *testing.T, deviceID string) *certs.Identity {
	t.Helper()

	manager, err := certs.NewManager(certs.Options{
		DeviceID: deviceID,
		Storage:  certs.NewMemoryStorage(),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	identity, err := manager.GetOrCreate()
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	return identity
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newPairingSession builds a session whose remote presented peerIdentity's
// certificate, plus a channel of packets the session writes to the wire.
func newPairingSession(t *testing.T, peerIdentity *certs.Identity, deviceID string) (*Session, <-chan protocol.Packet) {
	t.Helper()

	local, remote := net.Pipe()
	session := newSession(local, SessionOptions{
		LocalDeviceID: "local-device",
		RemoteIdentity: protocol.DeviceIdentity{
			DeviceID:        deviceID,
			DeviceName:      "Remote Device",
			DeviceType:      "desktop",
			ProtocolVersion: protocol.ProtocolVersion,
		},
		Role:            RoleClient,
		PeerCertificate: peerIdentity.Certificate,
		ReadTimeout:     200 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = session.Close()
		_ = remote.Close()
	})

	wire := make(chan protocol.Packet, 16)
	go func() {
		scanner := bufio.NewScanner(remote)
		scanner.Buffer(make([]byte, 0, 4096), protocol.MaxPacketSize)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			pkt, err := protocol.Unmarshal(line)
			if err != nil {
				continue
			}
			wire <- pkt
		}
		close(wire)
	}()

	return session, wire
}

func newTestPairingManager(t *testing.T, store *storage.Store, localFP string, delegate PairingDelegate) *PairingManager {
	t.Helper()

	manager, err := NewPairingManager(PairingOptions{
		LocalDeviceID:    "local-device",
		LocalFingerprint: localFP,
		Store:            store,
		Delegate:         delegate,
		Timeout:          2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewPairingManager failed: %v", err)
	}
	return manager
}

func awaitPairPacket(t *testing.T, wire <-chan protocol.Packet) protocol.Packet {
	t.Helper()
	for {
		select {
		case pkt, ok := <-wire:
			if !ok {
				t.Fatal("wire closed before pair packet")
			}
			if pkt.Type == protocol.TypePair {
				return pkt
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pair packet")
		}
	}
}

func TestRequestPairingAcceptedByCrossingRequest(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), nil)

	result := make(chan error, 1)
	go func() {
		result <- manager.RequestPairing(context.Background(), session)
	}()

	sent := awaitPairPacket(t, wire)
	if pair, _ := sent.BoolField("pair"); !pair {
		t.Fatal("outgoing request has pair = false")
	}
	if fp, _ := sent.StringField("certificateFingerprint"); fp != localIdentity.Fingerprint() {
		t.Fatalf("request fingerprint = %q, want local fingerprint", fp)
	}
	if id, _ := sent.StringField("pairingId"); id == "" {
		t.Fatal("outgoing request missing pairingId")
	}

	// The peer's own pair request arrives while ours is pending; the two
	// crossed on the wire and count as mutual acceptance.
	incoming := protocol.New(protocol.TypePair, map[string]any{
		"pair":      true,
		"pairingId": "peer-pairing-id",
	})
	if err := manager.HandlePairPacket(session, incoming); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("RequestPairing failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RequestPairing never returned")
	}

	peer, err := store.GetPeer("remote-device")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.CertificateFingerprint != remoteIdentity.Fingerprint() {
		t.Fatalf("pinned fingerprint = %q, want the TLS certificate's %q",
			peer.CertificateFingerprint, remoteIdentity.Fingerprint())
	}
	if !manager.IsPaired("remote-device") {
		t.Fatal("IsPaired = false after acceptance")
	}
}

func TestRequestPairingRejected(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), nil)

	result := make(chan error, 1)
	go func() {
		result <- manager.RequestPairing(context.Background(), session)
	}()
	awaitPairPacket(t, wire)

	rejection := protocol.New(protocol.TypePair, map[string]any{"pair": false})
	if err := manager.HandlePairPacket(session, rejection); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}

	if err := <-result; !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("RequestPairing error = %v, want ErrPairingRejected", err)
	}
	if manager.IsPaired("remote-device") {
		t.Fatal("device paired despite rejection")
	}

	events, err := store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventPairingRejected})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d rejection events, want 1", len(events))
	}
}

func TestRequestPairingTimeout(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")

	manager, err := NewPairingManager(PairingOptions{
		LocalDeviceID:    "local-device",
		LocalFingerprint: localIdentity.Fingerprint(),
		Store:            store,
		Timeout:          100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPairingManager failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- manager.RequestPairing(context.Background(), session)
	}()
	awaitPairPacket(t, wire)

	select {
	case err := <-result:
		if !errors.Is(err, ErrPairingTimeout) {
			t.Fatalf("RequestPairing error = %v, want ErrPairingTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RequestPairing never timed out")
	}
}

func TestRequestPairingAlreadyPaired(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	if err := store.SavePeer(storage.TrustedPeer{
		DeviceID:               "remote-device",
		DisplayName:            "Remote Device",
		CertificateFingerprint: remoteIdentity.Fingerprint(),
	}); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	session, _ := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), nil)

	if err := manager.RequestPairing(context.Background(), session); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("RequestPairing error = %v, want ErrAlreadyPaired", err)
	}
}

func TestIncomingPairRequestAccepted(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	var seen PairRequest
	delegate := PairingDelegateFunc(func(req PairRequest) bool {
		seen = req
		return true
	})

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), delegate)

	incoming := protocol.New(protocol.TypePair, map[string]any{
		"pair":                   true,
		"certificateFingerprint": remoteIdentity.Fingerprint(),
		"pairingId":              "req-123",
	})
	done := make(chan error, 1)
	go func() { done <- manager.HandlePairPacket(session, incoming) }()

	response := awaitPairPacket(t, wire)
	if err := <-done; err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	if pair, _ := response.BoolField("pair"); !pair {
		t.Fatal("acceptance response has pair = false")
	}

	if seen.DeviceID != "remote-device" {
		t.Fatalf("delegate saw device %q, want remote-device", seen.DeviceID)
	}
	if seen.Fingerprint != remoteIdentity.Fingerprint() {
		t.Fatal("delegate saw wrong fingerprint")
	}
	if len(seen.VerificationCode) != 8 {
		t.Fatalf("verification code %q is not 8 digits", seen.VerificationCode)
	}

	peer, err := store.GetPeer("remote-device")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.CertificateFingerprint != remoteIdentity.Fingerprint() {
		t.Fatal("pinned fingerprint does not match presented certificate")
	}
}

func TestIncomingPairRequestRejected(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	delegate := PairingDelegateFunc(func(PairRequest) bool { return false })

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), delegate)

	incoming := protocol.New(protocol.TypePair, map[string]any{
		"pair":      true,
		"pairingId": "req-456",
	})
	done := make(chan error, 1)
	go func() { done <- manager.HandlePairPacket(session, incoming) }()

	response := awaitPairPacket(t, wire)
	if err := <-done; err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	if pair, _ := response.BoolField("pair"); pair {
		t.Fatal("rejection response has pair = true")
	}
	if manager.IsPaired("remote-device") {
		t.Fatal("device paired despite local rejection")
	}
}

func TestIncomingPairRequestConfirmationTimeout(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	delegate := PairingDelegateFunc(func(PairRequest) bool {
		<-release
		return true
	})

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")

	manager, err := NewPairingManager(PairingOptions{
		LocalDeviceID:    "local-device",
		LocalFingerprint: localIdentity.Fingerprint(),
		Store:            store,
		Delegate:         delegate,
		Timeout:          100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPairingManager failed: %v", err)
	}

	incoming := protocol.New(protocol.TypePair, map[string]any{
		"pair":      true,
		"pairingId": "req-789",
	})
	done := make(chan error, 1)
	go func() { done <- manager.HandlePairPacket(session, incoming) }()

	// The unanswered prompt expires and declines; the packet loop is not
	// held hostage by the delegate.
	response := awaitPairPacket(t, wire)
	if err := <-done; err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	if pair, _ := response.BoolField("pair"); pair {
		t.Fatal("expired confirmation sent pair = true")
	}
	if manager.IsPaired("remote-device") {
		t.Fatal("device paired despite expired confirmation")
	}

	events, err := store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventPairingRejected})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d rejection events, want 1", len(events))
	}
}

func TestUnpairRemovesTrustAndNotifiesPeer(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	if err := store.SavePeer(storage.TrustedPeer{
		DeviceID:               "remote-device",
		DisplayName:            "Remote Device",
		CertificateFingerprint: remoteIdentity.Fingerprint(),
	}); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	session, wire := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), nil)

	done := make(chan error, 1)
	go func() { done <- manager.Unpair("remote-device", session) }()

	notice := awaitPairPacket(t, wire)
	if err := <-done; err != nil {
		t.Fatalf("Unpair failed: %v", err)
	}
	if pair, _ := notice.BoolField("pair"); pair {
		t.Fatal("unpair notice has pair = true")
	}

	if _, err := store.GetPeer("remote-device"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetPeer error = %v, want ErrNotFound", err)
	}
}

func TestUnpairUnknownDevice(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), nil)

	if err := manager.Unpair("nobody", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Unpair error = %v, want ErrNotFound", err)
	}
}

func TestPeerInitiatedUnpair(t *testing.T) {
	store := newTestStore(t)
	localIdentity := newTestIdentity(t, "local-device")
	remoteIdentity := newTestIdentity(t, "remote-device")

	if err := store.SavePeer(storage.TrustedPeer{
		DeviceID:               "remote-device",
		DisplayName:            "Remote Device",
		CertificateFingerprint: remoteIdentity.Fingerprint(),
	}); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	session, _ := newPairingSession(t, remoteIdentity, "remote-device")
	manager := newTestPairingManager(t, store, localIdentity.Fingerprint(), nil)

	revocation := protocol.New(protocol.TypePair, map[string]any{"pair": false})
	if err := manager.HandlePairPacket(session, revocation); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}

	if manager.IsPaired("remote-device") {
		t.Fatal("device still paired after peer revocation")
	}
}
