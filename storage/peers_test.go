package storage

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func TestTrustedPeerCRUD(t *testing.T) {
	store := newTestStore(t)

	peer := TrustedPeer{
		DeviceID:               "peer-1",
		DisplayName:            "Alice's Phone",
		DeviceType:             "phone",
		CertificateFingerprint: "deadbeefdeadbeefdeadbeefdeadbeef",
	}

	if err := store.SavePeer(peer); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	got, err := store.GetPeer(peer.DeviceID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DisplayName != peer.DisplayName {
		t.Fatalf("unexpected display name: got %q want %q", got.DisplayName, peer.DisplayName)
	}
	if got.CertificateFingerprint != peer.CertificateFingerprint {
		t.Fatalf("unexpected fingerprint: got %q", got.CertificateFingerprint)
	}
	if got.PairedAt == 0 {
		t.Fatalf("paired_at not defaulted")
	}

	if err := store.SavePeer(TrustedPeer{
		DeviceID:               "peer-2",
		DisplayName:            "Bob's Laptop",
		DeviceType:             "laptop",
		CertificateFingerprint: "00112233445566778899aabbccddeeff",
	}); err != nil {
		t.Fatalf("SavePeer (second peer) failed: %v", err)
	}

	list, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(list))
	}

	if err := store.RemovePeer(peer.DeviceID); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if _, err := store.GetPeer(peer.DeviceID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after RemovePeer, got %v", err)
	}
	if err := store.RemovePeer(peer.DeviceID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second remove, got %v", err)
	}
}

func TestSavePeerReplacesFingerprint(t *testing.T) {
	store := newTestStore(t)

	if err := store.SavePeer(TrustedPeer{
		DeviceID:               "peer-1",
		DisplayName:            "Old Name",
		CertificateFingerprint: "old-fingerprint",
	}); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	// An explicit re-pair replaces the single trust record.
	if err := store.SavePeer(TrustedPeer{
		DeviceID:               "peer-1",
		DisplayName:            "New Name",
		CertificateFingerprint: "new-fingerprint",
	}); err != nil {
		t.Fatalf("SavePeer (re-pair) failed: %v", err)
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.CertificateFingerprint != "new-fingerprint" {
		t.Fatalf("fingerprint not replaced: got %q", got.CertificateFingerprint)
	}

	list, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one trust record, got %d", len(list))
	}
}

func TestUpdatePeerEndpoint(t *testing.T) {
	store := newTestStore(t)

	if err := store.SavePeer(TrustedPeer{
		DeviceID:               "peer-1",
		DisplayName:            "Alice",
		CertificateFingerprint: "fp",
	}); err != nil {
		t.Fatalf("SavePeer failed: %v", err)
	}

	if err := store.UpdatePeerEndpoint("peer-1", "192.168.1.10", 1716); err != nil {
		t.Fatalf("UpdatePeerEndpoint failed: %v", err)
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.LastKnownIP == nil || *got.LastKnownIP != "192.168.1.10" {
		t.Fatalf("unexpected last_known_ip: %+v", got.LastKnownIP)
	}
	if got.LastKnownPort == nil || *got.LastKnownPort != 1716 {
		t.Fatalf("unexpected last_known_port: %+v", got.LastKnownPort)
	}
	if got.LastSeen == nil || *got.LastSeen == 0 {
		t.Fatalf("last_seen not updated: %+v", got.LastSeen)
	}

	if err := store.UpdatePeerEndpoint("missing", "10.0.0.1", 1716); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown peer, got %v", err)
	}
}
