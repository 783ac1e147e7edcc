package core

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"lanlink/config"
	"lanlink/discovery"
	"lanlink/network"
	"lanlink/plugins"
	"lanlink/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

func newTestCore(t *testing.T, deviceID, deviceName string, delegate network.PairingDelegate) *Core {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.DeviceConfig{
		DeviceID:        deviceID,
		DeviceName:      deviceName,
		DeviceType:      config.DeviceTypeDesktop,
		ControlPort:     freePort(t),
		DiscoveryGroup:  "224.0.0.251",
		DiscoveryPort:   freePort(t),
		CertificatePath: filepath.Join(dataDir, "certs", "identity.crt"),
		PrivateKeyPath:  filepath.Join(dataDir, "certs", "identity.key"),
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	c, err := New(Options{
		Config:      cfg,
		DataDir:     dataDir,
		Delegate:    delegate,
		DisableMDNS: true,
		Capabilities: protocol.CapabilitySet{
			Incoming: []string{plugins.TypePing},
			Outgoing: []string{plugins.TypePing},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)

	return c
}

func connectCores(t *testing.T, dialer, listener *Core) {
	t.Helper()

	port, err := listener.Port()
	if err != nil {
		t.Fatalf("Port failed: %v", err)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dialer.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func waitConnected(t *testing.T, c *Core, deviceID string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		devices, err := c.Devices()
		if err != nil {
			t.Fatalf("Devices failed: %v", err)
		}
		for _, d := range devices {
			if d.ID == deviceID && d.Connected {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("device %s never showed as connected", deviceID)
}

func TestCoreOperationsBeforeStart(t *testing.T) {
	c, err := New(Options{Config: &config.DeviceConfig{}, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Send("peer", protocol.New(plugins.TypePing, nil)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Send error = %v, want ErrNotStarted", err)
	}
	if err := c.Pair(context.Background(), "peer"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Pair error = %v, want ErrNotStarted", err)
	}
	if _, err := c.Devices(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Devices error = %v, want ErrNotStarted", err)
	}
}

func TestCoreStartAndStop(t *testing.T) {
	c := newTestCore(t, "aaa-device", "Device A", nil)

	port, err := c.Port()
	if err != nil {
		t.Fatalf("Port failed: %v", err)
	}
	if port <= 0 {
		t.Fatalf("Port = %d, want a bound port", port)
	}

	devices, err := c.Devices()
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("Devices = %v, want none", devices)
	}

	c.Stop()
	c.Stop()
}

func TestCorePairAndPingOverLoopback(t *testing.T) {
	accept := network.PairingDelegateFunc(func(network.PairRequest) bool { return true })

	// "zzz" sorts above "aaa": the listener takes the TLS server role, the
	// dialer the client role, regardless of who opened the TCP connection.
	listener := newTestCore(t, "zzz-listener-device", "Listener", accept)
	dialer := newTestCore(t, "aaa-dialer-device", "Dialer", nil)

	connectCores(t, dialer, listener)
	waitConnected(t, dialer, "zzz-listener-device")
	waitConnected(t, listener, "aaa-dialer-device")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dialer.Pair(ctx, "zzz-listener-device"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}

	// Both sides persisted trust.
	for _, tc := range []struct {
		core   *Core
		peerID string
	}{
		{dialer, "zzz-listener-device"},
		{listener, "aaa-dialer-device"},
	} {
		deadline := time.Now().Add(5 * time.Second)
		for !tc.core.pairing.IsPaired(tc.peerID) {
			if time.Now().After(deadline) {
				t.Fatalf("trust for %s never persisted", tc.peerID)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	// A ping flows from the listener back to the dialer through the router.
	received := make(chan string, 1)
	dialerPing, err := plugins.NewPingHandler(dialer.Router(), nil)
	if err != nil {
		t.Fatalf("NewPingHandler failed: %v", err)
	}
	dialerPing.OnPing = func(deviceID, message string) {
		received <- deviceID + ":" + message
	}

	listenerPing, err := plugins.NewPingHandler(listener.Router(), nil)
	if err != nil {
		t.Fatalf("NewPingHandler failed: %v", err)
	}
	if err := listenerPing.SendPing("aaa-dialer-device", "hello"); err != nil {
		t.Fatalf("SendPing failed: %v", err)
	}

	select {
	case got := <-received:
		want := "zzz-listener-device:hello"
		if got != want {
			t.Fatalf("ping = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ping never arrived")
	}
}

func TestDialReplacesStaleAttempt(t *testing.T) {
	listener := newTestCore(t, "zzz-redial-listener", "Listener", nil)
	dialer := newTestCore(t, "aaa-redial-dialer", "Dialer", nil)

	// A listener that accepts and never speaks wedges the dialer's
	// handshake until its timeout.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { _ = silent.Close() })
	go func() {
		for {
			conn, err := silent.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	sighting := func(port int) discovery.DiscoveredDevice {
		return discovery.DiscoveredDevice{
			Identity: protocol.DeviceIdentity{
				DeviceID:        "zzz-redial-listener",
				DeviceName:      "Listener",
				ProtocolVersion: protocol.ProtocolVersion,
				ControlPort:     port,
			},
			Address: &net.UDPAddr{IP: net.ParseIP("127.0.0.1")},
		}
	}

	dialer.dialDiscovered(sighting(silent.Addr().(*net.TCPAddr).Port))

	// Wait for the stale attempt to occupy the per-device slot.
	deadline := time.Now().Add(5 * time.Second)
	for {
		dialer.dialMu.Lock()
		_, inFlight := dialer.dialing["zzz-redial-listener"]
		dialer.dialMu.Unlock()
		if inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale dial attempt never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh sighting replaces the wedged attempt instead of being
	// dropped behind it.
	port, err := listener.Port()
	if err != nil {
		t.Fatalf("Port failed: %v", err)
	}
	dialer.dialDiscovered(sighting(port))

	waitConnected(t, dialer, "zzz-redial-listener")
}

func TestCoreUnpair(t *testing.T) {
	accept := network.PairingDelegateFunc(func(network.PairRequest) bool { return true })
	listener := newTestCore(t, "zzz-unpair-listener", "Listener", accept)
	dialer := newTestCore(t, "aaa-unpair-dialer", "Dialer", nil)

	connectCores(t, dialer, listener)
	waitConnected(t, dialer, "zzz-unpair-listener")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dialer.Pair(ctx, "zzz-unpair-listener"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}

	if err := dialer.Unpair("zzz-unpair-listener"); err != nil {
		t.Fatalf("Unpair failed: %v", err)
	}
	if dialer.pairing.IsPaired("zzz-unpair-listener") {
		t.Fatal("still paired after Unpair")
	}

	// The peer drops its record too once the pair:false arrives.
	deadline := time.Now().Add(5 * time.Second)
	for listener.pairing.IsPaired("aaa-unpair-dialer") {
		if time.Now().After(deadline) {
			t.Fatal("peer never dropped its trust record")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
