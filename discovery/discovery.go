package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"lanlink/protocol"
)

const (
	// DefaultGroup is the well-known discovery multicast group.
	DefaultGroup = "224.0.0.251"
	// DefaultPort is the well-known discovery UDP port.
	DefaultPort = 1716
	// DefaultBroadcastInterval is how often the local identity is announced.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultLostAfterIntervals is how many missed broadcast intervals evict
	// a discovered device.
	DefaultLostAfterIntervals = 3

	maxDatagramSize = 8192
)

const (
	// EventDeviceFound is emitted when a new device identity is received.
	EventDeviceFound EventType = "device_found"
	// EventDeviceLost is emitted when a known device stops broadcasting.
	EventDeviceLost EventType = "device_lost"
)

// EventType identifies discovery updates.
type EventType string

// Event carries discovery updates for pairing/UI consumers.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// DiscoveredDevice is a device seen on the discovery channel. Entries live
// only in the discovery cache and are rebuilt from each identity broadcast.
type DiscoveredDevice struct {
	Identity protocol.DeviceIdentity
	Address  *net.UDPAddr
	LastSeen time.Time
}

// Config controls the multicast discovery service.
type Config struct {
	LocalIdentity protocol.DeviceIdentity

	Group             string
	Port              int
	BroadcastInterval time.Duration
	// LostAfter evicts devices not refreshed within this window. Defaults to
	// DefaultLostAfterIntervals broadcast intervals.
	LostAfter time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Group == "" {
		out.Group = DefaultGroup
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.LostAfter <= 0 {
		out.LostAfter = time.Duration(DefaultLostAfterIntervals) * out.BroadcastInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (c Config) validate() error {
	if c.LocalIdentity.DeviceID == "" {
		return errors.New("discovery: local device ID is required")
	}
	if c.LocalIdentity.DeviceName == "" {
		return errors.New("discovery: local device name is required")
	}
	return nil
}

// Service broadcasts the local identity to the multicast group and tracks
// identities received from the LAN.
type Service struct {
	cfg       Config
	groupAddr *net.UDPAddr

	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	// ifaces that successfully joined the group; broadcasts go out once per
	// interface so multi-homed hosts reach every segment.
	ifaces []net.Interface

	mu      sync.RWMutex
	devices map[string]DiscoveredDevice

	events    chan Event
	refresh   chan struct{}
	closed    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New prepares a discovery service without touching the network.
func New(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	groupIP := net.ParseIP(cfg.Group)
	if groupIP == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("discovery: %q is not a multicast group address", cfg.Group)
	}

	return &Service{
		cfg:       cfg,
		groupAddr: &net.UDPAddr{IP: groupIP, Port: cfg.Port},
		devices:   make(map[string]DiscoveredDevice),
		events:    make(chan Event, 128),
		refresh:   make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}, nil
}

// Start joins the multicast group on every usable interface and launches the
// broadcast, read, and sweep loops.
func (s *Service) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.start()
	})
	return startErr
}

func (s *Service) start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("discovery: listen udp %d: %w", s.cfg.Port, err)
	}
	s.conn = conn
	s.pconn = ipv4.NewPacketConn(conn)

	interfaces, err := net.Interfaces()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("discovery: list interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if !usableInterface(iface) {
			continue
		}
		if err := s.pconn.JoinGroup(&iface, s.groupAddr); err != nil {
			// One interface failing to join must not abort discovery on
			// the others.
			s.cfg.Logger.Warn("join multicast group failed",
				zap.String("interface", iface.Name),
				zap.Error(err))
			continue
		}
		s.ifaces = append(s.ifaces, iface)
	}
	if len(s.ifaces) == 0 {
		_ = conn.Close()
		return errors.New("discovery: no usable multicast interface")
	}

	_ = s.pconn.SetMulticastLoopback(false)

	s.wg.Add(3)
	go s.broadcastLoop()
	go s.readLoop()
	go s.sweepLoop()

	s.cfg.Logger.Info("discovery started",
		zap.String("group", s.groupAddr.String()),
		zap.Int("interfaces", len(s.ifaces)))
	return nil
}

// Events provides asynchronous DeviceFound/DeviceLost updates.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Devices returns a snapshot of currently known devices.
func (s *Service) Devices() []DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}
	return out
}

// Lookup returns a known device by ID.
func (s *Service) Lookup(deviceID string) (DiscoveredDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	return device, ok
}

// Refresh requests an immediate identity broadcast.
func (s *Service) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Stop leaves the multicast group, releases the socket, and drains the
// background loops. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
		if s.pconn != nil {
			for i := range s.ifaces {
				_ = s.pconn.LeaveGroup(&s.ifaces[i], s.groupAddr)
			}
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	// Announce immediately so peers learn about us without waiting a full
	// interval.
	s.broadcastIdentity()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastIdentity()
		case <-s.refresh:
			s.broadcastIdentity()
		case <-s.closed:
			return
		}
	}
}

func (s *Service) broadcastIdentity() {
	payload, err := protocol.Marshal(s.cfg.LocalIdentity.IdentityPacket())
	if err != nil {
		s.cfg.Logger.Error("marshal identity broadcast", zap.Error(err))
		return
	}

	for i := range s.ifaces {
		iface := &s.ifaces[i]
		if err := s.pconn.SetMulticastInterface(iface); err != nil {
			s.cfg.Logger.Warn("set multicast interface failed",
				zap.String("interface", iface.Name),
				zap.Error(err))
			continue
		}
		if _, err := s.conn.WriteToUDP(payload, s.groupAddr); err != nil {
			s.cfg.Logger.Warn("identity broadcast failed",
				zap.String("interface", iface.Name),
				zap.Error(err))
		}
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Warn("discovery read failed", zap.Error(err))
			continue
		}

		s.handleDatagram(buf[:n], src)
	}
}

// handleDatagram processes one received datagram: exactly one
// newline-terminated identity packet. Malformed datagrams are logged and
// dropped without producing events.
func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	pkt, err := protocol.Unmarshal(data)
	if err != nil {
		s.cfg.Logger.Debug("malformed discovery datagram",
			zap.String("source", src.String()),
			zap.Error(err))
		return
	}

	identity, err := protocol.ParseIdentity(pkt)
	if err != nil {
		s.cfg.Logger.Debug("invalid identity datagram",
			zap.String("source", src.String()),
			zap.String("packet_type", pkt.Type),
			zap.Error(err))
		return
	}

	if identity.DeviceID == s.cfg.LocalIdentity.DeviceID {
		return
	}

	device := DiscoveredDevice{
		Identity: identity,
		Address:  src,
		LastSeen: time.Now(),
	}

	s.mu.Lock()
	_, known := s.devices[identity.DeviceID]
	s.devices[identity.DeviceID] = device
	s.mu.Unlock()

	if !known {
		s.cfg.Logger.Info("device found",
			zap.String("device_id", identity.DeviceID),
			zap.String("source", src.String()))
		s.emit(Event{Type: EventDeviceFound, Device: device})
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(time.Now())
		case <-s.closed:
			return
		}
	}
}

// sweepOnce evicts devices not refreshed within the lost-after window and
// emits DeviceLost exactly once per eviction.
func (s *Service) sweepOnce(now time.Time) {
	var lost []DiscoveredDevice

	s.mu.Lock()
	for id, device := range s.devices {
		if now.Sub(device.LastSeen) > s.cfg.LostAfter {
			delete(s.devices, id)
			lost = append(lost, device)
		}
	}
	s.mu.Unlock()

	for _, device := range lost {
		s.cfg.Logger.Info("device lost", zap.String("device_id", device.Identity.DeviceID))
		s.emit(Event{Type: EventDeviceLost, Device: device})
	}
}

func (s *Service) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func usableInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil || len(addrs) == 0 {
		return false
	}
	return true
}
