// Package core wires the device daemon together: configuration, identity
// certificate, trust store, discovery, control listener, pairing, and the
// plugin router, behind one embeddable facade.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"lanlink/certs"
	"lanlink/config"
	"lanlink/discovery"
	"lanlink/network"
	"lanlink/plugins"
	"lanlink/protocol"
	"lanlink/storage"
)

// ErrNotStarted indicates an operation before Start.
var ErrNotStarted = errors.New("core: not started")

// ErrDeviceUnknown indicates a device neither connected nor discovered.
var ErrDeviceUnknown = errors.New("core: device unknown")

// Device is the externally visible view of a remote device.
type Device struct {
	ID        string
	Name      string
	Type      string
	Paired    bool
	Connected bool
	Address   string
}

// Callbacks receive device lifecycle updates. All callbacks run on one
// dispatch goroutine; a slow callback delays later events but never races
// another.
type Callbacks struct {
	OnDeviceFound  func(Device)
	OnDeviceLost   func(deviceID string)
	OnConnected    func(Device)
	OnDisconnected func(deviceID string)
}

// Options configures a Core.
type Options struct {
	Config  *config.DeviceConfig
	DataDir string

	// Delegate answers incoming pairing requests. Nil declines everything.
	Delegate network.PairingDelegate

	// Capabilities advertised in the identity packet.
	Capabilities protocol.CapabilitySet

	// DisableMDNS turns off the secondary mDNS announcement.
	DisableMDNS bool

	Logger *zap.Logger
}

// Core is the embeddable daemon facade.
type Core struct {
	opts   Options
	logger *zap.Logger

	store    *storage.Store
	identity *certs.Identity
	local    protocol.DeviceIdentity

	server   *network.Server
	registry *network.Registry
	pairing  *network.PairingManager
	router   *plugins.Router

	disco *discovery.Service
	mdns  *discovery.Announcer

	callbacks Callbacks
	events    chan func()

	dialMu  sync.Mutex
	dialing map[string]*dialAttempt

	mu      sync.Mutex
	started bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates an unstarted Core.
func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, errors.New("core: config is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("core: data directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Core{
		opts:    opts,
		logger:  opts.Logger,
		events:  make(chan func(), 256),
		dialing: make(map[string]*dialAttempt),
		stopped: make(chan struct{}),
	}, nil
}

// Start brings up identity, storage, the control listener, and packet
// routing. Discovery starts separately via StartDiscovery.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("core: already started")
	}

	cfg := c.opts.Config

	certManager, err := c.newCertManager(cfg)
	if err != nil {
		return err
	}
	identity, err := certManager.GetOrCreate()
	if err != nil {
		return fmt.Errorf("load identity certificate: %w", err)
	}
	c.identity = identity

	store, _, err := storage.Open(c.opts.DataDir)
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	c.store = store

	server, err := network.NewServer(network.ServerOptions{
		LocalIdentity: protocol.BuildLocalIdentity(
			cfg.DeviceID, cfg.DeviceName, cfg.DeviceType, 0, c.opts.Capabilities),
		TLSCert: identity.TLS,
		Store:   store,
		Port:    cfg.ControlPort,
		Logger:  c.logger.Named("server"),
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	c.server = server

	// The identity advertises the port the listener actually bound.
	c.local = protocol.BuildLocalIdentity(
		cfg.DeviceID, cfg.DeviceName, cfg.DeviceType, server.Port(), c.opts.Capabilities)

	c.registry = network.NewRegistry(c.logger.Named("registry"))
	c.router = plugins.NewRouter(c.registry, c.logger.Named("router"))

	pairing, err := network.NewPairingManager(network.PairingOptions{
		LocalDeviceID:    cfg.DeviceID,
		LocalFingerprint: identity.Fingerprint(),
		Store:            store,
		Delegate:         c.opts.Delegate,
		Logger:           c.logger.Named("pairing"),
	})
	if err != nil {
		server.Stop()
		_ = store.Close()
		return err
	}
	c.pairing = pairing

	c.wg.Add(3)
	go c.dispatchLoop()
	go c.acceptLoop()
	go c.registryEventLoop()

	c.started = true
	c.logger.Info("core started",
		zap.String("device_id", cfg.DeviceID),
		zap.Int("control_port", server.Port()),
		zap.String("fingerprint", certs.FormatFingerprint(identity.Fingerprint())))
	return nil
}

func (c *Core) newCertManager(cfg *config.DeviceConfig) (*certs.Manager, error) {
	certDir := filepath.Dir(cfg.CertificatePath)
	fileStorage, err := certs.NewFileStorage(certDir)
	if err != nil {
		return nil, fmt.Errorf("open certificate storage: %w", err)
	}
	return certs.NewManager(certs.Options{
		DeviceID: cfg.DeviceID,
		Storage:  fileStorage,
		Logger:   c.logger.Named("certs"),
	})
}

// StartDiscovery begins broadcasting and listening for peers and wires the
// given callbacks. Paired devices that appear are dialed automatically.
func (c *Core) StartDiscovery(cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.disco != nil {
		return errors.New("core: discovery already running")
	}

	c.callbacks = cb

	svc, err := discovery.New(discovery.Config{
		LocalIdentity: c.local,
		Group:         c.opts.Config.DiscoveryGroup,
		Port:          c.opts.Config.DiscoveryPort,
		Logger:        c.logger.Named("discovery"),
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	c.disco = svc

	if !c.opts.DisableMDNS {
		announcer, err := discovery.StartAnnouncer(discovery.AnnounceOptions{
			Identity:    c.local,
			Fingerprint: c.identity.Fingerprint(),
		})
		if err != nil {
			c.logger.Warn("mDNS announce unavailable", zap.Error(err))
		} else {
			c.mdns = announcer
		}
	}

	c.wg.Add(1)
	go c.discoveryEventLoop(svc)
	return nil
}

// acceptLoop registers inbound sessions from the control listener.
func (c *Core) acceptLoop() {
	defer c.wg.Done()
	for session := range c.server.Sessions() {
		c.adoptSession(session)
	}
}

// adoptSession installs a session in the registry and starts its packet loop.
func (c *Core) adoptSession(session *network.Session) {
	c.registry.Add(session)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sessionLoop(session)
	}()
}

// sessionLoop routes a session's packets until it closes. Pair packets go to
// the pairing manager, everything else to the plugin router. Dispatch is
// synchronous, so per-device handler order matches wire order.
func (c *Core) sessionLoop(session *network.Session) {
	deviceID := session.DeviceID()
	for {
		select {
		case pkt, ok := <-session.Packets():
			if !ok {
				return
			}
			if pkt.Type == protocol.TypePair {
				if err := c.pairing.HandlePairPacket(session, pkt); err != nil {
					c.logger.Warn("pair packet failed",
						zap.String("device_id", deviceID), zap.Error(err))
				}
				continue
			}
			if err := c.router.Dispatch(deviceID, pkt); err != nil && !errors.Is(err, plugins.ErrNoHandler) {
				c.logger.Warn("packet dispatch failed",
					zap.String("device_id", deviceID),
					zap.String("packet_type", pkt.Type),
					zap.Error(err))
			}
		case <-session.Done():
			return
		case <-c.stopped:
			return
		}
	}
}

// registryEventLoop turns registry connect/disconnect into callbacks and
// handler notifications.
func (c *Core) registryEventLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.registry.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case network.EventConnected:
				identity := ev.Session.Identity()
				c.router.NotifyConnected(identity)
				device := c.deviceFromIdentity(identity, true)
				c.enqueue(func() {
					if c.callbacks.OnConnected != nil {
						c.callbacks.OnConnected(device)
					}
				})
			case network.EventDisconnected:
				deviceID := ev.Session.DeviceID()
				c.router.NotifyDisconnected(deviceID)
				c.enqueue(func() {
					if c.callbacks.OnDisconnected != nil {
						c.callbacks.OnDisconnected(deviceID)
					}
				})
			}
		case <-c.stopped:
			return
		}
	}
}

// discoveryEventLoop reacts to found/lost devices.
func (c *Core) discoveryEventLoop(svc *discovery.Service) {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-svc.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case discovery.EventDeviceFound:
				c.onDeviceFound(ev.Device)
			case discovery.EventDeviceLost:
				deviceID := ev.Device.Identity.DeviceID
				c.enqueue(func() {
					if c.callbacks.OnDeviceLost != nil {
						c.callbacks.OnDeviceLost(deviceID)
					}
				})
			}
		case <-c.stopped:
			return
		}
	}
}

func (c *Core) onDeviceFound(found discovery.DiscoveredDevice) {
	device := c.deviceFromIdentity(found.Identity, false)
	if found.Address != nil {
		device.Address = found.Address.IP.String()
	}
	c.enqueue(func() {
		if c.callbacks.OnDeviceFound != nil {
			c.callbacks.OnDeviceFound(device)
		}
	})

	// Paired devices reconnect on sight rather than on a retry timer.
	if device.Paired && !c.registry.Connected(device.ID) {
		c.dialDiscovered(found)
	}
}

// dialAttempt is one in-flight outbound connection attempt per device.
type dialAttempt struct {
	cancel context.CancelFunc
}

// dialDiscovered connects to a discovered device. A fresh sighting cancels
// and replaces any stale in-flight attempt for the same device instead of
// being dropped behind it.
func (c *Core) dialDiscovered(found discovery.DiscoveredDevice) {
	deviceID := found.Identity.DeviceID
	if found.Address == nil || found.Identity.ControlPort <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), network.DefaultConnectionTimeout)
	attempt := &dialAttempt{cancel: cancel}

	c.dialMu.Lock()
	if prev, inFlight := c.dialing[deviceID]; inFlight {
		prev.cancel()
	}
	c.dialing[deviceID] = attempt
	c.dialMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.dialMu.Lock()
			if c.dialing[deviceID] == attempt {
				delete(c.dialing, deviceID)
			}
			c.dialMu.Unlock()
		}()

		addr := net.JoinHostPort(found.Address.IP.String(), strconv.Itoa(found.Identity.ControlPort))

		session, err := network.Dial(ctx, addr, network.DialOptions{
			LocalIdentity: c.local,
			TLSCert:       c.identity.TLS,
			Store:         c.store,
			Logger:        c.logger.Named("dial"),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("dial failed",
				zap.String("device_id", deviceID),
				zap.String("addr", addr),
				zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			// Superseded while the handshake was finishing.
			_ = session.Close()
			return
		}
		c.adoptSession(session)

		if err := c.store.UpdatePeerEndpoint(deviceID, found.Address.IP.String(), found.Identity.ControlPort); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("failed to record peer endpoint", zap.Error(err))
		}
	}()
}

// Port returns the bound control port.
func (c *Core) Port() (int, error) {
	if !c.isStarted() {
		return 0, ErrNotStarted
	}
	return c.server.Port(), nil
}

// Connect dials a device by address, bypassing discovery. Useful when the
// peer is on a network segment multicast does not reach.
func (c *Core) Connect(ctx context.Context, addr string) error {
	if !c.isStarted() {
		return ErrNotStarted
	}

	session, err := network.Dial(ctx, addr, network.DialOptions{
		LocalIdentity: c.local,
		TLSCert:       c.identity.TLS,
		Store:         c.store,
		Logger:        c.logger.Named("dial"),
	})
	if err != nil {
		return err
	}
	c.adoptSession(session)
	return nil
}

// Pair initiates pairing with a device. The device must be connected or
// currently discovered.
func (c *Core) Pair(ctx context.Context, deviceID string) error {
	if !c.isStarted() {
		return ErrNotStarted
	}

	session, err := c.registry.Get(deviceID)
	if errors.Is(err, network.ErrDeviceNotConnected) {
		session, err = c.connectDiscovered(ctx, deviceID)
	}
	if err != nil {
		return err
	}
	return c.pairing.RequestPairing(ctx, session)
}

// connectDiscovered dials a device known only from discovery.
func (c *Core) connectDiscovered(ctx context.Context, deviceID string) (*network.Session, error) {
	c.mu.Lock()
	svc := c.disco
	c.mu.Unlock()
	if svc == nil {
		return nil, ErrDeviceUnknown
	}

	found, ok := svc.Lookup(deviceID)
	if !ok || found.Address == nil || found.Identity.ControlPort <= 0 {
		return nil, ErrDeviceUnknown
	}

	addr := net.JoinHostPort(found.Address.IP.String(), strconv.Itoa(found.Identity.ControlPort))
	session, err := network.Dial(ctx, addr, network.DialOptions{
		LocalIdentity: c.local,
		TLSCert:       c.identity.TLS,
		Store:         c.store,
		Logger:        c.logger.Named("dial"),
	})
	if err != nil {
		return nil, err
	}
	c.adoptSession(session)
	return session, nil
}

// Unpair revokes trust for a device. Works whether or not it is connected.
func (c *Core) Unpair(deviceID string) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	session, err := c.registry.Get(deviceID)
	if err != nil {
		session = nil
	}
	return c.pairing.Unpair(deviceID, session)
}

// Send delivers a packet to a connected device.
func (c *Core) Send(deviceID string, pkt protocol.Packet) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	return c.router.Send(deviceID, pkt)
}

// RegisterHandler binds a plugin handler to a packet type or dot prefix.
func (c *Core) RegisterHandler(pattern string, handler plugins.Handler) error {
	if !c.isStarted() {
		return ErrNotStarted
	}
	return c.router.Register(pattern, handler)
}

// Router exposes the plugin router for handler construction.
func (c *Core) Router() *plugins.Router {
	return c.router
}

// Devices merges paired, connected, and discovered devices into one view.
func (c *Core) Devices() ([]Device, error) {
	if !c.isStarted() {
		return nil, ErrNotStarted
	}

	byID := make(map[string]*Device)

	peers, err := c.store.ListPeers()
	if err != nil {
		return nil, err
	}
	for _, peer := range peers {
		d := &Device{ID: peer.DeviceID, Name: peer.DisplayName, Type: peer.DeviceType, Paired: true}
		if peer.LastKnownIP != nil {
			d.Address = *peer.LastKnownIP
		}
		byID[peer.DeviceID] = d
	}

	c.mu.Lock()
	svc := c.disco
	c.mu.Unlock()
	if svc != nil {
		for _, found := range svc.Devices() {
			d, ok := byID[found.Identity.DeviceID]
			if !ok {
				d = &Device{
					ID:   found.Identity.DeviceID,
					Name: found.Identity.DeviceName,
					Type: found.Identity.DeviceType,
				}
				byID[d.ID] = d
			}
			if found.Address != nil {
				d.Address = found.Address.IP.String()
			}
		}
	}

	for _, session := range c.registry.List() {
		identity := session.Identity()
		d, ok := byID[identity.DeviceID]
		if !ok {
			d = &Device{ID: identity.DeviceID, Name: identity.DeviceName, Type: identity.DeviceType}
			byID[d.ID] = d
		}
		d.Connected = true
	}

	out := make([]Device, 0, len(byID))
	for _, d := range byID {
		out = append(out, *d)
	}
	return out, nil
}

// Stop tears everything down in dependency order. Idempotent.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)

		c.mu.Lock()
		disco := c.disco
		mdns := c.mdns
		started := c.started
		c.mu.Unlock()

		if mdns != nil {
			mdns.Stop()
		}
		if disco != nil {
			disco.Stop()
		}
		if started {
			c.server.Stop()
			c.registry.Close()
		}

		c.dialMu.Lock()
		for _, attempt := range c.dialing {
			attempt.cancel()
		}
		c.dialMu.Unlock()

		c.wg.Wait()
		close(c.events)

		if c.store != nil {
			_ = c.store.Close()
		}
		c.logger.Info("core stopped")
	})
}

func (c *Core) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Core) deviceFromIdentity(identity protocol.DeviceIdentity, connected bool) Device {
	return Device{
		ID:        identity.DeviceID,
		Name:      identity.DeviceName,
		Type:      identity.DeviceType,
		Paired:    c.pairing.IsPaired(identity.DeviceID),
		Connected: connected,
	}
}

// enqueue hands a callback to the dispatch goroutine without blocking core
// loops; if the queue is full the event is dropped with a log line.
func (c *Core) enqueue(fn func()) {
	select {
	case <-c.stopped:
		return
	default:
	}
	select {
	case c.events <- fn:
	default:
		c.logger.Warn("callback queue full, dropping event")
	}
}

func (c *Core) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case fn, ok := <-c.events:
			if !ok {
				return
			}
			fn()
		case <-c.stopped:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case fn, ok := <-c.events:
					if !ok {
						return
					}
					fn()
				default:
					return
				}
			}
		}
	}
}
