// Package plugins routes inbound packets to capability handlers and gives
// handlers a send path back to connected devices.
package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"lanlink/network"
	"lanlink/protocol"
)

// ErrNoHandler indicates no registered handler matched a packet type.
var ErrNoHandler = errors.New("plugins: no handler for packet type")

// Handler processes packets for one capability. Implementations must be safe
// for concurrent calls; packets from different devices arrive on different
// goroutines.
type Handler interface {
	// HandlePacket processes one inbound packet from the given device.
	HandlePacket(deviceID string, pkt protocol.Packet) error
	// Connected is called when a device session is established.
	Connected(identity protocol.DeviceIdentity)
	// Disconnected is called when a device's session ends.
	Disconnected(deviceID string)
}

// BaseHandler provides no-op lifecycle methods so handlers only caring about
// packets can embed it.
type BaseHandler struct{}

func (BaseHandler) Connected(protocol.DeviceIdentity) {}
func (BaseHandler) Disconnected(string)               {}

type registration struct {
	pattern string
	handler Handler
	order   int
}

// Router dispatches packets by type. A pattern matches a packet type that
// equals it exactly or extends it across a dot boundary: "battery" matches
// both "battery" and "battery.request", never "batterystats". The longest
// matching pattern wins, so an exact registration always beats a shorter
// prefix. Multiple handlers on the same winning pattern run in registration
// order.
type Router struct {
	registry *network.Registry
	logger   *zap.Logger

	mu       sync.RWMutex
	patterns map[string][]registration
	nextID   int
}

// NewRouter returns a router sending through registry.
func NewRouter(registry *network.Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: registry,
		logger:   logger,
		patterns: make(map[string][]registration),
	}
}

// Register binds handler to pattern. A trailing dot is accepted as the
// prefix spelling of the same subtree. Registering the same pattern again
// adds a second handler; both run, in registration order.
func (r *Router) Register(pattern string, handler Handler) error {
	pattern = strings.TrimSuffix(pattern, ".")
	if pattern == "" {
		return errors.New("plugins: empty pattern")
	}
	if handler == nil {
		return errors.New("plugins: nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := registration{pattern: pattern, handler: handler, order: r.nextID}
	r.nextID++
	r.patterns[pattern] = append(r.patterns[pattern], reg)
	return nil
}

// match returns the handlers on the longest pattern matching packetType. An
// exact match is the longest possible pattern, so it wins automatically.
func (r *Router) match(packetType string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	for pattern := range r.patterns {
		if pattern != packetType && !strings.HasPrefix(packetType, pattern+".") {
			continue
		}
		if len(pattern) > len(best) {
			best = pattern
		}
	}
	if best == "" {
		return nil
	}
	return append([]registration(nil), r.patterns[best]...)
}

// Dispatch routes one inbound packet. Unmatched packets are dropped with a
// log line and ErrNoHandler. A panicking handler is contained; remaining
// handlers still run.
func (r *Router) Dispatch(deviceID string, pkt protocol.Packet) error {
	regs := r.match(pkt.Type)
	if len(regs) == 0 {
		r.logger.Debug("dropping packet with no handler",
			zap.String("device_id", deviceID),
			zap.String("packet_type", pkt.Type))
		return fmt.Errorf("%w: %s", ErrNoHandler, pkt.Type)
	}

	sort.Slice(regs, func(i, j int) bool { return regs[i].order < regs[j].order })

	var firstErr error
	for _, reg := range regs {
		if err := r.invoke(reg, deviceID, pkt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) invoke(reg registration, deviceID string, pkt protocol.Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugins: handler for %q panicked: %v", reg.pattern, rec)
			r.logger.Error("handler panicked",
				zap.String("pattern", reg.pattern),
				zap.String("packet_type", pkt.Type),
				zap.Any("panic", rec))
		}
	}()
	return reg.handler.HandlePacket(deviceID, pkt)
}

// Send delivers pkt to the named device's live session.
func (r *Router) Send(deviceID string, pkt protocol.Packet) error {
	session, err := r.registry.Get(deviceID)
	if err != nil {
		return err
	}
	return session.SendPacket(pkt)
}

// NotifyConnected tells every handler a device came online.
func (r *Router) NotifyConnected(identity protocol.DeviceIdentity) {
	for _, reg := range r.allRegistrations() {
		func() {
			defer r.recoverLifecycle(reg, "Connected")
			reg.handler.Connected(identity)
		}()
	}
}

// NotifyDisconnected tells every handler a device went offline.
func (r *Router) NotifyDisconnected(deviceID string) {
	for _, reg := range r.allRegistrations() {
		func() {
			defer r.recoverLifecycle(reg, "Disconnected")
			reg.handler.Disconnected(deviceID)
		}()
	}
}

func (r *Router) allRegistrations() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []registration
	for _, regs := range r.patterns {
		all = append(all, regs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	return all
}

func (r *Router) recoverLifecycle(reg registration, method string) {
	if rec := recover(); rec != nil {
		r.logger.Error("handler panicked",
			zap.String("pattern", reg.pattern),
			zap.String("method", method),
			zap.Any("panic", rec))
	}
}
