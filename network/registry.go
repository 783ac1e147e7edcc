package network

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrDeviceNotConnected indicates no live session exists for a device.
var ErrDeviceNotConnected = errors.New("network: device not connected")

// RegistryEventType distinguishes connection lifecycle events.
type RegistryEventType int

const (
	// EventConnected fires when a device goes from no session to one.
	EventConnected RegistryEventType = iota
	// EventDisconnected fires when a device's last session ends.
	EventDisconnected
)

// RegistryEvent reports a device-level connectivity change. Replacing one
// session with another for the same device produces no event; the device
// stayed connected throughout.
type RegistryEvent struct {
	Type    RegistryEventType
	Session *Session
}

// Registry tracks at most one live session per device. Adding a session for
// a device that already has one closes the old session and installs the new
// one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	events chan RegistryEvent

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		events:   make(chan RegistryEvent, 64),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

// Events delivers connect and disconnect notifications. The channel is
// buffered; events are dropped rather than blocking registry operations.
func (r *Registry) Events() <-chan RegistryEvent {
	return r.events
}

// Add installs session as the live connection for its device. Any previous
// session for the same device is closed. A watcher goroutine removes the
// session when it terminates. A session arriving after Close is closed
// instead of installed.
func (r *Registry) Add(session *Session) {
	deviceID := session.DeviceID()

	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		_ = session.Close()
		return
	default:
	}
	old, replacing := r.sessions[deviceID]
	r.sessions[deviceID] = session
	r.mu.Unlock()

	if replacing {
		r.logger.Debug("replacing session", zap.String("device_id", deviceID))
		_ = old.Close()
	} else {
		r.emit(RegistryEvent{Type: EventConnected, Session: session})
	}

	go r.watch(session)
}

// watch waits for session to end and removes it if it is still the current
// one. A replaced session finds a different current session and leaves the
// map alone.
func (r *Registry) watch(session *Session) {
	<-session.Done()

	r.mu.Lock()
	current, ok := r.sessions[session.DeviceID()]
	removed := ok && current == session
	if removed {
		delete(r.sessions, session.DeviceID())
	}
	r.mu.Unlock()

	if removed {
		r.emit(RegistryEvent{Type: EventDisconnected, Session: session})
	}
}

// Get returns the live session for deviceID.
func (r *Registry) Get(deviceID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[deviceID]
	if !ok {
		return nil, ErrDeviceNotConnected
	}
	return session, nil
}

// Connected reports whether a live session exists for deviceID.
func (r *Registry) Connected(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[deviceID]
	return ok
}

// List returns every live session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) emit(ev RegistryEvent) {
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("registry event dropped", zap.String("device_id", ev.Session.DeviceID()))
	}
}

// Close closes every session and stops event delivery. Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)

		r.mu.Lock()
		sessions := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.sessions = make(map[string]*Session)
		r.mu.Unlock()

		for _, s := range sessions {
			_ = s.Close()
		}
	})
}
