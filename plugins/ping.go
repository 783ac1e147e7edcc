package plugins

import (
	"go.uber.org/zap"

	"lanlink/protocol"
)

// TypePing is the packet type carrying a user-visible ping.
const TypePing = "lanlink.ping"

// PingHandler answers lanlink.ping packets. It mostly exists as the smallest
// useful plugin: a reachability check a user can trigger between two paired
// devices.
type PingHandler struct {
	BaseHandler

	router *Router
	logger *zap.Logger

	// OnPing, when set, is invoked for every received ping.
	OnPing func(deviceID, message string)
}

// NewPingHandler creates the handler and registers it on router.
func NewPingHandler(router *Router, logger *zap.Logger) (*PingHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &PingHandler{router: router, logger: logger}
	if err := router.Register(TypePing, h); err != nil {
		return nil, err
	}
	return h, nil
}

// HandlePacket implements Handler.
func (h *PingHandler) HandlePacket(deviceID string, pkt protocol.Packet) error {
	message, _ := pkt.StringField("message")
	h.logger.Info("ping received",
		zap.String("device_id", deviceID),
		zap.String("message", message))

	if h.OnPing != nil {
		h.OnPing(deviceID, message)
	}
	return nil
}

// SendPing sends a ping to a connected device. An empty message is allowed.
func (h *PingHandler) SendPing(deviceID, message string) error {
	body := map[string]any{}
	if message != "" {
		body["message"] = message
	}
	return h.router.Send(deviceID, protocol.New(TypePing, body))
}
