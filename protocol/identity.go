package protocol

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidIdentity indicates an identity packet with missing required
	// fields or an unsupported protocol version.
	ErrInvalidIdentity = errors.New("protocol: invalid identity")
)

// DeviceIdentity is a device's self-description, rebuilt on every identity
// broadcast and never persisted beyond the discovery cache.
type DeviceIdentity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
	ControlPort          int
}

// IdentityPacket serializes the identity as a protocol.identity packet.
func (id DeviceIdentity) IdentityPacket() Packet {
	body := map[string]any{
		"deviceId":             id.DeviceID,
		"deviceName":           id.DeviceName,
		"deviceType":           id.DeviceType,
		"protocolVersion":      id.ProtocolVersion,
		"incomingCapabilities": toAnySlice(id.IncomingCapabilities),
		"outgoingCapabilities": toAnySlice(id.OutgoingCapabilities),
	}
	if id.ControlPort > 0 {
		body["tcpPort"] = id.ControlPort
	}
	return New(TypeIdentity, body)
}

// ParseIdentity extracts a DeviceIdentity from a protocol.identity packet.
func ParseIdentity(p Packet) (DeviceIdentity, error) {
	if p.Type != TypeIdentity {
		return DeviceIdentity{}, fmt.Errorf("%w: unexpected packet type %q", ErrInvalidIdentity, p.Type)
	}

	deviceID, ok := p.StringField("deviceId")
	if !ok || deviceID == "" {
		return DeviceIdentity{}, fmt.Errorf("%w: missing deviceId", ErrInvalidIdentity)
	}
	deviceName, ok := p.StringField("deviceName")
	if !ok || deviceName == "" {
		return DeviceIdentity{}, fmt.Errorf("%w: missing deviceName", ErrInvalidIdentity)
	}
	version, ok := p.IntField("protocolVersion")
	if !ok {
		return DeviceIdentity{}, fmt.Errorf("%w: missing protocolVersion", ErrInvalidIdentity)
	}
	if version < MinProtocolVersion || version > ProtocolVersion+1 {
		return DeviceIdentity{}, fmt.Errorf("%w: unsupported protocolVersion %d", ErrInvalidIdentity, version)
	}

	identity := DeviceIdentity{
		DeviceID:        deviceID,
		DeviceName:      deviceName,
		ProtocolVersion: version,
	}
	if deviceType, ok := p.StringField("deviceType"); ok {
		identity.DeviceType = deviceType
	}
	if port, ok := p.IntField("tcpPort"); ok && port > 0 && port <= 65535 {
		identity.ControlPort = port
	}
	if caps, ok := asStringSlice(p.Body["incomingCapabilities"]); ok {
		identity.IncomingCapabilities = caps
	}
	if caps, ok := asStringSlice(p.Body["outgoingCapabilities"]); ok {
		identity.OutgoingCapabilities = caps
	}

	return identity, nil
}

// CapabilitySet is the declared packet-type prefixes of registered handlers,
// used to assemble the local identity advertisement.
type CapabilitySet struct {
	Incoming []string
	Outgoing []string
}

// BuildLocalIdentity assembles the local identity from configuration values
// and the capability prefixes declared by registered handlers.
func BuildLocalIdentity(deviceID, deviceName, deviceType string, controlPort int, caps CapabilitySet) DeviceIdentity {
	return DeviceIdentity{
		DeviceID:             deviceID,
		DeviceName:           deviceName,
		DeviceType:           deviceType,
		ProtocolVersion:      ProtocolVersion,
		IncomingCapabilities: sortedUnique(caps.Incoming),
		OutgoingCapabilities: sortedUnique(caps.Outgoing),
		ControlPort:          controlPort,
	}
}

func toAnySlice(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, exists := seen[v]; exists {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
