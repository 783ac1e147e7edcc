package discovery

import (
	"fmt"
	"strconv"

	"github.com/grandcat/zeroconf"

	"lanlink/protocol"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_lanlink._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
)

// Announcer advertises the local device over mDNS as a secondary discovery
// channel for networks that filter multicast UDP but pass mDNS through.
type Announcer struct {
	server *zeroconf.Server
}

// AnnounceOptions configures the mDNS advertisement.
type AnnounceOptions struct {
	Identity    protocol.DeviceIdentity
	Fingerprint string
	Service     string
	Domain      string
}

// StartAnnouncer registers the local device with mDNS.
func StartAnnouncer(opts AnnounceOptions) (*Announcer, error) {
	if opts.Identity.DeviceID == "" {
		return nil, fmt.Errorf("discovery: device ID is required for mDNS announce")
	}
	if opts.Identity.ControlPort <= 0 {
		return nil, fmt.Errorf("discovery: control port is required for mDNS announce")
	}
	if opts.Service == "" {
		opts.Service = MDNSService
	}
	if opts.Domain == "" {
		opts.Domain = MDNSDomain
	}

	txt := []string{
		"device_id=" + opts.Identity.DeviceID,
		"device_type=" + opts.Identity.DeviceType,
		"protocol_version=" + strconv.Itoa(opts.Identity.ProtocolVersion),
		"fingerprint=" + opts.Fingerprint,
	}

	server, err := zeroconf.Register(
		opts.Identity.DeviceName,
		opts.Service,
		opts.Domain,
		opts.Identity.ControlPort,
		txt,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop withdraws the mDNS advertisement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
