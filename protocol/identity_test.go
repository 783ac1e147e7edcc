package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestIdentityPacketRoundTrip(t *testing.T) {
	identity := DeviceIdentity{
		DeviceID:             "device-a",
		DeviceName:           "Workstation",
		DeviceType:           "desktop",
		ProtocolVersion:      ProtocolVersion,
		IncomingCapabilities: []string{"battery", "clipboard.content"},
		OutgoingCapabilities: []string{"clipboard.content"},
		ControlPort:          1716,
	}

	raw, err := Marshal(identity.IdentityPacket())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	p, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	got, err := ParseIdentity(p)
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	if !reflect.DeepEqual(got, identity) {
		t.Fatalf("identity mismatch:\n got %+v\nwant %+v", got, identity)
	}
}

func TestParseIdentityRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{
			"wrong packet type",
			New(TypePing, nil),
		},
		{
			"missing device id",
			New(TypeIdentity, map[string]any{"deviceName": "x", "protocolVersion": ProtocolVersion}),
		},
		{
			"missing device name",
			New(TypeIdentity, map[string]any{"deviceId": "a", "protocolVersion": ProtocolVersion}),
		},
		{
			"missing protocol version",
			New(TypeIdentity, map[string]any{"deviceId": "a", "deviceName": "x"}),
		},
		{
			"version below supported range",
			New(TypeIdentity, map[string]any{"deviceId": "a", "deviceName": "x", "protocolVersion": MinProtocolVersion - 1}),
		},
		{
			"version above supported range",
			New(TypeIdentity, map[string]any{"deviceId": "a", "deviceName": "x", "protocolVersion": ProtocolVersion + 2}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseIdentity(tc.pkt); !errors.Is(err, ErrInvalidIdentity) {
				t.Fatalf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}

func TestBuildLocalIdentityNormalizesCapabilities(t *testing.T) {
	identity := BuildLocalIdentity("dev-1", "Laptop", "laptop", 1714, CapabilitySet{
		Incoming: []string{"clipboard", "battery", "clipboard", ""},
		Outgoing: []string{"battery"},
	})

	wantIncoming := []string{"battery", "clipboard"}
	if !reflect.DeepEqual(identity.IncomingCapabilities, wantIncoming) {
		t.Fatalf("incoming capabilities: got %v want %v", identity.IncomingCapabilities, wantIncoming)
	}
	if identity.ProtocolVersion != ProtocolVersion {
		t.Fatalf("expected current protocol version, got %d", identity.ProtocolVersion)
	}
}
