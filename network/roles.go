package network

import (
	"errors"
	"fmt"
)

var (
	// ErrSelfPairing indicates both ends presented the same device ID; a
	// device must never pair with itself.
	ErrSelfPairing = errors.New("network: device cannot pair with itself")
)

// Role is the TLS role a device takes for one connection.
type Role string

const (
	// RoleServer accepts the TLS handshake.
	RoleServer Role = "server"
	// RoleClient initiates the TLS handshake.
	RoleClient Role = "client"
)

// Opposite returns the counterpart role.
func (r Role) Opposite() Role {
	if r == RoleServer {
		return RoleClient
	}
	return RoleServer
}

// DetermineRole derives the local TLS role from the two device IDs. Either
// side may have opened the TCP connection, so the role must be computable
// identically on both ends from data known before the handshake: the device
// whose ID sorts lexicographically greater acts as the TLS server.
func DetermineRole(localDeviceID, remoteDeviceID string) (Role, error) {
	if localDeviceID == "" || remoteDeviceID == "" {
		return "", fmt.Errorf("network: both device IDs are required, got %q and %q", localDeviceID, remoteDeviceID)
	}
	if localDeviceID == remoteDeviceID {
		return "", ErrSelfPairing
	}
	if localDeviceID > remoteDeviceID {
		return RoleServer, nil
	}
	return RoleClient, nil
}
