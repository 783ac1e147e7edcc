package certs

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const verificationInfo = "lanlink pairing verification v1"

// VerificationCode derives the short numeric code both devices display
// during pairing so the user can confirm the same two certificates are on
// each end. The fingerprints are ordered before derivation, so both sides
// compute the same code regardless of who initiated.
func VerificationCode(localFingerprint, remoteFingerprint, pairingID string) (string, error) {
	if localFingerprint == "" || remoteFingerprint == "" {
		return "", errors.New("certs: both fingerprints are required")
	}
	if localFingerprint == remoteFingerprint {
		return "", errors.New("certs: fingerprints must differ")
	}

	low, high := localFingerprint, remoteFingerprint
	if low > high {
		low, high = high, low
	}

	reader := hkdf.New(sha256.New, []byte(low+"|"+high), []byte(pairingID), []byte(verificationInfo))
	var raw [4]byte
	if _, err := io.ReadFull(reader, raw[:]); err != nil {
		return "", fmt.Errorf("derive verification code: %w", err)
	}

	code := binary.BigEndian.Uint32(raw[:]) % 100_000_000
	return fmt.Sprintf("%08d", code), nil
}
