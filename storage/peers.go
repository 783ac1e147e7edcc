package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TrustedPeer is a paired remote device. At most one certificate
// fingerprint is trusted per device_id; a peer presenting a different
// certificate must re-pair rather than silently rotate.
type TrustedPeer struct {
	DeviceID               string
	DisplayName            string
	DeviceType             string
	CertificateFingerprint string
	PairedAt               int64
	LastSeen               *int64
	LastKnownIP            *string
	LastKnownPort          *int
}

// SavePeer inserts a trust record, replacing any previous record for the same
// device_id. Replacement only happens through an explicit re-pair.
func (s *Store) SavePeer(peer TrustedPeer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if peer.CertificateFingerprint == "" {
		return errors.New("certificate_fingerprint is required")
	}
	if peer.PairedAt == 0 {
		peer.PairedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO trusted_peers (
			device_id,
			display_name,
			device_type,
			certificate_fingerprint,
			paired_at,
			last_seen,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			device_type = excluded.device_type,
			certificate_fingerprint = excluded.certificate_fingerprint,
			paired_at = excluded.paired_at,
			last_seen = excluded.last_seen,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port`,
		peer.DeviceID,
		peer.DisplayName,
		peer.DeviceType,
		peer.CertificateFingerprint,
		peer.PairedAt,
		nullInt64(peer.LastSeen),
		nullString(peer.LastKnownIP),
		nullIntFromInt(peer.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("save trusted peer %q: %w", peer.DeviceID, err)
	}

	return nil
}

// GetPeer fetches a trusted peer by device ID.
func (s *Store) GetPeer(deviceID string) (*TrustedPeer, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			display_name,
			device_type,
			certificate_fingerprint,
			paired_at,
			last_seen,
			last_known_ip,
			last_known_port
		FROM trusted_peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted peer %q: %w", deviceID, err)
	}

	return peer, nil
}

// ListPeers returns all trusted peers sorted by display name.
func (s *Store) ListPeers() ([]TrustedPeer, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			display_name,
			device_type,
			certificate_fingerprint,
			paired_at,
			last_seen,
			last_known_ip,
			last_known_port
		FROM trusted_peers
		ORDER BY display_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted peers: %w", err)
	}
	defer rows.Close()

	peers := make([]TrustedPeer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted peer rows: %w", err)
	}

	return peers, nil
}

// RemovePeer deletes a trust record (explicit unpair).
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM trusted_peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted peer %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdatePeerEndpoint records the last endpoint a trusted peer was reached at.
func (s *Store) UpdatePeerEndpoint(deviceID, ip string, port int) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(ip) == "" {
		return errors.New("ip is required")
	}
	if port <= 0 {
		return errors.New("port must be > 0")
	}

	res, err := s.db.Exec(
		`UPDATE trusted_peers
		SET last_known_ip = ?,
		    last_known_port = ?,
		    last_seen = ?
		WHERE device_id = ?`,
		ip,
		port,
		nowUnixMilli(),
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update trusted peer endpoint %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for endpoint update %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*TrustedPeer, error) {
	var peer TrustedPeer
	var lastSeen sql.NullInt64
	var lastIP sql.NullString
	var lastPort sql.NullInt64

	if err := row.Scan(
		&peer.DeviceID,
		&peer.DisplayName,
		&peer.DeviceType,
		&peer.CertificateFingerprint,
		&peer.PairedAt,
		&lastSeen,
		&lastIP,
		&lastPort,
	); err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		v := lastSeen.Int64
		peer.LastSeen = &v
	}
	if lastIP.Valid {
		v := lastIP.String
		peer.LastKnownIP = &v
	}
	if lastPort.Valid {
		v := int(lastPort.Int64)
		peer.LastKnownPort = &v
	}

	return &peer, nil
}
