package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures, such as
	// a paired device presenting an unexpected certificate.
	SecuritySeverityCritical = "critical"
)

const (
	// EventUntrustedCertificate is logged when a paired device presents a
	// certificate whose fingerprint does not match the stored trust record.
	EventUntrustedCertificate = "untrusted_certificate"
	// EventPaired is logged when a pairing completes.
	EventPaired = "paired"
	// EventUnpaired is logged on explicit unpair.
	EventUnpaired = "unpaired"
	// EventPairingRejected is logged when a pairing request is declined.
	EventPairingRejected = "pairing_rejected"
)

// SecurityEvent is one row of the security audit trail.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter narrows GetSecurityEvents results.
type SecurityEventFilter struct {
	EventType    string
	PeerDeviceID string
	Severity     string
	Limit        int
}

// SetSecurityEventRetention configures automatic security-event pruning.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent inserts a structured security event and applies retention
// pruning.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			peer_device_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(event.PeerDeviceID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	return nil
}

// GetSecurityEvents returns recent security events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, peer_device_id, details, severity, timestamp
		FROM security_events WHERE 1=1`
	args := []any{}

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.PeerDeviceID != "" {
		query += ` AND peer_device_id = ?`
		args = append(args, filter.PeerDeviceID)
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		var event SecurityEvent
		var peerID *string
		if err := rows.Scan(&event.ID, &event.EventType, &peerID, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		event.PeerDeviceID = peerID
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}

	return events, nil
}

// PruneSecurityEvents deletes events with a timestamp before cutoff and
// returns the number of rows removed.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old security events: %w", err)
	}
	return res.RowsAffected()
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security severity %q", severity)
	}
}
