package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	certificateStorageKey = "identity.crt"
	privateKeyStorageKey  = "identity.key"

	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	// DefaultValidity is the lifetime of a generated identity certificate.
	DefaultValidity = 10 * 365 * 24 * time.Hour
	// DefaultRenewWindow regenerates a stored certificate this close to expiry.
	DefaultRenewWindow = 30 * 24 * time.Hour
)

// Identity is the local device's long-lived certificate and key.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	TLS         tls.Certificate
}

// Fingerprint returns the identity certificate's fingerprint.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.Certificate)
}

// Options configures a certificate Manager.
type Options struct {
	// DeviceID becomes the certificate common name and must be stable
	// across regenerations.
	DeviceID string
	Storage  Storage

	Validity    time.Duration
	RenewWindow time.Duration
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Validity <= 0 {
		out.Validity = DefaultValidity
	}
	if out.RenewWindow <= 0 {
		out.RenewWindow = DefaultRenewWindow
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Manager loads or generates the local identity certificate. The identity is
// read-mostly: it is cached in memory after the first load and regenerated
// only when absent or near expiry, never implicitly per call.
type Manager struct {
	opts Options

	mu     sync.Mutex
	cached *Identity
}

// NewManager creates a Manager backed by the given storage.
func NewManager(opts Options) (*Manager, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("certs: device ID is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("certs: storage is required")
	}
	return &Manager{opts: opts.withDefaults()}, nil
}

// GetOrCreate returns the stored identity, generating and persisting a new
// one when none exists or the stored certificate is within the renew window.
func (m *Manager) GetOrCreate() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	identity, err := m.load()
	switch {
	case err == nil:
		if time.Until(identity.Certificate.NotAfter) > m.opts.RenewWindow {
			m.cached = identity
			return identity, nil
		}
		m.opts.Logger.Info("identity certificate near expiry, regenerating",
			zap.String("device_id", m.opts.DeviceID),
			zap.Time("not_after", identity.Certificate.NotAfter))
	case errors.Is(err, ErrNotFound):
		// First run.
	default:
		return nil, err
	}

	return m.regenerateLocked()
}

// Regenerate discards the stored identity and creates a fresh one. Existing
// pairings become invalid; callers surface that to the user first.
func (m *Manager) Regenerate() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regenerateLocked()
}

// TLSCertificate returns the identity in tls.Certificate form.
func (m *Manager) TLSCertificate() (tls.Certificate, error) {
	identity, err := m.GetOrCreate()
	if err != nil {
		return tls.Certificate{}, err
	}
	return identity.TLS, nil
}

func (m *Manager) regenerateLocked() (*Identity, error) {
	identity, err := generate(m.opts.DeviceID, m.opts.Validity)
	if err != nil {
		return nil, err
	}
	if err := m.store(identity); err != nil {
		return nil, err
	}

	m.cached = identity
	m.opts.Logger.Info("generated identity certificate",
		zap.String("device_id", m.opts.DeviceID),
		zap.String("fingerprint", identity.Fingerprint()),
		zap.Time("not_after", identity.Certificate.NotAfter))
	return identity, nil
}

func (m *Manager) load() (*Identity, error) {
	certPEM, err := m.opts.Storage.Load(certificateStorageKey)
	if err != nil {
		return nil, err
	}
	keyPEM, err := m.opts.Storage.Load(privateKeyStorageKey)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != certificatePEMType {
		return nil, errors.New("certs: stored certificate is not a certificate PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse stored certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != privateKeyPEMType {
		return nil, errors.New("certs: stored key is not an EC private key PEM block")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse stored private key: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assemble TLS certificate: %w", err)
	}

	return &Identity{Certificate: cert, PrivateKey: key, TLS: tlsCert}, nil
}

func (m *Manager) store(identity *Identity) error {
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  certificatePEMType,
		Bytes: identity.Certificate.Raw,
	})

	keyDER, err := x509.MarshalECPrivateKey(identity.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyPEMType,
		Bytes: keyDER,
	})

	if err := m.opts.Storage.Store(certificateStorageKey, certPEM); err != nil {
		return err
	}
	if err := m.opts.Storage.Store(privateKeyStorageKey, keyPEM); err != nil {
		return err
	}
	return nil
}

func generate(deviceID string, validity time.Duration) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"lanlink"},
			OrganizationalUnit: []string{"devices"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal generated key: %w", err)
	}
	tlsCert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("assemble generated TLS certificate: %w", err)
	}

	return &Identity{Certificate: cert, PrivateKey: key, TLS: tlsCert}, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of the certificate's
// DER encoding. It doubles as the persisted trust key and, formatted, as the
// human-verifiable pairing code.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint renders a fingerprint as colon-separated byte pairs for
// display.
func FormatFingerprint(fingerprint string) string {
	var b strings.Builder
	for i := 0; i < len(fingerprint); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(fingerprint) {
			end = len(fingerprint)
		}
		b.WriteString(fingerprint[i:end])
	}
	return b.String()
}
