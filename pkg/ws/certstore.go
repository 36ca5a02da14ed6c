package ws

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"

	rsaKeyBits   = 2048
	certValidity = 365 * 24 * time.Hour
	// Backdate NotBefore to absorb clock skew between linked hosts.
	certBackdate = 10 * time.Second
)

// Identity is a self-signed TLS identity persisted as PEM files. Clients pin
// the certificate, so an identity is generated once and reused verbatim on
// every following start.
type Identity struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CertPEM     []byte
	KeyPEM      []byte
}

// CertStore generates, persists and loads the server's TLS identity under a
// single directory.
type CertStore struct {
	dir    string
	logger *slog.Logger
}

func NewCertStore(dir string, logger *slog.Logger) *CertStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &CertStore{dir: dir, logger: logger}
}

// CertPath returns the path of the persisted certificate; the file exists
// after the first successful Ensure.
func (s *CertStore) CertPath() string {
	return filepath.Join(s.dir, certFileName)
}

// Ensure loads the identity when both PEM files already exist, generating and
// persisting a fresh one otherwise. Existing files that fail to parse are an
// error: silently regenerating a pinned certificate would break every client,
// so corruption must be surfaced, not masked.
func (s *CertStore) Ensure(san string) (*Identity, error) {
	certPath := filepath.Join(s.dir, certFileName)
	keyPath := filepath.Join(s.dir, keyFileName)

	if fileExists(certPath) && fileExists(keyPath) {
		id, err := s.load(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS identity: %w", err)
		}

		s.logger.Info("loaded TLS identity", "dir", s.dir, "expires", id.Leaf.NotAfter)

		return id, nil
	}

	id, err := generateIdentity(san)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS identity: %w", err)
	}

	if err := s.persist(id, certPath, keyPath); err != nil {
		return nil, fmt.Errorf("failed to persist TLS identity: %w", err)
	}

	s.logger.Info("generated TLS identity", "dir", s.dir, "san", san)

	return id, nil
}

func (s *CertStore) load(certPath, keyPath string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCertificate, err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCertificate, err)
	}

	return &Identity{
		Certificate: cert,
		Leaf:        leaf,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

func (s *CertStore) persist(id *Identity, certPath, keyPath string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(certPath, id.CertPEM, 0o644); err != nil {
		return err
	}

	return os.WriteFile(keyPath, id.KeyPEM, 0o600)
}

func generateIdentity(san string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "Server"},
		NotBefore:    time.Now().Add(-certBackdate),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	if san != "" {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Certificate: cert,
		Leaf:        leaf,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// ServerTLSConfig presents the identity and requires TLS 1.3.
func ServerTLSConfig(id *Identity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig trusts exactly the pinned certificate at certPath. With
// insecure set it trusts any certificate instead; that mode exists for
// development only and certPath is ignored.
func ClientTLSConfig(certPath string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}

	if insecure {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pinned certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCertificate, certPath)
	}

	cfg.RootCAs = pool

	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
