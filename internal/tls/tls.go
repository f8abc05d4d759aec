package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/workerpanel/internal/config"
)

const (
	CACertName = "tls_ca.crt"
	CertName   = "tls.crt"
	KeyName    = "tls.key"
)

// ErrNoCertificate means TLS is enabled without cert files or a directory.
var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

// parseVersion maps "1.2"/"1.3" to the crypto/tls constants. Empty means 1.3.
func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, true
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	default:
		return 0, false
	}
}

// safeReadFile reads p only if it lies inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certificateFunc reloads the pair on every handshake so renewed files are
// picked up without a restart.
func certificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certDir, keyDir := filepath.Dir(certFile), filepath.Dir(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(certDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(keyDir, keyFile)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

// Setup returns the server TLS config for the control API, or nil when TLS
// is disabled. The pair is validated once here so a bad file fails at startup.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, ok := parseVersion(cfg.MinVersion)
	if !ok {
		return nil, fmt.Errorf("unsupported tls min_version %q", cfg.MinVersion)
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath, keyPath = filepath.Join(cfg.Dir, CertName), filepath.Join(cfg.Dir, KeyName)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
			slog.Info("Generated self-signed certificate", "dir", cfg.Dir)
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		GetCertificate: certificateFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// CAFile returns the CA bundle written next to a generated certificate, or ""
// when cfg does not use a directory or the file is absent.
func CAFile(cfg config.TLSConfig) string {
	if cfg.Dir == "" {
		return ""
	}
	p := filepath.Join(cfg.Dir, CACertName)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generate(cfg config.TLSConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   hosts[0],
		Organization: "workerpanel",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(cfg.Dir, CertName),
		KeyPath:      filepath.Join(cfg.Dir, KeyName),
		CACertPath:   filepath.Join(cfg.Dir, CACertName),
	})
}
