package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/workerpanel/internal/config"
)

func TestParseVersion(t *testing.T) {
	cases := map[string]uint16{"": tls.VersionTLS13, "1.3": tls.VersionTLS13, "1.2": tls.VersionTLS12, "TLS1.2": tls.VersionTLS12}
	for in, want := range cases {
		if got, ok := parseVersion(in); !ok || got != want {
			t.Fatalf("parseVersion(%q) = %x,%v", in, got, ok)
		}
	}
	if _, ok := parseVersion("1.0"); ok {
		t.Fatal("1.0 must be rejected")
	}
}

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("disabled TLS: %v %v", cfg, err)
	}
}

func TestSetupWithoutCertificate(t *testing.T) {
	if _, err := Setup(config.TLSConfig{Enabled: true}); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
	// a directory without auto generation must hold the pair already
	if _, err := Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()}); err == nil {
		t.Fatal("expected load error for empty dir")
	}
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	tc := config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2", Hosts: []string{"panel.local", "127.0.0.1"}}
	cfg, err := Setup(tc)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version = %x", cfg.MinVersion)
	}
	for _, name := range []string{CertName, KeyName, CACertName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not written: %v", name, err)
		}
	}
	if fi, err := os.Stat(filepath.Join(dir, KeyName)); err == nil && fi.Mode().Perm()&0o077 != 0 && runtime.GOOS != "windows" {
		t.Fatalf("key file too open: %v", fi.Mode())
	}
	if CAFile(tc) != filepath.Join(dir, CACertName) {
		t.Fatalf("CAFile = %q", CAFile(tc))
	}

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "panel.local" || len(leaf.IPAddresses) != 1 {
		t.Fatalf("unexpected SANs: %v %v", leaf.DNSNames, leaf.IPAddresses)
	}

	// a second setup reuses the existing pair
	before, _ := os.ReadFile(filepath.Join(dir, CertName))
	if _, err := Setup(tc); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, CertName))
	if string(before) != string(after) {
		t.Fatal("certificate regenerated although it existed")
	}
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	err := GenerateSelfSignedCert(CertConfig{
		CommonName: "localhost",
		Hosts:      []string{"localhost"},
		NotAfter:   time.Now().Add(time.Hour),
		CertPath:   certPath,
		KeyPath:    keyPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Setup(config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, Dir: "ignored"})
	if err != nil || cfg == nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("default min version = %x", cfg.MinVersion)
	}
}

func TestServeHTTPS(t *testing.T) {
	dir := t.TempDir()
	tc := config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"127.0.0.1"}}
	srvCfg, err := Setup(tc)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	caPEM, err := os.ReadFile(CAFile(tc))
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatal("bad CA bundle")
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}
	resp, err := client.Get("https://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("https get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}
}

func TestSafeReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := safeReadFile(filepath.Join(dir, "sub"), filepath.Join(dir, "other.pem")); err == nil {
		t.Fatal("expected path escape to fail")
	}
}
