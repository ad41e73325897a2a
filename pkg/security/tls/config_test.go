package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetops/warden/pkg/config"
)

// writeCert writes a self-signed certificate valid from notBefore to
// notAfter and returns the cert and key paths.
func writeCert(t *testing.T, dir string, notBefore, notAfter time.Time) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "warden.test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestServerConfig(t *testing.T) {
	now := time.Now()
	dir := t.TempDir()
	certPath, keyPath := writeCert(t, dir, now.Add(-time.Hour), now.Add(365*24*time.Hour))

	expiredDir := t.TempDir()
	expiredCert, expiredKey := writeCert(t, expiredDir, now.Add(-48*time.Hour), now.Add(-24*time.Hour))

	tests := []struct {
		name    string
		cfg     config.TLSConfig
		wantErr string
		check   func(t *testing.T, c *tls.Config)
	}{
		{
			name: "disabled",
			cfg:  config.TLSConfig{},
			check: func(t *testing.T, c *tls.Config) {
				if c != nil {
					t.Error("expected nil config when disabled")
				}
			},
		},
		{
			name: "defaults to TLS 1.2",
			cfg:  config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath},
			check: func(t *testing.T, c *tls.Config) {
				if c.MinVersion != tls.VersionTLS12 || c.CipherSuites != nil || c.ClientAuth != tls.NoClientCert {
					t.Errorf("config = min %x suites %v auth %v", c.MinVersion, c.CipherSuites, c.ClientAuth)
				}
			},
		},
		{
			name: "TLS 1.3 with cipher suites",
			cfg: config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.3",
				CipherSuites: []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"}},
			check: func(t *testing.T, c *tls.Config) {
				if c.MinVersion != tls.VersionTLS13 || len(c.CipherSuites) != 1 {
					t.Errorf("config = min %x suites %v", c.MinVersion, c.CipherSuites)
				}
			},
		},
		{
			name: "mutual TLS",
			cfg:  config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, ClientCAFile: certPath},
			check: func(t *testing.T, c *tls.Config) {
				if c.ClientAuth != tls.RequireAndVerifyClientCert || c.ClientCAs == nil {
					t.Errorf("client auth = %v", c.ClientAuth)
				}
			},
		},
		{
			name:    "expired certificate",
			cfg:     config.TLSConfig{Enabled: true, CertFile: expiredCert, KeyFile: expiredKey},
			wantErr: "expired",
		},
		{
			name:    "missing files",
			cfg:     config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "nope.pem"), KeyFile: keyPath},
			wantErr: "failed to load certificate",
		},
		{
			name:    "unknown version",
			cfg:     config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.1"},
			wantErr: "unsupported TLS version",
		},
		{
			name:    "unknown cipher suite",
			cfg:     config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, CipherSuites: []string{"TLS_RSA_WITH_RC4_128_SHA"}},
			wantErr: "unsupported cipher suite",
		},
		{
			name:    "bad client CA",
			cfg:     config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, ClientCAFile: keyPath},
			wantErr: "no certificates found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ServerConfig(&tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, c)
		})
	}
}

func TestCheckCertificateExpiration(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		notAfter time.Time
		warn     bool
	}{
		{name: "a year left", notAfter: now.Add(365 * 24 * time.Hour)},
		{name: "a week left", notAfter: now.Add(7 * 24 * time.Hour), warn: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, warning := CheckCertificateExpiration(&x509.Certificate{NotAfter: tt.notAfter})
			if (warning != "") != tt.warn {
				t.Errorf("warning = %q, want warning %v", warning, tt.warn)
			}
		})
	}
}

func TestValidateCertificate_Nil(t *testing.T) {
	if err := ValidateCertificate(nil); err == nil {
		t.Error("expected error for nil certificate")
	}
	if err := ValidateCertificate(&tls.Certificate{}); err == nil {
		t.Error("expected error for empty chain")
	}
}
