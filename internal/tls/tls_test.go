package tls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/newsmail/internal/config"
)

// generateTestCertificate creates a self-signed certificate and key for testing
func generateTestCertificate(t *testing.T, name string, validFor time.Duration) (certPEM, keyPEM []byte) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{name},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatal(err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(config.TLSConfig{})
	if err != nil || p != nil {
		t.Errorf("New() = %v, %v, want nil, nil", p, err)
	}
}

func TestNew_CertificateFiles(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")

	certPEM, keyPEM := generateTestCertificate(t, "track.example.com", 30*24*time.Hour)
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}

	t.Run("valid certificate", func(t *testing.T) {
		p, err := New(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if p.ACME() || len(p.TLSConfig().Certificates) != 1 {
			t.Errorf("unexpected provider %+v", p)
		}
		certs := p.Certificates(context.Background())
		if len(certs) != 1 || certs[0].Domain != "track.example.com" || certs[0].DaysLeft < 28 {
			t.Errorf("Certificates() = %+v", certs)
		}
	})

	t.Run("non-existent files", func(t *testing.T) {
		if _, err := New(config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}); err == nil {
			t.Error("expected error for non-existent files")
		}
	})

	t.Run("invalid cert", func(t *testing.T) {
		invalid := filepath.Join(tmpDir, "invalid.pem")
		if err := os.WriteFile(invalid, []byte("invalid"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(config.TLSConfig{CertFile: invalid, KeyFile: keyFile}); err == nil {
			t.Error("expected error for invalid certificate")
		}
	})
}

func TestNew_ACME(t *testing.T) {
	cacheDir := t.TempDir()
	p, err := New(config.TLSConfig{ACME: config.ACMEConfig{
		Enabled:  true,
		Email:    "admin@example.com",
		Domains:  []string{"track.example.com", "links.example.com"},
		CacheDir: cacheDir,
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !p.ACME() || p.TLSConfig().GetCertificate == nil {
		t.Fatal("expected an ACME provider")
	}

	if certs := p.Certificates(context.Background()); len(certs) != 0 {
		t.Errorf("empty cache gave %+v", certs)
	}

	certPEM, keyPEM := generateTestCertificate(t, "track.example.com", 60*24*time.Hour)
	if err := os.WriteFile(filepath.Join(cacheDir, "track.example.com"), append(keyPEM, certPEM...), 0600); err != nil {
		t.Fatal(err)
	}
	certs := p.Certificates(context.Background())
	if len(certs) != 1 || certs[0].Domain != "track.example.com" {
		t.Errorf("Certificates() = %+v", certs)
	}

	// everything but challenges reaches the fallback
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	p.ChallengeHandler(fallback).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://track.example.com/jump", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want fallback", rec.Code)
	}
}

func TestHTTPSRedirect(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/jump?mail=1&jumpurl=0", nil)
	rec := httptest.NewRecorder()
	HTTPSRedirect.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMovedPermanently)
	}
	if got, want := rec.Header().Get("Location"), "https://www.example.com/jump?mail=1&jumpurl=0"; got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}
