// Package tls provides server certificates for the tracking listener,
// either from PEM files or from Let's Encrypt.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/foxzi/newsmail/internal/config"
)

// Provider supplies the server TLS configuration
type Provider struct {
	config  *tls.Config
	acme    *autocert.Manager
	domains []string
	cert    *x509.Certificate // static certificate leaf
}

// CertificateInfo describes one served certificate
type CertificateInfo struct {
	Domain   string
	NotAfter time.Time
	DaysLeft int
}

// New returns nil when TLS is not configured
func New(cfg config.TLSConfig) (*Provider, error) {
	if cfg.ACME.Enabled {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.ACME.Email,
			HostPolicy: autocert.HostWhitelist(cfg.ACME.Domains...),
			Cache:      autocert.DirCache(cfg.ACME.CacheDir),
		}
		return &Provider{
			config: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
				NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
			},
			acme:    m,
			domains: cfg.ACME.Domains,
		}, nil
	}

	if cfg.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse TLS certificate: %w", err)
	}
	return &Provider{
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		cert: leaf,
	}, nil
}

func (p *Provider) TLSConfig() *tls.Config {
	return p.config
}

// ACME reports whether certificates come from Let's Encrypt
func (p *Provider) ACME() bool {
	return p.acme != nil
}

// ChallengeHandler answers HTTP-01 challenges and passes everything else to fallback
func (p *Provider) ChallengeHandler(fallback http.Handler) http.Handler {
	if p.acme == nil {
		return fallback
	}
	return p.acme.HTTPHandler(fallback)
}

// Certificates lists the served certificates. ACME certificates are read from
// the cache only; domains without a cached certificate are left out.
func (p *Provider) Certificates(ctx context.Context) []CertificateInfo {
	if p.cert != nil {
		name := p.cert.Subject.CommonName
		if len(p.cert.DNSNames) > 0 {
			name = p.cert.DNSNames[0]
		}
		return []CertificateInfo{info(name, p.cert)}
	}

	var out []CertificateInfo
	for _, domain := range p.domains {
		data, err := p.acme.Cache.Get(ctx, domain)
		if err != nil {
			continue
		}
		// autocert stores the key and the chain in one PEM blob
		cert, err := tls.X509KeyPair(data, data)
		if err != nil || len(cert.Certificate) == 0 {
			continue
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			continue
		}
		out = append(out, info(domain, leaf))
	}
	return out
}

func info(domain string, leaf *x509.Certificate) CertificateInfo {
	return CertificateInfo{
		Domain:   domain,
		NotAfter: leaf.NotAfter,
		DaysLeft: int(time.Until(leaf.NotAfter).Hours() / 24),
	}
}

// HTTPSRedirect sends plain HTTP requests to the same URL over HTTPS
var HTTPSRedirect = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
})
