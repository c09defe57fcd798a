package scan

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/secplat/posture-pipeline/internal/domain/entity"
)

const (
	CategoryTLS     = "tls"
	CategoryHeaders = "security_headers"

	SourceTLS     = "tls_scan"
	SourceHeaders = "header_scan"

	// headersKeyCategory keeps finding keys stable with earlier scanner versions.
	headersKeyCategory = "headers"

	expiryWarningDays = 14
	maxEvidence       = 500
)

type securityHeader struct {
	name        string
	short       string
	severity    entity.Severity
	remediation string
}

var securityHeaders = []securityHeader{
	{"Strict-Transport-Security", "HSTS", entity.SeverityHigh, "Add Strict-Transport-Security (e.g. max-age=31536000; includeSubDomains)."},
	{"Content-Security-Policy", "CSP", entity.SeverityMedium, "Add Content-Security-Policy to reduce XSS risk."},
	{"X-Frame-Options", "X-Frame-Options", entity.SeverityMedium, "Add X-Frame-Options (e.g. DENY or SAMEORIGIN)."},
	{"X-Content-Type-Options", "X-Content-Type-Options", entity.SeverityLow, "Add X-Content-Type-Options: nosniff."},
}

type Config struct {
	RequestTimeout time.Duration
	// RootCAs overrides the system pool.
	RootCAs *x509.CertPool
}

// Scanner runs passive TLS and security header checks.
type Scanner struct {
	logger *logr.Logger

	clock      clockwork.Clock
	timeout    time.Duration
	tlsConfig  *tls.Config
	httpClient *http.Client
}

func NewScanner(clock clockwork.Clock, config Config) Scanner {
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	tlsConfig := &tls.Config{
		RootCAs:    config.RootCAs,
		Time:       clock.Now,
		MinVersion: tls.VersionTLS12,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig.Clone()

	return Scanner{
		clock:     clock,
		timeout:   timeout,
		tlsConfig: tlsConfig,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (s Scanner) WithLogger(logger logr.Logger) Scanner {
	s.logger = &logger

	return s
}

// Scan runs every check against target. Unreachable targets produce findings, not errors.
func (s Scanner) Scan(ctx context.Context, target Target) []entity.Finding {
	ret := s.ScanTLS(ctx, target)
	ret = append(ret, s.ScanHeaders(ctx, target)...)

	s.logInfo(2, "Scanned target", "url", target.URL, "assetKey", target.AssetKey, "findings", len(ret))

	return ret
}

func (s Scanner) ScanTLS(ctx context.Context, target Target) []entity.Finding {
	u, err := url.Parse(target.URL)
	if err != nil || u.Scheme != "https" {
		scheme := "http"
		if u != nil && u.Scheme != "" {
			scheme = u.Scheme
		}

		return []entity.Finding{tlsFinding(target, "No HTTPS", entity.SeverityHigh, "URL uses "+scheme, "Serve over HTTPS.")}
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	config := s.tlsConfig.Clone()
	config.ServerName = host

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: s.timeout},
		Config:    config,
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return []entity.Finding{s.tlsErrorFinding(target, err)}
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return []entity.Finding{tlsFinding(target, "TLS connection failed", entity.SeverityMedium, "no peer certificate", "Ensure TLS is enabled and reachable.")}
	}

	return s.expiryFindings(target, state.PeerCertificates[0])
}

func (s Scanner) tlsErrorFinding(target Target, err error) entity.Finding {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired && invalid.Cert != nil {
		return expiredFinding(target, invalid.Cert.NotAfter)
	}

	var verification *tls.CertificateVerificationError
	if errors.As(err, &verification) {
		return tlsFinding(target, "Certificate verification failed", entity.SeverityHigh, err.Error(), "Fix certificate chain or hostname mismatch.")
	}

	return tlsFinding(target, "TLS connection failed", entity.SeverityMedium, err.Error(), "Ensure TLS is enabled and reachable.")
}

func (s Scanner) expiryFindings(target Target, leaf *x509.Certificate) []entity.Finding {
	daysLeft := int(leaf.NotAfter.Sub(s.clock.Now()).Hours() / 24)

	switch {
	case daysLeft <= 0:
		return []entity.Finding{expiredFinding(target, leaf.NotAfter)}
	case daysLeft <= expiryWarningDays:
		f := tlsFinding(
			target,
			fmt.Sprintf("Certificate expiring in %d days", daysLeft),
			entity.SeverityHigh,
			fmt.Sprintf("Expires %s, issuer %s", leaf.NotAfter.UTC().Format(time.RFC3339), leaf.Issuer.CommonName),
			"Renew the certificate before expiry.",
		)
		// Same key whatever the remaining days
		f.FindingKey = FindingKey(target.AssetKey, CategoryTLS, "Certificate expiring within 14 days", "")

		return []entity.Finding{f}
	}

	return nil
}

func expiredFinding(target Target, notAfter time.Time) entity.Finding {
	return tlsFinding(target, "Certificate expired", entity.SeverityCritical, "Expired "+notAfter.UTC().Format(time.RFC3339), "Renew the certificate.")
}

func (s Scanner) ScanHeaders(ctx context.Context, target Target) []entity.Finding {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return []entity.Finding{requestFailed(target, err)}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return []entity.Finding{requestFailed(target, err)}
	}
	defer resp.Body.Close()

	ret := []entity.Finding{}

	for _, header := range securityHeaders {
		if resp.Header.Get(header.name) != "" {
			continue
		}

		title := "Missing " + header.short
		ret = append(ret, entity.Finding{
			FindingKey:  FindingKey(target.AssetKey, headersKeyCategory, title, ""),
			AssetKey:    target.AssetKey,
			Category:    CategoryHeaders,
			Title:       title,
			Severity:    header.severity,
			Confidence:  "high",
			Evidence:    fmt.Sprintf("Header %s not present", header.name),
			Remediation: header.remediation,
			Source:      SourceHeaders,
		})
	}

	return ret
}

func requestFailed(target Target, err error) entity.Finding {
	title := "HTTP request failed"

	return entity.Finding{
		FindingKey:  FindingKey(target.AssetKey, headersKeyCategory, title, ""),
		AssetKey:    target.AssetKey,
		Category:    CategoryHeaders,
		Title:       title,
		Severity:    entity.SeverityMedium,
		Confidence:  "high",
		Evidence:    truncate(err.Error()),
		Remediation: "Ensure the URL is reachable.",
		Source:      SourceHeaders,
	}
}

func tlsFinding(target Target, title string, severity entity.Severity, evidence, remediation string) entity.Finding {
	return entity.Finding{
		FindingKey:  FindingKey(target.AssetKey, CategoryTLS, title, ""),
		AssetKey:    target.AssetKey,
		Category:    CategoryTLS,
		Title:       title,
		Severity:    severity,
		Confidence:  "high",
		Evidence:    truncate(evidence),
		Remediation: remediation,
		Source:      SourceTLS,
	}
}

// FindingKey identifies a finding across scans.
func FindingKey(assetKey, category, title, extra string) string {
	sum := sha256.Sum256([]byte(assetKey + ":" + category + ":" + title + ":" + extra))

	return hex.EncodeToString(sum[:])[:32]
}

func truncate(s string) string {
	if len(s) <= maxEvidence {
		return s
	}

	return s[:maxEvidence]
}

func (s Scanner) logInfo(level int, msg string, keysAndValues ...any) {
	if s.logger == nil {
		return
	}

	s.logger.V(level).Info(msg, keysAndValues...)
}
