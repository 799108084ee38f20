// Package dnscheck verifies that the DNS of a newsletter sender domain is
// ready for bulk mail: MX for bounces, SPF, DKIM, DMARC and the relay's
// standing on public blocklists.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidDomain    = errors.New("invalid domain name")
	ErrInvalidSelector  = errors.New("invalid DKIM selector")
	ErrInvalidIP        = errors.New("invalid IP address")
	ErrIPv6NotSupported = errors.New("IPv6 addresses are not supported for DNSBL checks")
)

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

func ValidateSelector(selector string) error {
	if selector == "" || len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Status of a single check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// Result is the outcome of one record check
type Result struct {
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Resolver is the subset of *net.Resolver the checks need
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Options selects what CheckSender looks at
type Options struct {
	Domain    string
	Selector  string
	PublicKey string // expected p= value of the DKIM record, optional
	RelayIP   string // checked against DNSBLs when set
}

// Report contains all results for a sender domain
type Report struct {
	Domain  string        `json:"domain"`
	Results []Result      `json:"results"`
	DNSBL   []DNSBLResult `json:"dnsbl,omitempty"`
	Summary Summary       `json:"summary"`
}

type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
	Listed   int `json:"listed"`
}

// Ready reports whether nothing blocks sending
func (r *Report) Ready() bool {
	return r.Summary.Errors == 0 && r.Summary.NotFound == 0 && r.Summary.Listed == 0
}

type Checker struct {
	resolver Resolver
	dnsbls   []DNSBL
}

// New returns a checker using r, or the system resolver when r is nil
func New(r Resolver) *Checker {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Checker{resolver: r, dnsbls: DefaultDNSBLs}
}

// CheckSender runs all checks for a sender domain
func (c *Checker) CheckSender(ctx context.Context, opts Options) (*Report, error) {
	if err := ValidateDomain(opts.Domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(opts.Selector); err != nil {
		return nil, err
	}

	report := &Report{
		Domain: opts.Domain,
		Results: []Result{
			c.CheckMX(ctx, opts.Domain),
			c.CheckSPF(ctx, opts.Domain),
			c.CheckDKIM(ctx, opts.Domain, opts.Selector, opts.PublicKey),
			c.CheckDMARC(ctx, opts.Domain),
		},
	}

	if opts.RelayIP != "" {
		dnsbl, err := c.CheckIP(ctx, opts.RelayIP)
		if err != nil {
			return nil, err
		}
		report.DNSBL = dnsbl
	}

	for _, r := range report.Results {
		switch r.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warnings++
		case StatusError:
			report.Summary.Errors++
		case StatusNotFound:
			report.Summary.NotFound++
		}
	}
	for _, r := range report.DNSBL {
		if r.Listed {
			report.Summary.Listed++
		}
	}
	return report, nil
}

// lookupTXT joins split TXT strings. A missing name is reported as
// (nil, nil).
func (c *Checker) lookupTXT(ctx context.Context, name string) ([]string, error) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func lookupFailed(typ string, err error) Result {
	return Result{Type: typ, Status: StatusError, Message: fmt.Sprintf("Lookup failed: %v", err)}
}

// CheckMX looks for MX records; bounces cannot come back without them
func (c *Checker) CheckMX(ctx context.Context, domain string) Result {
	const typ = "MX"
	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(typ, err)
	}
	if len(records) == 0 {
		return Result{Type: typ, Status: StatusNotFound, Message: "No MX records, bounces cannot be received"}
	}

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, fmt.Sprintf("%s (%d)", strings.TrimSuffix(mx.Host, "."), mx.Pref))
	}
	return Result{
		Type:    typ,
		Status:  StatusOK,
		Value:   strings.Join(hosts, ", "),
		Message: fmt.Sprintf("%d MX record(s)", len(records)),
	}
}

func (c *Checker) CheckSPF(ctx context.Context, domain string) Result {
	const typ = "SPF"
	records, err := c.lookupTXT(ctx, domain)
	if err != nil {
		return lookupFailed(typ, err)
	}

	var spf []string
	for _, txt := range records {
		if strings.HasPrefix(txt, "v=spf1") {
			spf = append(spf, txt)
		}
	}
	switch {
	case len(spf) == 0:
		return Result{Type: typ, Status: StatusNotFound, Message: "No SPF record"}
	case len(spf) > 1:
		return Result{Type: typ, Status: StatusError, Value: strings.Join(spf, " | "), Message: "Multiple SPF records are a permanent error"}
	}

	r := Result{Type: typ, Status: StatusOK, Value: spf[0]}
	switch {
	case strings.Contains(spf[0], "+all"):
		r.Status = StatusWarning
		r.Message = "+all allows any sender"
	case strings.Contains(spf[0], "-all"):
		r.Message = "Strict policy (-all)"
	case strings.Contains(spf[0], "~all"):
		r.Message = "Soft fail (~all)"
	default:
		r.Status = StatusWarning
		r.Message = "No all mechanism"
	}
	return r
}

// CheckDKIM looks up selector._domainkey.domain. When publicKey is set the
// published p= value must equal it.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, publicKey string) Result {
	typ := "DKIM (" + selector + ")"
	records, err := c.lookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		return lookupFailed(typ, err)
	}
	if len(records) == 0 {
		return Result{Type: typ, Status: StatusNotFound, Message: fmt.Sprintf("No DKIM record for selector %q", selector)}
	}

	record := strings.Join(records, "")
	tags := parseTags(record)
	r := Result{Type: typ, Value: truncate(record, 100)}
	switch {
	case tags["v"] != "DKIM1":
		r.Status = StatusWarning
		r.Message = "TXT record is not a DKIM record"
	case tags["p"] == "":
		r.Status = StatusError
		r.Message = "Key revoked or missing (empty p=)"
	case publicKey != "" && tags["p"] != publicKey:
		r.Status = StatusError
		r.Message = "Published key does not match the signing key"
	default:
		r.Status = StatusOK
		r.Message = "Key type " + keyType(tags)
	}
	return r
}

func keyType(tags map[string]string) string {
	if k := tags["k"]; k != "" {
		return k
	}
	return "rsa"
}

func (c *Checker) CheckDMARC(ctx context.Context, domain string) Result {
	const typ = "DMARC"
	records, err := c.lookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return lookupFailed(typ, err)
	}
	if len(records) == 0 {
		return Result{Type: typ, Status: StatusNotFound, Message: "No DMARC record"}
	}

	record := strings.Join(records, "")
	tags := parseTags(record)
	r := Result{Type: typ, Status: StatusOK, Value: record}
	if tags["v"] != "DMARC1" {
		r.Status = StatusWarning
		r.Message = "TXT record is not a DMARC record"
		return r
	}
	switch tags["p"] {
	case "reject", "quarantine":
		r.Message = "Policy " + tags["p"]
	case "none":
		r.Status = StatusWarning
		r.Message = "Policy none (monitoring only)"
	default:
		r.Status = StatusError
		r.Message = "Missing or invalid p= tag"
	}
	return r
}

// parseTags splits "k=v; k=v" records
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// DNSBL is a DNS blocklist zone
type DNSBL struct {
	Name string `json:"name"`
	Zone string `json:"zone"`
}

type DNSBLResult struct {
	DNSBL       DNSBL    `json:"dnsbl"`
	Listed      bool     `json:"listed"`
	ReturnCodes []string `json:"return_codes,omitempty"`
	Error       string   `json:"error,omitempty"`
}

var DefaultDNSBLs = []DNSBL{
	{Name: "Spamhaus ZEN", Zone: "zen.spamhaus.org"},
	{Name: "Barracuda", Zone: "b.barracudacentral.org"},
	{Name: "SpamCop", Zone: "bl.spamcop.net"},
	{Name: "UCEPROTECT L1", Zone: "dnsbl-1.uceprotect.net"},
	{Name: "PSBL", Zone: "psbl.surriel.com"},
	{Name: "Mailspike", Zone: "bl.mailspike.net"},
}

// CheckIP queries every blocklist concurrently for an IPv4 address
func (c *Checker) CheckIP(ctx context.Context, ipStr string) ([]DNSBLResult, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, ErrInvalidIP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, ErrIPv6NotSupported
	}
	reversed := fmt.Sprintf("%d.%d.%d.%d", ip4[3], ip4[2], ip4[1], ip4[0])

	results := make([]DNSBLResult, len(c.dnsbls))
	var wg sync.WaitGroup
	for i, bl := range c.dnsbls {
		wg.Add(1)
		go func(i int, bl DNSBL) {
			defer wg.Done()
			results[i] = c.checkDNSBL(ctx, reversed, bl)
		}(i, bl)
	}
	wg.Wait()
	return results, nil
}

func (c *Checker) checkDNSBL(ctx context.Context, reversed string, bl DNSBL) DNSBLResult {
	result := DNSBLResult{DNSBL: bl}

	ips, err := c.resolver.LookupIP(ctx, "ip4", reversed+"."+bl.Zone)
	if err != nil {
		if isNotFound(err) {
			return result
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTimeout {
			result.Error = "timeout"
			return result
		}
		result.Error = fmt.Sprintf("lookup error: %v", err)
		return result
	}

	for _, ip := range ips {
		result.ReturnCodes = append(result.ReturnCodes, ip.String())
	}
	result.Listed = len(ips) > 0
	return result
}
