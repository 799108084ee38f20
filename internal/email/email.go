// Package email normalizes recipient addresses.
package email

import (
	"net/mail"
	"strings"
)

// Normalize returns the bare address of a single recipient with a lower-cased domain.
// The second result is false for anything that is not exactly one valid address.
func Normalize(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.ContainsAny(addr, ",;") {
		return "", false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", false
	}
	local, domain, ok := split(parsed.Address)
	if !ok {
		return "", false
	}
	return local + "@" + strings.ToLower(domain), true
}

// Domain returns the lower-cased domain of a bare address, or "".
// Recipient addresses are stored bare, so no display names are parsed here.
func Domain(addr string) string {
	_, domain, ok := split(strings.TrimSpace(addr))
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}

func split(addr string) (local, domain string, ok bool) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	return addr[:at], addr[at+1:], true
}
