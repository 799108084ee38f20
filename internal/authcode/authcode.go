// Package authcode computes the short per-recipient codes that protect tracked links.
package authcode

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Length of a standard auth code in hex characters
const Length = 8

// DefaultFields is used when a mailing does not name any auth code fields
const DefaultFields = "uid"

// Std returns the first eight hex characters of md5(values joined by "|" + "|" + secret)
func Std(values []string, secret string) string {
	sum := md5.Sum([]byte(strings.Join(values, "|") + "|" + secret))
	return hex.EncodeToString(sum[:])[:Length]
}

// ForRecipient builds the code from the named recipient fields.
// fields is a comma separated list; missing fields contribute an empty value.
func ForRecipient(fields string, data map[string]string, secret string) string {
	if strings.TrimSpace(fields) == "" {
		fields = DefaultFields
	}
	var values []string
	for _, f := range strings.Split(fields, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		values = append(values, data[f])
	}
	return Std(values, secret)
}

// Equal compares a submitted code against the expected one, ignoring case
func Equal(submitted, expected string) bool {
	return submitted != "" && strings.EqualFold(submitted, expected)
}
