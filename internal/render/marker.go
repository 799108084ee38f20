package render

import (
	"maps"
	"regexp"
	"slices"
	"strings"
)

var markerPattern = regexp.MustCompile(`###([A-Za-z0-9_]+)###`)

// System marker names
const (
	MarkerMailID    = "SYS_MAIL_ID"
	MarkerTableName = "SYS_TABLE_NAME"
	MarkerAuthCode  = "SYS_AUTHCODE"
)

// Markers builds the substitution table for a recipient.
// Every field f becomes USER_f, with an upper-case USER_F mirror unless a field already
// produces that name. The table is the same for the same input. USER_firstname falls back to the first word of the name.
func Markers(data map[string]string, mailID, source, authCode string) map[string]string {
	m := make(map[string]string, len(data)*2+3)
	for k, v := range data {
		m["USER_"+k] = v
	}
	if m["USER_firstname"] == "" {
		first := m["USER_first_name"]
		if first == "" {
			first, _, _ = strings.Cut(strings.TrimSpace(m["USER_name"]), " ")
		}
		m["USER_firstname"] = first
	}

	// fields differing only in case compete for one mirror: the lower-case
	// field wins, otherwise the first in sorted order
	mirrors := make(map[string]string)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		upper := strings.ToUpper(k)
		if upper == k {
			continue
		}
		if _, exists := m[upper]; exists {
			continue
		}
		field := strings.TrimPrefix(k, "USER_")
		if _, taken := mirrors[upper]; !taken || field == strings.ToLower(field) {
			mirrors[upper] = m[k]
		}
	}
	for k, v := range mirrors {
		m[k] = v
	}

	m[MarkerMailID] = mailID
	m[MarkerTableName] = source
	m[MarkerAuthCode] = authCode
	return m
}

// Substitute replaces every ###NAME### marker. Unknown markers become empty.
func Substitute(text string, markers map[string]string) string {
	if !strings.Contains(text, "###") {
		return text
	}
	return markerPattern.ReplaceAllStringFunc(text, func(match string) string {
		return markers[match[3:len(match)-3]]
	})
}
