package recipient

import (
	"encoding/csv"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/foxzi/newsmail/internal/email"
	"github.com/foxzi/newsmail/internal/models"
)

// knownFields are the column names accepted in a csv header row
var knownFields = map[string]bool{
	"uid": true, "name": true, "first_name": true, "middle_name": true, "last_name": true,
	"title": true, "email": true, "phone": true, "www": true, "address": true, "company": true,
	"city": true, "zip": true, "country": true, "fax": true, "mobile": true, "gender": true,
	"categories": true, "mail_html": true, "mail_salutation": true, "description": true,
}

// CSVOptions describe how a group's csv payload is laid out
type CSVOptions struct {
	Separator  string
	Enclosure  string
	FieldNames bool // first row is a header even when it does not look like one
}

// isHeader reports whether every key of the first row is a known field name
func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	for _, f := range row {
		f = strings.ToLower(strings.TrimSpace(f))
		if !knownFields[f] && !strings.HasPrefix(f, "user_") {
			return false
		}
	}
	return true
}

// ParseCSV turns csv data into recipients of the given source. Rows that fail to
// parse or carry no valid email are skipped. Recipients are identified by email and
// returned in file order without duplicates.
func ParseCSV(data string, opts CSVOptions, sourceID string) []models.Recipient {
	sep, _ := utf8.DecodeRuneInString(opts.Separator)
	if sep == utf8.RuneError || opts.Separator == "" {
		sep = ','
	}
	enc, _ := utf8.DecodeRuneInString(opts.Enclosure)
	swap := opts.Enclosure != "" && enc != '"' && enc != utf8.RuneError
	if swap {
		data = swapRunes(data, enc, '"')
	}

	r := csv.NewReader(strings.NewReader(data))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var header []string
	var out []models.Recipient
	seen := make(map[string]bool)
	first := true

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			continue
		}
		if err != nil {
			break
		}
		if swap {
			for i := range row {
				row[i] = swapRunes(row[i], enc, '"')
			}
		}
		if isBlank(row) {
			continue
		}

		if first {
			first = false
			if opts.FieldNames || isHeader(row) {
				header = make([]string, len(row))
				for i, f := range row {
					f = strings.ToLower(strings.TrimSpace(f))
					header[i] = strings.TrimPrefix(f, "user_")
				}
				continue
			}
		}

		fields := rowFields(header, row)
		addr, ok := email.Normalize(fields["email"])
		if !ok || seen[strings.ToLower(addr)] {
			continue
		}
		seen[strings.ToLower(addr)] = true
		fields["email"] = addr

		out = append(out, models.Recipient{
			Source:      sourceID,
			UID:         addr,
			Email:       addr,
			Name:        fields["name"],
			Active:      true,
			AcceptsHTML: fields["mail_html"] != "0",
			Fields:      fields,
		})
	}
	return out
}

// rowFields maps a row onto the header, or onto name,email without one.
// A single column row is a plain list entry holding only the email.
func rowFields(header, row []string) map[string]string {
	fields := make(map[string]string)
	if header != nil {
		for i, v := range row {
			if i < len(header) && header[i] != "" {
				fields[header[i]] = strings.TrimSpace(v)
			}
		}
		return fields
	}
	if len(row) == 1 {
		fields["email"] = strings.TrimSpace(row[0])
		return fields
	}
	fields["name"] = strings.TrimSpace(row[0])
	fields["email"] = strings.TrimSpace(row[1])
	return fields
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func swapRunes(s string, a, b rune) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case a:
			return b
		case b:
			return a
		}
		return r
	}, s)
}

// BlankEmail rewrites a csv payload so rows carrying addr no longer hold an email.
// Used to deactivate bounced recipients of csv groups. Returns the new payload and
// whether anything changed.
func BlankEmail(data string, opts CSVOptions, addr string) (string, bool) {
	target := strings.TrimSpace(addr)
	if target == "" {
		return data, false
	}
	pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(target))

	lines := strings.Split(data, "\n")
	changed := false
	for i, line := range lines {
		if !pattern.MatchString(line) || !rowContains(line, opts, target) {
			continue
		}
		lines[i] = pattern.ReplaceAllString(line, "")
		changed = true
	}
	return strings.Join(lines, "\n"), changed
}

// rowContains reports whether one field of a single csv line equals value, ignoring case
func rowContains(line string, opts CSVOptions, value string) bool {
	sep, _ := utf8.DecodeRuneInString(opts.Separator)
	if sep == utf8.RuneError || opts.Separator == "" {
		sep = ','
	}
	enc, _ := utf8.DecodeRuneInString(opts.Enclosure)
	if opts.Enclosure != "" && enc != '"' && enc != utf8.RuneError {
		line = swapRunes(line, enc, '"')
	}

	r := csv.NewReader(strings.NewReader(line))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	row, err := r.Read()
	if err != nil {
		return false
	}
	for _, f := range row {
		if strings.EqualFold(strings.TrimSpace(f), value) {
			return true
		}
	}
	return false
}
