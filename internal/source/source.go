// Package source describes the configured recipient sources.
package source

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind is the closed set of recipient source variants
type Kind int

const (
	KindTable Kind = iota + 1
	KindModel
	KindPlain
	KindCsv
	KindCsvFile
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindModel:
		return "model"
	case KindPlain:
		return "plain"
	case KindCsv:
		return "csv"
	case KindCsvFile:
		return "csv_file"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string to a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table":
		return KindTable, nil
	case "model":
		return KindModel, nil
	case "plain":
		return KindPlain, nil
	case "csv":
		return KindCsv, nil
	case "csv_file", "csvfile":
		return KindCsvFile, nil
	case "service":
		return KindService, nil
	default:
		return 0, fmt.Errorf("unknown source kind: %q", s)
	}
}

// UsesRowUID is true when recipients are identified by a numeric row uid.
// List based kinds identify recipients by email.
func (k Kind) UsesRowUID() bool {
	return k == KindTable || k == KindModel
}

// IsList is true for plain and csv kinds whose rows live inside a group
func (k Kind) IsList() bool {
	return k == KindPlain || k == KindCsv || k == KindCsvFile
}

const (
	AddressTable       = "tt_address"
	FrontendUserTable  = "fe_users"
	FrontendGroupTable = "fe_groups"
	ContactTable       = "tx_mail_domain_model_contact"
	GroupTable         = "tx_mail_domain_model_group"
)

// Configuration binds a source identifier to its backing store
type Configuration struct {
	Identifier       string   `yaml:"identifier"`
	Kind             Kind     `yaml:"-"`
	Table            string   `yaml:"table"` // table or model name
	IgnoreMailActive bool     `yaml:"ignore_mail_active"`
	ForceHTML        bool     `yaml:"force_html"`
	CSVExportFields  []string `yaml:"csv_export_fields"`
	GroupUID         int64    `yaml:"-"` // only for list kinds backed by a group row
}

// identifierPattern keeps identifiers free of "-", which separates source and uid in rid and MID tokens
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_:.]+$`)

// Validate checks the invariants of a configuration
func (c Configuration) Validate() error {
	if c.Identifier == "" {
		return fmt.Errorf("source identifier is required")
	}
	if !identifierPattern.MatchString(c.Identifier) {
		return fmt.Errorf("source identifier %q may only contain letters, digits, '_', ':' and '.'", c.Identifier)
	}
	if c.Kind < KindTable || c.Kind > KindService {
		return fmt.Errorf("source %s: invalid kind", c.Identifier)
	}
	if c.GroupUID != 0 && !c.Kind.IsList() {
		return fmt.Errorf("source %s: group uid only allowed for plain and csv sources", c.Identifier)
	}
	if c.Kind.UsesRowUID() && c.Table == "" {
		return fmt.Errorf("source %s: table is required for %s sources", c.Identifier, c.Kind)
	}
	return nil
}

// GroupIdentifier returns the identifier used for list sources backed by a group
func GroupIdentifier(groupUID int64) string {
	return GroupTable + ":" + strconv.FormatInt(groupUID, 10)
}

// ForGroup builds the configuration of a csv or plain list stored in a group
func ForGroup(kind Kind, groupUID int64) Configuration {
	return Configuration{
		Identifier:      GroupIdentifier(groupUID),
		Kind:            kind,
		Table:           GroupTable,
		GroupUID:        groupUID,
		CSVExportFields: []string{"name", "email"},
	}
}

// Defaults returns the built-in address, frontend user and contact sources
func Defaults() []Configuration {
	return []Configuration{
		{Identifier: AddressTable, Kind: KindTable, Table: AddressTable, CSVExportFields: []string{"uid", "name", "email"}},
		{Identifier: FrontendUserTable, Kind: KindTable, Table: FrontendUserTable, CSVExportFields: []string{"uid", "name", "email"}},
		{Identifier: ContactTable, Kind: KindModel, Table: ContactTable, CSVExportFields: []string{"uid", "name", "email"}},
	}
}

// Registry holds the known source configurations
type Registry struct {
	sources map[string]Configuration
}

// NewRegistry validates and indexes the given configurations
func NewRegistry(cfgs ...Configuration) (*Registry, error) {
	r := &Registry{sources: make(map[string]Configuration, len(cfgs))}
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.sources[c.Identifier]; ok {
			return nil, fmt.Errorf("duplicate source identifier: %s", c.Identifier)
		}
		r.sources[c.Identifier] = c
	}
	return r, nil
}

// Get looks up a source. Group backed identifiers that were never registered
// resolve to a csv configuration for that group.
func (r *Registry) Get(identifier string) (Configuration, bool) {
	if c, ok := r.sources[identifier]; ok {
		return c, true
	}
	if uid, ok := ParseGroupIdentifier(identifier); ok {
		return ForGroup(KindCsv, uid), true
	}
	return Configuration{}, false
}

// All returns the registered configurations ordered by identifier
func (r *Registry) All() []Configuration {
	out := make([]Configuration, 0, len(r.sources))
	for _, c := range r.sources {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// ParseGroupIdentifier extracts the group uid from "tx_mail_domain_model_group:<uid>"
func ParseGroupIdentifier(identifier string) (int64, bool) {
	rest, ok := strings.CutPrefix(identifier, GroupTable+":")
	if !ok {
		return 0, false
	}
	uid, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || uid <= 0 {
		return 0, false
	}
	return uid, true
}
