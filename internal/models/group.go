package models

import "time"

// Group type tags
const (
	GroupPages  = "pages"
	GroupCSV    = "csv"
	GroupStatic = "static"
	GroupOther  = "other"
	GroupModel  = "model"
)

// Record type bitmask for pages and model groups
const (
	RecordAddress       = 1
	RecordFrontendUser  = 2
	RecordCustom        = 4
	RecordFrontendGroup = 8
)

// Group is a recipient selection rule. Type decides which fields apply.
type Group struct {
	UID   int64  `json:"uid"`
	Title string `json:"title"`
	Type  string `json:"type"`

	// pages, model
	Pages       []int64 `json:"pages,omitempty"`
	Recursive   bool    `json:"recursive,omitempty"`
	RecordTypes int     `json:"record_types,omitempty"`
	Categories  []int64 `json:"categories,omitempty"`
	ModelSource string  `json:"model_source,omitempty"`

	// csv
	CSVData       string `json:"csv_data,omitempty"`
	CSVFile       string `json:"csv_file,omitempty"`
	CSVSeparator  string `json:"csv_separator,omitempty"`
	CSVEnclosure  string `json:"csv_enclosure,omitempty"`
	CSVFieldNames bool   `json:"csv_field_names,omitempty"`

	// static
	StaticRefs []RecordRef `json:"static_refs,omitempty"`

	// other
	Children []int64 `json:"children,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RecordRef points at a row in a recipient table
type RecordRef struct {
	Table string `json:"table"`
	UID   int64  `json:"uid"`
}

// HasRecordType reports whether the bit is set
func (g *Group) HasRecordType(bit int) bool { return g.RecordTypes&bit != 0 }

// IsCSVFile is true for csv groups backed by a file instead of inline data
func (g *Group) IsCSVFile() bool { return g.Type == GroupCSV && g.CSVFile != "" }
