package models

import "time"

// Mailing type values
const (
	MailTypeInternal      = "internal"
	MailTypeExternal      = "external"
	MailTypeDraftInternal = "draft_internal"
	MailTypeDraftExternal = "draft_external"
)

// Mailing status values
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusPaused    = "paused"
	StatusAborted   = "aborted"
	StatusSent      = "sent"
)

// Send format bitmask
const (
	SendPlain = 1
	SendHTML  = 2
	SendBoth  = SendPlain | SendHTML
)

// Mailing is a single newsletter unit with its content and recipient selection
type Mailing struct {
	UID          int64  `json:"uid"`
	Type         string `json:"type"`
	Subject      string `json:"subject"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`
	ReplyToEmail string `json:"reply_to_email"`
	ReplyToName  string `json:"reply_to_name"`
	ReturnPath   string `json:"return_path"`
	Organisation string `json:"organisation"`
	Priority     int    `json:"priority"` // 1 high, 3 normal, 5 low
	Charset      string `json:"charset"`
	SendOptions  int    `json:"send_options"`

	Scheduled      time.Time `json:"scheduled"`       // zero = not scheduled
	ScheduledBegin time.Time `json:"scheduled_begin"` // first batch
	ScheduledEnd   time.Time `json:"scheduled_end"`   // last batch

	Redirect       bool   `json:"redirect"`
	RedirectAll    bool   `json:"redirect_all"`
	AuthCodeFields string `json:"auth_code_fields"` // comma list of recipient fields

	HTMLContent  string `json:"html_content"`
	PlainContent string `json:"plain_content"`
	HTMLLinks    []Link `json:"html_links"`
	PlainLinks   []Link `json:"plain_links"`
	Prepared     bool   `json:"prepared"`

	RecipientGroups    []int64             `json:"recipient_groups"`
	Recipients         map[string][]string `json:"recipients,omitempty"` // resolved at scheduled -> sending
	NumberOfRecipients int                 `json:"number_of_recipients"`
	DeliveryProgress   int                 `json:"delivery_progress"`
	Attachments        []string            `json:"attachments,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Link is one entry of a mailing's hyperlink table
type Link struct {
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

// SendsHTML reports whether the html part is delivered
func (m *Mailing) SendsHTML() bool { return m.SendOptions&SendHTML != 0 }

// SendsPlain reports whether the plain part is delivered
func (m *Mailing) SendsPlain() bool { return m.SendOptions&SendPlain != 0 }

// HTMLOnly is true when recipients must accept html to receive the mailing
func (m *Mailing) HTMLOnly() bool { return m.SendOptions == SendHTML }

// IsDue reports whether the mailing may be processed at now
func (m *Mailing) IsDue(now time.Time) bool {
	if m.Status != StatusScheduled && m.Status != StatusSending {
		return false
	}
	return !m.Scheduled.IsZero() && !m.Scheduled.After(now)
}

// LinkByID resolves a jump url id against the hyperlink tables.
// Non-negative ids index the html table, negative ids (and plain "-0") the plain table.
func (m *Mailing) LinkByID(id int, plain bool) (Link, bool) {
	table := m.HTMLLinks
	if plain {
		table = m.PlainLinks
	}
	if id < 0 {
		id = -id
	}
	if id >= len(table) {
		return Link{}, false
	}
	return table[id], true
}

// MailingListFilter for filtering mailings
type MailingListFilter struct {
	Status string
	Limit  int
	Offset int
}
