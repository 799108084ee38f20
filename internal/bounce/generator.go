package bounce

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// Bounce styles the generator can imitate
const (
	StylePostfix = "postfix"
	StyleQmail   = "qmail"
)

// Failure describes a rejected delivery to turn into a bounce message
type Failure struct {
	Original   []byte // the message as it was sent, including headers
	Recipient  string
	Diagnostic string // e.g. "550 5.1.1 User unknown"
	Permanent  bool
}

// Generator produces bounce messages the way common MTAs word them
type Generator struct {
	hostname   string
	postmaster string
	now        func() time.Time
}

func NewGenerator(hostname string) *Generator {
	return &Generator{
		hostname:   hostname,
		postmaster: "postmaster@" + hostname,
		now:        time.Now,
	}
}

// SetPostmaster sets custom postmaster address
func (g *Generator) SetPostmaster(addr string) {
	g.postmaster = addr
}

// Generate renders f in the given style
func (g *Generator) Generate(style string, f Failure) ([]byte, error) {
	switch style {
	case StylePostfix, "":
		return g.GenerateDSN(f)
	case StyleQmail:
		return g.GenerateQmail(f)
	default:
		return nil, fmt.Errorf("unknown bounce style: %s", style)
	}
}

// GenerateDSN builds an RFC 3464 multipart/report with the original attached as message/rfc822
func (g *Generator) GenerateDSN(f Failure) ([]byte, error) {
	id := uuid.NewString()
	data := g.data(f)
	data.MessageID = fmt.Sprintf("<%s.dsn@%s>", id, g.hostname)
	data.Boundary = "==Boundary_" + id + "=="
	data.Action, data.Status = "failed", "5.0.0"
	if !f.Permanent {
		data.Action, data.Status = "delayed", "4.0.0"
	}

	var buf bytes.Buffer
	if err := dsnTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to generate DSN: %w", err)
	}
	return buf.Bytes(), nil
}

// GenerateQmail builds a plain text bounce with the original copied below a divider
func (g *Generator) GenerateQmail(f Failure) ([]byte, error) {
	data := g.data(f)
	data.MessageID = fmt.Sprintf("<%s.bounce@%s>", uuid.NewString(), g.hostname)

	var buf bytes.Buffer
	if err := qmailTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to generate bounce: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) data(f Failure) bounceData {
	return bounceData{
		Hostname:   g.hostname,
		Postmaster: g.postmaster,
		Date:       g.now().Format(time.RFC1123Z),
		From:       originalSender(f.Original),
		Recipient:  f.Recipient,
		Diagnostic: f.Diagnostic,
		Original:   strings.TrimRight(strings.ReplaceAll(string(f.Original), "\r\n", "\n"), "\n"),
	}
}

type bounceData struct {
	Hostname   string
	Postmaster string
	Date       string
	MessageID  string
	From       string
	Recipient  string
	Diagnostic string
	Original   string
	Action     string
	Status     string
	Boundary   string
}

var dsnTemplate = template.Must(template.New("dsn").Parse(`From: Mail Delivery System <{{.Postmaster}}>
To: <{{.From}}>
Subject: Undelivered Mail Returned to Sender
Date: {{.Date}}
Message-ID: {{.MessageID}}
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="{{.Boundary}}"
Auto-Submitted: auto-replied

This is a MIME-encapsulated message.

--{{.Boundary}}
Content-Description: Notification
Content-Type: text/plain; charset=utf-8

This is the mail system at host {{.Hostname}}.

I'm sorry to have to inform you that your message could not
be delivered to one or more recipients.

<{{.Recipient}}>: {{.Diagnostic}}

--{{.Boundary}}
Content-Description: Delivery report
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.Hostname}}
Arrival-Date: {{.Date}}

Final-Recipient: rfc822; {{.Recipient}}
Action: {{.Action}}
Status: {{.Status}}
Diagnostic-Code: smtp; {{.Diagnostic}}

--{{.Boundary}}
Content-Description: Undelivered Message
Content-Type: message/rfc822

{{.Original}}

--{{.Boundary}}--
`))

var qmailTemplate = template.Must(template.New("qmail").Parse(`From: MAILER-DAEMON@{{.Hostname}}
To: {{.From}}
Subject: failure notice
Date: {{.Date}}
Message-ID: {{.MessageID}}

Hi. This is the qmail-send program at {{.Hostname}}.
I'm afraid I wasn't able to deliver your message to the following addresses.
This is a permanent error; I've given up. Sorry it didn't work out.

<{{.Recipient}}>:
{{.Diagnostic}}

--- Below this line is a copy of the message.

{{.Original}}
`))

// originalSender returns the bare Return-Path or From address of raw
func originalSender(raw []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	for _, h := range []string{"Return-Path", "From"} {
		if addr, err := mail.ParseAddress(msg.Header.Get(h)); err == nil {
			return addr.Address
		}
	}
	return ""
}
