// Package render personalizes prepared mailing content for one recipient.
package render

import (
	"errors"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/models"
)

var bodyClosePattern = regexp.MustCompile(`(?i)</body>`)

// ErrNotPrepared is returned when a mailing's content was never prepared
var ErrNotPrepared = errors.New("mailing content is not prepared")

// Options configure jump URL generation
type Options struct {
	SiteURL    string // absolute base, without trailing slash
	JumpPath   string // e.g. /jump
	PixelPath  string // jumpurl value of the open-tracking pixel, empty disables the pixel
	AuthSecret string
}

// Recipient is the personalization input for one message
type Recipient struct {
	Source      string
	UID         string
	Email       string
	Data        map[string]string // enriched fields
	Categories  []int64
	AcceptsHTML bool
}

// Message is a personalized mailing
type Message struct {
	Subject    string
	HTML       string
	Plain      string
	FormatSent int  // models.SendPlain / models.SendHTML bitmask
	HasContent bool // false when category filtering left only the footer
	AuthCode   string
}

type Renderer struct {
	opts Options
}

func New(opts Options) *Renderer {
	opts.SiteURL = strings.TrimRight(opts.SiteURL, "/")
	if opts.JumpPath == "" {
		opts.JumpPath = "/"
	}
	return &Renderer{opts: opts}
}

// AuthCode returns the recipient's code for a mailing
func (r *Renderer) AuthCode(m *models.Mailing, data map[string]string) string {
	return authcode.ForRecipient(m.AuthCodeFields, data, r.opts.AuthSecret)
}

// JumpURL builds a tracked link. rid and aC are added when the mailing tracks recipients.
func (r *Renderer) JumpURL(m *models.Mailing, rcpt *Recipient, code, jumpurl string) string {
	q := url.Values{}
	q.Set("mail", strconv.FormatInt(m.UID, 10))
	q.Set("jumpurl", jumpurl)
	if m.Redirect && rcpt != nil {
		q.Set("rid", rcpt.Source+"-"+rcpt.UID)
		q.Set("aC", code)
	}
	return r.opts.SiteURL + r.opts.JumpPath + "?" + q.Encode()
}

// Render builds the message for one recipient. The output depends only on the stored
// content, the recipient data and the categories.
func (r *Renderer) Render(m *models.Mailing, rcpt *Recipient) (*Message, error) {
	if !m.Prepared {
		return nil, ErrNotPrepared
	}

	data := rcpt.Data
	if data == nil {
		data = map[string]string{}
	}
	code := r.AuthCode(m, data)
	markers := Markers(data, strconv.FormatInt(m.UID, 10), rcpt.Source, code)
	jump := func(id string) string { return r.JumpURL(m, rcpt, code, id) }

	msg := &Message{
		Subject:  Substitute(m.Subject, markers),
		AuthCode: code,
	}

	if m.SendsHTML() && rcpt.AcceptsHTML && m.HTMLContent != "" {
		content := FilterCategories(m.HTMLContent, rcpt.Categories)
		content = rewriteHTML(content, m.HTMLLinks, jump)
		content = Substitute(content, markers)
		if m.Redirect && r.opts.PixelPath != "" {
			content = addPixel(content, jump(r.opts.PixelPath))
		}
		msg.HTML = content
		msg.FormatSent |= models.SendHTML
		msg.HasContent = HasContent(m.HTMLContent, rcpt.Categories)
	}

	if m.SendsPlain() && m.PlainContent != "" {
		content := FilterCategories(m.PlainContent, rcpt.Categories)
		if m.Redirect {
			content = rewritePlain(content, m.PlainLinks, m.RedirectAll, jump)
		}
		msg.Plain = Substitute(content, markers)
		msg.FormatSent |= models.SendPlain
		msg.HasContent = msg.HasContent || HasContent(m.PlainContent, rcpt.Categories)
	}

	return msg, nil
}

func addPixel(content, src string) string {
	img := `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" />`
	if locs := bodyClosePattern.FindAllStringIndex(content, -1); len(locs) > 0 {
		i := locs[len(locs)-1][0]
		return content[:i] + img + content[i:]
	}
	return content + img
}

func itoa(i int) string { return strconv.Itoa(i) }
