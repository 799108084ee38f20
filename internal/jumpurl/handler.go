// Package jumpurl serves tracked links and open-tracking pixels.
package jumpurl

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/render"
	"github.com/foxzi/newsmail/internal/source"
)

var (
	// ErrAuthCode is returned when the submitted auth code does not match the recipient
	ErrAuthCode = errors.New("auth code mismatch")
	// ErrInvalidTarget is returned for jump targets that are neither a link id nor an allowed pixel
	ErrInvalidTarget = errors.New("invalid jump target")
	// ErrNotFound is returned for unknown mailings and link ids
	ErrNotFound = errors.New("jump target not found")
)

// MailingStore loads mailings
type MailingStore interface {
	GetByID(uid int64) (*models.Mailing, error)
}

// LogStore writes tracking rows with deduplication
type LogStore interface {
	InsertUnlessRecent(e *models.DeliveryLogEntry, window time.Duration) (bool, error)
}

// RecipientLoader looks up a recipient in its source. A nil recipient means it does not exist.
type RecipientLoader interface {
	Load(ctx context.Context, cfg source.Configuration, id string) (*models.Recipient, error)
}

// Completer fills derived recipient fields the same way dispatch does before rendering
type Completer interface {
	Complete(cfg source.Configuration, rcpt models.Recipient) models.Recipient
}

// Options configure a Handler
type Options struct {
	SiteURL       string
	AuthSecret    string
	DedupWindow   time.Duration
	PixelPatterns []string
	Now           func() time.Time
}

// Handler resolves jump requests to their targets and logs the hit
type Handler struct {
	mailings   MailingStore
	log        LogStore
	recipients RecipientLoader
	completer  Completer
	registry   *source.Registry
	siteURL    string
	secret     string
	window     time.Duration
	pixels     []*regexp.Regexp
	now        func() time.Time
	logger     *slog.Logger
}

func NewHandler(mailings MailingStore, log LogStore, recipients RecipientLoader, completer Completer, registry *source.Registry, opts Options, logger *slog.Logger) (*Handler, error) {
	if opts.DedupWindow == 0 {
		opts.DedupWindow = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Handler{
		mailings:   mailings,
		log:        log,
		recipients: recipients,
		completer:  completer,
		registry:   registry,
		siteURL:    strings.TrimRight(opts.SiteURL, "/"),
		secret:     opts.AuthSecret,
		window:     opts.DedupWindow,
		now:        opts.Now,
		logger:     logger.With("component", "jumpurl"),
	}
	for _, p := range opts.PixelPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		h.pixels = append(h.pixels, re)
	}
	return h, nil
}

// target is a resolved jump request
type target struct {
	url   string
	entry models.DeliveryLogEntry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := h.resolve(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if t.entry.RecipientSource != "" {
		logged, err := h.log.InsertUnlessRecent(&t.entry, h.window)
		switch {
		case err != nil:
			// the visitor still gets redirected
			h.logger.Error("failed to log jump", "mailing", t.entry.Mail, "error", err)
		case logged:
			metrics.IncJumpRequests(t.entry.ResponseType)
		default:
			metrics.IncJumpRequests("duplicate")
		}
	} else {
		metrics.IncJumpRequests("anonymous")
	}

	http.Redirect(w, r, t.url, http.StatusFound)
}

// resolve validates the request and computes the redirect target
func (h *Handler) resolve(r *http.Request) (*target, error) {
	q := r.URL.Query()

	mailUID, err := strconv.ParseInt(q.Get("mail"), 10, 64)
	if err != nil || mailUID <= 0 {
		return nil, ErrNotFound
	}
	m, err := h.mailings.GetByID(mailUID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}

	jump := q.Get("jumpurl")
	t := &target{entry: models.DeliveryLogEntry{Mail: m.UID, Tstamp: h.now()}}

	if id, plain, ok := parseURLID(jump); ok {
		link, ok := m.LinkByID(id, plain)
		if !ok {
			return nil, ErrNotFound
		}
		t.url = link.URL
		t.entry.URL = link.URL
		t.entry.URLID = id
		t.entry.ResponseType = models.ResponseHTML
		if plain {
			t.entry.ResponseType = models.ResponsePlain
		}
	} else {
		pixel, ok := h.pixelURL(jump)
		if !ok {
			return nil, ErrInvalidTarget
		}
		t.url = pixel
		t.entry.URL = jump
		t.entry.ResponseType = models.ResponsePing
	}

	rcpt, cfg := h.recipient(r.Context(), q.Get("rid"))
	if rcpt == nil {
		return t, nil
	}

	code := authcode.ForRecipient(m.AuthCodeFields, rcpt.Fields, h.secret)
	if !authcode.Equal(q.Get("aC"), code) {
		h.logger.Warn("auth code mismatch", "mailing", m.UID, "source", cfg.Identifier, "uid", rcpt.UID)
		return nil, ErrAuthCode
	}

	markers := render.Markers(rcpt.Fields, strconv.FormatInt(m.UID, 10), cfg.Identifier, code)
	t.url = render.Substitute(t.url, markers)
	t.entry.RecipientSource = cfg.Identifier
	t.entry.RecipientUID = rcpt.UID
	t.entry.Email = rcpt.Email
	return t, nil
}

// recipient resolves rid ("<source>-<uid>"). Source identifiers never contain
// a dash, list uids (emails) may. Malformed ids and unknown recipients resolve
// to nil and the request degrades to a plain redirect.
func (h *Handler) recipient(ctx context.Context, rid string) (*models.Recipient, source.Configuration) {
	ident, uid, ok := strings.Cut(rid, "-")
	if !ok || ident == "" || uid == "" {
		return nil, source.Configuration{}
	}
	cfg, ok := h.registry.Get(ident)
	if !ok {
		return nil, source.Configuration{}
	}
	rcpt, err := h.recipients.Load(ctx, cfg, uid)
	if err != nil {
		h.logger.Debug("recipient lookup failed", "rid", rid, "error", err)
		return nil, cfg
	}
	if rcpt == nil {
		return nil, cfg
	}
	completed := h.completer.Complete(cfg, *rcpt)
	return &completed, cfg
}

// parseURLID parses a numeric jumpurl. Negative values and "-0" address the plain link table.
func parseURLID(s string) (id int, plain bool, ok bool) {
	if s == "" {
		return 0, false, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, false
	}
	return n, strings.HasPrefix(s, "-"), true
}

// pixelURL checks a non-numeric jumpurl against the pixel allow list and
// returns the absolute URL to redirect to. Absolute values must point into the site.
func (h *Handler) pixelURL(jump string) (string, bool) {
	if jump == "" {
		return "", false
	}
	path := jump
	if u, err := url.Parse(jump); err != nil {
		return "", false
	} else if u.IsAbs() || u.Host != "" {
		rest, ok := strings.CutPrefix(jump, h.siteURL+"/")
		if !ok || h.siteURL == "" {
			return "", false
		}
		path = rest
	}
	for _, re := range h.pixels {
		if re.MatchString(path) {
			return h.siteURL + "/" + strings.TrimLeft(path, "/"), true
		}
	}
	return "", false
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.}}</title></head>
<body><p>{{.}}</p></body></html>
`))

// fail renders a generic page. Details go to the log only.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message, kind := http.StatusInternalServerError, "Something went wrong.", "error"
	switch {
	case errors.Is(err, ErrAuthCode):
		status, message, kind = http.StatusForbidden, "This link is no longer valid.", "rejected"
	case errors.Is(err, ErrInvalidTarget):
		status, message, kind = http.StatusBadRequest, "This link is no longer valid.", "invalid"
	case errors.Is(err, ErrNotFound):
		status, message, kind = http.StatusNotFound, "This link does not exist.", "not_found"
	default:
		h.logger.Error("jump request failed", "url", r.URL.String(), "error", err)
	}
	metrics.IncJumpRequests(kind)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	errorPage.Execute(w, message)
}
