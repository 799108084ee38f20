package transport

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/foxzi/newsmail/internal/authcode"
)

// Compose builds the RFC 5322 form of msg. Text parts are encoded in the
// message charset and sent quoted-printable; html and plain together form a
// multipart/alternative body.
func Compose(msg *Message, hostname string) ([]byte, error) {
	if msg.HTML == "" && msg.Plain == "" {
		return nil, fmt.Errorf("message has no body")
	}

	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.FromEmail}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.ToName, Address: msg.To}})
	if msg.ReplyToEmail != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Name: msg.ReplyToName, Address: msg.ReplyToEmail}})
	}
	h.SetSubject(msg.Subject)
	h.SetMessageID(uuid.NewString() + "@" + hostname)
	if msg.Organisation != "" {
		h.Set("Organization", msg.Organisation)
	}
	if msg.Priority > 0 {
		h.Set("X-Priority", strconv.Itoa(msg.Priority))
	}
	if msg.MID != "" {
		h.Set(authcode.MIDHeader, msg.MID)
	}
	for k, v := range msg.Headers {
		h.Set(k, v)
	}

	parts, err := textParts(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if len(parts) == 1 && len(msg.Attachments) == 0 {
		h.SetContentType(parts[0].contentType, map[string]string{"charset": parts[0].charset})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message: %w", err)
		}
		if _, err := w.Write(parts[0].body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body: %w", err)
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": p.charset})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", p.contentType, err)
		}
		if _, err := w.Write(p.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, path := range msg.Attachments {
		if err := attach(mw, path); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type textPart struct {
	contentType string
	charset     string
	body        []byte
}

// textParts returns plain before html, the order mail clients expect in multipart/alternative
func textParts(msg *Message) ([]textPart, error) {
	var parts []textPart
	for _, p := range []struct{ ctype, body string }{
		{"text/plain", msg.Plain},
		{"text/html", msg.HTML},
	} {
		if p.body == "" {
			continue
		}
		body, charset, err := encodeText(p.body, msg.Charset)
		if err != nil {
			return nil, err
		}
		parts = append(parts, textPart{contentType: p.ctype, charset: charset, body: body})
	}
	return parts, nil
}

// encodeText converts s from UTF-8 to charset. Runes the charset cannot
// represent are replaced. Returns the canonical charset name.
func encodeText(s, charset string) ([]byte, string, error) {
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return []byte(s), "utf-8", nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, "", fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = cs
	}
	if name == "utf-8" {
		return []byte(s), name, nil
	}
	out, _, err := transform.Bytes(encoding.ReplaceUnsupported(enc.NewEncoder()), []byte(s))
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode body as %s: %w", name, err)
	}
	return out, name, nil
}

func attach(mw *mail.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open attachment: %w", err)
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	var ah mail.AttachmentHeader
	ah.Set("Content-Type", ctype)
	ah.SetFilename(filepath.Base(path))
	ah.Set("Content-Transfer-Encoding", "base64")

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("failed to write attachment %s: %w", path, err)
	}
	return w.Close()
}
