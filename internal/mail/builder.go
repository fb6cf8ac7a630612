package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	netmail "net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResolvedAttachment is an attachment whose bytes have been fetched and
// are ready for encoding.
type ResolvedAttachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// structuralHeaders cannot be overridden by payload headers; doing so
// would corrupt the MIME framing or leak blind recipients.
var structuralHeaders = map[string]bool{
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Mime-Version":              true,
	"Bcc":                       true,
}

// Build renders a payload into SMTP envelope and wire form: the MAIL FROM
// address, the full recipient set (to+cc+bcc; bcc never appears in the
// headers) and the RFC 5322 message bytes. Custom payload headers replace
// same-named defaults except for the structural set.
func Build(p *Payload, atts []ResolvedAttachment) (envFrom string, rcpts []string, data []byte, err error) {
	if p.From == "" {
		return "", nil, nil, fmt.Errorf("payload has no from address")
	}
	if len(p.To) == 0 {
		return "", nil, nil, fmt.Errorf("payload has no recipients")
	}

	envFrom = bareAddress(p.EnvelopeFrom())
	rcpts = make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	for _, r := range p.Recipients() {
		rcpts = append(rcpts, bareAddress(r))
	}

	h := newHeaderSet()
	h.set("From", p.From)
	h.set("To", strings.Join(p.To, ", "))
	if len(p.Cc) > 0 {
		h.set("Cc", strings.Join(p.Cc, ", "))
	}
	if p.ReplyTo != "" {
		h.set("Reply-To", p.ReplyTo)
	}
	h.set("Subject", encodeSubject(p.Subject))
	h.set("Message-ID", messageID(p))
	h.set("Date", time.Now().UTC().Format(time.RFC1123Z))
	h.set("MIME-Version", "1.0")

	for k, v := range p.Headers {
		if structuralHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		h.set(k, v)
	}

	var buf bytes.Buffer
	h.write(&buf)

	if len(atts) == 0 {
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", bodyContentType(p)))
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		if err := writeQuotedPrintable(&buf, p.Body); err != nil {
			return "", nil, nil, err
		}
		buf.WriteString("\r\n")
		return envFrom, rcpts, buf.Bytes(), nil
	}

	boundary := fmt.Sprintf("=_%s", strings.ReplaceAll(uuid.New().String(), "-", "")[:16])
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary))

	// Body part
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", bodyContentType(p)))
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	if err := writeQuotedPrintable(&buf, p.Body); err != nil {
		return "", nil, nil, err
	}
	buf.WriteString("\r\n")

	for _, a := range atts {
		mt := a.MimeType
		if mt == "" {
			mt = "application/octet-stream"
		}
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", mt, a.Filename))
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", a.Filename))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		buf.WriteString(wrapBase64(a.Data))
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return envFrom, rcpts, buf.Bytes(), nil
}

func bodyContentType(p *Payload) string {
	if strings.EqualFold(p.ContentType, "html") || strings.EqualFold(p.ContentType, "text/html") {
		return "text/html"
	}
	return "text/plain"
}

// bareAddress extracts the addr-spec from "Name <user@host>" forms.
// Unparseable values pass through untouched and get judged by the relay.
func bareAddress(s string) string {
	s = strings.TrimSpace(s)
	if addr, err := netmail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return s
}

func encodeSubject(subject string) string {
	return mime.QEncoding.Encode("utf-8", subject)
}

func messageID(p *Payload) string {
	if p.MessageID != "" {
		if strings.HasPrefix(p.MessageID, "<") {
			return p.MessageID
		}
		return "<" + p.MessageID + ">"
	}
	domain := "mailroom.local"
	if at := strings.LastIndex(bareAddress(p.From), "@"); at >= 0 {
		domain = bareAddress(p.From)[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

func writeQuotedPrintable(buf *bytes.Buffer, body string) error {
	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return nil
}

func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var sb strings.Builder
	for len(enc) > 76 {
		sb.WriteString(enc[:76])
		sb.WriteString("\r\n")
		enc = enc[76:]
	}
	sb.WriteString(enc)
	return sb.String()
}

// headerSet keeps insertion order while letting later writes replace
// earlier ones by canonical key.
type headerSet struct {
	order []string
	vals  map[string]string
}

func newHeaderSet() *headerSet {
	return &headerSet{vals: make(map[string]string)}
}

func (h *headerSet) set(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if _, exists := h.vals[ck]; !exists {
		h.order = append(h.order, ck)
	}
	h.vals[ck] = value
}

func (h *headerSet) write(buf *bytes.Buffer) {
	for _, k := range h.order {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, h.vals[k]))
	}
}
