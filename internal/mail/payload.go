// Package mail parses tenant-submitted message payloads and renders them
// into RFC 5322 wire format. The submitted JSON object is stored verbatim
// as the queue payload; this package provides the typed view over it.
package mail

import (
	"encoding/json"
	"fmt"
)

// StringList accepts either a single string or an array of strings, the
// two shapes tenants submit recipient lists in.
type StringList []string

// UnmarshalJSON implements the string-or-array decoding.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or string array: %w", err)
	}
	*s = StringList(many)
	return nil
}

// MarshalJSON keeps single-recipient lists in their compact form.
func (s StringList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Attachment describes one attachment reference inside a payload. The
// actual bytes are fetched at dispatch time.
type Attachment struct {
	Filename    string          `json:"filename"`
	StoragePath string          `json:"storage_path"`
	FetchMode   string          `json:"fetch_mode,omitempty"`
	MimeType    string          `json:"mime_type,omitempty"`
	ContentMD5  string          `json:"content_md5,omitempty"`
	Auth        json.RawMessage `json:"auth,omitempty"`
}

// Payload is the typed view of a submitted message object. Routing keys
// (id, account, priority, batch_code, pec) live in the same object but
// are extracted into message columns at admission; they are kept here
// only so a stored payload can be re-read in full.
type Payload struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id,omitempty"`
	From       string            `json:"from"`
	To         StringList        `json:"to"`
	Cc         StringList        `json:"cc,omitempty"`
	Bcc        StringList        `json:"bcc,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	ReturnPath string            `json:"return_path,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body,omitempty"`
	// ContentType selects the body part type: "plain" (default) or "html".
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	RetryCount  int               `json:"retry_count,omitempty"`
}

// ParsePayload decodes a stored payload document.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// Recipients returns the full envelope recipient set: to, cc and bcc.
func (p *Payload) Recipients() []string {
	out := make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	out = append(out, p.To...)
	out = append(out, p.Cc...)
	out = append(out, p.Bcc...)
	return out
}

// EnvelopeFrom returns the SMTP MAIL FROM address: the explicit return
// path when one is set, otherwise the header From.
func (p *Payload) EnvelopeFrom() string {
	if p.ReturnPath != "" {
		return p.ReturnPath
	}
	return p.From
}

// BumpRetryCount increments retry_count inside a stored payload without
// disturbing any other field, known or not. Returns the rewritten
// document and the new count.
func BumpRetryCount(raw json.RawMessage) (json.RawMessage, int, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode payload: %w", err)
	}
	count := 0
	if v, ok := doc["retry_count"]; ok {
		if f, ok := v.(float64); ok {
			count = int(f)
		}
	}
	count++
	doc["retry_count"] = count
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}
	return out, count, nil
}
