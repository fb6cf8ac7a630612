package mail

import (
	"encoding/json"
	"testing"
)

func TestStringListAcceptsBothShapes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`"solo@example.com"`, []string{"solo@example.com"}},
		{`["a@example.com","b@example.com"]`, []string{"a@example.com", "b@example.com"}},
		{`""`, nil},
		{`[]`, nil},
	}
	for _, tt := range tests {
		var got StringList
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("unmarshal %s = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("unmarshal %s[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}

	var bad StringList
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Error("expected error for numeric recipient list")
	}
}

func TestParsePayload(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "m1",
		"account_id": "relay",
		"from": "Sender <sender@example.com>",
		"to": "rcpt@example.com",
		"bcc": ["hidden@example.com"],
		"subject": "hello",
		"body": "text",
		"return_path": "bounces@example.com",
		"attachments": [{"filename": "a.pdf", "storage_path": "docs/a.pdf"}]
	}`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if p.ID != "m1" || p.AccountID != "relay" {
		t.Errorf("routing keys = %s/%s", p.ID, p.AccountID)
	}
	recips := p.Recipients()
	if len(recips) != 2 || recips[1] != "hidden@example.com" {
		t.Errorf("Recipients = %v, want to+bcc", recips)
	}
	if p.EnvelopeFrom() != "bounces@example.com" {
		t.Errorf("EnvelopeFrom = %q, want return_path", p.EnvelopeFrom())
	}
	if len(p.Attachments) != 1 || p.Attachments[0].StoragePath != "docs/a.pdf" {
		t.Errorf("Attachments = %+v", p.Attachments)
	}
}

func TestBumpRetryCountPreservesUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"from":"a@b.c","retry_count":2,"x_custom":{"keep":true}}`)

	out, count, err := BumpRetryCount(raw)
	if err != nil {
		t.Fatalf("BumpRetryCount: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if doc["retry_count"].(float64) != 3 {
		t.Errorf("retry_count = %v, want 3", doc["retry_count"])
	}
	if _, ok := doc["x_custom"]; !ok {
		t.Error("unknown field x_custom was dropped")
	}

	// First bump on a payload that never failed before.
	_, count, err = BumpRetryCount(json.RawMessage(`{"from":"a@b.c"}`))
	if err != nil {
		t.Fatalf("BumpRetryCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name string
		in   string
		def  int
		want int
	}{
		{"number", `1`, DefaultPriority, 1},
		{"numeric string", `"0"`, DefaultPriority, 0},
		{"label", `"high"`, DefaultPriority, PriorityHigh},
		{"label uppercase", `"IMMEDIATE"`, DefaultPriority, PriorityImmediate},
		{"clamp high", `99`, DefaultPriority, PriorityLow},
		{"clamp low", `-5`, DefaultPriority, PriorityImmediate},
		{"absent uses default", ``, PriorityHigh, PriorityHigh},
		{"null uses default", `null`, PriorityLow, PriorityLow},
		{"garbage uses default", `"urgent-ish"`, DefaultPriority, DefaultPriority},
		{"object uses default", `{"level":1}`, DefaultPriority, DefaultPriority},
	}
	for _, tt := range tests {
		got := ParsePriority(json.RawMessage(tt.in), tt.def)
		if got != tt.want {
			t.Errorf("%s: ParsePriority(%q) = %d, want %d", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestPriorityName(t *testing.T) {
	if PriorityName(PriorityImmediate) != "immediate" {
		t.Errorf("PriorityName(0) = %s", PriorityName(PriorityImmediate))
	}
	if PriorityName(42) != "low" {
		t.Errorf("PriorityName(42) = %s, want clamped low", PriorityName(42))
	}
}
