package store

import (
	"encoding/json"
	"strings"
)

// Priority bounds. Lower value dispatches first.
const (
	PriorityImmediate = 0
	PriorityHigh      = 1
	PriorityMedium    = 2
	PriorityLow       = 3
)

// Message lifecycle event types. Anything prefixed "pec_" is a certified
// delivery receipt recorded through the events API.
const (
	EventPending  = "pending"
	EventSent     = "sent"
	EventError    = "error"
	EventDeferred = "deferred"
	EventBounce   = "bounce"

	EventPECAcceptance = "pec_acceptance"
	EventPECDelivery   = "pec_delivery"
	EventPECError      = "pec_error"
)

// IsPECEvent reports whether an event type is a certified-mail receipt.
func IsPECEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "pec_")
}

// InternalEvent reports whether an event type is service housekeeping
// that is never delivered to tenants. Deferred events are borderline and
// handled by reporter configuration instead.
func InternalEvent(eventType string) bool {
	return eventType == EventPending
}

// Auth methods accepted in AuthConfig.Method.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// AuthConfig describes how to authenticate against a tenant's endpoints.
// Method is one of "", "none", "bearer" or "basic".
type AuthConfig struct {
	Method   string `json:"method,omitempty"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Configured reports whether the auth block names a real scheme.
func (a AuthConfig) Configured() bool {
	return a.Method != "" && a.Method != "none"
}

// Large-file actions.
const (
	LargeFileWarn   = "warn"
	LargeFileReject = "reject"
)

// LargeFilePolicy bounds attachment sizes for a tenant. Action is
// "warn" (log and send anyway) or "reject" (fail the message).
type LargeFilePolicy struct {
	Enabled   bool    `json:"enabled"`
	MaxSizeMB float64 `json:"max_size_mb"`
	Action    string  `json:"action,omitempty"`
}

// MaxBytes returns the size threshold in bytes, or 0 when the policy
// is absent or disabled (no limit). The threshold defaults to 10 MB.
func (p *LargeFilePolicy) MaxBytes() int64 {
	if p == nil || !p.Enabled {
		return 0
	}
	mb := p.MaxSizeMB
	if mb <= 0 {
		mb = 10
	}
	return int64(mb * 1024 * 1024)
}

// TenantRateLimits are fallback hour/day caps applied to the tenant's
// accounts that configure none of their own. Zero means no default.
type TenantRateLimits struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
}

// TenantConfig is the tenant's free-form configuration blob.
type TenantConfig struct {
	LargeFiles *LargeFilePolicy  `json:"large_file_config,omitempty"`
	RateLimits *TenantRateLimits `json:"rate_limits,omitempty"`
}

// Tenant is a client organization with its callback endpoints and
// admission state.
type Tenant struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Active               bool         `json:"active"`
	ClientBaseURL        string       `json:"client_base_url,omitempty"`
	ClientSyncPath       string       `json:"client_sync_path,omitempty"`
	ClientAttachmentPath string       `json:"client_attachment_path,omitempty"`
	ClientAuth           AuthConfig   `json:"client_auth,omitempty"`
	SuspendedBatches     *string      `json:"suspended_batches,omitempty"`
	Config               TenantConfig `json:"config,omitempty"`
	APIKeyExpires        int64        `json:"api_key_expires,omitempty"`
	CreatedAt            int64        `json:"created_at"`
	UpdatedAt            int64        `json:"updated_at"`

	apiKeyHash string
}

// Default callback paths, used when a tenant sets only a base URL.
const (
	DefaultSyncPath       = "/mail-proxy/sync"
	DefaultAttachmentPath = "/mail-proxy/attachments"
)

// SyncURL is the delivery-report endpoint, empty when the tenant has no
// base URL configured.
func (t *Tenant) SyncURL() string {
	return t.callbackURL(t.ClientSyncPath, DefaultSyncPath)
}

// AttachmentURL is the attachment-fetch endpoint, empty when the tenant
// has no base URL configured.
func (t *Tenant) AttachmentURL() string {
	return t.callbackURL(t.ClientAttachmentPath, DefaultAttachmentPath)
}

func (t *Tenant) callbackURL(path, def string) string {
	if t.ClientBaseURL == "" {
		return ""
	}
	if path == "" {
		path = def
	}
	return strings.TrimRight(t.ClientBaseURL, "/") + path
}

// LimitBehavior values for accounts that hit a rate window.
const (
	LimitDefer  = "defer"  // park the message until the window rolls over
	LimitReject = "reject" // fail the message outright
)

// Account is a tenant's SMTP relay definition plus its throughput limits.
// Nil limits mean unlimited. UseTLS nil means decide from the port.
type Account struct {
	TenantID        string `json:"tenant_id"`
	ID              string `json:"id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"-"`
	UseTLS          *bool  `json:"use_tls,omitempty"`
	PerMinute       *int   `json:"messages_per_minute,omitempty"`
	PerHour         *int   `json:"messages_per_hour,omitempty"`
	PerDay          *int   `json:"messages_per_day,omitempty"`
	LimitBehavior   string `json:"limit_behavior,omitempty"`
	BatchSize       *int   `json:"batch_size,omitempty"`
	TTLSeconds      *int   `json:"ttl_seconds,omitempty"`
	IsPEC           bool   `json:"is_pec_account,omitempty"`
	IMAPLastUID     *int64 `json:"imap_last_uid,omitempty"`
	IMAPUIDValidity *int64 `json:"imap_uidvalidity,omitempty"`
	IMAPLastSync    *int64 `json:"imap_last_sync,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Limited reports whether any rate window is configured.
func (a *Account) Limited() bool {
	return limitSet(a.PerMinute) || limitSet(a.PerHour) || limitSet(a.PerDay)
}

// Rejects reports whether hitting a limit fails the message instead of
// deferring it.
func (a *Account) Rejects() bool { return a.LimitBehavior == LimitReject }

// TLSEnabled resolves the tri-state UseTLS flag: explicit value wins,
// otherwise only the implicit-TLS port enables it.
func (a *Account) TLSEnabled() bool {
	if a.UseTLS != nil {
		return *a.UseTLS
	}
	return a.Port == 465
}

func limitSet(l *int) bool { return l != nil && *l > 0 }

// Message is a queued mail. PK is the internal identity; (TenantID, ID)
// is the tenant-facing identity and is unique per tenant.
type Message struct {
	PK         string          `json:"pk"`
	TenantID   string          `json:"tenant_id"`
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id,omitempty"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	BatchCode  *string         `json:"batch_code,omitempty"`
	IsPEC      bool            `json:"is_pec,omitempty"`
	DeferredTS *int64          `json:"deferred_ts,omitempty"`
	SMTPTS     *int64          `json:"smtp_ts,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Sent reports whether the message reached its relay.
func (m *Message) Sent() bool { return m.SMTPTS != nil }

// Event is one row of a message's delivery history.
type Event struct {
	EventID     int64           `json:"event_id"`
	MessagePK   string          `json:"message_pk"`
	MessageID   string          `json:"message_id"`
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"event_type"`
	TS          int64           `json:"event_ts"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ReportedTS  *int64          `json:"reported_ts,omitempty"`
}

// NewMessage is an admission-validated message ready for insertion.
// DeferredTS schedules the first dispatch attempt; nil means immediately.
type NewMessage struct {
	ID         string
	AccountID  string
	Priority   int
	Payload    json.RawMessage
	BatchCode  *string
	IsPEC      bool
	DeferredTS *int64
}

// QueuedRef identifies one successfully queued message.
type QueuedRef struct {
	ID string `json:"id"`
	PK string `json:"pk"`
}

// InsertResult summarizes an enqueue batch. AlreadySent lists ids that
// were skipped because a previous message with the same id already went
// out; the submitter must be told rather than silently double-sending.
type InsertResult struct {
	Queued      []QueuedRef
	AlreadySent []string
}

// ExternalEvent is a delivery event reported from outside the dispatch
// path, e.g. a bounce parsed from a return-path mailbox.
type ExternalEvent struct {
	MessageID   string          `json:"id"`
	Type        string          `json:"event_type"`
	TS          int64           `json:"event_ts"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Instance is the singleton service identity row.
type Instance struct {
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// CommandEntry is one audit row for a state-changing control command.
type CommandEntry struct {
	ID       int64           `json:"id"`
	TS       int64           `json:"ts"`
	Command  string          `json:"command"`
	TenantID string          `json:"tenant_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   int             `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}
