package core

import (
	"context"
	"errors"
	"regexp"

	"github.com/ignite/mailroom/internal/store"
	"github.com/ignite/mailroom/internal/worker"
)

// Tenant ids travel in URLs, suspension sets and report payloads, so
// they stay in a conservative charset.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// CreateTenantRequest registers a client organization. Active defaults
// to true when omitted. GenerateAPIKey mints a tenant-scoped key whose
// raw value is returned exactly once.
type CreateTenantRequest struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Active               *bool               `json:"active,omitempty"`
	ClientBaseURL        string              `json:"client_base_url,omitempty"`
	ClientSyncPath       string              `json:"client_sync_path,omitempty"`
	ClientAttachmentPath string              `json:"client_attachment_path,omitempty"`
	ClientAuth           *store.AuthConfig   `json:"client_auth,omitempty"`
	Config               *store.TenantConfig `json:"config,omitempty"`
	GenerateAPIKey       bool                `json:"generate_api_key,omitempty"`
	APIKeyTTLSeconds     int64               `json:"api_key_ttl_seconds,omitempty"`
}

// redacted blanks callback credentials for the audit log.
func (r CreateTenantRequest) redacted() CreateTenantRequest {
	if r.ClientAuth != nil {
		a := *r.ClientAuth
		a.Token = ""
		a.Password = ""
		r.ClientAuth = &a
	}
	return r
}

// TenantResult carries one tenant record. APIKey is set only by
// operations that just minted it.
type TenantResult struct {
	OK     bool          `json:"ok"`
	Tenant *store.Tenant `json:"tenant,omitempty"`
	APIKey string        `json:"api_key,omitempty"`
}

// redactedTenantResult strips the raw key before the result reaches
// the audit log.
func redactedTenantResult(r *TenantResult) *TenantResult {
	if r == nil || r.APIKey == "" {
		return r
	}
	cp := *r
	cp.APIKey = ""
	return &cp
}

// CreateTenant registers a tenant, optionally minting its API key.
func (c *Core) CreateTenant(ctx context.Context, req CreateTenantRequest) (res *TenantResult, err error) {
	defer func() { c.audit(ctx, "addTenant", req.ID, req.redacted(), redactedTenantResult(res), err) }()

	if req.ID == "" {
		return nil, cmdErr("tenant id required")
	}
	if !tenantIDPattern.MatchString(req.ID) {
		return nil, cmdErr("invalid tenant id: must match [a-zA-Z0-9_-]{1,64}")
	}
	t := &store.Tenant{
		ID:                   req.ID,
		Name:                 req.Name,
		Active:               req.Active == nil || *req.Active,
		ClientBaseURL:        req.ClientBaseURL,
		ClientSyncPath:       req.ClientSyncPath,
		ClientAttachmentPath: req.ClientAttachmentPath,
	}
	if req.ClientAuth != nil {
		t.ClientAuth = *req.ClientAuth
	}
	if req.Config != nil {
		t.Config = *req.Config
	}

	now := c.now()
	if err := c.store.CreateTenant(ctx, t, now); err != nil {
		if errors.Is(err, store.ErrTenantExists) {
			return nil, cmdErr("tenant already exists")
		}
		return nil, err
	}

	res = &TenantResult{OK: true, Tenant: t}
	if req.GenerateAPIKey {
		key, expires, err := c.mintAPIKey(ctx, t.ID, req.APIKeyTTLSeconds)
		if err != nil {
			return nil, err
		}
		t.APIKeyExpires = expires
		res.APIKey = key
	}
	return res, nil
}

// GetTenant fetches one tenant record.
func (c *Core) GetTenant(ctx context.Context, id string) (*TenantResult, error) {
	t, err := c.tenantFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TenantResult{OK: true, Tenant: t}, nil
}

// ListTenantsResult carries the tenant roster.
type ListTenantsResult struct {
	OK      bool           `json:"ok"`
	Tenants []store.Tenant `json:"tenants"`
}

// ListTenants returns all tenants, or only the active ones.
func (c *Core) ListTenants(ctx context.Context, activeOnly bool) (*ListTenantsResult, error) {
	tenants, err := c.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	out := []store.Tenant{}
	for _, t := range tenants {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	return &ListTenantsResult{OK: true, Tenants: out}, nil
}

// UpdateTenantRequest rewrites a tenant's mutable fields. Nil fields
// are left untouched.
type UpdateTenantRequest struct {
	ID                   string              `json:"id"`
	Name                 *string             `json:"name,omitempty"`
	Active               *bool               `json:"active,omitempty"`
	ClientBaseURL        *string             `json:"client_base_url,omitempty"`
	ClientSyncPath       *string             `json:"client_sync_path,omitempty"`
	ClientAttachmentPath *string             `json:"client_attachment_path,omitempty"`
	ClientAuth           *store.AuthConfig   `json:"client_auth,omitempty"`
	Config               *store.TenantConfig `json:"config,omitempty"`
}

func (r UpdateTenantRequest) redacted() UpdateTenantRequest {
	if r.ClientAuth != nil {
		a := *r.ClientAuth
		a.Token = ""
		a.Password = ""
		r.ClientAuth = &a
	}
	return r
}

// UpdateTenant applies a partial update to a tenant.
func (c *Core) UpdateTenant(ctx context.Context, req UpdateTenantRequest) (res *TenantResult, err error) {
	defer func() { c.audit(ctx, "updateTenant", req.ID, req.redacted(), res, err) }()

	if req.ID == "" {
		return nil, cmdErr("tenant id required")
	}
	t, err := c.tenantFor(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Active != nil {
		t.Active = *req.Active
	}
	if req.ClientBaseURL != nil {
		t.ClientBaseURL = *req.ClientBaseURL
	}
	if req.ClientSyncPath != nil {
		t.ClientSyncPath = *req.ClientSyncPath
	}
	if req.ClientAttachmentPath != nil {
		t.ClientAttachmentPath = *req.ClientAttachmentPath
	}
	if req.ClientAuth != nil {
		t.ClientAuth = *req.ClientAuth
	}
	if req.Config != nil {
		t.Config = *req.Config
	}
	if err := c.store.UpdateTenant(ctx, t, c.now()); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, cmdErr("tenant not found")
		}
		return nil, err
	}
	return &TenantResult{OK: true, Tenant: t}, nil
}

// OKResult is the bare success response of commands that change state
// without returning a record.
type OKResult struct {
	OK bool `json:"ok"`
}

// DeleteTenant removes a tenant and, through the schema cascades, its
// accounts, messages and events.
func (c *Core) DeleteTenant(ctx context.Context, id string) (res *OKResult, err error) {
	defer func() { c.audit(ctx, "deleteTenant", id, map[string]string{"id": id}, res, err) }()

	if id == "" {
		return nil, cmdErr("tenant id required")
	}
	if err := c.store.DeleteTenant(ctx, id); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, cmdErr("tenant not found")
		}
		return nil, err
	}
	c.refreshQueueGauge(ctx)
	return &OKResult{OK: true}, nil
}

// APIKeyResult returns a freshly minted tenant key. The raw key is
// shown exactly once; only its hash is stored.
type APIKeyResult struct {
	OK        bool   `json:"ok"`
	APIKey    string `json:"api_key"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// CreateTenantAPIKey mints (or rotates) a tenant's API key.
// ttlSeconds of zero or less means the key never expires.
func (c *Core) CreateTenantAPIKey(ctx context.Context, tenantID string, ttlSeconds int64) (res *APIKeyResult, err error) {
	defer func() {
		c.audit(ctx, "createTenantAPIKey", tenantID,
			map[string]interface{}{"tenant_id": tenantID, "ttl_seconds": ttlSeconds},
			&OKResult{OK: res != nil}, err)
	}()

	if tenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	key, expires, err := c.mintAPIKey(ctx, tenantID, ttlSeconds)
	if err != nil {
		return nil, err
	}
	return &APIKeyResult{OK: true, APIKey: key, ExpiresAt: expires}, nil
}

func (c *Core) mintAPIKey(ctx context.Context, tenantID string, ttlSeconds int64) (key string, expires int64, err error) {
	key, hash, err := newAPIKey()
	if err != nil {
		return "", 0, err
	}
	now := c.now()
	if ttlSeconds > 0 {
		expires = now + ttlSeconds
	}
	if err := c.store.SetTenantAPIKey(ctx, tenantID, hash, expires, now); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return "", 0, cmdErr("tenant not found")
		}
		return "", 0, err
	}
	return key, expires, nil
}

// RevokeTenantAPIKey invalidates a tenant's key immediately.
func (c *Core) RevokeTenantAPIKey(ctx context.Context, tenantID string) (res *OKResult, err error) {
	defer func() {
		c.audit(ctx, "revokeTenantAPIKey", tenantID,
			map[string]string{"tenant_id": tenantID}, res, err)
	}()

	if tenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	if err := c.store.RevokeTenantAPIKey(ctx, tenantID, c.now()); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, cmdErr("tenant not found")
		}
		return nil, err
	}
	return &OKResult{OK: true}, nil
}

// SyncStatusResult is the reporter's per-tenant sync view.
type SyncStatusResult struct {
	OK                  bool                      `json:"ok"`
	Tenants             []worker.TenantSyncStatus `json:"tenants"`
	SyncIntervalSeconds int                       `json:"sync_interval_seconds"`
}

// TenantSyncStatus reports when each tenant last received a callback
// and whether one is due or parked by do-not-disturb.
func (c *Core) TenantSyncStatus(ctx context.Context) (*SyncStatusResult, error) {
	statuses, err := c.reporter.SyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	if statuses == nil {
		statuses = []worker.TenantSyncStatus{}
	}
	return &SyncStatusResult{
		OK:                  true,
		Tenants:             statuses,
		SyncIntervalSeconds: c.reporter.SyncIntervalSeconds(),
	}, nil
}

// AccountRequest configures a tenant's SMTP relay account. Password is
// accepted on input and never echoed back.
type AccountRequest struct {
	TenantID      string `json:"tenant_id"`
	ID            string `json:"id"`
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	UseTLS        *bool  `json:"use_tls,omitempty"`
	PerMinute     *int   `json:"messages_per_minute,omitempty"`
	PerHour       *int   `json:"messages_per_hour,omitempty"`
	PerDay        *int   `json:"messages_per_day,omitempty"`
	LimitBehavior string `json:"limit_behavior,omitempty"`
	BatchSize     *int   `json:"batch_size,omitempty"`
	TTLSeconds    *int   `json:"ttl_seconds,omitempty"`
	IsPEC         bool   `json:"is_pec_account,omitempty"`
}

func (r AccountRequest) redacted() AccountRequest {
	r.Password = ""
	return r
}

// AccountResult carries one relay account. The password never leaves
// the store through this type.
type AccountResult struct {
	OK      bool           `json:"ok"`
	Account *store.Account `json:"account,omitempty"`
}

// UpsertAccount creates or replaces a relay account. Re-adding an
// existing account is how tenants rotate credentials or change limits.
func (c *Core) UpsertAccount(ctx context.Context, req AccountRequest) (res *AccountResult, err error) {
	defer func() { c.audit(ctx, "addAccount", req.TenantID, req.redacted(), res, err) }()

	if req.TenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	if req.ID == "" {
		return nil, cmdErr("account id required")
	}
	if req.Host == "" {
		return nil, cmdErr("host required")
	}
	switch req.LimitBehavior {
	case "", store.LimitDefer, store.LimitReject:
	default:
		return nil, cmdErr("limit_behavior must be %q or %q", store.LimitDefer, store.LimitReject)
	}
	if _, err := c.tenantFor(ctx, req.TenantID); err != nil {
		return nil, err
	}

	port := req.Port
	if port <= 0 {
		port = 587
	}
	acc := &store.Account{
		TenantID:      req.TenantID,
		ID:            req.ID,
		Host:          req.Host,
		Port:          port,
		Username:      req.Username,
		Password:      req.Password,
		UseTLS:        req.UseTLS,
		PerMinute:     req.PerMinute,
		PerHour:       req.PerHour,
		PerDay:        req.PerDay,
		LimitBehavior: req.LimitBehavior,
		BatchSize:     req.BatchSize,
		TTLSeconds:    req.TTLSeconds,
		IsPEC:         req.IsPEC,
	}
	if err := c.store.UpsertAccount(ctx, acc, c.now()); err != nil {
		return nil, err
	}
	saved, err := c.store.GetAccount(ctx, req.TenantID, req.ID)
	if err != nil {
		return nil, err
	}
	return &AccountResult{OK: true, Account: saved}, nil
}

// ListAccountsResult carries a tenant's relay roster.
type ListAccountsResult struct {
	OK       bool            `json:"ok"`
	Accounts []store.Account `json:"accounts"`
}

// ListAccounts returns a tenant's relay accounts.
func (c *Core) ListAccounts(ctx context.Context, tenantID string) (*ListAccountsResult, error) {
	if tenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	accounts, err := c.store.ListAccounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []store.Account{}
	}
	return &ListAccountsResult{OK: true, Accounts: accounts}, nil
}

// DeleteAccount removes a relay account together with its queued
// messages and send history. Ownership is verified first so one tenant
// cannot delete another's account.
func (c *Core) DeleteAccount(ctx context.Context, tenantID, id string) (res *OKResult, err error) {
	defer func() {
		c.audit(ctx, "deleteAccount", tenantID,
			map[string]string{"tenant_id": tenantID, "id": id}, res, err)
	}()

	if tenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	if _, err := c.store.GetAccount(ctx, tenantID, id); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, cmdErr("account not found or not owned by tenant")
		}
		return nil, err
	}
	if err := c.store.DeleteAccount(ctx, tenantID, id); err != nil {
		return nil, err
	}
	c.refreshQueueGauge(ctx)
	return &OKResult{OK: true}, nil
}

// InstanceResult carries the service identity row.
type InstanceResult struct {
	OK       bool            `json:"ok"`
	Instance *store.Instance `json:"instance"`
}

// Instance returns the singleton service identity. A service that was
// never named reports an empty record.
func (c *Core) Instance(ctx context.Context) (*InstanceResult, error) {
	inst, err := c.store.GetInstance(ctx)
	if err != nil {
		return nil, err
	}
	return &InstanceResult{OK: true, Instance: inst}, nil
}

// SetInstance upserts the service identity row.
func (c *Core) SetInstance(ctx context.Context, inst store.Instance) (res *InstanceResult, err error) {
	defer func() { c.audit(ctx, "updateInstance", "", inst, res, err) }()

	if err := c.store.UpdateInstance(ctx, &inst, c.now()); err != nil {
		return nil, err
	}
	return &InstanceResult{OK: true, Instance: &inst}, nil
}

// CommandLogResult carries recent audit entries, newest first.
type CommandLogResult struct {
	OK       bool                 `json:"ok"`
	Commands []store.CommandEntry `json:"commands"`
}

// CommandLog lists the audit trail, optionally scoped to one tenant.
func (c *Core) CommandLog(ctx context.Context, tenantID string, limit int) (*CommandLogResult, error) {
	entries, err := c.store.ListCommands(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.CommandEntry{}
	}
	return &CommandLogResult{OK: true, Commands: entries}, nil
}
