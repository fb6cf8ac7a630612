package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const tenantColumns = `
	id, name, active, client_base_url, client_sync_path,
	client_attachment_path, client_auth, suspended_batches, config,
	api_key_hash, api_key_expires, created_at, updated_at`

// CreateTenant inserts a new tenant. The id must be unused.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant, now int64) error {
	auth, err := json.Marshal(t.ClientAuth)
	if err != nil {
		return fmt.Errorf("marshal client auth: %w", err)
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal tenant config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants
			(id, name, active, client_base_url, client_sync_path,
			 client_attachment_path, client_auth, suspended_batches, config,
			 api_key_hash, api_key_expires, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath,
		t.ClientAttachmentPath, auth, t.SuspendedBatches, cfg,
		t.apiKeyHash, t.APIKeyExpires, now)
	if err != nil {
		return fmt.Errorf("create tenant %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantExists
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// UpdateTenant rewrites a tenant's mutable fields.
func (s *Store) UpdateTenant(ctx context.Context, t *Tenant, now int64) error {
	auth, err := json.Marshal(t.ClientAuth)
	if err != nil {
		return fmt.Errorf("marshal client auth: %w", err)
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal tenant config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET name = $2, active = $3, client_base_url = $4, client_sync_path = $5,
		    client_attachment_path = $6, client_auth = $7, config = $8,
		    updated_at = $9
		WHERE id = $1
	`, t.ID, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath,
		t.ClientAttachmentPath, auth, cfg, now)
	if err != nil {
		return fmt.Errorf("update tenant %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// DeleteTenant removes a tenant. Its messages, events and accounts
// cascade away with it.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// GetTenant fetches one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+tenantColumns+`
		FROM tenants WHERE id = $1
	`, id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by id.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+tenantColumns+`
		FROM tenants ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetSuspendedBatches overwrites a tenant's suspension value.
// nil clears all suspensions, "*" parks everything.
func (s *Store) SetSuspendedBatches(ctx context.Context, tenantID string, value *string, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET suspended_batches = $2, updated_at = $3
		WHERE id = $1
	`, tenantID, value, now)
	if err != nil {
		return fmt.Errorf("set suspended batches for %s: %w", tenantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// MergeBatchCodes adds codes to a comma-separated suspension set.
// A current value of "*" absorbs everything and stays "*".
func MergeBatchCodes(current *string, codes []string) *string {
	if current != nil && *current == "*" {
		return current
	}
	set := splitBatchCodes(current)
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = true
		}
	}
	return joinBatchCodes(set)
}

// RemoveBatchCodes drops codes from a suspension set. Removing from "*"
// is meaningless and leaves it unchanged; callers resume everything by
// clearing the value instead.
func RemoveBatchCodes(current *string, codes []string) *string {
	if current == nil || *current == "*" {
		return current
	}
	set := splitBatchCodes(current)
	for _, c := range codes {
		delete(set, strings.TrimSpace(c))
	}
	return joinBatchCodes(set)
}

func splitBatchCodes(v *string) map[string]bool {
	set := make(map[string]bool)
	if v == nil {
		return set
	}
	for _, c := range strings.Split(*v, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = true
		}
	}
	return set
}

func joinBatchCodes(set map[string]bool) *string {
	if len(set) == 0 {
		return nil
	}
	codes := make([]string, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	v := strings.Join(codes, ",")
	return &v
}

// SetTenantAPIKey stores the hash of a freshly minted key. expires of 0
// means the key never expires.
func (s *Store) SetTenantAPIKey(ctx context.Context, tenantID, keyHash string, expires, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET api_key_hash = $2, api_key_expires = $3, updated_at = $4
		WHERE id = $1
	`, tenantID, keyHash, expires, now)
	if err != nil {
		return fmt.Errorf("set api key for %s: %w", tenantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// RevokeTenantAPIKey clears a tenant's key.
func (s *Store) RevokeTenantAPIKey(ctx context.Context, tenantID string, now int64) error {
	return s.SetTenantAPIKey(ctx, tenantID, "", 0, now)
}

// LookupTenantByAPIKeyHash resolves a key hash to its tenant, honoring
// expiry. Misses and expired keys both come back as ErrTenantNotFound so
// callers cannot distinguish them.
func (s *Store) LookupTenantByAPIKeyHash(ctx context.Context, keyHash string, now int64) (*Tenant, error) {
	if keyHash == "" {
		return nil, ErrTenantNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT`+tenantColumns+`
		FROM tenants
		WHERE api_key_hash = $1
		  AND (api_key_expires = 0 OR api_key_expires > $2)
	`, keyHash, now)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by key: %w", err)
	}
	return t, nil
}

func scanTenant(r rowScanner) (*Tenant, error) {
	var t Tenant
	var auth, cfg []byte
	var suspended sql.NullString
	if err := r.Scan(&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
		&t.ClientAttachmentPath, &auth, &suspended, &cfg,
		&t.apiKeyHash, &t.APIKeyExpires, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if suspended.Valid {
		t.SuspendedBatches = &suspended.String
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &t.ClientAuth); err != nil {
			return nil, fmt.Errorf("decode client auth for %s: %w", t.ID, err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, fmt.Errorf("decode config for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
