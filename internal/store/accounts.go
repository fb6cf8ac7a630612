package store

import (
	"context"
	"database/sql"
	"fmt"
)

const accountColumns = `
	tenant_id, id, host, port, username, password, use_tls,
	messages_per_minute, messages_per_hour, messages_per_day, limit_behavior,
	batch_size, ttl_seconds, is_pec_account,
	imap_last_uid, imap_uidvalidity, imap_last_sync,
	created_at, updated_at`

// UpsertAccount creates or replaces a relay account. Re-adding an
// existing account is the normal way tenants rotate credentials. The
// IMAP sync cursor is preserved across upserts; it belongs to the
// receipt poller, not to account configuration.
func (s *Store) UpsertAccount(ctx context.Context, a *Account, now int64) error {
	behavior := a.LimitBehavior
	if behavior == "" {
		behavior = LimitDefer
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts
			(tenant_id, id, host, port, username, password, use_tls,
			 messages_per_minute, messages_per_hour, messages_per_day,
			 limit_behavior, batch_size, ttl_seconds, is_pec_account,
			 imap_last_uid, imap_uidvalidity, imap_last_sync,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $18)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			use_tls = EXCLUDED.use_tls,
			messages_per_minute = EXCLUDED.messages_per_minute,
			messages_per_hour = EXCLUDED.messages_per_hour,
			messages_per_day = EXCLUDED.messages_per_day,
			limit_behavior = EXCLUDED.limit_behavior,
			batch_size = EXCLUDED.batch_size,
			ttl_seconds = EXCLUDED.ttl_seconds,
			is_pec_account = EXCLUDED.is_pec_account,
			updated_at = EXCLUDED.updated_at
	`, a.TenantID, a.ID, a.Host, a.Port, a.Username, a.Password, a.UseTLS,
		a.PerMinute, a.PerHour, a.PerDay, behavior, a.BatchSize, a.TTLSeconds,
		a.IsPEC, a.IMAPLastUID, a.IMAPUIDValidity, a.IMAPLastSync, now)
	if err != nil {
		return fmt.Errorf("upsert account %s/%s: %w", a.TenantID, a.ID, err)
	}
	return nil
}

// GetAccount fetches one relay account.
func (s *Store) GetAccount(ctx context.Context, tenantID, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+accountColumns+`
		FROM accounts WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s/%s: %w", tenantID, id, err)
	}
	return a, nil
}

// ListAccounts returns a tenant's relay accounts ordered by id.
func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+accountColumns+`
		FROM accounts WHERE tenant_id = $1 ORDER BY id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// PECAccountIDs returns the ids of a tenant's certified-mail accounts.
// Enqueue uses it to stamp is_pec on new messages.
func (s *Store) PECAccountIDs(ctx context.Context, tenantID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM accounts WHERE tenant_id = $1 AND is_pec_account = TRUE
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("pec accounts: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// DeleteAccount removes a relay account together with its queued
// messages and send-log history. Event rows follow the messages via
// the FK cascade.
func (s *Store) DeleteAccount(ctx context.Context, tenantID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM accounts WHERE tenant_id = $1 AND id = $2
		`, tenantID, id)
		if err != nil {
			return fmt.Errorf("delete account %s/%s: %w", tenantID, id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE tenant_id = $1 AND account_id = $2
		`, tenantID, id); err != nil {
			return fmt.Errorf("delete account messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM send_log WHERE tenant_id = $1 AND account_id = $2
		`, tenantID, id); err != nil {
			return fmt.Errorf("delete account send log: %w", err)
		}
		return nil
	})
}

func scanAccount(r rowScanner) (*Account, error) {
	var a Account
	var useTLS sql.NullBool
	var perMinute, perHour, perDay, batchSize, ttl sql.NullInt64
	var lastUID, uidValidity, lastSync sql.NullInt64
	if err := r.Scan(&a.TenantID, &a.ID, &a.Host, &a.Port, &a.Username, &a.Password,
		&useTLS, &perMinute, &perHour, &perDay, &a.LimitBehavior,
		&batchSize, &ttl, &a.IsPEC, &lastUID, &uidValidity, &lastSync,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if useTLS.Valid {
		v := useTLS.Bool
		a.UseTLS = &v
	}
	a.PerMinute = nullableInt(perMinute)
	a.PerHour = nullableInt(perHour)
	a.PerDay = nullableInt(perDay)
	a.BatchSize = nullableInt(batchSize)
	a.TTLSeconds = nullableInt(ttl)
	a.IMAPLastUID = nullableInt64(lastUID)
	a.IMAPUIDValidity = nullableInt64(uidValidity)
	a.IMAPLastSync = nullableInt64(lastSync)
	return &a, nil
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
