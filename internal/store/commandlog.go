package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// AppendCommand records one state-changing control command for audit.
func (s *Store) AppendCommand(ctx context.Context, entry *CommandEntry) error {
	var payload, response interface{}
	if entry.Payload != nil {
		payload = []byte(entry.Payload)
	}
	if entry.Response != nil {
		response = []byte(entry.Response)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (ts, command, tenant_id, payload, status, response)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.TS, entry.Command, entry.TenantID, payload, entry.Status, response)
	if err != nil {
		return fmt.Errorf("append command log: %w", err)
	}
	return nil
}

// ListCommands returns recent audit entries, newest first. A non-empty
// tenantID filters to that tenant's commands.
func (s *Store) ListCommands(ctx context.Context, tenantID string, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, ts, command, tenant_id, payload, status, response
		FROM command_log`
	args := []interface{}{}
	if tenantID != "" {
		q += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []CommandEntry
	for rows.Next() {
		var e CommandEntry
		var payload, response []byte
		if err := rows.Scan(&e.ID, &e.TS, &e.Command, &e.TenantID,
			&payload, &e.Status, &response); err != nil {
			return nil, fmt.Errorf("scan command entry: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		if len(response) > 0 {
			e.Response = json.RawMessage(response)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneCommandLog drops audit rows older than the cutoff.
func (s *Store) PruneCommandLog(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM command_log WHERE ts < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune command log: %w", err)
	}
	return res.RowsAffected()
}
