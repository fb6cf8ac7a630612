package store

import (
	"context"
	"fmt"
)

// AppendSendLog records a completed relay handoff for rate accounting.
func (s *Store) AppendSendLog(ctx context.Context, tenantID, accountID, messagePK string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_log (tenant_id, account_id, message_pk, ts)
		VALUES ($1, $2, $3, $4)
	`, tenantID, accountID, messagePK, ts)
	if err != nil {
		return fmt.Errorf("append send log: %w", err)
	}
	return nil
}

// CountSendsSince counts an account's sends strictly after `since`.
// The strict comparison keeps a send stamped exactly on a window
// boundary out of the following window.
func (s *Store) CountSendsSince(ctx context.Context, tenantID, accountID string, since int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_log
		WHERE tenant_id = $1 AND account_id = $2 AND ts > $3
	`, tenantID, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sends: %w", err)
	}
	return n, nil
}

// PruneSendLog drops accounting rows older than the cutoff. Only the
// largest rate window (one day) ever reads back, so anything older is
// dead weight.
func (s *Store) PruneSendLog(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM send_log WHERE ts < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune send log: %w", err)
	}
	return res.RowsAffected()
}
