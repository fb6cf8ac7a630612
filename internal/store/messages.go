package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// InsertMessages queues a validated batch for one tenant. Per entry:
//   - no row with this (tenant, id): insert a fresh row;
//   - an unsent row exists: replace its content and reset the deferral
//     to the entry's schedule, keeping the original pk so in-flight
//     references stay valid;
//   - a sent row exists: skip it and report the id in AlreadySent.
//
// Every inserted or replaced row gets a fresh "pending" event. The whole
// batch commits atomically.
func (s *Store) InsertMessages(ctx context.Context, tenantID string, msgs []NewMessage, now int64) (InsertResult, error) {
	var res InsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			var pk string
			var smtpTS sql.NullInt64
			err := tx.QueryRowContext(ctx, `
				SELECT pk, smtp_ts FROM messages
				WHERE tenant_id = $1 AND id = $2
			`, tenantID, m.ID).Scan(&pk, &smtpTS)

			switch {
			case err == sql.ErrNoRows:
				pk = uuid.New().String()
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO messages
						(pk, tenant_id, id, account_id, priority, payload,
						 batch_code, is_pec, deferred_ts, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
				`, pk, tenantID, m.ID, m.AccountID, m.Priority, []byte(m.Payload),
					m.BatchCode, m.IsPEC, m.DeferredTS, now); err != nil {
					return fmt.Errorf("insert message %s: %w", m.ID, err)
				}
			case err != nil:
				return fmt.Errorf("lookup message %s: %w", m.ID, err)
			case smtpTS.Valid:
				res.AlreadySent = append(res.AlreadySent, m.ID)
				continue
			default:
				if _, err := tx.ExecContext(ctx, `
					UPDATE messages
					SET account_id = $2, priority = $3, payload = $4,
					    batch_code = $5, is_pec = $6, deferred_ts = $7,
					    updated_at = $8
					WHERE pk = $1
				`, pk, m.AccountID, m.Priority, []byte(m.Payload),
					m.BatchCode, m.IsPEC, m.DeferredTS, now); err != nil {
					return fmt.Errorf("replace message %s: %w", m.ID, err)
				}
			}

			if err := appendEventTx(ctx, tx, pk, EventPending, now, "", nil); err != nil {
				return err
			}
			res.Queued = append(res.Queued, QueuedRef{ID: m.ID, PK: pk})
		}
		return nil
	})
	if err != nil {
		return InsertResult{}, err
	}
	return res, nil
}

// ReadyFilter narrows FetchReady to a priority class. Priority wins over
// MinPriority when both are set; MinPriority selects that class or less
// urgent ones (higher numbers).
type ReadyFilter struct {
	Priority    *int
	MinPriority *int
}

// FetchReady returns up to limit messages eligible for dispatch at `now`,
// in dispatch order. A message is eligible when it has not been sent, its
// deferral (if any) has lapsed, and its tenant has not suspended it: a
// suspension of "*" parks the whole tenant, otherwise only rows whose
// batch code appears in the suspension list are held back.
func (s *Store) FetchReady(ctx context.Context, now int64, limit int, f ReadyFilter) ([]Message, error) {
	q := `
		SELECT m.pk, m.tenant_id, m.id, m.account_id, m.priority, m.payload,
		       m.batch_code, m.is_pec, m.deferred_ts, m.created_at, m.updated_at
		FROM messages m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.smtp_ts IS NULL
		  AND (m.deferred_ts IS NULL OR m.deferred_ts <= $1)
		  AND (t.suspended_batches IS NULL
		       OR (t.suspended_batches != '*'
		           AND (m.batch_code IS NULL
		                OR (',' || t.suspended_batches || ',') NOT LIKE ('%,' || m.batch_code || ',%'))))`
	args := []interface{}{now}
	idx := 2
	if f.Priority != nil {
		q += fmt.Sprintf(" AND m.priority = $%d", idx)
		args = append(args, *f.Priority)
		idx++
	} else if f.MinPriority != nil {
		q += fmt.Sprintf(" AND m.priority >= $%d", idx)
		args = append(args, *f.MinPriority)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY m.priority ASC, m.created_at ASC, m.pk ASC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent finalizes a delivered message and appends its "sent" event in
// the same transaction.
func (s *Store) MarkSent(ctx context.Context, pk string, ts int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET smtp_ts = $2, deferred_ts = NULL, updated_at = $2
			WHERE pk = $1
		`, pk, ts)
		if err != nil {
			return fmt.Errorf("mark sent %s: %w", pk, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMessageNotFound
		}
		return appendEventTx(ctx, tx, pk, EventSent, ts, "", nil)
	})
}

// MarkError finalizes a permanently failed message and appends its
// "error" event in the same transaction. The row keeps its smtp_ts so it
// leaves the ready set and ages out with the rest of the terminal rows.
func (s *Store) MarkError(ctx context.Context, pk string, ts int64, description string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET smtp_ts = $2, deferred_ts = NULL, updated_at = $2
			WHERE pk = $1
		`, pk, ts)
		if err != nil {
			return fmt.Errorf("mark error %s: %w", pk, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMessageNotFound
		}
		return appendEventTx(ctx, tx, pk, EventError, ts, description, nil)
	})
}

// SetDeferred parks a message until `until` and records a "deferred"
// event carrying the reason. A non-nil payload is written in the same
// transaction; the retry path uses this to persist the bumped attempt
// counter alongside the deferral.
func (s *Store) SetDeferred(ctx context.Context, pk string, until, now int64, reason string, payload json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if payload != nil {
			res, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET deferred_ts = $2, payload = $3, updated_at = $4
				WHERE pk = $1 AND smtp_ts IS NULL
			`, pk, until, []byte(payload), now)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET deferred_ts = $2, updated_at = $3
				WHERE pk = $1 AND smtp_ts IS NULL
			`, pk, until, now)
		}
		if err != nil {
			return fmt.Errorf("set deferred %s: %w", pk, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMessageNotFound
		}
		return appendEventTx(ctx, tx, pk, EventDeferred, now, reason, nil)
	})
}

// ClearDeferred removes a lapsed deferral before a dispatch attempt.
// No event is recorded; the message simply becomes plain-pending again.
func (s *Store) ClearDeferred(ctx context.Context, pk string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET deferred_ts = NULL, updated_at = $2
		WHERE pk = $1 AND deferred_ts IS NOT NULL
	`, pk, now)
	if err != nil {
		return fmt.Errorf("clear deferred %s: %w", pk, err)
	}
	return nil
}

// DeleteMessages removes a tenant's messages by tenant-facing id.
// Returned slices partition the input: removed, unknown ids, and ids
// that exist but belong to another tenant.
func (s *Store) DeleteMessages(ctx context.Context, tenantID string, ids []string) (removed, notFound, unauthorized []string, err error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM messages
		WHERE tenant_id = $1 AND id = ANY($2)
		RETURNING id
	`, tenantID, pq.Array(ids))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("delete messages: %w", err)
	}
	defer rows.Close()

	removedSet := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, nil, fmt.Errorf("scan deleted id: %w", err)
		}
		removedSet[id] = true
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	var rest []string
	for _, id := range ids {
		if !removedSet[id] {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return removed, nil, nil, nil
	}

	// Ids that still exist under a different tenant are permission
	// failures, not misses.
	foreign, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT id FROM messages
		WHERE id = ANY($1) AND tenant_id != $2
	`, pq.Array(rest), tenantID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("check foreign messages: %w", err)
	}
	defer foreign.Close()

	foreignSet := make(map[string]bool)
	for foreign.Next() {
		var id string
		if err := foreign.Scan(&id); err != nil {
			return nil, nil, nil, fmt.Errorf("scan foreign id: %w", err)
		}
		foreignSet[id] = true
	}
	if err := foreign.Err(); err != nil {
		return nil, nil, nil, err
	}

	for _, id := range rest {
		if foreignSet[id] {
			unauthorized = append(unauthorized, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return removed, notFound, unauthorized, nil
}

// ListMessages returns a tenant's messages in arrival order, newest last,
// each annotated with its most recent error description if one exists.
// With pendingOnly set, sent messages are filtered out.
func (s *Store) ListMessages(ctx context.Context, tenantID string, pendingOnly bool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `
		SELECT m.pk, m.tenant_id, m.id, m.account_id, m.priority, m.payload,
		       m.batch_code, m.is_pec, m.deferred_ts, m.smtp_ts,
		       m.created_at, m.updated_at,
		       COALESCE((
		           SELECT e.description FROM message_events e
		           WHERE e.message_pk = m.pk AND e.event_type = 'error'
		           ORDER BY e.event_id DESC LIMIT 1
		       ), '') AS last_error
		FROM messages m
		WHERE m.tenant_id = $1`
	if pendingOnly {
		q += ` AND m.smtp_ts IS NULL`
	}
	q += ` ORDER BY m.created_at ASC, m.pk ASC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var payload []byte
		var batchCode sql.NullString
		var deferredTS, smtpTS sql.NullInt64
		if err := rows.Scan(&m.PK, &m.TenantID, &m.ID, &m.AccountID, &m.Priority, &payload,
			&batchCode, &m.IsPEC, &deferredTS, &smtpTS,
			&m.CreatedAt, &m.UpdatedAt, &m.LastError); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		if batchCode.Valid {
			m.BatchCode = &batchCode.String
		}
		if deferredTS.Valid {
			m.DeferredTS = &deferredTS.Int64
		}
		if smtpTS.Valid {
			m.SMTPTS = &smtpTS.Int64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountPending returns the number of messages still waiting for dispatch.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE smtp_ts IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// CountPendingFor returns a tenant's pending-message count, narrowed to
// one batch code when given. Suspend and activate responses use it to
// tell the operator how much mail the change touches.
func (s *Store) CountPendingFor(ctx context.Context, tenantID string, batchCode *string) (int, error) {
	var n int
	var err error
	if batchCode != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE tenant_id = $1 AND smtp_ts IS NULL AND batch_code = $2
		`, tenantID, *batchCode).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE tenant_id = $1 AND smtp_ts IS NULL
		`, tenantID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count pending for %s: %w", tenantID, err)
	}
	return n, nil
}

// RemoveReportedBefore deletes terminal messages whose entire event
// history was reported before the cutoff. Rows with any unreported event
// are retained no matter how old; event rows cascade with their message.
func (s *Store) RemoveReportedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages m
		WHERE m.smtp_ts IS NOT NULL
		  AND EXISTS (
		      SELECT 1 FROM message_events e WHERE e.message_pk = m.pk
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM message_events e
		      WHERE e.message_pk = m.pk AND e.reported_ts IS NULL
		  )
		  AND (
		      SELECT MAX(e.reported_ts) FROM message_events e
		      WHERE e.message_pk = m.pk
		  ) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("remove reported: %w", err)
	}
	return res.RowsAffected()
}

// RemoveReportedBeforeFor is RemoveReportedBefore narrowed to one
// tenant, backing the tenant-initiated cleanup command.
func (s *Store) RemoveReportedBeforeFor(ctx context.Context, tenantID string, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages m
		WHERE m.tenant_id = $2
		  AND m.smtp_ts IS NOT NULL
		  AND EXISTS (
		      SELECT 1 FROM message_events e WHERE e.message_pk = m.pk
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM message_events e
		      WHERE e.message_pk = m.pk AND e.reported_ts IS NULL
		  )
		  AND (
		      SELECT MAX(e.reported_ts) FROM message_events e
		      WHERE e.message_pk = m.pk
		  ) < $1
	`, cutoff, tenantID)
	if err != nil {
		return 0, fmt.Errorf("remove reported for %s: %w", tenantID, err)
	}
	return res.RowsAffected()
}

// rowScanner lets scanMessage serve both Query rows and QueryRow.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var payload []byte
	var batchCode sql.NullString
	var deferredTS sql.NullInt64
	if err := r.Scan(&m.PK, &m.TenantID, &m.ID, &m.AccountID, &m.Priority, &payload,
		&batchCode, &m.IsPEC, &deferredTS, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Payload = json.RawMessage(payload)
	if batchCode.Valid {
		m.BatchCode = &batchCode.String
	}
	if deferredTS.Valid {
		m.DeferredTS = &deferredTS.Int64
	}
	return m, nil
}
