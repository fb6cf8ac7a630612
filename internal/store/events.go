package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

func appendEventTx(ctx context.Context, tx *sql.Tx, messagePK, eventType string, ts int64, description string, metadata json.RawMessage) error {
	var meta interface{}
	if metadata != nil {
		meta = []byte(metadata)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_events (message_pk, event_type, event_ts, description, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, messagePK, eventType, ts, description, meta)
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", eventType, messagePK, err)
	}
	return nil
}

// FetchUnreportedEvents returns up to limit events that were never
// delivered to their tenant, oldest first. Message id and tenant are
// joined in because the reporter needs both to build payloads.
func (s *Store) FetchUnreportedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.message_pk, m.id, m.tenant_id, e.event_type,
		       e.event_ts, e.description, e.metadata
		FROM message_events e
		JOIN messages m ON m.pk = e.message_pk
		WHERE e.reported_ts IS NULL
		ORDER BY e.event_ts ASC, e.event_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unreported events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var metadata []byte
		if err := rows.Scan(&e.EventID, &e.MessagePK, &e.MessageID, &e.TenantID,
			&e.Type, &e.TS, &e.Description, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventsReported stamps a reported batch. Only called after the
// tenant acknowledged the batch (or for events tenants never receive).
func (s *Store) MarkEventsReported(ctx context.Context, eventIDs []int64, ts int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_events SET reported_ts = $1
		WHERE event_id = ANY($2)
	`, ts, pq.Array(eventIDs))
	if err != nil {
		return fmt.Errorf("mark events reported: %w", err)
	}
	return nil
}

// RecordExternalEvents attaches out-of-band delivery events (bounces,
// certified-mail receipts) to a tenant's messages. Events referencing
// unknown message ids are returned in notFound rather than failing the
// batch.
func (s *Store) RecordExternalEvents(ctx context.Context, tenantID string, items []ExternalEvent) (accepted, notFound []string, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			var pk string
			err := tx.QueryRowContext(ctx, `
				SELECT pk FROM messages WHERE tenant_id = $1 AND id = $2
			`, tenantID, it.MessageID).Scan(&pk)
			if err == sql.ErrNoRows {
				notFound = append(notFound, it.MessageID)
				continue
			}
			if err != nil {
				return fmt.Errorf("lookup message %s: %w", it.MessageID, err)
			}
			if err := appendEventTx(ctx, tx, pk, it.Type, it.TS, it.Description, it.Metadata); err != nil {
				return err
			}
			accepted = append(accepted, it.MessageID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return accepted, notFound, nil
}
