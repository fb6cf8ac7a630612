package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetInstance returns the singleton service identity. A service that was
// never named reports an empty instance rather than an error.
func (s *Store) GetInstance(ctx context.Context) (*Instance, error) {
	var inst Instance
	var cfg []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT name, config, updated_at FROM instance WHERE id = 1
	`).Scan(&inst.Name, &cfg, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Instance{Config: json.RawMessage(`{}`)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if len(cfg) > 0 {
		inst.Config = json.RawMessage(cfg)
	}
	return &inst, nil
}

// UpdateInstance upserts the singleton identity row.
func (s *Store) UpdateInstance(ctx context.Context, inst *Instance, now int64) error {
	cfg := inst.Config
	if cfg == nil {
		cfg = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance (id, name, config, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at
	`, inst.Name, []byte(cfg), now)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	inst.UpdatedAt = now
	return nil
}
