package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timberdb/coordinator/internal/model"
)

// PostgresTriggerStore implements TriggerStore for PostgreSQL. It shares the
// alias store's connection pool.
type PostgresTriggerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTriggerStore creates a new PostgreSQL trigger definition store
func NewPostgresTriggerStore(pool *pgxpool.Pool) *PostgresTriggerStore {
	return &PostgresTriggerStore{pool: pool}
}

// ListTriggers retrieves all trigger definitions
func (s *PostgresTriggerStore) ListTriggers(ctx context.Context) ([]*model.TriggerDefinition, error) {
	query := `
		SELECT name, event, wait_for_ms, enabled, actions
		FROM triggers
		ORDER BY name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	defs := make([]*model.TriggerDefinition, 0)
	for rows.Next() {
		var def model.TriggerDefinition
		var event string
		var waitForMs int64
		var actions []byte
		if err := rows.Scan(&def.Name, &event, &waitForMs, &def.Enabled, &actions); err != nil {
			return nil, err
		}
		def.Event = model.EventKind(event)
		def.WaitFor = model.Duration(time.Duration(waitForMs) * time.Millisecond)
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &def.Actions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actions of trigger %s: %w", def.Name, err)
			}
		}
		defs = append(defs, &def)
	}

	return defs, rows.Err()
}

// UpsertTrigger creates or replaces a trigger definition
func (s *PostgresTriggerStore) UpsertTrigger(ctx context.Context, def *model.TriggerDefinition) error {
	actions, err := json.Marshal(def.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	query := `
		INSERT INTO triggers (name, event, wait_for_ms, enabled, actions, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name) DO UPDATE
		SET event = $2, wait_for_ms = $3, enabled = $4, actions = $5, updated_at = NOW()
	`

	_, err = s.pool.Exec(ctx, query,
		def.Name,
		string(def.Event),
		time.Duration(def.WaitFor).Milliseconds(),
		def.Enabled,
		actions,
	)
	return err
}

// DeleteTrigger removes a trigger definition
func (s *PostgresTriggerStore) DeleteTrigger(ctx context.Context, name string) error {
	query := `DELETE FROM triggers WHERE name = $1`
	result, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks the database connection
func (s *PostgresTriggerStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the shared pool is owned by the alias store
func (s *PostgresTriggerStore) Close() {}
