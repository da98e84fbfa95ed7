package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timberdb/coordinator/internal/model"
	"go.uber.org/zap"
)

// PostgresAliasStore implements AliasStore for PostgreSQL
type PostgresAliasStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresAliasStore creates a new PostgreSQL alias store
func NewPostgresAliasStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresAliasStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresAliasStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// GetPool returns the underlying connection pool for shared use
func (s *PostgresAliasStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// GetAlias retrieves an alias with its target list, metadata and version
func (s *PostgresAliasStore) GetAlias(ctx context.Context, name string) (*model.Alias, error) {
	query := `
		SELECT targets, metadata, version
		FROM aliases
		WHERE name = $1
	`

	var targets string
	var metadata []byte
	var version int64
	err := s.pool.QueryRow(ctx, query, name).Scan(&targets, &metadata, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}

	alias := &model.Alias{
		Name:     name,
		Version:  version,
		Metadata: make(map[string]string),
	}
	if targets != "" {
		alias.Targets = strings.Split(targets, ",")
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alias.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alias metadata: %w", err)
		}
	}

	return alias, nil
}

// CompareAndSwapTargets replaces the target list iff the stored version still
// equals expectedVersion. The target list is stored comma-joined; partition
// collection names never contain commas.
func (s *PostgresAliasStore) CompareAndSwapTargets(ctx context.Context, name string, targets []string, expectedVersion int64) error {
	query := `
		UPDATE aliases
		SET targets = $2, version = version + 1, updated_at = NOW()
		WHERE name = $1 AND version = $3
	`

	result, err := s.pool.Exec(ctx, query, name, strings.Join(targets, ","), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update alias: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish a lost race from a missing alias
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM aliases WHERE name = $1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check alias existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	return nil
}

// Ping checks the database connection
func (s *PostgresAliasStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresAliasStore) Close() {
	s.pool.Close()
}
