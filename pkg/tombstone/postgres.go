package tombstone

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const postgresTombstoneTable = "sync_tombstones"

// PostgresConfig holds the connection settings for the Postgres store.
type PostgresConfig struct {
	DSN string
}

// PostgresStore persists tombstones in a Postgres table with a composite
// primary key on the entity tuple. ON CONFLICT DO NOTHING gives write-once
// semantics.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresStore opens and pings a Postgres connection, creating the
// tombstone table if it does not exist.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	createStmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			owner_id    TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			deleted_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ,
			PRIMARY KEY (owner_id, entity_type, entity_id)
		)`, postgresTombstoneTable)
	if _, err := db.ExecContext(ctx, createStmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure tombstone table: %w", err)
	}

	logger.Info().Msg("Connected to Postgres tombstone store.")
	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "PostgresTombstoneStore").Logger(),
	}, nil
}

// Upsert records the tombstone; an existing tuple is left untouched.
func (s *PostgresStore) Upsert(ctx context.Context, t Tombstone) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, entity_type, entity_id, deleted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, entity_type, entity_id) DO NOTHING`, postgresTombstoneTable)
	if _, err := s.db.ExecContext(ctx, query, t.OwnerID, t.EntityType, t.EntityID, t.DeletedAt, t.ExpiresAt); err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}
	return nil
}

// ListActive returns the owner's tombstones still active at now.
func (s *PostgresStore) ListActive(ctx context.Context, ownerID string, now time.Time) ([]Tombstone, error) {
	query := fmt.Sprintf(`
		SELECT owner_id, entity_type, entity_id, deleted_at, expires_at
		FROM %s
		WHERE owner_id = $1 AND (expires_at IS NULL OR expires_at > $2)`, postgresTombstoneTable)
	rows, err := s.db.QueryContext(ctx, query, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var active []Tombstone
	for rows.Next() {
		var t Tombstone
		var expiresAt sql.NullTime
		if err := rows.Scan(&t.OwnerID, &t.EntityType, &t.EntityID, &t.DeletedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone row: %w", err)
		}
		if expiresAt.Valid {
			expires := expiresAt.Time
			t.ExpiresAt = &expires
		}
		active = append(active, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tombstone row iteration: %w", err)
	}
	return active, nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	s.logger.Info().Msg("Closing Postgres tombstone store...")
	return s.db.Close()
}
