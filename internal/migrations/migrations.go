// Package migrations contains the master store schema and its upgrade logic.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is the bookkeeping table of applied migrations
const TableName = "regionsync_migrations"

const createTablesSQL = `
-- Current version of every synchronized row
CREATE TABLE sync_records (
	table_name text NOT NULL,
	record_id text NOT NULL,
	region text NOT NULL DEFAULT '',
	fields jsonb NOT NULL DEFAULT '{}',
	updated_at timestamp with time zone NOT NULL,
	PRIMARY KEY (table_name, record_id)
);

-- Permanent deletion markers, never removed
CREATE TABLE sync_tombstones (
	table_name text NOT NULL,
	record_id text NOT NULL,
	deleted_at timestamp with time zone NOT NULL,
	deleted_by text NOT NULL DEFAULT '',
	PRIMARY KEY (table_name, record_id)
);

-- Append-only audit trail of sync sessions and conflicts
CREATE TABLE sync_log (
	id bigserial PRIMARY KEY,
	session_id text NOT NULL,
	region text NOT NULL DEFAULT '',
	sync_type text NOT NULL CHECK (sync_type IN ('push', 'pull', 'conflict')),
	entity_type text NOT NULL DEFAULT '',
	entity_id text,
	status text NOT NULL CHECK (status IN ('running', 'success', 'failed', 'conflict')),
	records_affected integer NOT NULL DEFAULT 0,
	conflict_data jsonb,
	resolution text NOT NULL DEFAULT '',
	reason text NOT NULL DEFAULT '',
	error text NOT NULL DEFAULT '',
	started_at timestamp with time zone NOT NULL DEFAULT now(),
	completed_at timestamp with time zone
);
`

const createIndexesSQL = `
CREATE INDEX idx_sync_records_region ON sync_records(region);
CREATE INDEX idx_sync_log_region_type ON sync_log(region, sync_type);
CREATE INDEX idx_sync_log_conflict_entity ON sync_log(entity_type, entity_id, id DESC) WHERE sync_type = 'conflict';
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_create_indexes",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createIndexesSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
