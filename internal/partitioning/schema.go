package partitioning

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS ` + DynamicSchema,
	`CREATE TABLE IF NOT EXISTS detached_partitions (
		id bigserial PRIMARY KEY,
		table_name text NOT NULL,
		drop_after timestamptz NOT NULL,
		created_at timestamptz NOT NULL DEFAULT NOW(),
		updated_at timestamptz NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS index_detached_partitions_on_drop_after
		ON detached_partitions (drop_after)`,
	`CREATE TABLE IF NOT EXISTS exclusive_leases (
		key text PRIMARY KEY,
		token uuid NOT NULL,
		expires_at timestamptz NOT NULL
	)`,
}

// EnsureSchema creates the partitions schema and the bookkeeping tables
func EnsureSchema(ctx context.Context, exec Executor) error {
	for _, stmt := range schemaStatements {
		if err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure partitioning schema on %s: %w", exec.Name(), err)
		}
	}
	return nil
}
