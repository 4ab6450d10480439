package partitioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Database is one logical database the registry manages partitions on
type Database struct {
	Name  string
	Conn  Conn
	Lease Lease
}

// Registry syncs every configured partitioned table across every configured
// database. A table is synced first on the database that owns it, then on the
// other databases that carry a copy of it.
type Registry struct {
	databases []Database
	tables    []StrategyConfig
	opts      ManagerOptions
}

func NewRegistry(databases []Database, tables []StrategyConfig, opts ManagerOptions) (*Registry, error) {
	if len(databases) == 0 {
		return nil, argumentError("at least one database is required")
	}
	r := &Registry{databases: databases, tables: tables, opts: opts.withDefaults()}
	for _, t := range tables {
		if _, ok := r.database(t.Model.Database); !ok {
			return nil, argumentError("table %s: unknown database %q", t.Model.Table, t.Model.Database)
		}
	}
	return r, nil
}

func (r *Registry) Tables() []StrategyConfig { return r.tables }

func (r *Registry) database(name string) (Database, bool) {
	for _, db := range r.databases {
		if db.Name == name {
			return db, true
		}
	}
	return Database{}, false
}

// SyncPartitions syncs every table. With onlyOn set only that database is
// touched. Failures of one table never stop the others; only ErrArgument is
// returned.
func (r *Registry) SyncPartitions(ctx context.Context, onlyOn string, analyze bool) error {
	if onlyOn != "" {
		if _, ok := r.database(onlyOn); !ok {
			return argumentError("unknown database %q", onlyOn)
		}
	}

	for _, cfg := range r.tables {
		for _, db := range r.targets(cfg, onlyOn) {
			if err := r.syncOn(ctx, db, cfg, analyze); err != nil {
				return err
			}
		}
	}
	return nil
}

// targets puts the owning database first
func (r *Registry) targets(cfg StrategyConfig, onlyOn string) []Database {
	owner, _ := r.database(cfg.Model.Database)
	dbs := []Database{owner}
	for _, db := range r.databases {
		if db.Name != owner.Name {
			dbs = append(dbs, db)
		}
	}

	if onlyOn == "" {
		return dbs
	}
	for _, db := range dbs {
		if db.Name == onlyOn {
			return []Database{db}
		}
	}
	return nil
}

func (r *Registry) syncOn(ctx context.Context, db Database, cfg StrategyConfig, analyze bool) error {
	logger := log.With().Str("table_name", cfg.Model.Table).Str("connection_name", db.Name).Logger()

	if db.Name != cfg.Model.Database {
		exists, err := db.Conn.TableExists(ctx, cfg.Model.Table)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to check for partitioned table")
			return nil
		}
		if !exists {
			return nil
		}
	}

	strategy, err := NewStrategy(db.Conn, cfg)
	if err != nil {
		return err
	}

	opts := r.opts
	opts.Lease = db.Lease
	return NewManager(db.Conn, strategy, opts).SyncPartitions(ctx, analyze)
}

// DropDetachedPartitions drops the detached partitions that are due on every
// database
func (r *Registry) DropDetachedPartitions(ctx context.Context) error {
	var errs []error
	for _, db := range r.databases {
		dropper := NewDetachedPartitionDropper(db.Conn, DropperOptions{LockRetry: r.opts.LockRetry, Now: r.opts.Now})
		if err := dropper.Perform(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database %s: %w", db.Name, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureSchema creates the bookkeeping schema on every database
func (r *Registry) EnsureSchema(ctx context.Context) error {
	for _, db := range r.databases {
		if err := EnsureSchema(ctx, db.Conn); err != nil {
			return err
		}
	}
	return nil
}
