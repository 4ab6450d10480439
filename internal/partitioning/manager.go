package partitioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livereview/lrmaint/internal/retry"
)

const (
	DefaultLeaseTimeout      = time.Minute
	DefaultRetainDetachedFor = 7 * 24 * time.Hour

	leaseKeyPrefix = "database_partition_management_"
)

// ManagerOptions are shared by every table a manager syncs
type ManagerOptions struct {
	Lease             Lease
	LeaseTimeout      time.Duration
	RetainDetachedFor time.Duration
	LockRetry         retry.RetryConfig
	Now               func() time.Time
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = DefaultLeaseTimeout
	}
	if o.RetainDetachedFor <= 0 {
		o.RetainDetachedFor = DefaultRetainDetachedFor
	}
	if o.LockRetry.MaxRetries == 0 && o.LockRetry.BaseDelay == 0 {
		o.LockRetry = retry.LockRetryConfig()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager keeps the partitions of one table on one database in line with its
// strategy
type Manager struct {
	conn     Conn
	strategy Strategy
	opts     ManagerOptions
	logger   zerolog.Logger
}

func NewManager(conn Conn, strategy Strategy, opts ManagerOptions) *Manager {
	return &Manager{
		conn:     conn,
		strategy: strategy,
		opts:     opts.withDefaults(),
		logger: log.With().
			Str("table_name", strategy.Model().Table).
			Str("connection_name", conn.Name()).
			Logger(),
	}
}

// SyncPartitions creates missing partitions, detaches extra ones and
// optionally analyzes the table. Failures are logged and swallowed, except
// ErrArgument which points at a broken setup.
func (m *Manager) SyncPartitions(ctx context.Context, analyze bool) error {
	table := m.strategy.Model().Table
	start := time.Now()

	err := m.sync(ctx, analyze)
	syncDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}
	if errors.Is(err, ErrArgument) {
		return err
	}
	m.logger.Error().Err(err).Msg("Failed to sync partitions")
	return nil
}

func (m *Manager) sync(ctx context.Context, analyze bool) error {
	table := m.strategy.Model().Table

	exists, err := m.conn.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.Warn().Msg("Skipping syncing partitions for table because it does not exist")
		return nil
	}

	ran, err := withExclusiveLease(ctx, m.opts.Lease, leaseKeyPrefix+unqualified(table), m.opts.LeaseTimeout, func() error {
		if err := m.strategy.ValidateAndFix(ctx); err != nil {
			return fmt.Errorf("validate partitioning: %w", err)
		}

		missing, err := m.strategy.MissingPartitions(ctx)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			if err := m.createPartitions(ctx, missing); err != nil {
				return err
			}
		}

		extra, err := m.strategy.ExtraPartitions(ctx)
		if err != nil {
			return err
		}
		if err := m.detachPartitions(ctx, extra); err != nil {
			return err
		}

		if analyze {
			return m.analyze(ctx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		m.logger.Info().Msg("Another process is managing partitions of this table, skipping")
		return nil
	}

	return m.refreshMetrics(ctx)
}

// createPartitions creates all partitions in one transaction holding the
// parent table lock, then lets the strategy react to them
func (m *Manager) createPartitions(ctx context.Context, partitions []Partition) error {
	SortPartitions(partitions)
	model := m.strategy.Model()

	err := withLockRetries(ctx, m.conn, m.opts.LockRetry, func(tx Conn) error {
		if err := tx.Exec(ctx, lockTableSQL(model.Table)); err != nil {
			return err
		}
		for _, p := range partitions {
			if err := tx.Exec(ctx, p.CreateSQL()); err != nil {
				return err
			}
			if model.LooseForeignKeys {
				if err := tx.Exec(ctx, looseForeignKeyTriggerSQL(p)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create partitions: %w", err)
	}

	for _, p := range partitions {
		m.logger.Info().Str("partition_name", p.Name()).Msg("Created partition")
	}
	return m.strategy.AfterAddingPartitions(ctx)
}

// detachPartitions detaches each partition in its own transaction. A failure
// on one partition does not stop the others.
func (m *Manager) detachPartitions(ctx context.Context, partitions []Partition) error {
	for _, p := range partitions {
		if err := m.detachPartition(ctx, p); err != nil {
			if errors.Is(err, ErrArgument) {
				return err
			}
			m.logger.Error().Err(err).Str("partition_name", p.Name()).Msg("Failed to detach partition")
		}
	}
	return nil
}

func (m *Manager) detachPartition(ctx context.Context, p Partition) error {
	if err := m.assertSafeToDetach(ctx, p); err != nil {
		return err
	}

	dropAfter := m.opts.Now().UTC().Add(m.opts.RetainDetachedFor)
	err := withLockRetries(ctx, m.conn, m.opts.LockRetry, func(tx Conn) error {
		if err := tx.Exec(ctx, lockTableSQL(p.Table())); err != nil {
			return err
		}
		if err := tx.Exec(ctx, p.DetachSQL()); err != nil {
			return err
		}
		return tx.RecordDetachedPartition(ctx, p.Identifier(), dropAfter)
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("partition_name", p.Name()).
		Time("drop_after", dropAfter).
		Msg("Detached partition")
	return nil
}

// assertSafeToDetach refuses partitions of a table that is the target of a
// foreign key: detaching would block while the key is checked
func (m *Manager) assertSafeToDetach(ctx context.Context, p Partition) error {
	for _, table := range []string{p.Table(), p.Identifier()} {
		fks, err := m.conn.ForeignKeysReferencing(ctx, table)
		if err != nil {
			return err
		}
		if len(fks) > 0 {
			return fmt.Errorf("%w: %s, it would block while checking foreign key %s on %s",
				ErrUnsafeToDetach, p.Name(), fks[0].Name, table)
		}
	}
	return nil
}

// analyze runs ANALYZE on the parent table at most once per analyze interval
func (m *Manager) analyze(ctx context.Context) error {
	interval := m.strategy.AnalyzeInterval()
	if interval <= 0 {
		return nil
	}

	table := m.strategy.Model().Table
	last, err := m.conn.LastAnalyzedAt(ctx, table)
	if err != nil {
		return err
	}
	if last != nil && m.opts.Now().Sub(*last) < interval {
		return nil
	}

	if err := m.conn.Exec(ctx, "ANALYZE (SKIP_LOCKED) "+quoteIdentifier(table)); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	m.logger.Info().Msg("Analyzed partitioned table")
	return nil
}

func (m *Manager) refreshMetrics(ctx context.Context) error {
	current, err := m.strategy.CurrentPartitions(ctx)
	if err != nil {
		return err
	}
	missing, err := m.strategy.MissingPartitions(ctx)
	if err != nil {
		return err
	}
	extra, err := m.strategy.ExtraPartitions(ctx)
	if err != nil {
		return err
	}
	reportPartitionCounts(m.strategy.Model().Table, len(current), len(missing), len(extra))
	return nil
}

func looseForeignKeyTriggerSQL(p Partition) string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER DELETE ON %s REFERENCING OLD TABLE AS old_table "+
			"FOR EACH STATEMENT EXECUTE FUNCTION insert_into_loose_foreign_keys_deleted_records_override_table(%s)",
		pq.QuoteIdentifier(p.Name()+"_loose_fk_trigger"),
		quoteIdentifier(p.Identifier()),
		pq.QuoteLiteral(unqualified(p.Table())),
	)
}
