package partitioning

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livereview/lrmaint/internal/retry"
)

type DropperOptions struct {
	LockRetry retry.RetryConfig
	Now       func() time.Time
}

// DetachedPartitionDropper drops detached partitions once their retention
// period is over. Every step re-locks the bookkeeping row, so concurrent
// droppers skip partitions another one is working on.
type DetachedPartitionDropper struct {
	conn Conn
	opts DropperOptions
}

func NewDetachedPartitionDropper(conn Conn, opts DropperOptions) *DetachedPartitionDropper {
	if opts.LockRetry.MaxRetries == 0 && opts.LockRetry.BaseDelay == 0 {
		opts.LockRetry = retry.LockRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DetachedPartitionDropper{conn: conn, opts: opts}
}

// Perform drops every due partition. A failure on one partition is logged and
// the rest are still processed.
func (d *DetachedPartitionDropper) Perform(ctx context.Context) error {
	due, err := d.conn.DetachedPartitionsDue(ctx, d.opts.Now().UTC())
	if err != nil {
		return err
	}

	for _, dp := range due {
		logger := log.With().
			Str("connection_name", d.conn.Name()).
			Str("partition_name", dp.TableName).
			Logger()
		if err := d.process(ctx, dp, logger); err != nil {
			logger.Error().Err(err).Msg("Failed to drop detached partition")
		}
	}
	return nil
}

func (d *DetachedPartitionDropper) process(ctx context.Context, dp DetachedPartition, logger zerolog.Logger) error {
	attached, err := d.conn.IsPartitionAttached(ctx, dp.TableName)
	if err != nil {
		return err
	}
	if attached {
		return d.conn.Transaction(ctx, func(tx Conn) error {
			locked, err := tx.LockDetachedPartition(ctx, dp.ID)
			if err != nil || !locked {
				return err
			}
			if err := tx.DeleteDetachedPartition(ctx, dp.ID); err != nil {
				return err
			}
			logger.Error().Msg("Partition scheduled for dropping is attached again, forgetting it")
			return nil
		})
	}

	fks, err := d.conn.ForeignKeysFrom(ctx, dp.TableName)
	if err != nil {
		return err
	}
	for _, fk := range fks {
		if err := d.dropForeignKey(ctx, dp, fk); err != nil {
			return err
		}
	}

	return withLockRetries(ctx, d.conn, d.opts.LockRetry, func(tx Conn) error {
		locked, err := tx.LockDetachedPartition(ctx, dp.ID)
		if err != nil || !locked {
			return err
		}
		if err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(dp.TableName)); err != nil {
			return err
		}
		if err := tx.DeleteDetachedPartition(ctx, dp.ID); err != nil {
			return err
		}
		partitionsDropped.WithLabelValues(d.conn.Name()).Inc()
		logger.Info().Msg("Dropped detached partition")
		return nil
	})
}

// dropForeignKey removes one outgoing foreign key, locking the referenced
// table first so the drop cannot deadlock with writers
func (d *DetachedPartitionDropper) dropForeignKey(ctx context.Context, dp DetachedPartition, fk ForeignKey) error {
	return withLockRetries(ctx, d.conn, d.opts.LockRetry, func(tx Conn) error {
		locked, err := tx.LockDetachedPartition(ctx, dp.ID)
		if err != nil || !locked {
			return err
		}

		current, err := tx.ForeignKeysFrom(ctx, dp.TableName)
		if err != nil {
			return err
		}
		stillPresent := false
		for _, c := range current {
			if c.Name == fk.Name {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			return nil
		}

		if err := tx.Exec(ctx, lockTableSQL(fk.ReferencedTable, dp.TableName)); err != nil {
			return err
		}
		return tx.Exec(ctx, "ALTER TABLE "+quoteIdentifier(dp.TableName)+
			" DROP CONSTRAINT "+pq.QuoteIdentifier(fk.Name))
	})
}
