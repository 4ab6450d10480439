package partitioning

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// SlidingListStrategy keeps one partition per key value. The column default
// points at the newest partition, so new rows always land there, and the
// list slides forward when NextPartitionIf holds for the active partition.
type SlidingListStrategy struct {
	baseStrategy
}

func (s *SlidingListStrategy) strategy() {}

func (s *SlidingListStrategy) CurrentPartitions(ctx context.Context) ([]Partition, error) {
	return s.current(ctx, func(name, definition string) (Partition, error) {
		return SingleNumericListPartitionFromSQL(s.table(), name, definition)
	})
}

func (s *SlidingListStrategy) MissingPartitions(ctx context.Context) ([]Partition, error) {
	active, err := s.ActivePartition(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return []Partition{s.InitialPartition()}, nil
	}

	advance, err := s.cfg.NextPartitionIf(ctx, s.conn, active)
	if err != nil {
		return nil, fmt.Errorf("next partition policy on %s: %w", active.Identifier(), err)
	}
	if !advance {
		return nil, nil
	}
	return []Partition{s.nextAfter(active)}, nil
}

// ExtraPartitions lists every partition but the active one that
// DetachPartitionIf accepts. The partition the column default points at is
// never returned.
func (s *SlidingListStrategy) ExtraPartitions(ctx context.Context) ([]Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	if len(current) < 2 {
		return nil, nil
	}

	def, hasDefault, err := s.currentDefault(ctx, s.conn)
	if err != nil {
		return nil, err
	}

	var extra []Partition
	for _, p := range current[:len(current)-1] {
		detach, err := s.cfg.DetachPartitionIf(ctx, s.conn, p)
		if err != nil {
			return nil, fmt.Errorf("detach policy on %s: %w", p.Identifier(), err)
		}
		if !detach {
			continue
		}
		if hasDefault && p.(*SingleNumericListPartition).Value() == def {
			log.Error().
				Str("table_name", s.table()).
				Str("partition_name", p.Name()).
				Int64("default_value", def).
				Msg("Refusing to detach the partition the column default points at")
			continue
		}
		extra = append(extra, p)
	}
	return extra, nil
}

func (s *SlidingListStrategy) ActivePartition(ctx context.Context) (Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	return lastPartition(current), nil
}

func (s *SlidingListStrategy) InitialPartition() Partition {
	return NewSingleNumericListPartition(s.table(), 1, "")
}

func (s *SlidingListStrategy) NextPartition(ctx context.Context) (Partition, error) {
	active, err := s.ActivePartition(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return s.InitialPartition(), nil
	}
	return s.nextAfter(active), nil
}

func (s *SlidingListStrategy) nextAfter(active Partition) Partition {
	return NewSingleNumericListPartition(s.table(), active.(*SingleNumericListPartition).Value()+1, "")
}

// AfterAddingPartitions moves the column default to the newest partition. It
// only acts on the database that owns the table, and leaves the default alone
// when somebody else already moved it.
func (s *SlidingListStrategy) AfterAddingPartitions(ctx context.Context) error {
	if s.conn.Name() != s.cfg.Model.Database {
		return nil
	}

	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return err
	}
	if len(current) == 0 {
		return nil
	}
	active := current[len(current)-1].(*SingleNumericListPartition)

	def, hasDefault, err := s.currentDefault(ctx, s.conn)
	if err != nil {
		return err
	}
	if hasDefault && def == active.Value() {
		return nil
	}

	if hasDefault {
		if len(current) < 2 || current[len(current)-2].(*SingleNumericListPartition).Value() != def {
			log.Warn().
				Str("table_name", s.table()).
				Int64("default_value", def).
				Int64("active_value", active.Value()).
				Msg("Column default was changed by another process, not moving it")
			return nil
		}
	}

	return s.conn.Exec(ctx, s.setDefaultSQL(active.Value()))
}

// ValidateAndFix repairs a column default that does not point at the active
// partition, unless it changes while the table lock is being acquired.
func (s *SlidingListStrategy) ValidateAndFix(ctx context.Context) error {
	if s.conn.Name() != s.cfg.Model.Database {
		return nil
	}

	active, err := s.ActivePartition(ctx)
	if err != nil || active == nil {
		return err
	}
	expected := active.(*SingleNumericListPartition).Value()

	oldDefault, oldHasDefault, err := s.currentDefault(ctx, s.conn)
	if err != nil {
		return err
	}
	if oldHasDefault && oldDefault == expected {
		return nil
	}

	return withLockRetries(ctx, s.conn, s.cfg.LockRetry, func(tx Conn) error {
		if err := tx.Exec(ctx, lockTableSQL(s.table())); err != nil {
			return err
		}

		newDefault, newHasDefault, err := s.currentDefault(ctx, tx)
		if err != nil {
			return err
		}
		if newHasDefault != oldHasDefault || newDefault != oldDefault {
			log.Warn().
				Str("table_name", s.table()).
				Int64("default_value", newDefault).
				Msg("Column default changed while validating, leaving it alone")
			return nil
		}

		if err := tx.Exec(ctx, s.setDefaultSQL(expected)); err != nil {
			return err
		}
		log.Warn().
			Str("table_name", s.table()).
			Int64("old_default", oldDefault).
			Int64("new_default", expected).
			Msg("Fixed column default of partitioned table")
		return nil
	})
}

func (s *SlidingListStrategy) setDefaultSQL(value int64) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %d",
		quoteIdentifier(s.table()), quoteIdentifier(s.cfg.PartitioningKey), value)
}

func (s *SlidingListStrategy) currentDefault(ctx context.Context, c Conn) (int64, bool, error) {
	expr, err := c.ColumnDefault(ctx, s.table(), s.cfg.PartitioningKey)
	if err != nil {
		return 0, false, err
	}
	return parseDefault(expr)
}

// parseDefault reads an integer out of a default expression such as
// '5'::bigint or (3)
func parseDefault(expr string) (int64, bool, error) {
	if expr == "" {
		return 0, false, nil
	}
	value, _, _ := strings.Cut(expr, "::")
	value = strings.Trim(strings.TrimSpace(value), "'()")
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("unexpected column default %q: %w", expr, err)
	}
	return n, true, nil
}
