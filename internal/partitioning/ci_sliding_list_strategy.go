package partitioning

import (
	"context"
	"fmt"
	"strings"
)

const ciInitialPartitionValue = 100

// CiSlidingListStrategy is the sliding list used by CI tables. Partitions may
// hold several values, are named after the table without its p_ prefix and
// the column default is left to the application.
type CiSlidingListStrategy struct {
	baseStrategy
}

func (s *CiSlidingListStrategy) strategy() {}

func (s *CiSlidingListStrategy) CurrentPartitions(ctx context.Context) ([]Partition, error) {
	return s.current(ctx, func(name, definition string) (Partition, error) {
		return MultipleNumericListPartitionFromSQL(s.table(), name, definition)
	})
}

func (s *CiSlidingListStrategy) MissingPartitions(ctx context.Context) ([]Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return []Partition{s.InitialPartition()}, nil
	}

	active := lastPartition(current)
	advance, err := s.cfg.NextPartitionIf(ctx, s.conn, active)
	if err != nil {
		return nil, fmt.Errorf("next partition policy on %s: %w", active.Identifier(), err)
	}
	if !advance {
		return nil, nil
	}
	return []Partition{s.partitionFor(active.(*MultipleNumericListPartition).MaxValue() + 1)}, nil
}

func (s *CiSlidingListStrategy) ExtraPartitions(ctx context.Context) ([]Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	if len(current) < 2 {
		return nil, nil
	}

	var extra []Partition
	for _, p := range current[:len(current)-1] {
		detach, err := s.cfg.DetachPartitionIf(ctx, s.conn, p)
		if err != nil {
			return nil, fmt.Errorf("detach policy on %s: %w", p.Identifier(), err)
		}
		if detach {
			extra = append(extra, p)
		}
	}
	return extra, nil
}

// ActivePartition falls back to the initial partition when none exist yet
func (s *CiSlidingListStrategy) ActivePartition(ctx context.Context) (Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	if active := lastPartition(current); active != nil {
		return active, nil
	}
	return s.InitialPartition(), nil
}

func (s *CiSlidingListStrategy) InitialPartition() Partition {
	return s.partitionFor(ciInitialPartitionValue)
}

func (s *CiSlidingListStrategy) NextPartition(ctx context.Context) (Partition, error) {
	active, err := s.ActivePartition(ctx)
	if err != nil {
		return nil, err
	}
	return s.partitionFor(active.(*MultipleNumericListPartition).MaxValue() + 1), nil
}

func (s *CiSlidingListStrategy) AfterAddingPartitions(context.Context) error { return nil }

func (s *CiSlidingListStrategy) ValidateAndFix(context.Context) error { return nil }

func (s *CiSlidingListStrategy) partitionFor(value int64) Partition {
	name := fmt.Sprintf("%s_%d", strings.TrimPrefix(unqualified(s.table()), "p_"), value)
	p, _ := NewMultipleNumericListPartition(s.table(), []int64{value}, name)
	return p
}
