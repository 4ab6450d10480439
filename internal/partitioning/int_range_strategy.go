package partitioning

import (
	"context"
)

// intRangeHeadroom is how many partitions are kept ahead of the one holding
// the greatest id
const intRangeHeadroom = 6

// IntRangeStrategy partitions by fixed size ranges of an integer key
type IntRangeStrategy struct {
	baseStrategy
}

func (s *IntRangeStrategy) strategy() {}

func (s *IntRangeStrategy) CurrentPartitions(ctx context.Context) ([]Partition, error) {
	return s.current(ctx, func(name, definition string) (Partition, error) {
		return IntRangePartitionFromSQL(s.table(), name, definition)
	})
}

// MissingPartitions fills gaps between existing partitions and adds partitions
// until the headroom past the greatest id in use is covered.
func (s *IntRangeStrategy) MissingPartitions(ctx context.Context) ([]Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	minID, maxID, err := s.conn.MinMax(ctx, s.table(), s.cfg.PartitioningKey)
	if err != nil {
		return nil, err
	}

	size := s.cfg.PartitionSize

	var cursor int64 = 1
	if len(current) > 0 {
		cursor = current[0].(*IntRangePartition).From()
	} else if minID != nil {
		cursor = s.align(*minID)
	}

	top := cursor
	if maxID != nil && s.align(*maxID) > top {
		top = s.align(*maxID)
	}
	target := top + size*(intRangeHeadroom+1)

	var missing []Partition
	for _, p := range current {
		ip := p.(*IntRangePartition)
		gap, err := s.fill(cursor, ip.From(), true)
		if err != nil {
			return nil, err
		}
		missing = append(missing, gap...)
		if ip.To() > cursor {
			cursor = ip.To()
		}
	}

	ahead, err := s.fill(cursor, target, false)
	if err != nil {
		return nil, err
	}
	return append(missing, ahead...), nil
}

// fill creates partitions of the configured size from from until limit. With
// truncate the last one ends exactly at limit.
func (s *IntRangeStrategy) fill(from, limit int64, truncate bool) ([]Partition, error) {
	var parts []Partition
	for from < limit {
		to := from + s.cfg.PartitionSize
		if truncate && to > limit {
			to = limit
		}
		p, err := NewIntRangePartition(s.table(), from, to, "")
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
		from = to
	}
	return parts, nil
}

// align returns the lower bound of the partition that holds id
func (s *IntRangeStrategy) align(id int64) int64 {
	if id < 1 {
		return 1
	}
	return ((id-1)/s.cfg.PartitionSize)*s.cfg.PartitionSize + 1
}

// ExtraPartitions is always empty: integer range partitions are never detached
func (s *IntRangeStrategy) ExtraPartitions(context.Context) ([]Partition, error) {
	return nil, nil
}

func (s *IntRangeStrategy) ActivePartition(ctx context.Context) (Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	return lastPartition(current), nil
}

func (s *IntRangeStrategy) InitialPartition() Partition {
	p, _ := NewIntRangePartition(s.table(), 1, 1+s.cfg.PartitionSize, "")
	return p
}

func (s *IntRangeStrategy) NextPartition(ctx context.Context) (Partition, error) {
	active, err := s.ActivePartition(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return s.InitialPartition(), nil
	}
	from := active.(*IntRangePartition).To()
	return NewIntRangePartition(s.table(), from, from+s.cfg.PartitionSize, "")
}

func (s *IntRangeStrategy) AfterAddingPartitions(context.Context) error { return nil }

func (s *IntRangeStrategy) ValidateAndFix(context.Context) error { return nil }
