package partitioning

import (
	"context"
	"time"
)

// monthlyHeadroom is how many months ahead of the current one are kept created
const monthlyHeadroom = 6

// MonthlyStrategy keeps one partition per calendar month, a catch-all
// MINVALUE partition below the first month, and optionally prunes months that
// fell out of retention.
type MonthlyStrategy struct {
	baseStrategy
}

func (s *MonthlyStrategy) strategy() {}

func (s *MonthlyStrategy) CurrentPartitions(ctx context.Context) ([]Partition, error) {
	return s.current(ctx, func(name, definition string) (Partition, error) {
		return TimePartitionFromSQL(s.table(), name, definition)
	})
}

func (s *MonthlyStrategy) MissingPartitions(ctx context.Context) ([]Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	desired, err := s.desiredPartitions(current)
	if err != nil {
		return nil, err
	}
	return Subtract(desired, current), nil
}

// ExtraPartitions lists the partitions that ended before the retention window.
// Without retention nothing is extra.
func (s *MonthlyStrategy) ExtraPartitions(ctx context.Context) ([]Partition, error) {
	if !s.pruning() {
		return nil, nil
	}

	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	desired, err := s.desiredPartitions(current)
	if err != nil {
		return nil, err
	}

	oldestActive := s.oldestActiveDate()
	var extra []Partition
	for _, p := range Subtract(current, desired) {
		tp := p.(*TimePartition)
		if tp.To().After(oldestActive) {
			continue
		}
		if s.cfg.RetainNonEmptyPartitions {
			hasRows, err := s.conn.HasRows(ctx, p.Identifier(), "")
			if err != nil {
				return nil, err
			}
			if hasRows {
				continue
			}
		}
		extra = append(extra, p)
	}
	return extra, nil
}

func (s *MonthlyStrategy) ActivePartition(ctx context.Context) (Partition, error) {
	current, err := s.CurrentPartitions(ctx)
	if err != nil {
		return nil, err
	}
	return lastPartition(current), nil
}

func (s *MonthlyStrategy) InitialPartition() Partition {
	p, _ := NewTimePartition(s.table(), nil, beginningOfMonth(s.now()), "")
	return p
}

func (s *MonthlyStrategy) NextPartition(ctx context.Context) (Partition, error) {
	active, err := s.ActivePartition(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return s.InitialPartition(), nil
	}
	from := active.(*TimePartition).To()
	return NewTimePartition(s.table(), &from, from.AddDate(0, 1, 0), "")
}

func (s *MonthlyStrategy) AfterAddingPartitions(context.Context) error { return nil }

func (s *MonthlyStrategy) ValidateAndFix(context.Context) error { return nil }

func (s *MonthlyStrategy) desiredPartitions(current []Partition) ([]Partition, error) {
	minDate, maxDate := s.relevantRange(current)

	var parts []Partition
	if oldestActive := s.oldestActiveDate(); s.pruning() && !minDate.After(oldestActive) {
		minDate = oldestActive
	} else {
		p, err := NewTimePartition(s.table(), nil, minDate, "")
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	for minDate.Before(maxDate) {
		from := minDate
		next := minDate.AddDate(0, 1, 0)
		p, err := NewTimePartition(s.table(), &from, next, "")
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
		minDate = next
	}
	return parts, nil
}

// relevantRange starts at the first existing partition, or the retention
// window, or the current month, and ends HEADROOM months after this one.
func (s *MonthlyStrategy) relevantRange(current []Partition) (time.Time, time.Time) {
	var minDate *time.Time
	if len(current) > 0 {
		first := current[0].(*TimePartition)
		if first.From() != nil {
			minDate = first.From()
		} else {
			to := first.To()
			minDate = &to
		}
	}
	if minDate == nil && s.pruning() {
		oldest := s.oldestActiveDate()
		minDate = &oldest
	}
	if minDate == nil {
		today := s.now()
		minDate = &today
	}

	maxDate := beginningOfMonth(s.now()).AddDate(0, monthlyHeadroom+1, 0)
	return beginningOfMonth(*minDate), maxDate
}

func (s *MonthlyStrategy) pruning() bool {
	return s.cfg.RetainFor > 0
}

func (s *MonthlyStrategy) oldestActiveDate() time.Time {
	return beginningOfMonth(s.now()).AddDate(0, -s.cfg.RetainFor, 0)
}

func beginningOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
