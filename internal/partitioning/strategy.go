package partitioning

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/livereview/lrmaint/internal/retry"
)

// StrategyKind selects a partitioning strategy
type StrategyKind string

const (
	KindMonthly       StrategyKind = "monthly"
	KindIntRange      StrategyKind = "int_range"
	KindSlidingList   StrategyKind = "sliding_list"
	KindCiSlidingList StrategyKind = "ci_sliding_list"
)

// Model is a partitioned table as the application sees it
type Model struct {
	Table string
	// Database is the logical database that owns the table
	Database string
	// Columns the application never writes. List partitioning keys must be
	// among them, the database default fills them in.
	IgnoredColumns  []string
	ReadonlyColumns []string
	// LooseForeignKeys attaches the deletion tracking trigger to new partitions
	LooseForeignKeys bool
}

// StrategyConfig describes how one table is partitioned
type StrategyConfig struct {
	Kind            StrategyKind
	Model           Model
	PartitioningKey string

	// Monthly: months of partitions to keep, 0 keeps everything
	RetainFor                int
	RetainNonEmptyPartitions bool

	// Integer range: ids per partition
	PartitionSize int64

	// Sliding lists
	NextPartitionIf   Policy
	DetachPartitionIf Policy

	AnalyzeInterval time.Duration
	LockRetry       retry.RetryConfig
	Now             func() time.Time
}

// Strategy computes which partitions a table should have. The set of
// implementations is closed and selected by StrategyConfig.Kind.
type Strategy interface {
	Model() Model
	PartitioningKey() string

	// CurrentPartitions lists attached partitions in ascending bound order
	CurrentPartitions(ctx context.Context) ([]Partition, error)
	// MissingPartitions lists partitions to create in ascending bound order
	MissingPartitions(ctx context.Context) ([]Partition, error)
	// ExtraPartitions lists partitions that may be detached
	ExtraPartitions(ctx context.Context) ([]Partition, error)
	// ActivePartition is the partition with the greatest lower bound, or nil
	ActivePartition(ctx context.Context) (Partition, error)
	InitialPartition() Partition
	NextPartition(ctx context.Context) (Partition, error)

	AfterAddingPartitions(ctx context.Context) error
	ValidateAndFix(ctx context.Context) error
	AnalyzeInterval() time.Duration

	strategy()
}

// NewStrategy builds the strategy for cfg on conn
func NewStrategy(conn Conn, cfg StrategyConfig) (Strategy, error) {
	if cfg.Model.Table == "" {
		return nil, argumentError("partitioned table name is required")
	}
	if cfg.PartitioningKey == "" {
		return nil, argumentError("table %s: partitioning key is required", cfg.Model.Table)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockRetry.MaxRetries == 0 && cfg.LockRetry.BaseDelay == 0 {
		cfg.LockRetry = retry.LockRetryConfig()
	}
	if cfg.NextPartitionIf == nil {
		cfg.NextPartitionIf = Never()
	}
	if cfg.DetachPartitionIf == nil {
		cfg.DetachPartitionIf = Never()
	}

	base := baseStrategy{conn: conn, cfg: cfg}

	switch cfg.Kind {
	case KindMonthly:
		if cfg.RetainFor < 0 {
			return nil, argumentError("table %s: retain_for must not be negative", cfg.Model.Table)
		}
		return &MonthlyStrategy{baseStrategy: base}, nil
	case KindIntRange:
		if cfg.PartitionSize <= 0 {
			return nil, argumentError("table %s: partition_size must be positive", cfg.Model.Table)
		}
		return &IntRangeStrategy{baseStrategy: base}, nil
	case KindSlidingList:
		if err := base.ensurePartitioningColumnIgnoredOrReadonly(); err != nil {
			return nil, err
		}
		return &SlidingListStrategy{baseStrategy: base}, nil
	case KindCiSlidingList:
		if err := base.ensurePartitioningColumnIgnoredOrReadonly(); err != nil {
			return nil, err
		}
		return &CiSlidingListStrategy{baseStrategy: base}, nil
	default:
		return nil, argumentError("table %s: unknown partitioning strategy %q", cfg.Model.Table, cfg.Kind)
	}
}

type baseStrategy struct {
	conn Conn
	cfg  StrategyConfig
}

func (b *baseStrategy) Model() Model { return b.cfg.Model }

func (b *baseStrategy) PartitioningKey() string { return b.cfg.PartitioningKey }

func (b *baseStrategy) AnalyzeInterval() time.Duration { return b.cfg.AnalyzeInterval }

func (b *baseStrategy) table() string { return b.cfg.Model.Table }

func (b *baseStrategy) now() time.Time { return b.cfg.Now().UTC() }

// current reads the attached partitions from the catalog and sorts them
func (b *baseStrategy) current(ctx context.Context, parse func(name, definition string) (Partition, error)) ([]Partition, error) {
	infos, err := b.conn.Partitions(ctx, b.table())
	if err != nil {
		return nil, err
	}

	parts := make([]Partition, 0, len(infos))
	for _, info := range infos {
		name := info.Name
		if info.Schema != "" {
			name = info.Schema + "." + info.Name
		}
		p, err := parse(name, info.Definition)
		if err != nil {
			return nil, fmt.Errorf("partition %s of %s: %w", name, b.table(), err)
		}
		parts = append(parts, p)
	}
	SortPartitions(parts)
	return parts, nil
}

func lastPartition(parts []Partition) Partition {
	if len(parts) == 0 {
		return nil
	}
	return parts[len(parts)-1]
}

func (b *baseStrategy) ensurePartitioningColumnIgnoredOrReadonly() error {
	key := b.cfg.PartitioningKey
	if slices.Contains(b.cfg.Model.IgnoredColumns, key) || slices.Contains(b.cfg.Model.ReadonlyColumns, key) {
		return nil
	}
	return argumentError("table %s: partitioning column %s must be ignored or readonly", b.table(), key)
}
