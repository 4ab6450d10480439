package partitioning

import (
	"context"
	"time"
)

// PartitionInfo is one attached partition as reported by the catalog
type PartitionInfo struct {
	Schema     string
	Name       string
	Definition string
}

// ForeignKey is a foreign key constraint between two tables
type ForeignKey struct {
	Name            string
	Table           string
	ReferencedTable string
	Definition      string
}

// ConstraintType mirrors pg_constraint.contype
type ConstraintType string

const (
	ConstraintPrimaryKey ConstraintType = "p"
	ConstraintUnique     ConstraintType = "u"
	ConstraintCheck      ConstraintType = "c"
	ConstraintForeignKey ConstraintType = "f"
)

// Constraint is a table constraint with the columns it covers
type Constraint struct {
	Name       string
	Type       ConstraintType
	Columns    []string
	Definition string
	Valid      bool
}

// Sequence is a sequence owned by a table column
type Sequence struct {
	Name   string
	Column string
}

// DetachedPartition is the bookkeeping row of a detached partition waiting to
// be dropped
type DetachedPartition struct {
	ID        int64
	TableName string
	DropAfter time.Time
}

// Executor runs statements against one logical database
type Executor interface {
	// Name is the logical database name this connection belongs to
	Name() string
	Exec(ctx context.Context, query string, args ...any) error
	// Transaction runs fn in a transaction. Nested calls join the outer one.
	Transaction(ctx context.Context, fn func(Conn) error) error
}

// Catalog answers questions about tables. Table names may be schema qualified.
type Catalog interface {
	TableExists(ctx context.Context, table string) (bool, error)
	IsPartitioned(ctx context.Context, table string) (bool, error)
	Partitions(ctx context.Context, table string) ([]PartitionInfo, error)
	IsPartitionAttached(ctx context.Context, table string) (bool, error)
	// ColumnDefault returns the default expression, or "" when there is none
	ColumnDefault(ctx context.Context, table, column string) (string, error)
	// HasRows reports whether any row matches where, or any row at all when
	// where is empty
	HasRows(ctx context.Context, table, where string) (bool, error)
	MinMax(ctx context.Context, table, column string) (min, max *int64, err error)
	TableSize(ctx context.Context, table string) (int64, error)
	EstimatedRowCount(ctx context.Context, table string) (int64, error)
	ForeignKeysReferencing(ctx context.Context, table string) ([]ForeignKey, error)
	ForeignKeysFrom(ctx context.Context, table string) ([]ForeignKey, error)
	Constraints(ctx context.Context, table string) ([]Constraint, error)
	OwnedSequences(ctx context.Context, table string) ([]Sequence, error)
	OwnedByCurrentUser(ctx context.Context, table string) (bool, error)
	LastAnalyzedAt(ctx context.Context, table string) (*time.Time, error)
}

// DetachedStore keeps the detached_partitions bookkeeping rows
type DetachedStore interface {
	RecordDetachedPartition(ctx context.Context, name string, dropAfter time.Time) error
	DetachedPartitionsDue(ctx context.Context, now time.Time) ([]DetachedPartition, error)
	// LockDetachedPartition row-locks the bookkeeping row. It reports false
	// when the row is gone or locked by someone else. Call inside a transaction.
	LockDetachedPartition(ctx context.Context, id int64) (bool, error)
	DeleteDetachedPartition(ctx context.Context, id int64) error
}

// Conn is everything the partitioning code needs from one database
type Conn interface {
	Executor
	Catalog
	DetachedStore
}
