package partitioning

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/livereview/lrmaint/internal/retry"
)

const partitioningConstraintName = "partitioning_constraint"

// ValidationQueue validates a NOT VALID check constraint in the background
type ValidationQueue interface {
	EnqueueConstraintValidation(ctx context.Context, database, table, constraint string) error
}

// ConvertTable turns a plain table into the first partition of a new list
// partitioned parent. Every step checks what is already done, so a failed run
// can simply be repeated.
type ConvertTable struct {
	Conn               Conn
	Table              string
	ParentTable        string
	PartitioningColumn string
	ZeroValue          int64
	// ArchivedName, when set, swaps the parent in under the table's name and
	// keeps the table itself under this name
	ArchivedName     string
	PrimaryKeyColumn string
	// LockTables are locked before the table, in this order, when attaching
	LockTables []string
	Queue      ValidationQueue
	LockRetry  retry.RetryConfig
}

func (c *ConvertTable) lockRetry() retry.RetryConfig {
	if c.LockRetry.MaxRetries == 0 && c.LockRetry.BaseDelay == 0 {
		return retry.LockRetryConfig()
	}
	return c.LockRetry
}

func (c *ConvertTable) unable(format string, args ...any) error {
	return &UnableToPartitionError{Table: c.Table, Reason: fmt.Sprintf(format, args...)}
}

func (c *ConvertTable) constraintSQL() string {
	return fmt.Sprintf("CHECK (%s = %d)", pq.QuoteIdentifier(c.PartitioningColumn), c.ZeroValue)
}

// PrepareForPartitioning adds the check constraint proving every row belongs
// to the zero partition and validates it, right away or through the queue
func (c *ConvertTable) PrepareForPartitioning(ctx context.Context, async bool) error {
	if async && c.Queue == nil {
		return argumentError("table %s: asynchronous validation needs a queue", c.Table)
	}
	if err := c.assertTableExists(ctx); err != nil {
		return err
	}
	if err := c.assertUniqueConstraintsIncludeColumn(ctx); err != nil {
		return err
	}

	con, err := c.partitioningConstraint(ctx, c.Conn)
	if err != nil {
		return err
	}
	if con == nil {
		add := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s NOT VALID",
			quoteIdentifier(c.Table), pq.QuoteIdentifier(partitioningConstraintName), c.constraintSQL())
		err := withLockRetries(ctx, c.Conn, c.lockRetry(), func(tx Conn) error {
			return tx.Exec(ctx, add)
		})
		if err != nil {
			return fmt.Errorf("add partitioning constraint to %s: %w", c.Table, err)
		}
		con = &Constraint{Name: partitioningConstraintName, Type: ConstraintCheck}
	} else if con.Valid {
		return nil
	}

	if async {
		return c.Queue.EnqueueConstraintValidation(ctx, c.Conn.Name(), c.Table, con.Name)
	}
	return ValidateConstraint(ctx, c.Conn, c.Table, con.Name)
}

// ValidateConstraint validates a NOT VALID constraint. It scans the table but
// only takes a SHARE UPDATE EXCLUSIVE lock.
func ValidateConstraint(ctx context.Context, conn Conn, table, constraint string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", quoteIdentifier(table), pq.QuoteIdentifier(constraint))
	if err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("validate %s on %s: %w", constraint, table, err)
	}
	return nil
}

// RevertPreparationForPartitioning removes the check constraint again
func (c *ConvertTable) RevertPreparationForPartitioning(ctx context.Context) error {
	return c.Conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
		quoteIdentifier(c.Table), pq.QuoteIdentifier(partitioningConstraintName)))
}

// Partition creates the parent, copies foreign keys to it and attaches the
// table as the zero partition in a single locked transaction
func (c *ConvertTable) Partition(ctx context.Context) error {
	if c.ParentTable == "" || c.PartitioningColumn == "" {
		return argumentError("table %s: parent table and partitioning column are required", c.Table)
	}

	done, err := c.alreadyPartitioned(ctx)
	if err != nil || done {
		return err
	}

	if err := c.assertTableExists(ctx); err != nil {
		return err
	}
	if err := c.assertUniqueConstraintsIncludeColumn(ctx); err != nil {
		return err
	}
	con, err := c.partitioningConstraint(ctx, c.Conn)
	if err != nil {
		return err
	}
	if con == nil {
		return c.unable("partitioning constraint %s is missing, prepare the table first", c.constraintSQL())
	}
	if !con.Valid {
		return c.unable("partitioning constraint %s is not validated yet", con.Name)
	}

	if err := c.createParent(ctx); err != nil {
		return err
	}
	if err := c.copyForeignKeys(ctx); err != nil {
		return err
	}

	err = withLockRetries(ctx, c.Conn, c.lockRetry(), func(tx Conn) error {
		stmts, err := c.attachStatements(ctx, tx)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("attach %s to %s: %w", c.Table, c.ParentTable, err)
	}

	log.Info().
		Str("table_name", c.Table).
		Str("parent_table", c.ParentTable).
		Int64("zero_value", c.ZeroValue).
		Msg("Converted table into a partition")
	return nil
}

// alreadyPartitioned covers both a finished conversion and one that already
// swapped names
func (c *ConvertTable) alreadyPartitioned(ctx context.Context) (bool, error) {
	partitioned, err := c.Conn.IsPartitioned(ctx, c.Table)
	if err != nil || partitioned {
		return partitioned, err
	}
	return c.Conn.IsPartitionAttached(ctx, c.Table)
}

func (c *ConvertTable) assertTableExists(ctx context.Context) error {
	exists, err := c.Conn.TableExists(ctx, c.Table)
	if err != nil {
		return err
	}
	if !exists {
		return c.unable("table does not exist")
	}
	return nil
}

func (c *ConvertTable) assertUniqueConstraintsIncludeColumn(ctx context.Context) error {
	cons, err := c.Conn.Constraints(ctx, c.Table)
	if err != nil {
		return err
	}
	for _, con := range cons {
		if con.Type != ConstraintPrimaryKey && con.Type != ConstraintUnique {
			continue
		}
		if !slices.Contains(con.Columns, c.PartitioningColumn) {
			return c.unable("constraint %s does not include the partitioning column %s", con.Name, c.PartitioningColumn)
		}
	}
	return nil
}

// partitioningConstraint finds a check constraint with the expected
// definition under any name
func (c *ConvertTable) partitioningConstraint(ctx context.Context, conn Conn) (*Constraint, error) {
	cons, err := conn.Constraints(ctx, c.Table)
	if err != nil {
		return nil, err
	}
	want := normalizeConstraintDefinition(c.constraintSQL())
	for _, con := range cons {
		if con.Type == ConstraintCheck && normalizeConstraintDefinition(con.Definition) == want {
			return &con, nil
		}
	}
	return nil, nil
}

var (
	notValidSuffix = regexp.MustCompile(`(?i)\s+NOT VALID\s*$`)
	typeCast       = regexp.MustCompile(`::[a-z ]+`)
)

func normalizeConstraintDefinition(def string) string {
	def = notValidSuffix.ReplaceAllString(def, "")
	def = strings.ToLower(def)
	def = typeCast.ReplaceAllString(def, "")
	return strings.NewReplacer("(", "", ")", "", " ", "", `"`, "").Replace(def)
}

func (c *ConvertTable) createParent(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL) PARTITION BY LIST (%s)",
		quoteIdentifier(c.ParentTable), quoteIdentifier(c.Table), pq.QuoteIdentifier(c.PartitioningColumn))
	if err := c.Conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create parent %s: %w", c.ParentTable, err)
	}
	return nil
}

func (c *ConvertTable) copyForeignKeys(ctx context.Context) error {
	existing, err := c.Conn.ForeignKeysFrom(ctx, c.ParentTable)
	if err != nil {
		return err
	}
	fks, err := c.Conn.ForeignKeysFrom(ctx, c.Table)
	if err != nil {
		return err
	}

	for _, fk := range fks {
		if slices.ContainsFunc(existing, func(e ForeignKey) bool { return e.Name == fk.Name }) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
			quoteIdentifier(c.ParentTable), pq.QuoteIdentifier(fk.Name), fk.Definition)
		if err := c.Conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("copy foreign key %s to %s: %w", fk.Name, c.ParentTable, err)
		}
	}
	return nil
}

func (c *ConvertTable) attachStatements(ctx context.Context, tx Conn) ([]string, error) {
	locks := append(slices.Clone(c.LockTables), c.Table, c.ParentTable)
	parent := quoteIdentifier(c.ParentTable)

	stmts := []string{
		lockTableSQL(locks...),
		fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s FOR VALUES IN (%d)", parent, quoteIdentifier(c.Table), c.ZeroValue),
	}

	seqs, err := tx.OwnedSequences(ctx, c.Table)
	if err != nil {
		return nil, err
	}
	for _, seq := range seqs {
		owned, err := tx.OwnedByCurrentUser(ctx, seq.Name)
		if err != nil {
			return nil, err
		}
		if !owned {
			stmts = append(stmts, fmt.Sprintf("ALTER SEQUENCE %s OWNER TO CURRENT_USER", pq.QuoteIdentifier(seq.Name)))
		}
		stmts = append(stmts, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s",
			pq.QuoteIdentifier(seq.Name), parent, pq.QuoteIdentifier(seq.Column)))
	}

	stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
		parent, pq.QuoteIdentifier(partitioningConstraintName)))

	if c.ArchivedName != "" {
		pk := c.PrimaryKeyColumn
		if pk == "" {
			pk = "id"
		}
		replace := &ReplaceTable{
			Original:         c.Table,
			Replacement:      c.ParentTable,
			Archived:         c.ArchivedName,
			PrimaryKeyColumn: pk,
		}
		more, err := replace.statements(ctx, tx)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, more...)
	}
	return stmts, nil
}
