package partitioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGConn implements Conn on a database/sql handle using lib/pq
type PGConn struct {
	name string
	db   *sql.DB
	tx   *sql.Tx
	q    queryer
}

// NewPGConn wraps db, the database registered as name
func NewPGConn(name string, db *sql.DB) *PGConn {
	return &PGConn{name: name, db: db, q: db}
}

func (c *PGConn) Name() string { return c.name }

func (c *PGConn) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := c.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec %q: %w", firstLine(query), err)
	}
	return nil
}

func (c *PGConn) Transaction(ctx context.Context, fn func(Conn) error) (err error) {
	if c.tx != nil {
		return fn(c)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&PGConn{name: c.name, db: c.db, tx: tx, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *PGConn) queryBool(ctx context.Context, query string, args ...any) (bool, error) {
	var b sql.NullBool
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return b.Valid && b.Bool, nil
}

func (c *PGConn) TableExists(ctx context.Context, table string) (bool, error) {
	return c.queryBool(ctx, `SELECT to_regclass($1) IS NOT NULL`, table)
}

func (c *PGConn) IsPartitioned(ctx context.Context, table string) (bool, error) {
	return c.queryBool(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_partitioned_table WHERE partrelid = to_regclass($1)
		)`, table)
}

func (c *PGConn) Partitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT n.nspname, c.relname, pg_get_expr(c.relpartbound, c.oid)
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE i.inhparent = to_regclass($1)
		ORDER BY c.relname`, table)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var parts []PartitionInfo
	for rows.Next() {
		var p PartitionInfo
		if err := rows.Scan(&p.Schema, &p.Name, &p.Definition); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (c *PGConn) IsPartitionAttached(ctx context.Context, table string) (bool, error) {
	return c.queryBool(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_inherits WHERE inhrelid = to_regclass($1)
		)`, table)
}

func (c *PGConn) ColumnDefault(ctx context.Context, table, column string) (string, error) {
	var def sql.NullString
	err := c.q.QueryRowContext(ctx, `
		SELECT pg_get_expr(d.adbin, d.adrelid)
		FROM pg_attribute a
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attrelid = to_regclass($1) AND a.attname = $2 AND NOT a.attisdropped`,
		table, column).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("column %s.%s does not exist", table, column)
	}
	if err != nil {
		return "", err
	}
	return def.String, nil
}

func (c *PGConn) HasRows(ctx context.Context, table, where string) (bool, error) {
	query := "SELECT EXISTS (SELECT 1 FROM " + quoteIdentifier(table)
	if where != "" {
		query += " WHERE " + where
	}
	query += ")"
	return c.queryBool(ctx, query)
}

func (c *PGConn) MinMax(ctx context.Context, table, column string) (*int64, *int64, error) {
	var lo, hi sql.NullInt64
	col := pq.QuoteIdentifier(column)
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", col, col, quoteIdentifier(table))
	if err := c.q.QueryRowContext(ctx, query).Scan(&lo, &hi); err != nil {
		return nil, nil, err
	}
	var min, max *int64
	if lo.Valid {
		min = &lo.Int64
	}
	if hi.Valid {
		max = &hi.Int64
	}
	return min, max, nil
}

func (c *PGConn) TableSize(ctx context.Context, table string) (int64, error) {
	var size int64
	err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(pg_total_relation_size(to_regclass($1)), 0)`, table).Scan(&size)
	return size, err
}

func (c *PGConn) EstimatedRowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := c.q.QueryRowContext(ctx,
		`SELECT GREATEST(reltuples, 0)::bigint FROM pg_class WHERE oid = to_regclass($1)`, table).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

const foreignKeyColumns = `
	SELECT con.conname, con.conrelid::regclass::text, con.confrelid::regclass::text,
		pg_get_constraintdef(con.oid)
	FROM pg_constraint con
	WHERE con.contype = 'f'`

func (c *PGConn) foreignKeys(ctx context.Context, query string, table string) ([]ForeignKey, error) {
	rows, err := c.q.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Name, &fk.Table, &fk.ReferencedTable, &fk.Definition); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (c *PGConn) ForeignKeysReferencing(ctx context.Context, table string) ([]ForeignKey, error) {
	return c.foreignKeys(ctx, foreignKeyColumns+` AND con.confrelid = to_regclass($1) ORDER BY con.conname`, table)
}

func (c *PGConn) ForeignKeysFrom(ctx context.Context, table string) ([]ForeignKey, error) {
	return c.foreignKeys(ctx, foreignKeyColumns+` AND con.conrelid = to_regclass($1) ORDER BY con.conname`, table)
}

func (c *PGConn) Constraints(ctx context.Context, table string) ([]Constraint, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT con.conname, con.contype::text, con.convalidated, pg_get_constraintdef(con.oid),
			ARRAY(
				SELECT a.attname::text
				FROM unnest(con.conkey) AS k(attnum)
				JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
				ORDER BY a.attname
			)
		FROM pg_constraint con
		WHERE con.conrelid = to_regclass($1)
		ORDER BY con.conname`, table)
	if err != nil {
		return nil, fmt.Errorf("list constraints of %s: %w", table, err)
	}
	defer rows.Close()

	var cons []Constraint
	for rows.Next() {
		var con Constraint
		var typ string
		if err := rows.Scan(&con.Name, &typ, &con.Valid, &con.Definition, pq.Array(&con.Columns)); err != nil {
			return nil, err
		}
		con.Type = ConstraintType(typ)
		cons = append(cons, con)
	}
	return cons, rows.Err()
}

func (c *PGConn) OwnedSequences(ctx context.Context, table string) ([]Sequence, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT s.relname, a.attname
		FROM pg_depend d
		JOIN pg_class s ON s.oid = d.objid AND s.relkind = 'S'
		JOIN pg_attribute a ON a.attrelid = d.refobjid AND a.attnum = d.refobjsubid
		WHERE d.classid = 'pg_class'::regclass
			AND d.refclassid = 'pg_class'::regclass
			AND d.deptype IN ('a', 'i')
			AND d.refobjid = to_regclass($1)
		ORDER BY s.relname`, table)
	if err != nil {
		return nil, fmt.Errorf("list sequences of %s: %w", table, err)
	}
	defer rows.Close()

	var seqs []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.Name, &s.Column); err != nil {
			return nil, err
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

func (c *PGConn) OwnedByCurrentUser(ctx context.Context, table string) (bool, error) {
	return c.queryBool(ctx,
		`SELECT pg_get_userbyid(relowner) = current_user FROM pg_class WHERE oid = to_regclass($1)`, table)
}

func (c *PGConn) LastAnalyzedAt(ctx context.Context, table string) (*time.Time, error) {
	var at sql.NullTime
	if err := c.q.QueryRowContext(ctx,
		`SELECT pg_stat_get_last_analyze_time(to_regclass($1))`, table).Scan(&at); err != nil {
		return nil, err
	}
	if !at.Valid {
		return nil, nil
	}
	return &at.Time, nil
}

func (c *PGConn) RecordDetachedPartition(ctx context.Context, name string, dropAfter time.Time) error {
	return c.Exec(ctx, `
		INSERT INTO detached_partitions (table_name, drop_after, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())`, name, dropAfter)
}

func (c *PGConn) DetachedPartitionsDue(ctx context.Context, now time.Time) ([]DetachedPartition, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, table_name, drop_after
		FROM detached_partitions
		WHERE drop_after <= $1
		ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("list detached partitions: %w", err)
	}
	defer rows.Close()

	var due []DetachedPartition
	for rows.Next() {
		var d DetachedPartition
		if err := rows.Scan(&d.ID, &d.TableName, &d.DropAfter); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func (c *PGConn) LockDetachedPartition(ctx context.Context, id int64) (bool, error) {
	var locked int64
	err := c.q.QueryRowContext(ctx,
		`SELECT id FROM detached_partitions WHERE id = $1 FOR UPDATE SKIP LOCKED`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *PGConn) DeleteDetachedPartition(ctx context.Context, id int64) error {
	return c.Exec(ctx, `DELETE FROM detached_partitions WHERE id = $1`, id)
}

func firstLine(query string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(query), "\n")
	return line
}
