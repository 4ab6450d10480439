package partitioning

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// ReplaceTable swaps Replacement in under the name of Original. Original is
// kept as Archived and the primary key sequence moves over to the
// replacement.
type ReplaceTable struct {
	Conn             Conn
	Original         string
	Replacement      string
	Archived         string
	PrimaryKeyColumn string
}

// Perform runs the whole swap in a single transaction
func (r *ReplaceTable) Perform(ctx context.Context) error {
	if r.Original == "" || r.Replacement == "" || r.Archived == "" || r.PrimaryKeyColumn == "" {
		return argumentError("replace table: original, replacement, archived and primary key column are required")
	}

	return r.Conn.Transaction(ctx, func(tx Conn) error {
		stmts, err := r.statements(ctx, tx)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("replace %s with %s: %w", r.Original, r.Replacement, err)
			}
		}
		return nil
	})
}

func (r *ReplaceTable) statements(ctx context.Context, c Conn) ([]string, error) {
	sequence, err := r.primaryKeySequence(ctx, c)
	if err != nil {
		return nil, err
	}
	owned, err := c.OwnedByCurrentUser(ctx, r.Original)
	if err != nil {
		return nil, err
	}

	original := pq.QuoteIdentifier(r.Original)
	replacement := pq.QuoteIdentifier(r.Replacement)
	archived := pq.QuoteIdentifier(r.Archived)
	column := pq.QuoteIdentifier(r.PrimaryKeyColumn)

	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", original, column),
		fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT nextval(%s::regclass)",
			replacement, column, pq.QuoteLiteral(pq.QuoteIdentifier(sequence))),
	}
	if !owned {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s OWNER TO CURRENT_USER", original))
	}
	stmts = append(stmts,
		fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s", pq.QuoteIdentifier(sequence), replacement, column),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", original, archived),
		fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s", archived,
			pq.QuoteIdentifier(r.Original+"_pkey"), pq.QuoteIdentifier(r.Archived+"_pkey")),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", replacement, original),
		fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s", original,
			pq.QuoteIdentifier(r.Replacement+"_pkey"), pq.QuoteIdentifier(r.Original+"_pkey")),
	)
	return stmts, nil
}

// primaryKeySequence finds the sequence behind the primary key, falling back
// to the name Postgres gives a serial column
func (r *ReplaceTable) primaryKeySequence(ctx context.Context, c Conn) (string, error) {
	seqs, err := c.OwnedSequences(ctx, r.Original)
	if err != nil {
		return "", err
	}
	for _, s := range seqs {
		if s.Column == r.PrimaryKeyColumn {
			return s.Name, nil
		}
	}
	return fmt.Sprintf("%s_%s_seq", unqualified(r.Original), r.PrimaryKeyColumn), nil
}
