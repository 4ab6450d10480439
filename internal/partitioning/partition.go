// Package partitioning maintains the physical partitions behind logically
// partitioned Postgres tables: it creates partitions ahead of need, detaches
// and later drops expired ones, and converts plain tables into list
// partitioned ones.
package partitioning

import (
	"sort"
	"strings"

	"github.com/lib/pq"
)

// DynamicSchema is the schema every managed partition lives in
const DynamicSchema = "partitions_dynamic"

// Partition describes one physical partition of a parent table. The set of
// implementations is closed.
type Partition interface {
	// Table is the parent table
	Table() string
	// Name is the explicit partition name, or the one derived from the bounds
	Name() string
	// Identifier is the schema qualified partition name
	Identifier() string
	// Definition is the bound clause as reported by pg_get_expr(relpartbound)
	Definition() string
	CreateSQL() string
	DetachSQL() string

	// Compare orders partitions of the same table by lower bound. ok is false
	// for partitions of different tables or kinds.
	Compare(other Partition) (cmp int, ok bool)
	Equal(other Partition) bool

	String() string
	partition()
}

// SortPartitions sorts by lower bound. Partitions that do not compare, such as
// those of different tables, are grouped by table name and never cause a panic.
func SortPartitions(parts []Partition) {
	sort.SliceStable(parts, func(i, j int) bool {
		if c, ok := parts[i].Compare(parts[j]); ok {
			return c < 0
		}
		if parts[i].Table() != parts[j].Table() {
			return parts[i].Table() < parts[j].Table()
		}
		return parts[i].Name() < parts[j].Name()
	})
}

// Subtract returns the partitions of a that have no equal in b, keeping order
func Subtract(a, b []Partition) []Partition {
	var out []Partition
	for _, p := range a {
		if !containsPartition(b, p) {
			out = append(out, p)
		}
	}
	return out
}

func containsPartition(parts []Partition, p Partition) bool {
	for _, q := range parts {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

func createSQL(p Partition) string {
	return "CREATE TABLE IF NOT EXISTS " + quoteIdentifier(p.Identifier()) +
		" PARTITION OF " + quoteIdentifier(p.Table()) + " " + p.Definition()
}

func detachSQL(p Partition) string {
	return "ALTER TABLE " + quoteIdentifier(p.Table()) +
		" DETACH PARTITION " + quoteIdentifier(p.Identifier())
}

// quoteIdentifier quotes a possibly schema qualified name
func quoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}

// naming holds an explicit partition name and the schema it lives in. Both
// are optional: the schema defaults to DynamicSchema.
type naming struct {
	schema string
	name   string
}

// splitName accepts a plain or schema qualified partition name
func splitName(name string) naming {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return naming{schema: name[:i], name: name[i+1:]}
	}
	return naming{name: name}
}

func (n naming) identifier(resolved string) string {
	schema := n.schema
	if schema == "" {
		schema = DynamicSchema
	}
	return schema + "." + resolved
}

// unqualified strips a schema prefix from a table name
func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// trimBound removes surrounding quotes and whitespace from a bound literal
func trimBound(s string) string {
	return strings.Trim(strings.TrimSpace(s), "'")
}
