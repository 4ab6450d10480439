package partitioning

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var listDefinition = regexp.MustCompile(`^FOR VALUES IN \((.+)\)$`)

func parseListValues(definition string) ([]int64, error) {
	m := listDefinition.FindStringSubmatch(definition)
	if m == nil {
		return nil, argumentError("unknown partition definition: %s", definition)
	}
	var values []int64
	for _, raw := range strings.Split(m[1], ",") {
		v, err := strconv.ParseInt(trimBound(raw), 10, 64)
		if err != nil {
			return nil, argumentError("unparseable list value %q", raw)
		}
		values = append(values, v)
	}
	return values, nil
}

func formatValues(values []int64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ", ")
}

// SingleNumericListPartition holds the rows whose key equals one value
type SingleNumericListPartition struct {
	table string
	value int64
	naming
}

func NewSingleNumericListPartition(table string, value int64, name string) *SingleNumericListPartition {
	return &SingleNumericListPartition{table: table, value: value, naming: splitName(name)}
}

// SingleNumericListPartitionFromSQL parses FOR VALUES IN ('5')
func SingleNumericListPartitionFromSQL(table, name, definition string) (*SingleNumericListPartition, error) {
	values, err := parseListValues(definition)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, argumentError("expected a single list value in %s", definition)
	}
	return NewSingleNumericListPartition(table, values[0], name), nil
}

func (p *SingleNumericListPartition) partition() {}

func (p *SingleNumericListPartition) Table() string { return p.table }

func (p *SingleNumericListPartition) Value() int64 { return p.value }

func (p *SingleNumericListPartition) Name() string {
	if p.name != "" {
		return p.name
	}
	return fmt.Sprintf("%s_%d", unqualified(p.table), p.value)
}

func (p *SingleNumericListPartition) Identifier() string { return p.identifier(p.Name()) }

func (p *SingleNumericListPartition) Definition() string {
	return fmt.Sprintf("FOR VALUES IN (%d)", p.value)
}

func (p *SingleNumericListPartition) CreateSQL() string { return createSQL(p) }

func (p *SingleNumericListPartition) DetachSQL() string { return detachSQL(p) }

func (p *SingleNumericListPartition) Compare(other Partition) (int, bool) {
	o, ok := other.(*SingleNumericListPartition)
	if !ok || o.table != p.table {
		return 0, false
	}
	return compareInt64(p.value, o.value), true
}

func (p *SingleNumericListPartition) Equal(other Partition) bool {
	o, ok := other.(*SingleNumericListPartition)
	return ok && o.table == p.table && o.value == p.value && o.Name() == p.Name()
}

func (p *SingleNumericListPartition) String() string {
	return p.Identifier() + " " + p.Definition()
}

// MultipleNumericListPartition holds the rows whose key is one of several
// values. Values are kept sorted.
type MultipleNumericListPartition struct {
	table  string
	values []int64
	naming
}

func NewMultipleNumericListPartition(table string, values []int64, name string) (*MultipleNumericListPartition, error) {
	if len(values) == 0 {
		return nil, argumentError("partition %s: at least one list value is required", table)
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return &MultipleNumericListPartition{table: table, values: slices.Compact(sorted), naming: splitName(name)}, nil
}

// MultipleNumericListPartitionFromSQL parses FOR VALUES IN ('100', '101')
func MultipleNumericListPartitionFromSQL(table, name, definition string) (*MultipleNumericListPartition, error) {
	values, err := parseListValues(definition)
	if err != nil {
		return nil, err
	}
	return NewMultipleNumericListPartition(table, values, name)
}

func (p *MultipleNumericListPartition) partition() {}

func (p *MultipleNumericListPartition) Table() string { return p.table }

func (p *MultipleNumericListPartition) Values() []int64 { return slices.Clone(p.values) }

// MaxValue is the greatest value held by the partition
func (p *MultipleNumericListPartition) MaxValue() int64 { return p.values[len(p.values)-1] }

func (p *MultipleNumericListPartition) Name() string {
	if p.name != "" {
		return p.name
	}
	return fmt.Sprintf("%s_%d", unqualified(p.table), p.values[0])
}

func (p *MultipleNumericListPartition) Identifier() string { return p.identifier(p.Name()) }

func (p *MultipleNumericListPartition) Definition() string {
	return "FOR VALUES IN (" + formatValues(p.values) + ")"
}

func (p *MultipleNumericListPartition) CreateSQL() string { return createSQL(p) }

func (p *MultipleNumericListPartition) DetachSQL() string { return detachSQL(p) }

func (p *MultipleNumericListPartition) Compare(other Partition) (int, bool) {
	o, ok := other.(*MultipleNumericListPartition)
	if !ok || o.table != p.table {
		return 0, false
	}
	return compareInt64(p.values[0], o.values[0]), true
}

func (p *MultipleNumericListPartition) Equal(other Partition) bool {
	o, ok := other.(*MultipleNumericListPartition)
	return ok && o.table == p.table && slices.Equal(o.values, p.values) && o.Name() == p.Name()
}

func (p *MultipleNumericListPartition) String() string {
	return p.Identifier() + " " + p.Definition()
}
