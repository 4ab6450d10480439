package partitioning

import (
	"fmt"
	"strconv"
)

// IntRangePartition holds the rows whose integer key is in [from, to)
type IntRangePartition struct {
	table string
	from  int64
	to    int64
	naming
}

// NewIntRangePartition creates an integer range partition. Both bounds must be
// positive and from must be below to.
func NewIntRangePartition(table string, from, to int64, name string) (*IntRangePartition, error) {
	if from <= 0 || to <= 0 {
		return nil, argumentError("partition %s: bounds must be positive, got [%d, %d)", table, from, to)
	}
	if to <= from {
		return nil, argumentError("partition %s: upper bound %d must be greater than lower bound %d", table, to, from)
	}
	return &IntRangePartition{table: table, from: from, to: to, naming: splitName(name)}, nil
}

// IntRangePartitionFromSQL parses a catalog definition such as
// FOR VALUES FROM ('1') TO ('100')
func IntRangePartitionFromSQL(table, name, definition string) (*IntRangePartition, error) {
	m := rangeDefinition.FindStringSubmatch(definition)
	if m == nil {
		return nil, argumentError("unknown partition definition: %s", definition)
	}
	rawFrom, rawTo := trimBound(m[1]), trimBound(m[2])
	if rawFrom == "MINVALUE" || rawTo == "MAXVALUE" {
		return nil, fmt.Errorf("%w: open-ended integer range partitions", ErrNotImplemented)
	}

	from, err := strconv.ParseInt(rawFrom, 10, 64)
	if err != nil {
		return nil, argumentError("unparseable lower bound %q", rawFrom)
	}
	to, err := strconv.ParseInt(rawTo, 10, 64)
	if err != nil {
		return nil, argumentError("unparseable upper bound %q", rawTo)
	}
	return NewIntRangePartition(table, from, to, name)
}

func (p *IntRangePartition) partition() {}

func (p *IntRangePartition) Table() string { return p.table }

func (p *IntRangePartition) From() int64 { return p.from }

func (p *IntRangePartition) To() int64 { return p.to }

func (p *IntRangePartition) Name() string {
	if p.name != "" {
		return p.name
	}
	return fmt.Sprintf("%s_%d", unqualified(p.table), p.from)
}

func (p *IntRangePartition) Identifier() string { return p.identifier(p.Name()) }

func (p *IntRangePartition) Definition() string {
	return fmt.Sprintf("FOR VALUES FROM (%d) TO (%d)", p.from, p.to)
}

func (p *IntRangePartition) CreateSQL() string { return createSQL(p) }

func (p *IntRangePartition) DetachSQL() string { return detachSQL(p) }

func (p *IntRangePartition) Compare(other Partition) (int, bool) {
	o, ok := other.(*IntRangePartition)
	if !ok || o.table != p.table {
		return 0, false
	}
	return compareInt64(p.from, o.from), true
}

func (p *IntRangePartition) Equal(other Partition) bool {
	o, ok := other.(*IntRangePartition)
	return ok && o.table == p.table && o.from == p.from && o.to == p.to && o.Name() == p.Name()
}

func (p *IntRangePartition) String() string {
	return p.Identifier() + " " + p.Definition()
}
