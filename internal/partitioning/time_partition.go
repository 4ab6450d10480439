package partitioning

import (
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

const dateLayout = "2006-01-02"

// Layouts pg_get_expr may use for date and timestamp bounds
var timeBoundLayouts = []string{
	dateLayout,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999-07",
	time.RFC3339,
}

var rangeDefinition = regexp.MustCompile(`^FOR VALUES FROM \((.+)\) TO \((.+)\)$`)

// TimePartition holds the rows whose partitioning key is in [from, to). A nil
// from is MINVALUE.
type TimePartition struct {
	table string
	from  *time.Time
	to    time.Time
	naming
}

// NewTimePartition creates a time range partition. An empty name derives one
// from the lower bound.
func NewTimePartition(table string, from *time.Time, to time.Time, name string) (*TimePartition, error) {
	if from != nil && !to.After(*from) {
		return nil, argumentError("partition %s: upper bound %s must be after lower bound %s",
			table, to.Format(dateLayout), from.Format(dateLayout))
	}
	p := &TimePartition{table: table, to: to.UTC(), naming: splitName(name)}
	if from != nil {
		f := from.UTC()
		p.from = &f
	}
	return p, nil
}

// TimePartitionFromSQL parses a catalog definition such as
// FOR VALUES FROM ('2020-05-01') TO ('2020-06-01')
func TimePartitionFromSQL(table, name, definition string) (*TimePartition, error) {
	m := rangeDefinition.FindStringSubmatch(definition)
	if m == nil {
		return nil, argumentError("unknown partition definition: %s", definition)
	}
	rawFrom, rawTo := trimBound(m[1]), trimBound(m[2])
	if rawTo == "MAXVALUE" {
		return nil, fmt.Errorf("%w: open-ended time partitions with MAXVALUE", ErrNotImplemented)
	}

	to, err := parseTimeBound(rawTo)
	if err != nil {
		return nil, err
	}
	var from *time.Time
	if rawFrom != "MINVALUE" {
		f, err := parseTimeBound(rawFrom)
		if err != nil {
			return nil, err
		}
		from = &f
	}
	return NewTimePartition(table, from, to, name)
}

func parseTimeBound(s string) (time.Time, error) {
	for _, layout := range timeBoundLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, argumentError("unparseable time bound %q", s)
}

func (p *TimePartition) partition() {}

func (p *TimePartition) Table() string { return p.table }

// From is the inclusive lower bound, nil for MINVALUE
func (p *TimePartition) From() *time.Time { return p.from }

// To is the exclusive upper bound
func (p *TimePartition) To() time.Time { return p.to }

func (p *TimePartition) Name() string {
	if p.name != "" {
		return p.name
	}
	if p.from == nil {
		return unqualified(p.table) + "_000000"
	}
	return unqualified(p.table) + "_" + p.from.Format("200601")
}

func (p *TimePartition) Identifier() string { return p.identifier(p.Name()) }

func (p *TimePartition) Definition() string {
	from := "MINVALUE"
	if p.from != nil {
		from = pq.QuoteLiteral(p.from.Format(dateLayout))
	}
	return fmt.Sprintf("FOR VALUES FROM (%s) TO (%s)", from, pq.QuoteLiteral(p.to.Format(dateLayout)))
}

func (p *TimePartition) CreateSQL() string { return createSQL(p) }

func (p *TimePartition) DetachSQL() string { return detachSQL(p) }

func (p *TimePartition) Compare(other Partition) (int, bool) {
	o, ok := other.(*TimePartition)
	if !ok || o.table != p.table {
		return 0, false
	}
	switch {
	case p.from == nil && o.from == nil:
		return 0, true
	case p.from == nil:
		return -1, true
	case o.from == nil:
		return 1, true
	default:
		return p.from.Compare(*o.from), true
	}
}

func (p *TimePartition) Equal(other Partition) bool {
	o, ok := other.(*TimePartition)
	if !ok || o.table != p.table || !o.to.Equal(p.to) || o.Name() != p.Name() {
		return false
	}
	if p.from == nil || o.from == nil {
		return p.from == nil && o.from == nil
	}
	return p.from.Equal(*o.from)
}

func (p *TimePartition) String() string {
	return p.Identifier() + " " + p.Definition()
}
