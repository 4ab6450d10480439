package partitioning

import (
	"context"
	"strconv"
	"strings"
)

// Policy decides something about one partition, such as whether the sliding
// list should advance past it or whether it may be detached.
type Policy func(ctx context.Context, conn Conn, p Partition) (bool, error)

func Always() Policy {
	return func(context.Context, Conn, Partition) (bool, error) { return true, nil }
}

func Never() Policy {
	return func(context.Context, Conn, Partition) (bool, error) { return false, nil }
}

// PartitionSizeAbove holds once the partition takes more than bytes on disk
func PartitionSizeAbove(bytes int64) Policy {
	return func(ctx context.Context, conn Conn, p Partition) (bool, error) {
		size, err := conn.TableSize(ctx, p.Identifier())
		if err != nil {
			return false, err
		}
		return size > bytes, nil
	}
}

// PartitionRowCountAbove holds once the planner estimates more than rows rows
func PartitionRowCountAbove(rows int64) Policy {
	return func(ctx context.Context, conn Conn, p Partition) (bool, error) {
		count, err := conn.EstimatedRowCount(ctx, p.Identifier())
		if err != nil {
			return false, err
		}
		return count > rows, nil
	}
}

// PartitionEmptyWhere holds when no row of the partition matches predicate
func PartitionEmptyWhere(predicate string) Policy {
	return func(ctx context.Context, conn Conn, p Partition) (bool, error) {
		has, err := conn.HasRows(ctx, p.Identifier(), predicate)
		if err != nil {
			return false, err
		}
		return !has, nil
	}
}

// ParsePolicy builds a policy from its config form: always, never,
// size_above:<bytes>, rows_above:<rows> or empty_where:<sql predicate>.
// An empty string is never.
func ParsePolicy(s string) (Policy, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch kind {
	case "", "never":
		return Never(), nil
	case "always":
		return Always(), nil
	case "size_above":
		n, err := parseSize(arg)
		if err != nil {
			return nil, err
		}
		return PartitionSizeAbove(n), nil
	case "rows_above":
		n, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			return nil, argumentError("policy %q: %v", s, err)
		}
		return PartitionRowCountAbove(n), nil
	case "empty_where":
		if strings.TrimSpace(arg) == "" {
			return nil, argumentError("policy %q: predicate is required", s)
		}
		return PartitionEmptyWhere(strings.TrimSpace(arg)), nil
	default:
		return nil, argumentError("unknown policy %q", s)
	}
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseSize accepts a byte count with an optional KB, MB, GB or TB suffix
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	factor := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			factor = u.factor
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, argumentError("invalid size %q", s)
	}
	return n * factor, nil
}
