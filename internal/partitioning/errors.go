package partitioning

import (
	"errors"
	"fmt"
)

var (
	// ErrArgument marks a programming error: malformed bounds, a bad strategy
	// setup or an unparseable catalog definition. It is never swallowed.
	ErrArgument = errors.New("invalid argument")

	// ErrNotImplemented is returned for partition shapes the strategies never
	// produce, such as ranges open to MAXVALUE.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnsafeToDetach is returned when a foreign key still references a
	// partition that is about to be detached.
	ErrUnsafeToDetach = errors.New("unsafe to detach partition")
)

func argumentError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArgument, fmt.Sprintf(format, args...))
}

// UnableToPartitionError explains which prerequisite of a table conversion is
// not met.
type UnableToPartitionError struct {
	Table  string
	Reason string
}

func (e *UnableToPartitionError) Error() string {
	return fmt.Sprintf("unable to partition %s: %s", e.Table, e.Reason)
}
