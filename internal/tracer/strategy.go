package tracer

import (
	"context"

	"github.com/livereview/lrmaint/internal/diff"
)

// Result is the outcome of tracing a position onto a newer diff
type Result struct {
	Position *Position
	Outdated bool
}

// Diffs holds the three comparisons a trace walks through:
// AC is the target branch before and after, BD the source branch before and
// after, and CD the current merge request diff.
type Diffs struct {
	AC *diff.Collection
	BD *diff.Collection
	CD *diff.Collection
}

// Validator confirms that a position resolves to a real line of its diff
type Validator interface {
	ValidPosition(ctx context.Context, pos *Position) (bool, error)
}

// Strategy traces one kind of position forward through the diffs
type Strategy interface {
	Trace(ctx context.Context, pos *Position) (Result, error)
	strategy()
}

// newStrategy selects the strategy for a position by its type
func newStrategy(pos *Position, diffs Diffs, v Validator) Strategy {
	switch {
	case pos.OnFile():
		return NewFileStrategy(diffs)
	case pos.OnImage():
		return NewImageStrategy(diffs)
	default:
		return NewLineStrategy(diffs, v)
	}
}

// buildPosition creates a position on the given comparison. file may be nil
// when the file is untouched by that comparison, in which case the fallback
// paths are used.
func buildPosition(coll *diff.Collection, file *diff.File, oldPath, newPath string, oldLine, newLine *int, from *Position) *Position {
	p := &Position{
		PositionType:           from.PositionType,
		OldPath:                oldPath,
		NewPath:                newPath,
		OldLine:                copyInt(oldLine),
		NewLine:                copyInt(newLine),
		LineRange:              from.LineRange.clone(),
		IgnoreWhitespaceChange: from.IgnoreWhitespaceChange,
	}
	if coll != nil {
		p.Refs = coll.Refs
	}
	if file != nil {
		p.OldPath = file.OldPath
		p.NewPath = file.NewPath
	}
	return p
}
