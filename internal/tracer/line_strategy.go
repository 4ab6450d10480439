package tracer

import (
	"context"
	"fmt"

	"github.com/livereview/lrmaint/internal/diff"
)

// LineStrategy traces positions anchored to a single line.
//
// Suppose a merge request from `feature` into `main`. The position was made on
// the diff from A (old start) to B (old head). Both branches have since moved:
// main from A to C, feature from B to D. The line is followed through A->C,
// B->D and C->D to find where it sits on the diff from C to D.
type LineStrategy struct {
	diffs     Diffs
	validator Validator
}

// NewLineStrategy creates a strategy for line positions
func NewLineStrategy(diffs Diffs, v Validator) *LineStrategy {
	return &LineStrategy{diffs: diffs, validator: v}
}

func (s *LineStrategy) strategy() {}

// Trace dispatches on whether the line was added, removed or unchanged
func (s *LineStrategy) Trace(ctx context.Context, pos *Position) (Result, error) {
	switch {
	case pos.Added():
		return s.traceAddedLine(ctx, pos)
	case pos.Removed():
		return s.traceRemovedLine(pos), nil
	case pos.Unchanged():
		return s.traceUnchangedLine(ctx, pos)
	default:
		return Result{}, fmt.Errorf("position on %s has no line", pos.NewPath)
	}
}

func (s *LineStrategy) traceAddedLine(ctx context.Context, pos *Position) (Result, error) {
	bPath := pos.NewPath
	bLine := *pos.NewLine

	bdFile := s.diffs.BD.FileWithOldPath(bPath)
	dPath := bPath
	if bdFile != nil {
		dPath = bdFile.NewPath
	}

	dLine, ok := diff.NewLineMapper(bdFile).OldToNew(bLine)
	if !ok {
		// The line is no longer in D: it was removed from the merge request.
		return Result{
			Position: buildPosition(s.diffs.BD, bdFile, bPath, dPath, &bLine, nil, pos),
			Outdated: true,
		}, nil
	}

	cdFile := s.diffs.CD.FileWithNewPath(dPath)
	cPath := dPath
	if cdFile != nil {
		cPath = cdFile.OldPath
	}

	cLine, ok := diff.NewLineMapper(cdFile).NewToOld(dLine)
	if !ok {
		// Still in D and not in C: still an added line.
		return Result{
			Position: buildPosition(s.diffs.CD, cdFile, cPath, dPath, nil, &dLine, pos),
			Outdated: false,
		}, nil
	}

	// In both C and D: the added line turned into an unchanged one.
	newPos := buildPosition(s.diffs.CD, cdFile, cPath, dPath, &cLine, &dLine, pos)
	valid, err := s.validator.ValidPosition(ctx, newPos)
	if err != nil {
		return Result{}, err
	}
	if valid {
		return Result{Position: newPos, Outdated: false}, nil
	}

	// Not shown on the merge request diff any more, so show it on A->C.
	acFile := s.diffs.AC.FileWithNewPath(cPath)
	aPath := cPath
	if acFile != nil {
		aPath = acFile.OldPath
	}
	var aLine *int
	if line, ok := diff.NewLineMapper(acFile).NewToOld(cLine); ok {
		aLine = intPtr(line)
	}

	return Result{
		Position: buildPosition(s.diffs.AC, acFile, aPath, cPath, aLine, &cLine, pos),
		Outdated: true,
	}, nil
}

func (s *LineStrategy) traceRemovedLine(pos *Position) Result {
	aPath := pos.OldPath
	aLine := *pos.OldLine

	acFile := s.diffs.AC.FileWithOldPath(aPath)
	cPath := aPath
	if acFile != nil {
		cPath = acFile.NewPath
	}

	cLine, ok := diff.NewLineMapper(acFile).OldToNew(aLine)
	if !ok {
		// Gone from C: it was removed outside of the merge request.
		return Result{Outdated: true}
	}

	cdFile := s.diffs.CD.FileWithOldPath(cPath)
	dPath := cPath
	if cdFile != nil {
		dPath = cdFile.NewPath
	}

	dLine, ok := diff.NewLineMapper(cdFile).OldToNew(cLine)
	if !ok {
		// Still in C and not in D: still a removed line.
		return Result{
			Position: buildPosition(s.diffs.CD, cdFile, cPath, dPath, &cLine, nil, pos),
			Outdated: false,
		}
	}

	// The line is back in D. A removed line that turns unchanged is always
	// flagged for review, shown where it reappeared on B->D.
	bdFile := s.diffs.BD.FileWithNewPath(dPath)
	bPath := dPath
	if bdFile != nil {
		bPath = bdFile.OldPath
	}
	return Result{
		Position: buildPosition(s.diffs.BD, bdFile, bPath, dPath, nil, &dLine, pos),
		Outdated: true,
	}
}

func (s *LineStrategy) traceUnchangedLine(ctx context.Context, pos *Position) (Result, error) {
	aPath, aLine := pos.OldPath, *pos.OldLine
	bPath, bLine := pos.NewPath, *pos.NewLine

	acFile := s.diffs.AC.FileWithOldPath(aPath)
	cPath := aPath
	if acFile != nil {
		cPath = acFile.NewPath
	}
	cLine, cOK := diff.NewLineMapper(acFile).OldToNew(aLine)

	bdFile := s.diffs.BD.FileWithOldPath(bPath)
	dPath := bPath
	if bdFile != nil {
		dPath = bdFile.NewPath
	}
	dLine, dOK := diff.NewLineMapper(bdFile).OldToNew(bLine)

	switch {
	case cOK && dOK:
		cdFile := s.diffs.CD.FileWithOldPath(cPath)
		newPos := buildPosition(s.diffs.CD, cdFile, cPath, dPath, &cLine, &dLine, pos)
		valid, err := s.validator.ValidPosition(ctx, newPos)
		if err != nil {
			return Result{}, err
		}
		if !valid {
			// Cannot be shown on C->D nor B->D.
			return Result{Outdated: true}, nil
		}
		return Result{Position: newPos, Outdated: false}, nil

	case dOK:
		// Still in D but gone from C: the line turned into an added one.
		cdFile := s.diffs.CD.FileWithNewPath(dPath)
		if cdFile == nil {
			cdFile = s.diffs.CD.FileWithOldPath(cPath)
		}
		return Result{
			Position: buildPosition(s.diffs.CD, cdFile, cPath, dPath, nil, &dLine, pos),
			Outdated: false,
		}, nil

	default:
		// Gone from D: show where it last existed, on B->D.
		return Result{
			Position: buildPosition(s.diffs.BD, bdFile, bPath, dPath, &bLine, nil, pos),
			Outdated: true,
		}, nil
	}
}
