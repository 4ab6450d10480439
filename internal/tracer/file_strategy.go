package tracer

import (
	"context"

	"github.com/livereview/lrmaint/internal/diff"
)

// FileStrategy traces positions that address a whole file
type FileStrategy struct {
	diffs    Diffs
	geometry bool
}

// NewFileStrategy creates a strategy for whole-file positions
func NewFileStrategy(diffs Diffs) *FileStrategy {
	return &FileStrategy{diffs: diffs}
}

func (s *FileStrategy) strategy() {}

// Trace follows the file through the source branch, the current diff and the
// target branch, in that order.
func (s *FileStrategy) Trace(_ context.Context, pos *Position) (Result, error) {
	// Any change to the file on the source branch outdates the note, even if
	// the file is still part of the merge request.
	if bd := s.diffs.BD.FileWithOldPath(pos.NewPath); bd != nil {
		return Result{Position: s.newPosition(pos, s.diffs.BD, bd), Outdated: true}, nil
	}

	if cd := s.diffs.CD.FileWithNewPath(pos.NewPath); cd != nil {
		return Result{Position: s.newPosition(pos, s.diffs.CD, cd), Outdated: false}, nil
	}

	// The same change landed on the target branch, e.g. after a rebase.
	if ac := s.diffs.AC.FileWithOldPath(pos.OldPath); ac != nil {
		return Result{Position: s.newPosition(pos, s.diffs.AC, ac), Outdated: true}, nil
	}

	return Result{Outdated: true}, nil
}

func (s *FileStrategy) newPosition(from *Position, coll *diff.Collection, file *diff.File) *Position {
	p := buildPosition(coll, file, file.OldPath, file.NewPath, nil, nil, from)
	p.LineRange = nil
	if s.geometry {
		p.X = copyFloat(from.X)
		p.Y = copyFloat(from.Y)
		p.Width = copyFloat(from.Width)
		p.Height = copyFloat(from.Height)
	}
	return p
}

// ImageStrategy traces positions on an image diff. It follows the file like
// FileStrategy and carries the selected region forward unchanged.
type ImageStrategy struct {
	FileStrategy
}

// NewImageStrategy creates a strategy for image positions
func NewImageStrategy(diffs Diffs) *ImageStrategy {
	return &ImageStrategy{FileStrategy{diffs: diffs, geometry: true}}
}
