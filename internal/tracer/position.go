package tracer

import (
	"github.com/livereview/lrmaint/internal/diff"
)

// LinePoint is one end of a multi-line selection
type LinePoint struct {
	OldLine *int `json:"old_line,omitempty"`
	NewLine *int `json:"new_line,omitempty"`
}

// LineRange is a multi-line selection inside a diff
type LineRange struct {
	Start LinePoint `json:"start"`
	End   LinePoint `json:"end"`
}

// Position anchors a review comment to a file, line or image region of a diff.
// Positions are never mutated once built; tracing returns new ones.
type Position struct {
	Refs         diff.Refs         `json:"diff_refs"`
	PositionType diff.PositionType `json:"position_type"`

	// Empty when the file does not exist on that side
	OldPath string `json:"old_path,omitempty"`
	NewPath string `json:"new_path,omitempty"`

	OldLine   *int       `json:"old_line,omitempty"`
	NewLine   *int       `json:"new_line,omitempty"`
	LineRange *LineRange `json:"line_range,omitempty"`

	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`

	IgnoreWhitespaceChange bool `json:"ignore_whitespace_change"`
}

// Added reports whether the position is on a line that only exists on the new side
func (p *Position) Added() bool {
	return p.OldLine == nil && p.NewLine != nil
}

// Removed reports whether the position is on a line that only exists on the old side
func (p *Position) Removed() bool {
	return p.NewLine == nil && p.OldLine != nil
}

// Unchanged reports whether the position is on a line present on both sides
func (p *Position) Unchanged() bool {
	return p.OldLine != nil && p.NewLine != nil
}

func (p *Position) OnFile() bool {
	return p.PositionType == diff.PositionFile
}

func (p *Position) OnImage() bool {
	return p.PositionType == diff.PositionImage
}

func (r *LineRange) clone() *LineRange {
	if r == nil {
		return nil
	}
	c := *r
	c.Start = LinePoint{OldLine: copyInt(r.Start.OldLine), NewLine: copyInt(r.Start.NewLine)}
	c.End = LinePoint{OldLine: copyInt(r.End.OldLine), NewLine: copyInt(r.End.NewLine)}
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func intPtr(v int) *int {
	return &v
}
