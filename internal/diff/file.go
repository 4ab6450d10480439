package diff

import (
	"path"
	"strings"
)

// PositionType identifies what a diff position is anchored to
type PositionType string

const (
	PositionText  PositionType = "text"
	PositionImage PositionType = "image"
	PositionFile  PositionType = "file"
)

// LineType classifies a line inside a diff hunk
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

func (t LineType) String() string {
	switch t {
	case LineAdded:
		return "added"
	case LineRemoved:
		return "removed"
	default:
		return "context"
	}
}

// Line is a single line of a hunk. OldPos is 0 for added lines and NewPos is 0
// for removed lines.
type Line struct {
	Type   LineType
	OldPos int
	NewPos int
	Text   string
}

// Hunk represents one @@ section of a file diff
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Section  string
	Lines    []Line
}

// File is the change of a single file between two commits
type File struct {
	OldPath     string
	NewPath     string
	NewFile     bool
	DeletedFile bool
	RenamedFile bool
	Binary      bool
	Hunks       []Hunk
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".ico":  true,
	".webp": true,
}

// PositionType reports whether positions on this file are image or text positions
func (f *File) PositionType() PositionType {
	p := f.NewPath
	if p == "" {
		p = f.OldPath
	}
	if imageExtensions[strings.ToLower(path.Ext(p))] {
		return PositionImage
	}
	return PositionText
}

// Lines returns every hunk line in diff order
func (f *File) Lines() []Line {
	if f == nil {
		return nil
	}
	var lines []Line
	for _, h := range f.Hunks {
		lines = append(lines, h.Lines...)
	}
	return lines
}

// LineFor resolves the diff line addressed by an old/new line pair. A nil
// old line addresses an added line, a nil new line a removed one.
func (f *File) LineFor(oldLine, newLine *int) *Line {
	if f == nil || (oldLine == nil && newLine == nil) {
		return nil
	}
	for _, h := range f.Hunks {
		for i := range h.Lines {
			l := &h.Lines[i]
			if matchesPos(l.OldPos, oldLine) && matchesPos(l.NewPos, newLine) {
				return l
			}
		}
	}
	return nil
}

func matchesPos(pos int, want *int) bool {
	if want == nil {
		return pos == 0
	}
	return pos == *want
}
