package diff

import (
	"bytes"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// Parser parses git diff output into structured data
type Parser struct{}

// NewParser creates a new diff parser
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a unified git diff into file diffs
func (p *Parser) Parse(diffText string) ([]*File, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, nil
	}

	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}

	result := make([]*File, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		file, err := p.convertFileDiff(fd)
		if err != nil {
			return nil, err
		}
		result = append(result, file)
	}

	return result, nil
}

// ParseCollection parses a diff and tags it with the refs it was computed for
func (p *Parser) ParseCollection(refs Refs, diffText string) (*Collection, error) {
	files, err := p.Parse(diffText)
	if err != nil {
		return nil, err
	}
	return &Collection{Refs: refs, Files: files}, nil
}

func (p *Parser) convertFileDiff(fd *godiff.FileDiff) (*File, error) {
	file := &File{
		OldPath: stripPrefix(fd.OrigName, "a/"),
		NewPath: stripPrefix(fd.NewName, "b/"),
	}

	for _, ext := range fd.Extended {
		switch {
		case strings.HasPrefix(ext, "diff --git "):
			oldPath, newPath := parseDiffGitHeader(ext)
			if file.OldPath == "" {
				file.OldPath = oldPath
			}
			if file.NewPath == "" {
				file.NewPath = newPath
			}
		case strings.HasPrefix(ext, "new file mode"):
			file.NewFile = true
		case strings.HasPrefix(ext, "deleted file mode"):
			file.DeletedFile = true
		case strings.HasPrefix(ext, "rename from "):
			file.OldPath = strings.TrimPrefix(ext, "rename from ")
			file.RenamedFile = true
		case strings.HasPrefix(ext, "rename to "):
			file.NewPath = strings.TrimPrefix(ext, "rename to ")
			file.RenamedFile = true
		case strings.HasPrefix(ext, "Binary files "), ext == "GIT binary patch":
			file.Binary = true
		}
	}

	// Paths of added and removed files mirror the side that exists.
	if file.OldPath == devNull || file.OldPath == "" {
		file.NewFile = true
		file.OldPath = file.NewPath
	}
	if file.NewPath == devNull || file.NewPath == "" {
		file.DeletedFile = true
		file.NewPath = file.OldPath
	}
	if file.OldPath == "" {
		return nil, fmt.Errorf("could not extract file path from diff")
	}

	for _, h := range fd.Hunks {
		hunk, err := p.convertHunk(h)
		if err != nil {
			return nil, fmt.Errorf("hunk in %s: %w", file.NewPath, err)
		}
		file.Hunks = append(file.Hunks, hunk)
	}

	return file, nil
}

func (p *Parser) convertHunk(h *godiff.Hunk) (Hunk, error) {
	hunk := Hunk{
		OldStart: int(h.OrigStartLine),
		OldLines: int(h.OrigLines),
		NewStart: int(h.NewStartLine),
		NewLines: int(h.NewLines),
		Section:  h.Section,
	}

	oldPos, newPos := hunk.OldStart, hunk.NewStart
	body := bytes.TrimSuffix(h.Body, []byte("\n"))
	if len(body) == 0 {
		return hunk, nil
	}

	for _, raw := range strings.Split(string(body), "\n") {
		if raw == "" {
			// Some tools strip the leading space of empty context lines.
			raw = " "
		}
		switch raw[0] {
		case '+':
			hunk.Lines = append(hunk.Lines, Line{Type: LineAdded, NewPos: newPos, Text: raw[1:]})
			newPos++
		case '-':
			hunk.Lines = append(hunk.Lines, Line{Type: LineRemoved, OldPos: oldPos, Text: raw[1:]})
			oldPos++
		case ' ':
			hunk.Lines = append(hunk.Lines, Line{Type: LineContext, OldPos: oldPos, NewPos: newPos, Text: raw[1:]})
			oldPos++
			newPos++
		case '\\':
			// "\ No newline at end of file"
		default:
			return hunk, fmt.Errorf("unexpected hunk line %q", raw)
		}
	}

	return hunk, nil
}

func parseDiffGitHeader(header string) (string, string) {
	// A simple parser for "diff --git a/old/path b/new/path"
	parts := strings.Fields(header)
	if len(parts) == 4 {
		return stripPrefix(parts[2], "a/"), stripPrefix(parts[3], "b/")
	}
	return "", ""
}

func stripPrefix(name, prefix string) string {
	if name == devNull {
		return name
	}
	return strings.TrimPrefix(name, prefix)
}
