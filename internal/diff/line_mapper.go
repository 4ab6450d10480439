package diff

// LineMapper maps line numbers between the old and new side of a file diff.
// A mapper over a nil file is the identity: the file did not change.
type LineMapper struct {
	file *File
}

// NewLineMapper creates a mapper for the given file diff, which may be nil
func NewLineMapper(file *File) LineMapper {
	return LineMapper{file: file}
}

// OldToNew returns the new-side line for an old-side line. ok is false when
// the line was removed by the diff.
func (m LineMapper) OldToNew(line int) (int, bool) {
	return m.mapLine(line, true)
}

// NewToOld returns the old-side line for a new-side line. ok is false when
// the line was added by the diff.
func (m LineMapper) NewToOld(line int) (int, bool) {
	return m.mapLine(line, false)
}

func (m LineMapper) mapLine(line int, fromOld bool) (int, bool) {
	if m.file == nil {
		return line, true
	}
	if line <= 0 {
		return 0, false
	}
	if fromOld && m.file.DeletedFile {
		return 0, false
	}
	if !fromOld && m.file.NewFile {
		return 0, false
	}

	offset := 0
	for _, h := range m.file.Hunks {
		fromStart, fromCount, toCount := h.OldStart, h.OldLines, h.NewLines
		if !fromOld {
			fromStart, fromCount, toCount = h.NewStart, h.NewLines, h.OldLines
		}

		// A hunk without lines on the from side inserts after fromStart.
		if fromCount == 0 {
			if fromStart >= line {
				break
			}
			offset += toCount
			continue
		}
		if fromStart > line {
			break
		}
		if fromStart+fromCount-1 < line {
			offset += toCount - fromCount
			continue
		}

		for _, l := range h.Lines {
			from, to := l.OldPos, l.NewPos
			if !fromOld {
				from, to = l.NewPos, l.OldPos
			}
			if from != line {
				continue
			}
			if l.Type == LineContext {
				return to, true
			}
			return 0, false
		}
		return 0, false
	}

	return line + offset, true
}
