package diff

// Refs are the three commits a merge request diff is computed from
type Refs struct {
	BaseSHA  string `json:"base_sha"`
	StartSHA string `json:"start_sha"`
	HeadSHA  string `json:"head_sha"`
}

// Complete reports whether all three SHAs are known
func (r Refs) Complete() bool {
	return r.BaseSHA != "" && r.StartSHA != "" && r.HeadSHA != ""
}

// Collection is the ordered set of file diffs for one base to target comparison
type Collection struct {
	Refs  Refs
	Files []*File
}

// FileWithOldPath returns the first file whose old path equals path
func (c *Collection) FileWithOldPath(path string) *File {
	if c == nil || path == "" {
		return nil
	}
	for _, f := range c.Files {
		if f.OldPath == path {
			return f
		}
	}
	return nil
}

// FileWithNewPath returns the first file whose new path equals path
func (c *Collection) FileWithNewPath(path string) *File {
	if c == nil || path == "" {
		return nil
	}
	for _, f := range c.Files {
		if f.NewPath == path {
			return f
		}
	}
	return nil
}

// CompareOptions tune how a comparison between two commits is computed
type CompareOptions struct {
	// Straight compares the two commits directly instead of from their merge base
	Straight               bool
	IgnoreWhitespaceChange bool
	Paths                  []string
}
