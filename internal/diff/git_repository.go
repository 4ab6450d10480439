package diff

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// GitRepository computes diffs from a local clone with the git CLI
type GitRepository struct {
	dir    string
	parser *Parser
}

// NewGitRepository creates a repository rooted at dir
func NewGitRepository(dir string) *GitRepository {
	return &GitRepository{dir: dir, parser: NewParser()}
}

// Compare returns the diff from one commit to another. Unless opts.Straight is
// set the diff starts at the merge base of the two commits, like a merge request.
func (r *GitRepository) Compare(ctx context.Context, from, to string, opts CompareOptions) (*Collection, error) {
	refs := Refs{BaseSHA: from, StartSHA: from, HeadSHA: to}

	args := []string{"diff", "--no-color", "--no-ext-diff", "--find-renames"}
	if opts.IgnoreWhitespaceChange {
		args = append(args, "--ignore-space-change")
	}
	if opts.Straight {
		args = append(args, from, to)
	} else {
		base, err := r.mergeBase(ctx, from, to)
		if err != nil {
			return nil, err
		}
		refs.BaseSHA = base
		args = append(args, base, to)
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}

	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	return r.parser.ParseCollection(refs, string(out))
}

func (r *GitRepository) mergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.run(ctx, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *GitRepository) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-C", r.dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("git command failed: %s\nstderr: %s", err, string(exitErr.Stderr))
		}
		return nil, err
	}
	return output, nil
}
