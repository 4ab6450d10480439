package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/livereview/lrmaint/internal/diff"
)

var (
	// ErrIncompleteRefs is returned when the old or new refs miss a SHA
	ErrIncompleteRefs = errors.New("diff refs are incomplete")
	// ErrRefsMismatch is returned when a position is not anchored at the old refs
	ErrRefsMismatch = errors.New("position is not anchored at the old diff refs")
)

// Repository computes the diff between two commits
type Repository interface {
	Compare(ctx context.Context, from, to string, opts diff.CompareOptions) (*diff.Collection, error)
}

// Option configures a Tracer
type Option func(*Tracer)

// WithPaths restricts every comparison to the given paths
func WithPaths(paths ...string) Option {
	return func(t *Tracer) {
		t.paths = append(t.paths, paths...)
	}
}

// WithIgnoreWhitespaceChange computes all comparisons ignoring whitespace changes
func WithIgnoreWhitespaceChange(ignore bool) Option {
	return func(t *Tracer) {
		t.ignoreWhitespace = ignore
	}
}

// Tracer maps positions made on the diff at oldRefs onto the diff at newRefs.
// It is safe for concurrent use; the comparisons it needs are loaded once.
type Tracer struct {
	repo    Repository
	oldRefs diff.Refs
	newRefs diff.Refs

	paths            []string
	ignoreWhitespace bool

	mu    sync.Mutex
	diffs *Diffs

	validMu sync.Mutex
	valid   map[diff.Refs]*diff.Collection
}

// New creates a tracer between two versions of a merge request diff
func New(repo Repository, oldRefs, newRefs diff.Refs, opts ...Option) *Tracer {
	t := &Tracer{
		repo:    repo,
		oldRefs: oldRefs,
		newRefs: newRefs,
		valid:   make(map[diff.Refs]*diff.Collection),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Trace returns the position on the new diff and whether the note is outdated.
// A nil position with Outdated set means the position cannot be shown anymore.
func (t *Tracer) Trace(ctx context.Context, pos *Position) (Result, error) {
	if !t.oldRefs.Complete() || !t.newRefs.Complete() {
		return Result{}, ErrIncompleteRefs
	}
	if pos.Refs != (diff.Refs{}) && pos.Refs != t.oldRefs {
		return Result{}, fmt.Errorf("%w: %s..%s", ErrRefsMismatch, pos.Refs.StartSHA, pos.Refs.HeadSHA)
	}

	diffs, err := t.Diffs(ctx)
	if err != nil {
		return Result{}, err
	}

	result, err := newStrategy(pos, *diffs, t).Trace(ctx, pos)
	if err != nil {
		return Result{}, err
	}

	log.Debug().
		Str("position_type", string(pos.PositionType)).
		Str("new_path", pos.NewPath).
		Bool("outdated", result.Outdated).
		Bool("resolved", result.Position != nil).
		Msg("Traced position")

	return result, nil
}

// Diffs returns the three comparisons, loading them concurrently on first use.
// A failed load is not cached.
func (t *Tracer) Diffs(ctx context.Context) (*Diffs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.diffs != nil {
		return t.diffs, nil
	}

	var d Diffs
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.AC, err = t.compare(gCtx, t.oldRefs.BaseSHA, t.newRefs.BaseSHA, true)
		return err
	})
	g.Go(func() (err error) {
		d.BD, err = t.compare(gCtx, t.oldRefs.HeadSHA, t.newRefs.HeadSHA, true)
		return err
	})
	g.Go(func() (err error) {
		d.CD, err = t.compare(gCtx, t.newRefs.StartSHA, t.newRefs.HeadSHA, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load diffs: %w", err)
	}

	t.diffs = &d
	return t.diffs, nil
}

// ValidPosition reports whether pos resolves to a real line of the diff its
// refs describe, as recomputed from the repository.
func (t *Tracer) ValidPosition(ctx context.Context, pos *Position) (bool, error) {
	if pos == nil {
		return false, nil
	}

	coll, err := t.collectionFor(ctx, pos.Refs)
	if err != nil {
		return false, err
	}

	file := coll.FileWithNewPath(pos.NewPath)
	if file == nil {
		return false, nil
	}
	return file.LineFor(pos.OldLine, pos.NewLine) != nil, nil
}

func (t *Tracer) collectionFor(ctx context.Context, refs diff.Refs) (*diff.Collection, error) {
	t.validMu.Lock()
	defer t.validMu.Unlock()

	if coll, ok := t.valid[refs]; ok {
		return coll, nil
	}

	coll, err := t.compare(ctx, refs.StartSHA, refs.HeadSHA, false)
	if err != nil {
		return nil, err
	}
	t.valid[refs] = coll
	return coll, nil
}

func (t *Tracer) compare(ctx context.Context, from, to string, straight bool) (*diff.Collection, error) {
	coll, err := t.repo.Compare(ctx, from, to, diff.CompareOptions{
		Straight:               straight,
		IgnoreWhitespaceChange: t.ignoreWhitespace,
		Paths:                  t.paths,
	})
	if err != nil {
		return nil, fmt.Errorf("compare %s..%s: %w", from, to, err)
	}
	return coll, nil
}
