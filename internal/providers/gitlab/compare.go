package gitlab

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/livereview/lrmaint/internal/diff"
)

// CompareConfig contains configuration for comparing commits through the
// GitLab API
type CompareConfig struct {
	URL     string  `koanf:"url"`
	Token   string  `koanf:"token"`
	Project string  `koanf:"project"`
	Rate    float64 `koanf:"rate"`
	Burst   int     `koanf:"burst"`
}

// CompareRepository computes diffs with the repository compare endpoint
type CompareRepository struct {
	client  *gitlab.Client
	project string
	limiter *rate.Limiter
	parser  *diff.Parser
}

// NewCompareRepository creates a repository for one GitLab project
func NewCompareRepository(config CompareConfig) (*CompareRepository, error) {
	if config.Project == "" {
		return nil, fmt.Errorf("gitlab project is required")
	}

	client := gitlab.NewClient(nil, config.Token)
	if config.URL != "" {
		if err := client.SetBaseURL(strings.TrimSuffix(config.URL, "/") + "/api/v4"); err != nil {
			return nil, fmt.Errorf("failed to set GitLab API base URL: %w", err)
		}
	}

	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &CompareRepository{
		client:  client,
		project: config.Project,
		limiter: rate.NewLimiter(limit, burst),
		parser:  diff.NewParser(),
	}, nil
}

// Compare returns the diff from one commit to another. GitLab computes
// non-straight comparisons from the merge base, which is read back from the
// parent of the first listed commit.
func (r *CompareRepository) Compare(ctx context.Context, from, to string, opts diff.CompareOptions) (*diff.Collection, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	straight := opts.Straight
	cmp, _, err := r.client.Repositories.Compare(r.project, &gitlab.CompareOptions{
		From:     &from,
		To:       &to,
		Straight: &straight,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("gitlab compare %s..%s: %w", from, to, err)
	}
	if cmp.CompareTimeout {
		return nil, fmt.Errorf("gitlab compare %s..%s timed out", from, to)
	}
	if opts.IgnoreWhitespaceChange {
		log.Debug().
			Str("project", r.project).
			Msg("GitLab compare does not support ignoring whitespace, using the full diff")
	}

	refs := diff.Refs{BaseSHA: from, StartSHA: from, HeadSHA: to}
	if !straight && len(cmp.Commits) > 0 && len(cmp.Commits[0].ParentIDs) > 0 {
		refs.BaseSHA = cmp.Commits[0].ParentIDs[0]
	}

	var text strings.Builder
	for _, d := range cmp.Diffs {
		if len(opts.Paths) > 0 && !slices.Contains(opts.Paths, d.OldPath) && !slices.Contains(opts.Paths, d.NewPath) {
			continue
		}
		writeFileDiff(&text, d)
	}

	return r.parser.ParseCollection(refs, text.String())
}

// writeFileDiff renders one API diff entry as git would print it
func writeFileDiff(b *strings.Builder, d *gitlab.Diff) {
	fmt.Fprintf(b, "diff --git a/%s b/%s\n", d.OldPath, d.NewPath)
	switch {
	case d.NewFile:
		fmt.Fprintf(b, "new file mode %s\n", fileMode(d.BMode))
	case d.DeletedFile:
		fmt.Fprintf(b, "deleted file mode %s\n", fileMode(d.AMode))
	case d.RenamedFile:
		fmt.Fprintf(b, "rename from %s\nrename to %s\n", d.OldPath, d.NewPath)
	}
	if d.Diff == "" {
		return
	}

	oldName, newName := "a/"+d.OldPath, "b/"+d.NewPath
	if d.NewFile {
		oldName = "/dev/null"
	}
	if d.DeletedFile {
		newName = "/dev/null"
	}
	fmt.Fprintf(b, "--- %s\n+++ %s\n", oldName, newName)
	b.WriteString(d.Diff)
	if !strings.HasSuffix(d.Diff, "\n") {
		b.WriteString("\n")
	}
}

func fileMode(mode string) string {
	if mode == "" || mode == "0" {
		return "100644"
	}
	return mode
}
