package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livereview/lrmaint/internal/diff"
	"github.com/livereview/lrmaint/internal/tracer"
)

// TraceCommand returns the trace command
func TraceCommand() *cli.Command {
	return &cli.Command{
		Name:  "trace",
		Usage: "Trace a diff position from one merge request version to another",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "old",
				Usage:    "Refs of the old diff as `BASE:START:HEAD`",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "new",
				Usage:    "Refs of the new diff as `BASE:START:HEAD`",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "position",
				Aliases: []string{"p"},
				Usage:   "Position as JSON, or @FILE to read it from a file (@- for stdin)",
			},
			&cli.StringSliceFlag{
				Name:  "path",
				Usage: "Restrict the comparisons to these paths",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Override the diff source (git or gitlab)",
			},
			&cli.StringFlag{
				Name:  "repo",
				Usage: "Override the local repository path",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long",
				Value: 2 * time.Minute,
			},
		},
		Action: runTrace,
	}
}

type traceOutput struct {
	Position *tracer.Position `json:"position"`
	Outdated bool             `json:"outdated"`
}

func runTrace(c *cli.Context) error {
	oldRefs, err := parseRefs(c.String("old"))
	if err != nil {
		return fmt.Errorf("invalid --old: %w", err)
	}
	newRefs, err := parseRefs(c.String("new"))
	if err != nil {
		return fmt.Errorf("invalid --new: %w", err)
	}
	pos, err := readPosition(c.String("position"), c.App.Reader)
	if err != nil {
		return err
	}

	cfg, closeLog, err := loadConfig(c, "trace", false)
	if err != nil {
		return err
	}
	defer closeLog()

	if source := c.String("source"); source != "" {
		cfg.Tracer.Source = source
	}
	if repo := c.String("repo"); repo != "" {
		cfg.Tracer.RepoPath = repo
	}
	repo, err := newRepository(cfg.Tracer)
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	t := tracer.New(repo, oldRefs, newRefs,
		tracer.WithPaths(c.StringSlice("path")...),
		tracer.WithIgnoreWhitespaceChange(cfg.Tracer.IgnoreWhitespace || pos.IgnoreWhitespaceChange))
	res, err := t.Trace(ctx, pos)
	if err != nil {
		return fmt.Errorf("failed to trace position: %w", err)
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(traceOutput{Position: res.Position, Outdated: res.Outdated})
}

// parseRefs reads BASE:START:HEAD. A single SHA is used for all three.
func parseRefs(s string) (diff.Refs, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 1:
		parts = []string{parts[0], parts[0], parts[0]}
	case 3:
	default:
		return diff.Refs{}, fmt.Errorf("expected BASE:START:HEAD, got %q", s)
	}

	refs := diff.Refs{BaseSHA: parts[0], StartSHA: parts[1], HeadSHA: parts[2]}
	if !refs.Complete() {
		return diff.Refs{}, fmt.Errorf("incomplete refs %q", s)
	}
	return refs, nil
}

func readPosition(arg string, stdin io.Reader) (*tracer.Position, error) {
	var data []byte
	switch {
	case arg == "":
		return nil, fmt.Errorf("missing required flag: --position")
	case arg == "@-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read position from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read position: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}

	var pos tracer.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("invalid position: %w", err)
	}
	if pos.PositionType == "" {
		pos.PositionType = diff.PositionText
	}
	return &pos, nil
}
