package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livereview/lrmaint/internal/config"
	"github.com/livereview/lrmaint/internal/diff"
	"github.com/livereview/lrmaint/internal/providers/gitlab"
)

func testApp(out *bytes.Buffer, stdin string) *cli.App {
	return &cli.App{
		Name:      "lrmaint",
		Writer:    out,
		ErrWriter: &bytes.Buffer{},
		Reader:    strings.NewReader(stdin),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "log-level"},
		},
		Commands: []*cli.Command{
			ConfigCommand(),
			PartitionsCommand(),
			TraceCommand(),
			WorkerCommand(),
		},
	}
}

func TestParseRefs(t *testing.T) {
	refs, err := parseRefs("a:b:c")
	require.NoError(t, err)
	assert.Equal(t, diff.Refs{BaseSHA: "a", StartSHA: "b", HeadSHA: "c"}, refs)

	refs, err = parseRefs("abc")
	require.NoError(t, err)
	assert.Equal(t, diff.Refs{BaseSHA: "abc", StartSHA: "abc", HeadSHA: "abc"}, refs)

	for _, bad := range []string{"", "a:b", "a::c"} {
		_, err := parseRefs(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadPosition(t *testing.T) {
	pos, err := readPosition(`{"new_path":"foo.rb","new_line":3}`, nil)
	require.NoError(t, err)
	assert.Equal(t, diff.PositionText, pos.PositionType)
	assert.Equal(t, 3, *pos.NewLine)

	pos, err = readPosition("@-", strings.NewReader(`{"position_type":"file","new_path":"a.bin"}`))
	require.NoError(t, err)
	assert.Equal(t, diff.PositionFile, pos.PositionType)

	path := filepath.Join(t.TempDir(), "pos.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"old_path":"x","old_line":1}`), 0o644))
	pos, err = readPosition("@"+path, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", pos.OldPath)

	_, err = readPosition("", nil)
	assert.Error(t, err)
	_, err = readPosition("{", nil)
	assert.Error(t, err)
}

func TestNewRepository(t *testing.T) {
	repo, err := newRepository(config.TracerConfig{Source: "git", RepoPath: "."})
	require.NoError(t, err)
	assert.IsType(t, &diff.GitRepository{}, repo)

	repo, err = newRepository(config.TracerConfig{Source: "gitlab", GitLab: gitlab.CompareConfig{URL: "https://gitlab.example.com", Project: "1"}})
	require.NoError(t, err)
	assert.IsType(t, &gitlab.CompareRepository{}, repo)

	repo, err = newRepository(config.TracerConfig{Source: "gitlab"})
	assert.Error(t, err)
	assert.Nil(t, repo)

	_, err = newRepository(config.TracerConfig{Source: "svn"})
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lrmaint.toml")
	var out bytes.Buffer

	require.NoError(t, testApp(&out, "").Run([]string{"lrmaint", "config", "init", "-o", path}))
	assert.Contains(t, out.String(), "Created configuration file")

	out.Reset()
	require.NoError(t, testApp(&out, "").Run([]string{"lrmaint", "--config", path, "config", "validate"}))
	assert.Equal(t, "Configuration is valid: 1 database(s), 2 partitioned table(s)\n", out.String())

	out.Reset()
	require.NoError(t, testApp(&out, "").Run([]string{"lrmaint", "--config", path, "partitions", "list"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"TABLE", "DATABASE", "STRATEGY", "KEY"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"audit_events", "main", "monthly", "created_at"}, strings.Fields(lines[1]))
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
		"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

func TestTraceCommand(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	write := func(body string) string {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "app.rb"), []byte(body), 0o644))
		git(t, dir, "add", ".")
		git(t, dir, "commit", "-q", "-m", "change")
		return git(t, dir, "rev-parse", "HEAD")
	}
	base := write("a\nb\nc\n")
	head1 := write("a\nb\nc\nd\n")
	head2 := write("zero\na\nb\nc\nd\n")

	var out bytes.Buffer
	err := testApp(&out, "").Run([]string{
		"lrmaint", "trace",
		"--repo", dir,
		"--old", base + ":" + base + ":" + head1,
		"--new", base + ":" + base + ":" + head2,
		"--position", `{"position_type":"text","new_path":"app.rb","new_line":4}`,
	})
	require.NoError(t, err)

	var res traceOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.False(t, res.Outdated)
	require.NotNil(t, res.Position)
	require.NotNil(t, res.Position.NewLine)
	assert.Equal(t, 5, *res.Position.NewLine)
	assert.Nil(t, res.Position.OldLine)
	assert.Equal(t, head2, res.Position.Refs.HeadSHA)
}
