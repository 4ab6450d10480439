package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetup_JSON(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	closer, err := Setup(Config{Level: "warn", Format: "json"}, &buf, "")
	require.NoError(t, err)
	defer closer()

	log.Info().Msg("hidden")
	log.Warn().Str("table_name", "audit_events").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "audit_events", entry["table_name"])
	assert.Equal(t, "shown", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestSetup_RunLogFile(t *testing.T) {
	restoreLogger(t)
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer

	closer, err := Setup(Config{Format: "console", Dir: dir}, &buf, "partitions sync")
	require.NoError(t, err)

	log.Info().Msg("Created partition")
	require.NoError(t, closer())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "partitions_sync_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Created partition"`)
	assert.Contains(t, buf.String(), "Created partition")
}

func TestSetup_Invalid(t *testing.T) {
	restoreLogger(t)

	_, err := Setup(Config{Level: "loud"}, &bytes.Buffer{}, "")
	assert.Error(t, err)

	_, err = Setup(Config{Format: "xml"}, &bytes.Buffer{}, "")
	assert.Error(t, err)
}
