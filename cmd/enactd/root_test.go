package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/internal/logging"
)

// execute runs the root command with args against an isolated
// configuration and returns its stdout.
func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{
		settings: filepath.Join(t.TempDir(), "settings.json"),
		getenv:   envOf(env),
	}
	cmd := newRootCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestRoot_InvalidLogSettings(t *testing.T) {
	_, err := execute(t, nil, "--log-level", "loud", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, err = execute(t, map[string]string{"ENACT_LOG_FORMAT": "xml"}, "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestRoot_FlagsOverrideEnv(t *testing.T) {
	opts := &RootOptions{
		settings: filepath.Join(t.TempDir(), "settings.json"),
		getenv:   envOf(map[string]string{"ENACT_DB_PATH": "/env.db", "ENACT_LOG_LEVEL": "debug"}),
	}
	cmd := newRootCommand(opts)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--db-path", "/flag.db", "version"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "/flag.db", opts.Config.DBPath)
	assert.Equal(t, "debug", opts.Config.LogLevel)
	require.NotNil(t, opts.Logger)
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := newLogger(buf, "info", "json")
	require.NoError(t, err)

	ctx := logging.WithRunID(context.Background(), "run-1")
	logger.DebugContext(ctx, "hidden")
	logger.InfoContext(ctx, "visible", slog.String("processor", "blast"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"visible"`)
	assert.Contains(t, out, `"run_id":"run-1"`)

	buf.Reset()
	logger, err = newLogger(buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("plain")
	assert.True(t, strings.Contains(buf.String(), "plain"))
	assert.NotContains(t, buf.String(), "\x1b[", "no color when not writing to a terminal")
}
