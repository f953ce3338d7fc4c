// ABOUTME: Tests for the CLI helpers
// ABOUTME: Covers config lookup, logger setup and the init config writer

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverMore93/opencode-feishu/internal/config"
)

func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		configEnv, "BRIDGE_PLATFORM", "FEISHU_APP_ID", "FEISHU_APP_SECRET",
		"MATRIX_HOMESERVER", "MATRIX_USER_ID", "MATRIX_ACCESS_TOKEN",
		"OPENCODE_BASE_URL", "OPENCODE_DIRECTORY", "OPENCODE_MODEL", "OPENCODE_AGENT",
		"OPENCODE_TIMEOUT", "BOT_THINKING_DELAY", "BOT_ENABLE_STREAMING",
		"BOT_STREAM_INTERVAL", "BOT_GROUP_POLICY",
	} {
		t.Setenv(name, "")
	}
}

func TestConfigCandidates(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	assert.Equal(t, []string{
		"/xdg/opencode/feishu-bot.yaml",
		"/xdg/opencode/feishu-bot.toml",
		".opencode/feishu-bot.yaml",
		".opencode/feishu-bot.toml",
	}, configCandidates())

	t.Setenv(configEnv, "/etc/bridge.toml")
	assert.Equal(t, []string{"/etc/bridge.toml"}, configCandidates())
}

func TestFindConfigPath(t *testing.T) {
	clearBridgeEnv(t)
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Chdir(t.TempDir())

	assert.Empty(t, findConfigPath(), "nothing exists")

	path := filepath.Join(dir, "opencode", "feishu-bot.toml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("platform = \"feishu\"\n"), 0o600))
	assert.Equal(t, path, findConfigPath())

	t.Setenv(configEnv, "/does/not/exist.yaml")
	assert.Equal(t, "/does/not/exist.yaml", findConfigPath(), "a forced path is returned even when missing")
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, "/data/opencode-feishu", getDataPath())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestSetupLogger_Text(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer

	logger, closeLog, err := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closeLog()

	logger.With("component", "relay").WithGroup("turn").Info("reply sent", "chars", 42)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF reply sent component=relay turn.chars=42")
	assert.NotContains(t, out, "hidden")
}

func TestSetupLogger_FileTee(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "bridge.log")

	logger, closeLog, err := setupLogger(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		File:       file,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, &buf)
	require.NoError(t, err)

	logger.Warn("backend down", "error", "refused")
	closeLog()

	assert.Contains(t, buf.String(), `"msg":"backend down"`)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"WARN"`)
	assert.Contains(t, string(data), `"error":"refused"`)
}

func TestSetupLogger_RejectsDirectory(t *testing.T) {
	_, _, err := setupLogger(config.LoggingConfig{File: "/var/log/"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestTeeHandler_Enabled(t *testing.T) {
	quiet := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
	loud := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})

	assert.True(t, teeHandler{quiet, loud}.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, teeHandler{quiet}.Enabled(context.Background(), slog.LevelInfo))
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	clearBridgeEnv(t)
	color.NoColor = true
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", "/srv/data")

	input := strings.Join([]string{
		"feishu",
		"cli_a1b2",
		"s3cret",
		"",
		"http://127.0.0.1:4096",
		"anthropic/claude-sonnet",
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(input), &out))
	assert.Contains(t, out.String(), "Config written to")

	cfg, err := config.Load(initPath())
	require.NoError(t, err)
	assert.Equal(t, "feishu", cfg.Platform)
	assert.Equal(t, "cli_a1b2", cfg.Feishu.AppID)
	assert.Equal(t, "feishu", cfg.Feishu.Domain)
	assert.Equal(t, "http://127.0.0.1:4096", cfg.OpenCode.BaseURL)
	assert.Equal(t, "anthropic/claude-sonnet", cfg.OpenCode.Model)
	assert.Equal(t, "/srv/data/opencode-feishu/ledger.db", cfg.Database.Path)
	assert.Equal(t, config.Default().Bot.PlaceholderText, cfg.Bot.PlaceholderText)
}

func TestRunInit_KeepsExistingOnNo(t *testing.T) {
	clearBridgeEnv(t)
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "bridge.toml")
	t.Setenv(configEnv, path)
	require.NoError(t, os.WriteFile(path, []byte("# mine\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader("\n"), &out))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(data))
}

func TestRunInit_UnknownPlatform(t *testing.T) {
	clearBridgeEnv(t)
	color.NoColor = true
	t.Setenv(configEnv, filepath.Join(t.TempDir(), "bridge.toml"))

	err := runInit(strings.NewReader("slack\n"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown platform")
}
