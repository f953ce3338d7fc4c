// ABOUTME: Configuration loading for the bridge from YAML or TOML files
// ABOUTME: Handles ${VAR} expansion, duration parsing, environment overlay, and validation

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Platform names accepted in the platform key.
const (
	PlatformFeishu = "feishu"
	PlatformMatrix = "matrix"
)

// Config represents the complete bridge configuration.
type Config struct {
	Platform string         `yaml:"platform" toml:"platform"`
	Feishu   FeishuConfig   `yaml:"feishu" toml:"feishu"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	OpenCode OpenCodeConfig `yaml:"opencode" toml:"opencode"`
	Bot      BotConfig      `yaml:"bot" toml:"bot"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// FeishuConfig holds the app credentials. Domain is "feishu", "lark" or a
// base URL.
type FeishuConfig struct {
	AppID     string `yaml:"app_id" toml:"app_id"`
	AppSecret string `yaml:"app_secret" toml:"app_secret"`
	Domain    string `yaml:"domain" toml:"domain"`
}

// MatrixConfig holds the Matrix account the bridge logs in as.
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	AutoJoin     bool     `yaml:"auto_join" toml:"auto_join"`
}

// OpenCodeConfig points at the OpenCode server.
type OpenCodeConfig struct {
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	Directory  string        `yaml:"directory" toml:"directory"`
	Model      string        `yaml:"model" toml:"model"`
	Agent      string        `yaml:"agent" toml:"agent"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// BotConfig shapes conversational behavior.
type BotConfig struct {
	ThinkingDelay     time.Duration `yaml:"-" toml:"-"`
	ThinkingDelayRaw  string        `yaml:"thinking_delay" toml:"thinking_delay"`
	PlaceholderText   string        `yaml:"placeholder_text" toml:"placeholder_text"`
	GroupPolicy       string        `yaml:"group_policy" toml:"group_policy"`
	Names             []string      `yaml:"names" toml:"names"`
	ShowReasoning     bool          `yaml:"show_reasoning" toml:"show_reasoning"`
	EnableStreaming   bool          `yaml:"enable_streaming" toml:"enable_streaming"`
	StreamInterval    time.Duration `yaml:"-" toml:"-"`
	StreamIntervalRaw string        `yaml:"stream_interval" toml:"stream_interval"`
	HistoryMessages   int           `yaml:"history_messages" toml:"history_messages"`
	HistoryTimezone   string        `yaml:"history_timezone" toml:"history_timezone"`
}

// SessionConfig bounds the session cache.
type SessionConfig struct {
	TitlePrefix string        `yaml:"title_prefix" toml:"title_prefix"`
	CacheTTL    time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl" toml:"cache_ttl"`
	MaxEntries  int           `yaml:"max_entries" toml:"max_entries"`
}

// ServerConfig holds the ops listeners. An empty address disables a listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds the ledger location. An empty path disables the ledger.
type DatabaseConfig struct {
	Path         string        `yaml:"path" toml:"path"`
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" toml:"format"` // text, json
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used for keys no file or variable sets.
func Default() *Config {
	return &Config{
		Platform: PlatformFeishu,
		Feishu:   FeishuConfig{Domain: "feishu"},
		Matrix:   MatrixConfig{AutoJoin: true},
		OpenCode: OpenCodeConfig{
			BaseURL:    "http://localhost:4096",
			TimeoutRaw: "120s",
		},
		Bot: BotConfig{
			ThinkingDelayRaw:  "2.5s",
			PlaceholderText:   "⏳ Thinking…",
			GroupPolicy:       "mention",
			EnableStreaming:   true,
			StreamIntervalRaw: "1s",
			HistoryMessages:   50,
			HistoryTimezone:   "Asia/Shanghai",
		},
		Session: SessionConfig{
			TitlePrefix: "Feishu",
			CacheTTLRaw: "24h",
			MaxEntries:  1000,
		},
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{RetentionRaw: "720h"},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads each existing file in order over the defaults, applies the
// environment overlay, and validates the result. Later files override keys
// set by earlier ones; missing files are skipped.
func Load(paths ...string) (*Config, error) {
	cfg := Default()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays individual environment variables. Timeouts and intervals
// are integer milliseconds.
func applyEnv(cfg *Config) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"BRIDGE_PLATFORM", &cfg.Platform},
		{"FEISHU_APP_ID", &cfg.Feishu.AppID},
		{"FEISHU_APP_SECRET", &cfg.Feishu.AppSecret},
		{"MATRIX_HOMESERVER", &cfg.Matrix.Homeserver},
		{"MATRIX_USER_ID", &cfg.Matrix.UserID},
		{"MATRIX_ACCESS_TOKEN", &cfg.Matrix.AccessToken},
		{"OPENCODE_BASE_URL", &cfg.OpenCode.BaseURL},
		{"OPENCODE_DIRECTORY", &cfg.OpenCode.Directory},
		{"OPENCODE_MODEL", &cfg.OpenCode.Model},
		{"OPENCODE_AGENT", &cfg.OpenCode.Agent},
		{"BOT_GROUP_POLICY", &cfg.Bot.GroupPolicy},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	millis := []struct {
		name string
		dst  *string
	}{
		{"OPENCODE_TIMEOUT", &cfg.OpenCode.TimeoutRaw},
		{"BOT_THINKING_DELAY", &cfg.Bot.ThinkingDelayRaw},
		{"BOT_STREAM_INTERVAL", &cfg.Bot.StreamIntervalRaw},
	}
	for _, m := range millis {
		v, ok := os.LookupEnv(m.name)
		if !ok || v == "" {
			continue
		}
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || ms < 0 {
			return fmt.Errorf("%s must be a non-negative integer of milliseconds, got %q", m.name, v)
		}
		*m.dst = strconv.Itoa(ms) + "ms"
	}

	if v, ok := os.LookupEnv("BOT_ENABLE_STREAMING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOT_ENABLE_STREAMING must be true or false, got %q", v)
		}
		cfg.Bot.EnableStreaming = b
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"opencode.timeout", cfg.OpenCode.TimeoutRaw, &cfg.OpenCode.Timeout},
		{"bot.thinking_delay", cfg.Bot.ThinkingDelayRaw, &cfg.Bot.ThinkingDelay},
		{"bot.stream_interval", cfg.Bot.StreamIntervalRaw, &cfg.Bot.StreamInterval},
		{"session.cache_ttl", cfg.Session.CacheTTLRaw, &cfg.Session.CacheTTL},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that the configuration is usable for the selected platform.
func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformFeishu:
		if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
			return errors.New("feishu.app_id and feishu.app_secret are required")
		}
	case PlatformMatrix:
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return errors.New("matrix.homeserver, matrix.user_id and matrix.access_token are required")
		}
	default:
		return fmt.Errorf("platform must be %q or %q, got %q", PlatformFeishu, PlatformMatrix, c.Platform)
	}

	u, err := url.Parse(c.OpenCode.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("opencode.base_url %q is not an absolute URL", c.OpenCode.BaseURL)
	}
	if c.OpenCode.Timeout <= 0 {
		return errors.New("opencode.timeout must be positive")
	}
	if c.OpenCode.Model != "" && !strings.Contains(c.OpenCode.Model, "/") {
		return fmt.Errorf("opencode.model must be provider/model, got %q", c.OpenCode.Model)
	}

	switch c.Bot.GroupPolicy {
	case "mention", "heuristic":
	default:
		return fmt.Errorf("bot.group_policy must be mention or heuristic, got %q", c.Bot.GroupPolicy)
	}
	if c.Bot.ThinkingDelay < 0 || c.Bot.StreamInterval < 0 {
		return errors.New("bot delays must not be negative")
	}
	if c.Bot.HistoryMessages < 0 {
		return errors.New("bot.history_messages must not be negative")
	}
	if _, err := time.LoadLocation(c.Bot.HistoryTimezone); err != nil {
		return fmt.Errorf("bot.history_timezone: %w", err)
	}

	if c.Session.MaxEntries < 0 {
		return errors.New("session.max_entries must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}

// Location returns the zone used to render history timestamps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Bot.HistoryTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}
