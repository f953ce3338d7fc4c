// ABOUTME: Entry point for the opencode-feishu bridge
// ABOUTME: Dispatches the serve, init, health and version subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/config"
	"github.com/NeverMore93/opencode-feishu/internal/feishu"
	"github.com/NeverMore93/opencode-feishu/internal/gateway"
	"github.com/NeverMore93/opencode-feishu/internal/matrix"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                      _             __     _     _
  ___  _ __   ___ _ __   ___ ___   __| | ___       / _| ___(_)___| |__  _   _
 / _ \| '_ \ / _ \ '_ \ / __/ _ \ / _' |/ _ \_____| |_ / _ \ / __| '_ \| | | |
| (_) | |_) |  __/ | | | (_| (_) | (_| |  __/_____|  _|  __/ \__ \ | | | |_| |
 \___/| .__/ \___|_| |_|\___\___/ \__,_|\___|     |_|  \___|_|___/_| |_|\__,_|
      |_|
`

const configEnv = "OPENCODE_FEISHU_CONFIG"

// configCandidates lists config files in lookup order.
// Priority: OPENCODE_FEISHU_CONFIG > XDG_CONFIG_HOME/opencode/feishu-bot.{yaml,toml} > ./.opencode/feishu-bot.{yaml,toml}
func configCandidates() []string {
	if envPath := os.Getenv(configEnv); envPath != "" {
		return []string{envPath}
	}

	var candidates []string
	if configDir := configHome(); configDir != "" {
		candidates = append(candidates,
			filepath.Join(configDir, "opencode", "feishu-bot.yaml"),
			filepath.Join(configDir, "opencode", "feishu-bot.toml"),
		)
	}
	return append(candidates,
		filepath.Join(".opencode", "feishu-bot.yaml"),
		filepath.Join(".opencode", "feishu-bot.toml"),
	)
}

// findConfigPath returns the first candidate that exists, or "" to run from
// defaults and the environment alone.
func findConfigPath() string {
	candidates := configCandidates()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if os.Getenv(configEnv) != "" {
		return candidates[0]
	}
	return ""
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// getDataPath returns the bridge data directory.
// Priority: XDG_DATA_HOME/opencode-feishu > ~/.local/share/opencode-feishu
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "opencode-feishu")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: opencode-feishu <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the bridge")
	fmt.Fprintln(w, "  init      Create a new config file interactively")
	fmt.Fprintln(w, "  health    Check readiness of a running bridge")
	fmt.Fprintln(w, "  version   Print the version")
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := findConfigPath()
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	printStartup(cfg, configPath)

	platform, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting opencode-feishu",
		"version", version,
		"config", configPath,
		"platform", cfg.Platform,
		"opencode", cfg.OpenCode.BaseURL,
	)

	gw, err := gateway.New(cfg, platform, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func printStartup(cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	if configPath == "" {
		green.Print("    ▶ ")
		yellow.Println("Config:    (environment only)")
	} else {
		line("Config", configPath)
	}
	line("Platform", cfg.Platform)
	line("OpenCode", cfg.OpenCode.BaseURL)
	if cfg.OpenCode.Model != "" {
		line("Model", cfg.OpenCode.Model)
	}
	if cfg.Server.HTTPAddr != "" {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		line("Ledger", cfg.Database.Path)
	}
	fmt.Println()
}

func newPlatform(cfg *config.Config, logger *slog.Logger) (chat.Platform, error) {
	switch cfg.Platform {
	case config.PlatformMatrix:
		p, err := matrix.New(cfg.Matrix, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix platform: %w", err)
		}
		return p, nil
	default:
		return feishu.New(cfg.Feishu, logger), nil
	}
}

func runHealth(ctx context.Context, out io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Fprintln(out, string(body))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}
