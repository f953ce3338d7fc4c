// ABOUTME: Interactive setup that writes a TOML config file
// ABOUTME: Prompts for the platform credentials and the OpenCode server

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/NeverMore93/opencode-feishu/internal/config"
)

// initPath is where init writes when no config location is forced.
func initPath() string {
	if envPath := os.Getenv(configEnv); envPath != "" {
		return envPath
	}
	if dir := configHome(); dir != "" {
		return filepath.Join(dir, "opencode", "feishu-bot.toml")
	}
	return filepath.Join(".opencode", "feishu-bot.toml")
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(label, def string) string {
	color.New(color.FgGreen).Fprint(p.out, "    ▶ ")
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	answer, _ := p.in.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return def
	}
	return answer
}

func runInit(in io.Reader, out io.Writer) error {
	color.New(color.FgCyan).Fprint(out, banner)
	fmt.Fprintln(out, "    Interactive Setup")
	fmt.Fprintln(out, "    -----------------")
	fmt.Fprintln(out)

	p := &prompter{in: bufio.NewReader(in), out: out}
	configPath := initPath()

	if _, err := os.Stat(configPath); err == nil {
		color.New(color.FgYellow).Fprintf(out, "    Config already exists at %s\n", configPath)
		if strings.ToLower(p.ask("Overwrite? (y/n)", "n")) != "y" {
			fmt.Fprintln(out, "    Aborted.")
			return nil
		}
		fmt.Fprintln(out)
	}

	cfg := config.Default()
	cfg.Platform = p.ask("Platform (feishu or matrix)", cfg.Platform)

	switch cfg.Platform {
	case config.PlatformFeishu:
		cfg.Feishu.AppID = p.ask("Feishu app ID", "")
		cfg.Feishu.AppSecret = p.ask("Feishu app secret", "")
		cfg.Feishu.Domain = p.ask("Domain (feishu, lark or a URL)", cfg.Feishu.Domain)
	case config.PlatformMatrix:
		cfg.Matrix.Homeserver = p.ask("Matrix homeserver URL", "https://matrix.org")
		cfg.Matrix.UserID = p.ask("Matrix user ID", "")
		cfg.Matrix.AccessToken = p.ask("Matrix access token", "")
		cfg.Session.TitlePrefix = "Matrix"
	default:
		return fmt.Errorf("unknown platform %q", cfg.Platform)
	}

	cfg.OpenCode.BaseURL = p.ask("OpenCode server URL", cfg.OpenCode.BaseURL)
	cfg.OpenCode.Model = p.ask("Model as provider/model (optional)", "")
	cfg.Database.Path = filepath.Join(getDataPath(), "ledger.db")

	data, err := renderConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintln(out)
	color.New(color.FgGreen).Fprintf(out, "    ✓ Config written to %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "    Next steps:")
	fmt.Fprintln(out, "    1. Start OpenCode: opencode serve")
	fmt.Fprintln(out, "    2. Run: opencode-feishu serve")
	fmt.Fprintln(out)
	return nil
}

// renderConfig encodes cfg as TOML under a short header.
func renderConfig(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# opencode-feishu configuration\n# Generated by opencode-feishu init\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
