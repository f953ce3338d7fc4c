// ABOUTME: Executes slash commands for model, agent and session management
// ABOUTME: Every command produces a plain-text reply for the chat it came from

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
	"github.com/NeverMore93/opencode-feishu/internal/router"
	"github.com/NeverMore93/opencode-feishu/internal/session"
)

// Backend is the catalog side of the OpenCode client.
type Backend interface {
	ListProviders(ctx context.Context) ([]opencode.Provider, error)
	ListAgents(ctx context.Context) ([]opencode.Agent, error)
	Health(ctx context.Context) (opencode.HealthInfo, error)
}

// Sessions is the session directory as seen by commands.
type Sessions interface {
	Resolve(ctx context.Context, id chat.Identity) (opencode.Session, error)
	Create(ctx context.Context, id chat.Identity) (opencode.Session, error)
	SwitchTo(ctx context.Context, id chat.Identity, sessionID string) (opencode.Session, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]opencode.Session, error)
	Model(id chat.Identity) string
	SetModel(id chat.Identity, model string)
	Agent(id chat.Identity) string
	SetAgent(id chat.Identity, agent string)
}

// Executor runs parsed commands.
type Executor struct {
	backend  Backend
	sessions Sessions
	location *time.Location
	logger   *slog.Logger
}

// New creates an Executor. Times are shown in loc, or UTC when loc is nil.
func New(backend Backend, sessions Sessions, loc *time.Location, logger *slog.Logger) *Executor {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend:  backend,
		sessions: sessions,
		location: loc,
		logger:   logger.With("component", "commands"),
	}
}

// Execute runs r for the conversation id and returns the reply text.
func (e *Executor) Execute(ctx context.Context, r router.Route, id chat.Identity) string {
	e.logger.Debug("executing command", "name", r.Name, "args", r.Args, "key", id.Key())

	switch r.Name {
	case router.CmdHelp:
		return helpText
	case router.CmdModels:
		return e.models(ctx, firstArg(r.Args))
	case router.CmdModel:
		return e.model(id, r.Args)
	case router.CmdSession:
		return e.session(ctx, id, r.Args)
	case router.CmdAgents:
		return e.agents(ctx)
	case router.CmdAgent:
		return e.agent(ctx, id, firstArg(r.Args))
	case router.CmdHealth:
		return e.health(ctx)
	default:
		return fmt.Sprintf("Unknown command: /%s. Send /help for the list.", r.Name)
	}
}

var helpText = strings.Join([]string{
	"**OpenCode assistant**",
	"",
	"**Commands:**",
	"/help: show this help",
	"/models [keyword]: list or search available models",
	"/model <provider/model>: set the model for this chat",
	"/session list: list all sessions",
	"/session new: start a new session",
	"/session switch <id>: switch to a session",
	"/session delete <id>: delete a session",
	"/session info: show the current session",
	"/agents: list available agents",
	"/agent [name]: show or set the agent for this chat",
	"/health: check the OpenCode server",
	"",
	"Send any other message to talk to the assistant.",
}, "\n")

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}

func failure(err error) string {
	return "❌ " + err.Error()
}

func (e *Executor) models(ctx context.Context, keyword string) string {
	providers, err := e.backend.ListProviders(ctx)
	if err != nil {
		return failure(err)
	}

	kw := strings.ToLower(keyword)
	matches := func(p opencode.Provider, m opencode.Model) bool {
		if kw == "" {
			return true
		}
		for _, field := range []string{m.Name, m.ID, p.Name, p.ID} {
			if strings.Contains(strings.ToLower(field), kw) {
				return true
			}
		}
		return false
	}

	var lines []string
	for _, p := range providers {
		ids := make([]string, 0, len(p.Models))
		for key := range p.Models {
			ids = append(ids, key)
		}
		slices.Sort(ids)

		var block []string
		for _, key := range ids {
			m := p.Models[key]
			if m.ID == "" {
				m.ID = key
			}
			if !matches(p, m) {
				continue
			}
			name := m.Name
			if name == "" {
				name = m.ID
			}
			block = append(block, fmt.Sprintf("  - %s/%s: %s", p.ID, m.ID, name))
		}
		if len(block) == 0 {
			continue
		}
		label := p.Name
		if label == "" {
			label = p.ID
		}
		lines = append(lines, "📦 ["+label+"]")
		lines = append(lines, block...)
		lines = append(lines, "")
	}

	if len(lines) == 0 {
		if keyword != "" {
			return fmt.Sprintf("No models match %q", keyword)
		}
		return "No models available"
	}
	return "**Available models:**\n\n" + strings.TrimSpace(strings.Join(lines, "\n"))
}

func (e *Executor) model(id chat.Identity, args []string) string {
	model := firstArg(args)
	if model == "" {
		current := e.sessions.Model(id)
		if current == "" {
			current = "server default"
		}
		return "Usage: /model <provider/model>, e.g. /model anthropic/claude-sonnet-4\nCurrent model: " + current
	}
	if !strings.Contains(model, "/") {
		return "Model must be written as provider/model"
	}
	e.sessions.SetModel(id, model)
	return "✅ Model set to " + model
}

func (e *Executor) session(ctx context.Context, id chat.Identity, args []string) string {
	sub := firstArg(args)
	target := ""
	if len(args) > 1 {
		target = strings.TrimSpace(args[1])
	}

	switch sub {
	case "list":
		sessions, err := e.sessions.List(ctx)
		if err != nil {
			return failure(err)
		}
		if len(sessions) == 0 {
			return "No sessions"
		}
		lines := make([]string, 0, len(sessions))
		for _, s := range sessions {
			lines = append(lines, fmt.Sprintf("%s: %s", s.ID, titleOrUntitled(s.Title)))
		}
		return "**Sessions:**\n" + strings.Join(lines, "\n")

	case "new":
		s, err := e.sessions.Create(ctx, id)
		if err != nil {
			return failure(err)
		}
		return fmt.Sprintf("✅ New session: %s\n📝 %s", s.ID, s.Title)

	case "switch":
		if target == "" {
			return "Usage: /session switch <session id>"
		}
		s, err := e.sessions.SwitchTo(ctx, id, target)
		if err != nil {
			return failure(err)
		}
		return fmt.Sprintf("✅ Switched to %s\n📝 %s", s.ID, titleOrUntitled(s.Title))

	case "delete":
		if target == "" {
			return "Usage: /session delete <session id>"
		}
		if err := e.sessions.Delete(ctx, target); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				return "❌ No session " + target
			}
			return failure(err)
		}
		return "✅ Deleted session " + target

	case "info":
		s, err := e.sessions.Resolve(ctx, id)
		if err != nil {
			return failure(err)
		}
		model := e.sessions.Model(id)
		if model == "" {
			model = "server default"
		}
		lines := []string{
			"**Current session:**",
			"ID: " + s.ID,
			"Title: " + titleOrUntitled(s.Title),
			"Model: " + model,
		}
		if agent := e.sessions.Agent(id); agent != "" {
			lines = append(lines, "Agent: "+agent)
		}
		if s.Time.Created > 0 {
			lines = append(lines, "Created: "+s.CreatedAt().In(e.location).Format("2006-01-02 15:04:05"))
		}
		return strings.Join(lines, "\n")

	default:
		return "Subcommands: list | new | switch <id> | delete <id> | info"
	}
}

func titleOrUntitled(title string) string {
	if title == "" {
		return "(untitled)"
	}
	return title
}

func (e *Executor) agents(ctx context.Context) string {
	agents, err := e.backend.ListAgents(ctx)
	if err != nil {
		return failure(err)
	}
	if len(agents) == 0 {
		return "No agents available"
	}
	entries := make([]string, 0, len(agents))
	for _, a := range agents {
		entry := "🤖 " + agentLabel(a)
		if a.Description != "" {
			entry += "\n   " + a.Description
		}
		entries = append(entries, entry)
	}
	return "**Available agents:**\n\n" + strings.Join(entries, "\n\n")
}

func agentLabel(a opencode.Agent) string {
	switch {
	case a.Name != "":
		return a.Name
	case a.ID != "":
		return a.ID
	}
	return "(unnamed)"
}

func (e *Executor) agent(ctx context.Context, id chat.Identity, name string) string {
	agents, err := e.backend.ListAgents(ctx)
	if err != nil {
		return failure(err)
	}

	if name != "" {
		for _, a := range agents {
			if strings.EqualFold(a.ID, name) || strings.EqualFold(a.Name, name) {
				e.sessions.SetAgent(id, a.Ref())
				return "✅ Agent set to " + a.Ref()
			}
		}
		return fmt.Sprintf("No agent named %q. Send /agents for the list.", name)
	}

	current := e.sessions.Agent(id)
	if current == "" {
		current = "not set (server default)"
	}
	lines := []string{"**Current agent:** " + current}
	if len(agents) > 0 {
		lines = append(lines, "", "**Available agents:**")
		for _, a := range agents {
			lines = append(lines, "  - "+a.Ref())
		}
		lines = append(lines, "", "Send /agent <name> to switch.")
	}
	return strings.Join(lines, "\n")
}

func (e *Executor) health(ctx context.Context) string {
	info, err := e.backend.Health(ctx)
	if err != nil || !info.Healthy {
		if err != nil {
			e.logger.Warn("health check failed", "error", err)
		}
		return "❌ OpenCode server is unhealthy or unreachable"
	}
	if info.Version != "" {
		return "✅ OpenCode server is healthy (version " + info.Version + ")"
	}
	return "✅ OpenCode server is healthy"
}
