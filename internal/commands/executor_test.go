// ABOUTME: Tests for the slash command executor
// ABOUTME: Drives a real session directory over an in-memory backend

package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
	"github.com/NeverMore93/opencode-feishu/internal/router"
	"github.com/NeverMore93/opencode-feishu/internal/session"
)

// fakeServer plays both the catalog and the session store.
type fakeServer struct {
	mu        sync.Mutex
	sessions  map[string]opencode.Session
	next      int
	providers []opencode.Provider
	agents    []opencode.Agent
	health    opencode.HealthInfo
	healthErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		sessions: map[string]opencode.Session{
			"ses_existing": {ID: "ses_existing", Title: "notes", Time: opencode.SessionTime{Created: 1700000000000}},
		},
		providers: []opencode.Provider{
			{ID: "anthropic", Name: "Anthropic", Models: map[string]opencode.Model{
				"claude-sonnet-4": {ID: "claude-sonnet-4", Name: "Claude Sonnet 4"},
				"claude-haiku":    {Name: "Claude Haiku"},
			}},
			{ID: "openai", Name: "OpenAI", Models: map[string]opencode.Model{
				"gpt-5": {ID: "gpt-5", Name: "GPT-5"},
			}},
		},
		agents: []opencode.Agent{
			{ID: "build", Name: "Build", Description: "Writes code"},
			{Name: "plan"},
		},
		health: opencode.HealthInfo{Healthy: true, Version: "0.15.0"},
	}
}

func (f *fakeServer) ListProviders(ctx context.Context) ([]opencode.Provider, error) {
	return f.providers, nil
}

func (f *fakeServer) ListAgents(ctx context.Context) ([]opencode.Agent, error) {
	return f.agents, nil
}

func (f *fakeServer) Health(ctx context.Context) (opencode.HealthInfo, error) {
	return f.health, f.healthErr
}

func (f *fakeServer) ListSessions(ctx context.Context) ([]opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]opencode.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeServer) CreateSession(ctx context.Context, title string) (opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := opencode.Session{ID: fmt.Sprintf("ses_%d", f.next), Title: title}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeServer) GetSession(ctx context.Context, id string) (opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return opencode.Session{}, opencode.ErrNotFound
	}
	return s, nil
}

func (f *fakeServer) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return opencode.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

var alice = chat.Identity{Platform: "feishu", ChatType: chat.ChatDirect, ParticipantID: "ou_alice", ChatID: "oc_dm"}

func newTestExecutor(t *testing.T) (*Executor, *fakeServer, *session.Directory) {
	t.Helper()
	srv := newFakeServer()
	dir := session.New(srv, session.Config{}, nil, nil)
	return New(srv, dir, time.UTC, nil), srv, dir
}

func run(e *Executor, text string) string {
	r := router.Parse(text)
	if !r.IsCommand() {
		panic("not a command: " + text)
	}
	return e.Execute(context.Background(), r, alice)
}

func TestExecute_Help(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	out := run(e, "/help")
	assert.Contains(t, out, "/session switch <id>")
	assert.Contains(t, out, "/health")
}

func TestExecute_Models(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	out := run(e, "/models")
	assert.Contains(t, out, "📦 [Anthropic]")
	assert.Contains(t, out, "  - anthropic/claude-haiku: Claude Haiku")
	assert.Contains(t, out, "  - openai/gpt-5: GPT-5")

	out = run(e, "/models GPT")
	assert.NotContains(t, out, "Anthropic")
	assert.Contains(t, out, "openai/gpt-5")

	assert.Equal(t, `No models match "llama"`, run(e, "/models llama"))
}

func TestExecute_Model(t *testing.T) {
	e, _, dir := newTestExecutor(t)

	assert.Contains(t, run(e, "/model"), "Current model: server default")
	assert.Equal(t, "Model must be written as provider/model", run(e, "/model gpt-5"))
	assert.Equal(t, "✅ Model set to openai/gpt-5", run(e, "/model openai/gpt-5"))
	assert.Equal(t, "openai/gpt-5", dir.Model(alice))
}

func TestExecute_SessionLifecycle(t *testing.T) {
	e, srv, dir := newTestExecutor(t)

	out := run(e, "/session new")
	require.True(t, strings.HasPrefix(out, "✅ New session: ses_1"), out)
	cur, _ := dir.Current(alice)
	assert.Equal(t, "ses_1", cur)

	assert.Contains(t, run(e, "/session list"), "ses_existing: notes")

	out = run(e, "/SESSION Switch ses_existing")
	assert.Equal(t, "✅ Switched to ses_existing\n📝 notes", out)

	info := run(e, "/session info")
	assert.Contains(t, info, "ID: ses_existing")
	assert.Contains(t, info, "Created: 2023-11-14 22:13:20")

	assert.Equal(t, "✅ Deleted session ses_existing", run(e, "/session delete ses_existing"))
	_, ok := dir.Current(alice)
	assert.False(t, ok)
	assert.NotContains(t, srv.sessions, "ses_existing")

	assert.Equal(t, "❌ No session ses_existing", run(e, "/session delete ses_existing"))
	assert.Contains(t, run(e, "/session switch ses_missing"), "session not found")
}

func TestExecute_SessionUsage(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	assert.Equal(t, "Usage: /session switch <session id>", run(e, "/session switch"))
	assert.Equal(t, "Usage: /session delete <session id>", run(e, "/session delete"))
	assert.Contains(t, run(e, "/session"), "Subcommands:")
	assert.Contains(t, run(e, "/session bogus"), "Subcommands:")
}

func TestExecute_Agents(t *testing.T) {
	e, _, dir := newTestExecutor(t)

	out := run(e, "/agents")
	assert.Contains(t, out, "🤖 Build\n   Writes code")
	assert.Contains(t, out, "🤖 plan")

	assert.Contains(t, run(e, "/agent"), "not set (server default)")
	assert.Equal(t, "✅ Agent set to build", run(e, "/agent BUILD"))
	assert.Equal(t, "build", dir.Agent(alice))
	assert.Equal(t, "✅ Agent set to plan", run(e, "/agent plan"))
	assert.Contains(t, run(e, "/agent ghost"), `No agent named "ghost"`)
	assert.Contains(t, run(e, "/agent"), "**Current agent:** plan")
}

func TestExecute_Health(t *testing.T) {
	e, srv, _ := newTestExecutor(t)
	assert.Equal(t, "✅ OpenCode server is healthy (version 0.15.0)", run(e, "/health"))

	srv.healthErr = errors.New("dial tcp: connection refused")
	assert.Equal(t, "❌ OpenCode server is unhealthy or unreachable", run(e, "/health"))
}
