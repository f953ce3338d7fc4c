// ABOUTME: Classifies admitted message text as a slash command or a conversational turn
// ABOUTME: Unknown slash-prefixed text falls through as chat with the prefix kept

package router

import (
	"slices"
	"strings"
)

// Prefix marks a message as a command candidate.
const Prefix = "/"

// Kind is the route category.
type Kind int

const (
	KindChat Kind = iota
	KindCommand
)

// Command names understood by the executor.
const (
	CmdHelp    = "help"
	CmdModels  = "models"
	CmdModel   = "model"
	CmdSession = "session"
	CmdAgents  = "agents"
	CmdAgent   = "agent"
	CmdHealth  = "health"
)

var vocabulary = []string{CmdHelp, CmdModels, CmdModel, CmdSession, CmdAgents, CmdAgent, CmdHealth}

// Route is the result of Parse. Commands carry Name and Args, chat turns Text.
type Route struct {
	Kind Kind
	Name string
	Args []string
	Text string
}

// IsCommand reports whether r is a command route.
func (r Route) IsCommand() bool { return r.Kind == KindCommand }

// Parse classifies raw message text.
func Parse(raw string) Route {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, Prefix) {
		return Route{Kind: KindChat, Text: text}
	}

	fields := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(fields) == 0 {
		return Route{Kind: KindChat, Text: text}
	}

	name := strings.ToLower(fields[0])
	if !slices.Contains(vocabulary, name) {
		return Route{Kind: KindChat, Text: text}
	}

	args := fields[1:]
	if name == CmdSession && len(args) > 0 {
		args[0] = strings.ToLower(args[0])
	}
	return Route{Kind: KindCommand, Name: name, Args: args}
}
