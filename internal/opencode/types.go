// ABOUTME: Wire types for the OpenCode server API
// ABOUTME: Sessions, messages with parts, providers, agents, and prompt options

package opencode

import (
	"strings"
	"time"
)

// Session is a backend conversational context.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime holds millisecond epoch timestamps.
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// CreatedAt returns the creation time, or the zero time if unknown.
func (s Session) CreatedAt() time.Time {
	if s.Time.Created == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.Time.Created)
}

// Roles reported in MessageInfo.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types the bridge renders.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
)

// Message is one entry of a session transcript.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// MessageInfo is the message envelope.
type MessageInfo struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
}

// Part is one content fragment of a message.
type Part struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	MessageID string `json:"messageID,omitempty"`
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
}

// LastAssistantText returns the newline-joined, trimmed text parts of the last
// assistant message, or "" if there is none.
func LastAssistantText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role != RoleAssistant {
			continue
		}
		texts := make([]string, 0, len(messages[i].Parts))
		for _, p := range messages[i].Parts {
			if p.Type == PartText {
				texts = append(texts, p.Text)
			}
		}
		return strings.TrimSpace(strings.Join(texts, "\n"))
	}
	return ""
}

// PromptOptions tunes a prompt submission.
type PromptOptions struct {
	// Model is "provider/model"; empty uses the server default.
	Model string
	Agent string
	// NoReply records the text as context without generating a reply.
	NoReply bool
}

type promptBody struct {
	Parts   []Part     `json:"parts"`
	Model   *modelSpec `json:"model,omitempty"`
	Agent   string     `json:"agent,omitempty"`
	NoReply bool       `json:"noReply,omitempty"`
}

type modelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// splitModel parses "provider/model". The model id may itself contain slashes.
func splitModel(s string) *modelSpec {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return nil
	}
	return &modelSpec{ProviderID: provider, ModelID: model}
}

// Provider is a model vendor configured on the server.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name,omitempty"`
	Models map[string]Model `json:"models,omitempty"`
}

// Model is one model offered by a provider.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type providersResponse struct {
	Providers []Provider `json:"providers"`
}

// Agent is a server-side agent profile.
type Agent struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// Ref is the identifier commands should store for this agent.
func (a Agent) Ref() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Name
}

// HealthInfo is the server health report.
type HealthInfo struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}
