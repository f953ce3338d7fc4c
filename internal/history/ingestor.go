// ABOUTME: One-shot import of a group's recent messages when the bot joins it
// ABOUTME: Pages the platform history, formats it as a context block, and submits it without a reply

package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
)

// Defaults for Config fields.
const (
	DefaultMaxMessages = 50
	DefaultTimezone    = "Asia/Shanghai"
	maxPageSize        = 50
)

const header = "[Group chat history: messages sent before the bot joined, for background only, no reply needed]"

// Backend submits the formatted block.
type Backend interface {
	SubmitPrompt(ctx context.Context, sessionID, text string, opts opencode.PromptOptions) error
}

// Sessions resolves the group's session.
type Sessions interface {
	Resolve(ctx context.Context, id chat.Identity) (opencode.Session, error)
}

// Config tunes an Ingestor.
type Config struct {
	Platform string
	// MaxMessages caps the import. Zero or less disables ingestion.
	MaxMessages int
	Location    *time.Location
}

// Ingestor imports chat history into the group's session.
type Ingestor struct {
	source   chat.HistorySource
	sessions Sessions
	backend  Backend
	cfg      Config
	logger   *slog.Logger
}

// New creates an Ingestor.
func New(source chat.HistorySource, sessions Sessions, backend Backend, cfg Config, logger *slog.Logger) *Ingestor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		source:   source,
		sessions: sessions,
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With("component", "history"),
	}
}

// Ingest imports the recent history of chatID and reports how many messages
// were submitted. Empty history is not an error.
func (i *Ingestor) Ingest(ctx context.Context, chatID string) (int, error) {
	if i.cfg.MaxMessages <= 0 {
		return 0, nil
	}
	i.logger.Info("ingesting group history", "chat_id", chatID, "max_messages", i.cfg.MaxMessages)

	msgs, err := i.Fetch(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		i.logger.Info("group has no history", "chat_id", chatID)
		return 0, nil
	}

	s, err := i.sessions.Resolve(ctx, chat.GroupIdentity(i.cfg.Platform, chatID))
	if err != nil {
		return 0, fmt.Errorf("resolving group session: %w", err)
	}
	text := Format(msgs, i.cfg.Location)
	if err := i.backend.SubmitPrompt(ctx, s.ID, text, opencode.PromptOptions{NoReply: true}); err != nil {
		return 0, fmt.Errorf("submitting history: %w", err)
	}

	i.logger.Info("group history ingested", "chat_id", chatID, "messages", len(msgs), "session_id", s.ID)
	return len(msgs), nil
}

// Fetch returns up to MaxMessages usable messages, oldest first.
func (i *Ingestor) Fetch(ctx context.Context, chatID string) ([]chat.HistoryMessage, error) {
	limit := i.cfg.MaxMessages
	var out []chat.HistoryMessage
	token := ""

	for len(out) < limit {
		page, err := i.source.HistoryPage(ctx, chatID, token, min(maxPageSize, limit-len(out)))
		if err != nil {
			return nil, fmt.Errorf("fetching history of %s: %w", chatID, err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, m := range page.Items {
			if !usable(m) {
				continue
			}
			m.Text = strings.TrimSpace(m.Text)
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
		if !page.HasMore || page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	slices.Reverse(out)
	return out, nil
}

func usable(m chat.HistoryMessage) bool {
	return !m.Deleted && m.MessageType == chat.MessageTypeText && strings.TrimSpace(m.Text) != ""
}

// Format renders msgs as the context block submitted to the session.
func Format(msgs []chat.HistoryMessage, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(header)
	fmt.Fprintf(&b, "\nMessages: %d\n---", len(msgs))
	for _, m := range msgs {
		stamp := "unknown"
		if !m.CreatedAt.IsZero() {
			stamp = m.CreatedAt.In(loc).Format("2006-01-02 15:04:05")
		}
		sender := "[" + m.SenderID + "]"
		if m.FromBot {
			sender = "[Bot]"
		}
		fmt.Fprintf(&b, "\n[%s] %s: %s", stamp, sender, m.Text)
	}
	return b.String()
}
