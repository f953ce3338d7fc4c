// ABOUTME: Ledger recording for turns, commands and history imports
// ABOUTME: Converts pipeline outcomes into inbound and outbound store events

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/conversation"
	"github.com/NeverMore93/opencode-feishu/internal/router"
	"github.com/NeverMore93/opencode-feishu/internal/store"
)

// botAuthor is the author recorded for everything the bridge says.
const botAuthor = "bot"

// ledgerRecorder implements conversation.TurnRecorder on top of the store.
// Each turn becomes its inbound prompt plus, unless it was a silent forward,
// the outbound reply.
type ledgerRecorder struct {
	store *store.SQLiteStore
}

func (r *ledgerRecorder) RecordTurn(ctx context.Context, rec conversation.TurnRecord) error {
	inboundType := store.EventTypeMessage
	if rec.Outcome == conversation.OutcomeSilent {
		inboundType = store.EventTypeContext
	}

	inbound := &store.LedgerEvent{
		ID:              rec.ID + "-in",
		ConversationKey: rec.IdentityKey,
		SessionID:       optional(rec.SessionID),
		ChatID:          optional(rec.ChatID),
		Direction:       store.EventDirectionInbound,
		Author:          rec.SenderID,
		Timestamp:       rec.StartedAt,
		Type:            inboundType,
		Text:            optional(rec.Prompt),
	}
	if err := r.store.SaveEvent(ctx, inbound); err != nil {
		return fmt.Errorf("recording prompt: %w", err)
	}

	if rec.Outcome == conversation.OutcomeSilent {
		return nil
	}

	outType := store.EventTypeMessage
	if rec.Outcome == conversation.OutcomeError {
		outType = store.EventTypeError
	}
	outcome := string(rec.Outcome)
	outbound := &store.LedgerEvent{
		ID:              rec.ID + "-out",
		ConversationKey: rec.IdentityKey,
		SessionID:       optional(rec.SessionID),
		ChatID:          optional(rec.ChatID),
		Direction:       store.EventDirectionOutbound,
		Author:          botAuthor,
		Timestamp:       rec.StartedAt.Add(rec.Duration),
		Type:            outType,
		Text:            optional(rec.Reply),
		Outcome:         &outcome,
		Duration:        rec.Duration,
	}
	if err := r.store.SaveEvent(ctx, outbound); err != nil {
		return fmt.Errorf("recording reply: %w", err)
	}
	return nil
}

// recordCommand stores a command and the reply it produced.
func (g *Gateway) recordCommand(ctx context.Context, msg chat.Message, id chat.Identity, route router.Route, reply string) {
	if g.store == nil {
		return
	}
	now := time.Now()
	base := uuid.NewString()
	session, _ := g.sessions.Current(id)

	events := []*store.LedgerEvent{
		{
			ID:              base + "-in",
			ConversationKey: id.Key(),
			SessionID:       optional(session),
			ChatID:          optional(msg.ChatID),
			Direction:       store.EventDirectionInbound,
			Author:          msg.SenderID,
			Timestamp:       now,
			Type:            store.EventTypeCommand,
			Text:            optional(msg.Content),
		},
		{
			ID:              base + "-out",
			ConversationKey: id.Key(),
			SessionID:       optional(session),
			ChatID:          optional(msg.ChatID),
			Direction:       store.EventDirectionOutbound,
			Author:          botAuthor,
			Timestamp:       now,
			Type:            store.EventTypeCommand,
			Text:            optional(reply),
		},
	}
	for _, ev := range events {
		g.recordEvent(ctx, ev, "command", route.Name)
	}
}

// recordHistory notes that n past messages were imported into a group.
func (g *Gateway) recordHistory(ctx context.Context, chatID string, n int) {
	if g.store == nil {
		return
	}
	id := chat.GroupIdentity(g.platform.Name(), chatID)
	session, _ := g.sessions.Current(id)
	summary := fmt.Sprintf("imported %d messages", n)

	g.recordEvent(ctx, &store.LedgerEvent{
		ID:              uuid.NewString(),
		ConversationKey: id.Key(),
		SessionID:       optional(session),
		ChatID:          optional(chatID),
		Direction:       store.EventDirectionInbound,
		Author:          botAuthor,
		Timestamp:       time.Now(),
		Type:            store.EventTypeHistory,
		Text:            &summary,
	}, "history", chatID)
}

// recordEvent saves an event with a detached context. Ledger failures are
// logged and never affect the chat.
func (g *Gateway) recordEvent(ctx context.Context, event *store.LedgerEvent, kind, subject string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.store.SaveEvent(ctx, event); err != nil {
		g.logger.Warn("recording ledger event failed", "kind", kind, "subject", subject, "error", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
