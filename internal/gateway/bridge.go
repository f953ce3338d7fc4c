// ABOUTME: Inbound chat event handling with deduplication and admission
// ABOUTME: Routes each message to a command, an answered turn, or a silent context forward

package gateway

import (
	"context"
	"strings"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/conversation"
	"github.com/NeverMore93/opencode-feishu/internal/metrics"
	"github.com/NeverMore93/opencode-feishu/internal/router"
)

// Dispatch implements chat.Handler. Duplicates are dropped synchronously so a
// redelivered event never starts a second handler; the rest is handled on
// its own goroutine.
func (g *Gateway) Dispatch(msg chat.Message) {
	if g.closing.Load() {
		g.logger.Debug("dropping message during shutdown", "message_id", msg.MessageID)
		return
	}
	if g.dedupe.IsDuplicate(msg.MessageID) {
		g.logger.Debug("duplicate message ignored", "message_id", msg.MessageID, "chat_id", msg.ChatID)
		g.metrics.MessageHandled(g.platform.Name(), metrics.MessageDuplicate)
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.HandleMessage(g.baseCtx, msg)
	}()
}

// DispatchBotAdded implements chat.Handler by importing the chat's recent
// history in the background.
func (g *Gateway) DispatchBotAdded(chatID string) {
	if g.closing.Load() {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.ingestHistory(g.baseCtx, chatID)
	}()
}

// HandleMessage runs one deduplicated message through admission and routing.
func (g *Gateway) HandleMessage(ctx context.Context, msg chat.Message) {
	platform := g.platform.Name()

	if msg.MessageType != chat.MessageTypeText || strings.TrimSpace(msg.Content) == "" {
		g.logger.Debug("ignoring non-text message", "message_id", msg.MessageID, "type", msg.MessageType)
		g.metrics.MessageHandled(platform, metrics.MessageDropped)
		return
	}

	id := chat.IdentityOf(platform, msg)

	if !g.admission.Admit(msg) {
		g.metrics.MessageHandled(platform, metrics.MessageSilent)
		g.runTurn(ctx, conversation.Turn{
			Identity: id,
			ChatID:   msg.ChatID,
			SenderID: msg.SenderID,
			Text:     strings.TrimSpace(msg.Content),
		})
		return
	}

	route := router.Parse(msg.Content)
	if route.IsCommand() {
		g.metrics.MessageHandled(platform, metrics.MessageCommand)
		g.runCommand(ctx, msg, id, route)
		return
	}
	if route.Text == "" {
		g.metrics.MessageHandled(platform, metrics.MessageDropped)
		return
	}

	g.metrics.MessageHandled(platform, metrics.MessageTurn)
	g.runTurn(ctx, conversation.Turn{
		Identity:    id,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Text:        route.Text,
		ShouldReply: true,
	})
}

func (g *Gateway) runTurn(ctx context.Context, t conversation.Turn) {
	if err := g.conversation.HandleTurn(ctx, t); err != nil {
		g.logger.Error("turn failed", "key", t.Identity.Key(), "chat_id", t.ChatID, "error", err)
	}
}

func (g *Gateway) runCommand(ctx context.Context, msg chat.Message, id chat.Identity, route router.Route) {
	reply := g.commands.Execute(ctx, route, id)
	if _, err := g.platform.SendText(ctx, msg.ChatID, reply); err != nil {
		g.logger.Error("sending command reply failed", "command", route.Name, "chat_id", msg.ChatID, "error", err)
	}
	g.recordCommand(ctx, msg, id, route, reply)
}

func (g *Gateway) ingestHistory(ctx context.Context, chatID string) {
	n, err := g.history.Ingest(ctx, chatID)
	if err != nil {
		g.logger.Warn("history import abandoned", "chat_id", chatID, "error", err)
		return
	}
	g.metrics.HistoryIngested(n)
	if n > 0 {
		g.recordHistory(ctx, chatID, n)
	}
}
