// ABOUTME: Matrix chat platform built on the mautrix client
// ABOUTME: Syncs room messages and invites, and maps sends, edits and redactions onto chat.Sender

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/config"
)

// Name is the identity namespace of Matrix conversations.
const Name = "matrix"

// networkTimeout bounds membership lookups and joins made from the sync loop.
const networkTimeout = 10 * time.Second

// Platform implements chat.Platform for a single Matrix account.
type Platform struct {
	config config.MatrixConfig
	client *mautrix.Client
	userID id.UserID
	logger *slog.Logger

	// chatTypes caches direct/group classification per room until its
	// membership changes.
	mu        sync.Mutex
	chatTypes map[id.RoomID]chat.ChatType
}

var _ chat.Platform = (*Platform)(nil)

// New creates the Matrix client. No request is made until Run.
func New(cfg config.MatrixConfig, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	userID := id.UserID(cfg.UserID)
	client, err := mautrix.NewClient(cfg.Homeserver, userID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Platform{
		config:    cfg,
		client:    client,
		userID:    userID,
		logger:    logger.With("component", "matrix"),
		chatTypes: make(map[id.RoomID]chat.ChatType),
	}, nil
}

// Name returns "matrix".
func (p *Platform) Name() string { return Name }

// SelfID returns the bot's Matrix user ID.
func (p *Platform) SelfID() string { return p.userID.String() }

// Run syncs until ctx is cancelled. Events from the initial sync are skipped
// so history is never answered after a restart.
func (p *Platform) Run(ctx context.Context, h chat.Handler) error {
	syncer, ok := p.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", p.client.Syncer)
	}
	syncer.OnSync(p.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		p.handleMessage(ctx, h, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		p.handleMember(ctx, h, evt)
	})

	p.logger.Info("connecting to matrix homeserver",
		"homeserver", p.config.Homeserver,
		"user_id", p.userID,
	)

	err := p.client.SyncWithContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		p.logger.Info("matrix sync stopped")
		return nil
	}
	return fmt.Errorf("matrix sync failed: %w", err)
}

func (p *Platform) handleMessage(ctx context.Context, h chat.Handler, evt *event.Event) {
	if evt.Sender == p.userID {
		return
	}
	if !roomAllowed(p.config.AllowedRooms, evt.RoomID.String()) {
		p.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID)
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	// Edits arrive as new message events; only originals are answered.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	msg := decodeMessage(evt, content, p.userID)
	msg.ChatType = p.chatType(ctx, evt.RoomID)

	p.logger.Debug("received message",
		"room", evt.RoomID,
		"sender", evt.Sender,
		"type", msg.MessageType,
		"chat_type", msg.ChatType,
	)
	h.Dispatch(msg)
}

func (p *Platform) handleMember(ctx context.Context, h chat.Handler, evt *event.Event) {
	p.mu.Lock()
	delete(p.chatTypes, evt.RoomID)
	p.mu.Unlock()

	if evt.GetStateKey() != p.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || !p.config.AutoJoin {
		return
	}
	if !roomAllowed(p.config.AllowedRooms, evt.RoomID.String()) {
		p.logger.Info("declining invite to non-allowed room", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := p.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		p.logger.Warn("joining invited room failed", "room", evt.RoomID, "error", err)
		return
	}
	p.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
	h.DispatchBotAdded(evt.RoomID.String())
}

// chatType classifies a room as direct when it has at most two joined members.
func (p *Platform) chatType(ctx context.Context, roomID id.RoomID) chat.ChatType {
	p.mu.Lock()
	t, ok := p.chatTypes[roomID]
	p.mu.Unlock()
	if ok {
		return t
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := p.client.JoinedMembers(ctx, roomID)
	if err != nil {
		p.logger.Warn("fetching room members failed, treating room as a group", "room", roomID, "error", err)
		return chat.ChatGroup
	}

	t = classify(len(resp.Joined))
	p.mu.Lock()
	p.chatTypes[roomID] = t
	p.mu.Unlock()
	return t
}

// SendText posts an m.text message and returns its event id.
func (p *Platform) SendText(ctx context.Context, chatID, text string) (string, error) {
	resp, err := p.client.SendText(ctx, id.RoomID(chatID), text)
	if err != nil {
		return "", fmt.Errorf("matrix send: %w", err)
	}
	return resp.EventID.String(), nil
}

// UpdateText sends an m.replace edit of messageID.
func (p *Platform) UpdateText(ctx context.Context, chatID, messageID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	content.SetEdit(id.EventID(messageID))

	if _, err := p.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content); err != nil {
		return fmt.Errorf("matrix edit: %w", err)
	}
	return nil
}

// DeleteMessage redacts a message. Failures are logged and swallowed.
func (p *Platform) DeleteMessage(ctx context.Context, chatID, messageID string) {
	if _, err := p.client.RedactEvent(ctx, id.RoomID(chatID), id.EventID(messageID)); err != nil {
		p.logger.Debug("redacting message failed", "room", chatID, "event_id", messageID, "error", err)
	}
}

// HistoryPage reads one page of room messages newest first.
func (p *Platform) HistoryPage(ctx context.Context, chatID, pageToken string, size int) (chat.HistoryPage, error) {
	resp, err := p.client.Messages(ctx, id.RoomID(chatID), pageToken, "", mautrix.DirectionBackward, nil, size)
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("matrix messages: %w", err)
	}

	page := chat.HistoryPage{
		NextToken: resp.End,
		HasMore:   resp.End != "" && len(resp.Chunk) > 0,
	}
	for _, evt := range resp.Chunk {
		if item, ok := historyItem(evt, p.userID); ok {
			page.Items = append(page.Items, item)
		}
	}
	return page, nil
}
