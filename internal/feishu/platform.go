// ABOUTME: Feishu chat platform built on the Lark open platform SDK
// ABOUTME: Receives events over the websocket client and sends, edits, deletes and lists messages

package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/config"
)

// Name is the identity namespace of Feishu conversations.
const Name = "feishu"

const botInfoPath = "/open-apis/bot/v3/info"

// APIError is a non-zero code returned by the open platform.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu %s: code %d: %s", e.Op, e.Code, e.Msg)
}

// Platform implements chat.Platform for a Feishu or Lark self-built app.
type Platform struct {
	appID     string
	appSecret string
	baseURL   string
	client    *lark.Client
	sdkLogger larkcore.Logger
	logger    *slog.Logger

	mu     sync.RWMutex
	selfID string
}

var _ chat.Platform = (*Platform)(nil)

// New creates the platform client. The bot's own open_id is looked up by Run.
func New(cfg config.FeishuConfig, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "feishu")
	sdkLogger := newSDKLogger(logger)
	baseURL := BaseURL(cfg.Domain)

	return &Platform{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		baseURL:   baseURL,
		client: lark.NewClient(cfg.AppID, cfg.AppSecret,
			lark.WithOpenBaseUrl(baseURL),
			lark.WithLogger(sdkLogger),
			lark.WithLogLevel(larkcore.LogLevelInfo),
		),
		sdkLogger: sdkLogger,
		logger:    logger,
	}
}

// BaseURL resolves the configured domain: "feishu", "lark", or a URL.
func BaseURL(domain string) string {
	switch strings.ToLower(strings.TrimSpace(domain)) {
	case "", "feishu":
		return lark.FeishuBaseUrl
	case "lark", "larksuite":
		return lark.LarkBaseUrl
	default:
		return strings.TrimSuffix(domain, "/")
	}
}

// Name returns "feishu".
func (p *Platform) Name() string { return Name }

// SelfID returns the bot's open_id, or "" until it has been fetched.
func (p *Platform) SelfID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selfID
}

// Run looks up the bot identity and then delivers events from the websocket
// connection until ctx is cancelled. A failed identity lookup leaves mention
// detection in its fallback mode.
func (p *Platform) Run(ctx context.Context, h chat.Handler) error {
	if id, err := p.fetchBotOpenID(ctx); err != nil {
		p.logger.Warn("fetching bot open_id failed, any mention will count", "error", err)
	} else {
		p.mu.Lock()
		p.selfID = id
		p.mu.Unlock()
		p.logger.Info("bot identity resolved", "open_id", id)
	}

	events := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, ev *larkim.P2MessageReceiveV1) error {
			msg, ok := decodeMessage(ev)
			if !ok {
				p.logger.Debug("ignoring undecodable message event")
				return nil
			}
			p.logger.Debug("message received",
				"chat_id", msg.ChatID,
				"message_id", msg.MessageID,
				"chat_type", msg.ChatType,
				"mentions", len(msg.Mentions),
			)
			h.Dispatch(msg)
			return nil
		}).
		OnP2ChatMemberBotAddedV1(func(ctx context.Context, ev *larkim.P2ChatMemberBotAddedV1) error {
			if ev == nil || ev.Event == nil || deref(ev.Event.ChatId) == "" {
				return nil
			}
			chatID := deref(ev.Event.ChatId)
			p.logger.Info("bot added to chat", "chat_id", chatID)
			h.DispatchBotAdded(chatID)
			return nil
		})

	ws := larkws.NewClient(p.appID, p.appSecret,
		larkws.WithEventHandler(events),
		larkws.WithDomain(p.baseURL),
		larkws.WithLogger(p.sdkLogger),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	p.logger.Info("starting websocket gateway", "app_id_prefix", prefix(p.appID, 8))

	// Start does not return while the connection is healthy.
	errCh := make(chan error, 1)
	go func() { errCh <- ws.Start(ctx) }()

	select {
	case <-ctx.Done():
		p.logger.Info("websocket gateway stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("websocket client: %w", err)
		}
		return nil
	}
}

type botInfoResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Bot  struct {
		OpenID  string `json:"open_id"`
		AppName string `json:"app_name"`
	} `json:"bot"`
}

func (p *Platform) fetchBotOpenID(ctx context.Context) (string, error) {
	resp, err := p.client.Get(ctx, botInfoPath, nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", fmt.Errorf("requesting bot info: %w", err)
	}
	return parseBotInfo(resp.RawBody)
}

func parseBotInfo(body []byte) (string, error) {
	var info botInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decoding bot info: %w", err)
	}
	if info.Code != 0 {
		return "", &APIError{Op: "bot info", Code: info.Code, Msg: info.Msg}
	}
	if info.Bot.OpenID == "" {
		return "", fmt.Errorf("bot info has no open_id")
	}
	return info.Bot.OpenID, nil
}

// SendText posts a text message to a chat.
func (p *Platform) SendText(ctx context.Context, chatID, text string) (string, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return "", fmt.Errorf("feishu send: no chat_id")
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgTypeText).
			Content(textContent(text)).
			Build()).
		Build()

	resp, err := p.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu send: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Op: "send", Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data == nil {
		return "", nil
	}
	return deref(resp.Data.MessageId), nil
}

// UpdateText replaces the text of a message the bot sent.
func (p *Platform) UpdateText(ctx context.Context, chatID, messageID, text string) error {
	req := larkim.NewUpdateMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewUpdateMessageReqBodyBuilder().
			MsgType(msgTypeText).
			Content(textContent(text)).
			Build()).
		Build()

	resp, err := p.client.Im.V1.Message.Update(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu update: %w", err)
	}
	if !resp.Success() {
		return &APIError{Op: "update", Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// DeleteMessage recalls a message. Failures are logged and swallowed.
func (p *Platform) DeleteMessage(ctx context.Context, chatID, messageID string) {
	req := larkim.NewDeleteMessageReqBuilder().MessageId(messageID).Build()

	resp, err := p.client.Im.V1.Message.Delete(ctx, req)
	if err != nil {
		p.logger.Debug("deleting message failed", "message_id", messageID, "error", err)
		return
	}
	if !resp.Success() {
		p.logger.Debug("deleting message rejected", "message_id", messageID, "code", resp.Code, "msg", resp.Msg)
	}
}

// HistoryPage lists a chat's messages newest first.
func (p *Platform) HistoryPage(ctx context.Context, chatID, pageToken string, size int) (chat.HistoryPage, error) {
	b := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(chatID).
		SortType("ByCreateTimeDesc").
		PageSize(size)
	if pageToken != "" {
		b = b.PageToken(pageToken)
	}

	resp, err := p.client.Im.V1.Message.List(ctx, b.Build())
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("feishu list messages: %w", err)
	}
	if !resp.Success() {
		return chat.HistoryPage{}, &APIError{Op: "list messages", Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data == nil {
		return chat.HistoryPage{}, nil
	}

	page := chat.HistoryPage{
		NextToken: deref(resp.Data.PageToken),
		HasMore:   resp.Data.HasMore != nil && *resp.Data.HasMore,
	}
	for _, item := range resp.Data.Items {
		if item != nil {
			page.Items = append(page.Items, historyItem(item))
		}
	}
	return page, nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
