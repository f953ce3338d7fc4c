// ABOUTME: Conversions between Feishu message payloads and platform-neutral chat types
// ABOUTME: Parses text content JSON, strips mention placeholders, and maps history items

package feishu

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
)

const (
	msgTypeText   = "text"
	chatTypeGroup = "group"
	senderTypeApp = "app"
)

// mentionPlaceholder matches the "@_user_N" tokens Feishu substitutes for mentions.
var mentionPlaceholder = regexp.MustCompile(`@_user_\d+\s*`)

type textBody struct {
	Text string `json:"text"`
}

// parseText extracts the text of a text message's content JSON.
func parseText(content string) (string, bool) {
	var body textBody
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return "", false
	}
	return strings.TrimSpace(body.Text), true
}

// stripMentions removes mention placeholders and trims the result.
func stripMentions(text string) string {
	return strings.TrimSpace(mentionPlaceholder.ReplaceAllString(text, ""))
}

// textContent encodes text as a text message content payload.
func textContent(text string) string {
	data, _ := json.Marshal(textBody{Text: text})
	return string(data)
}

// decodeMessage converts a receive event into a chat.Message. It reports
// false for events without a chat or with non-text or unparseable content.
func decodeMessage(ev *larkim.P2MessageReceiveV1) (chat.Message, bool) {
	if ev == nil || ev.Event == nil || ev.Event.Message == nil {
		return chat.Message{}, false
	}
	m := ev.Event.Message

	chatID := deref(m.ChatId)
	if chatID == "" {
		return chat.Message{}, false
	}

	msgType := deref(m.MessageType)
	if msgType == "" {
		msgType = msgTypeText
	}
	if msgType != msgTypeText || deref(m.Content) == "" {
		return chat.Message{}, false
	}

	text, ok := parseText(deref(m.Content))
	if !ok {
		return chat.Message{}, false
	}

	chatType := chat.ChatDirect
	if deref(m.ChatType) == chatTypeGroup {
		chatType = chat.ChatGroup
	}

	var mentions []string
	for _, mention := range m.Mentions {
		if mention == nil || mention.Id == nil {
			continue
		}
		if id := deref(mention.Id.OpenId); id != "" {
			mentions = append(mentions, id)
		}
	}

	var senderID string
	if s := ev.Event.Sender; s != nil && s.SenderId != nil {
		senderID = deref(s.SenderId.OpenId)
	}

	return chat.Message{
		ChatID:      chatID,
		MessageID:   deref(m.MessageId),
		MessageType: msgType,
		Content:     stripMentions(text),
		ChatType:    chatType,
		SenderID:    senderID,
		RootID:      deref(m.RootId),
		Mentions:    mentions,
	}, true
}

// historyItem maps one listed message. Non-text or unparseable bodies keep an
// empty Text so the ingestor skips them.
func historyItem(m *larkim.Message) chat.HistoryMessage {
	item := chat.HistoryMessage{
		MessageType: deref(m.MsgType),
		Deleted:     m.Deleted != nil && *m.Deleted,
		CreatedAt:   parseMillis(deref(m.CreateTime)),
	}
	if m.Sender != nil {
		item.SenderID = deref(m.Sender.Id)
		item.FromBot = deref(m.Sender.SenderType) == senderTypeApp
	}
	if item.MessageType == msgTypeText && m.Body != nil {
		if text, ok := parseText(deref(m.Body.Content)); ok {
			item.Text = text
		}
	}
	return item
}

// parseMillis reads a millisecond epoch string, or returns the zero time.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
