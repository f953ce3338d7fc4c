// ABOUTME: Conversions between Matrix events and platform-neutral chat types
// ABOUTME: Handles mentions, leading name pills, room filters and history items

package matrix

import (
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
)

// decodeMessage converts a room message. The chat type is filled in by the
// caller, which needs the membership count.
func decodeMessage(evt *event.Event, content *event.MessageEventContent, self id.UserID) chat.Message {
	msgType := string(content.MsgType)
	if content.MsgType == event.MsgText {
		msgType = chat.MessageTypeText
	}

	var mentions []string
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			mentions = append(mentions, uid.String())
		}
	}
	// Clients without m.mentions still put the user id in the body.
	if !slices.Contains(mentions, self.String()) && strings.Contains(content.Body, self.String()) {
		mentions = append(mentions, self.String())
	}

	var rootID string
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread {
		rootID = rel.EventID.String()
	}

	return chat.Message{
		ChatID:      evt.RoomID.String(),
		MessageID:   evt.ID.String(),
		MessageType: msgType,
		Content:     stripLeadingName(content.Body, self),
		SenderID:    evt.Sender.String(),
		RootID:      rootID,
		Mentions:    mentions,
	}
}

// stripLeadingName removes a leading "@bot:server:" or "bot:" address that
// clients insert when a user picks the bot from the mention list.
func stripLeadingName(body string, self id.UserID) string {
	body = strings.TrimSpace(body)
	localpart, _, _ := strings.Cut(strings.TrimPrefix(self.String(), "@"), ":")

	for _, name := range []string{self.String(), localpart} {
		if name == "" || len(body) <= len(name) || !strings.EqualFold(body[:len(name)], name) {
			continue
		}
		rest := body[len(name):]
		if r := rest[0]; r == ':' || r == ',' {
			return strings.TrimSpace(rest[1:])
		}
	}
	return body
}

// classify treats rooms with at most two joined members as direct chats.
func classify(joined int) chat.ChatType {
	if joined <= 2 {
		return chat.ChatDirect
	}
	return chat.ChatGroup
}

// roomAllowed reports whether roomID passes the allow list. An empty list allows all.
func roomAllowed(allowed []string, roomID string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, roomID)
}

// historyItem maps a /messages event. Non-message events are skipped.
func historyItem(evt *event.Event, self id.UserID) (chat.HistoryMessage, bool) {
	if evt == nil || evt.Type != event.EventMessage {
		return chat.HistoryMessage{}, false
	}
	item := chat.HistoryMessage{
		SenderID:  evt.Sender.String(),
		FromBot:   evt.Sender == self,
		Deleted:   evt.Unsigned.RedactedBecause != nil,
		CreatedAt: time.UnixMilli(evt.Timestamp),
	}

	if evt.Content.Parsed == nil {
		_ = evt.Content.ParseRaw(evt.Type)
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return item, true
	}
	item.MessageType = string(content.MsgType)
	if content.MsgType == event.MsgText {
		item.MessageType = chat.MessageTypeText
		item.Text = strings.TrimSpace(content.Body)
	}
	return item, true
}
