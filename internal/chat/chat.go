// ABOUTME: Platform-neutral chat types shared by the pipeline and the platform adapters
// ABOUTME: Defines the normalized inbound message, conversation identity, and outbound sender contract

package chat

import (
	"context"
	"time"
)

// ChatType distinguishes one-on-one conversations from multi-party rooms.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// token is the identity-key form of the chat type. "p2p" keeps session titles
// compatible with sessions created by earlier deployments.
func (t ChatType) token() string {
	if t == ChatGroup {
		return "group"
	}
	return "p2p"
}

// MessageTypeText is the only inbound message type the pipeline answers.
const MessageTypeText = "text"

// Message is an inbound chat event after platform decoding.
type Message struct {
	ChatID      string
	MessageID   string
	MessageType string
	Content     string
	ChatType    ChatType
	SenderID    string
	RootID      string
	// Mentions holds the platform ids of every participant tagged in the message.
	Mentions []string
}

// Identity is a stable addressable conversation.
type Identity struct {
	Platform      string
	ChatType      ChatType
	ParticipantID string
	ChatID        string
}

// IdentityOf derives the conversation identity for an inbound message.
func IdentityOf(platform string, msg Message) Identity {
	return Identity{
		Platform:      platform,
		ChatType:      msg.ChatType,
		ParticipantID: msg.SenderID,
		ChatID:        msg.ChatID,
	}
}

// GroupIdentity is the identity of a multi-party chat, independent of any sender.
func GroupIdentity(platform, chatID string) Identity {
	return Identity{Platform: platform, ChatType: ChatGroup, ChatID: chatID}
}

// Key returns "<platform>-<p2p|group>-<id>". Direct chats key on the participant,
// groups on the chat.
func (i Identity) Key() string {
	id := i.ChatID
	if i.ChatType != ChatGroup {
		id = i.ParticipantID
	}
	return i.Platform + "-" + i.ChatType.token() + "-" + id
}

// Sender performs outbound actions on the chat platform.
type Sender interface {
	// SendText posts a new text message and returns its platform message id.
	SendText(ctx context.Context, chatID, text string) (string, error)
	// UpdateText replaces the text of a previously sent message.
	UpdateText(ctx context.Context, chatID, messageID, text string) error
	// DeleteMessage removes a message. Failures are swallowed by implementations.
	DeleteMessage(ctx context.Context, chatID, messageID string)
}

// HistoryMessage is one past message in a chat, as returned by a HistorySource.
type HistoryMessage struct {
	MessageType string
	Text        string
	SenderID    string
	FromBot     bool
	Deleted     bool
	CreatedAt   time.Time
}

// HistoryPage is one newest-first page of chat history.
type HistoryPage struct {
	Items     []HistoryMessage
	NextToken string
	HasMore   bool
}

// HistorySource pages through a chat's past messages, newest first.
type HistorySource interface {
	HistoryPage(ctx context.Context, chatID, pageToken string, size int) (HistoryPage, error)
}

// Handler receives decoded platform events.
type Handler interface {
	Dispatch(msg Message)
	DispatchBotAdded(chatID string)
}

// Platform is a running chat integration.
type Platform interface {
	Sender
	HistorySource
	// Name is the identity namespace, e.g. "feishu".
	Name() string
	// SelfID is the bot's own platform id, or "" if it is not known.
	SelfID() string
	// Run connects and delivers events to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}
