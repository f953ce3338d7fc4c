// Package feishu connects the bridge to Feishu (or Lark) through a self-built app.
//
// Events arrive over the SDK's websocket client, so no public callback URL is
// needed. Only text messages are decoded; "@_user_N" placeholders are removed
// from the text and the mentioned open_ids are reported separately. The bot's
// own open_id is fetched from the bot info API when Run starts and drives
// mention-only group admission.
//
// Outbound text uses the im/v1 message create, update and delete APIs, and
// group history is paged through the message list API newest first.
package feishu
