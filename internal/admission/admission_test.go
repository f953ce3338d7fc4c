// ABOUTME: Tests for group admission policies
// ABOUTME: Covers mention matching, unknown self id fallback, and heuristic intent signals

package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
)

func group(text string, mentions ...string) chat.Message {
	return chat.Message{ChatType: chat.ChatGroup, Content: text, Mentions: mentions}
}

func TestNew(t *testing.T) {
	p, err := New("", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MentionOnly{}, p)

	p, err = New(PolicyHeuristic, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Heuristic{}, p)

	_, err = New("always", nil, nil)
	assert.Error(t, err)
}

func TestMentionOnly_DirectAlwaysAdmitted(t *testing.T) {
	p := &MentionOnly{SelfID: func() string { return "ou_bot" }}
	assert.True(t, p.Admit(chat.Message{ChatType: chat.ChatDirect, Content: "hi"}))
}

func TestMentionOnly_MatchesSelf(t *testing.T) {
	p := &MentionOnly{SelfID: func() string { return "ou_bot" }}

	assert.True(t, p.Admit(group("hello", "ou_other", "ou_bot")))
	assert.False(t, p.Admit(group("hello", "ou_other")))
	assert.False(t, p.Admit(group("what is this?")))
}

func TestMentionOnly_UnknownSelfFallsBackToAnyMention(t *testing.T) {
	p := &MentionOnly{SelfID: func() string { return "" }}

	assert.True(t, p.Admit(group("hello", "ou_anyone")))
	assert.False(t, p.Admit(group("hello")))

	nilSelf := &MentionOnly{}
	assert.True(t, nilSelf.Admit(group("hello", "ou_anyone")))
}

func TestHeuristic_Signals(t *testing.T) {
	p := NewHeuristic(nil)

	tests := []struct {
		name string
		msg  chat.Message
		want bool
	}{
		{"mention", group("fyi", "ou_x"), true},
		{"ascii question", group("is the build green?"), true},
		{"fullwidth question", group("构建通过了吗？"), true},
		{"interrogative", group("How do I deploy"), true},
		{"help keyword", group("need help with ci"), true},
		{"action verb", group("帮我看下日志"), true},
		{"translate verb", group("翻译一下这段"), true},
		{"name prefix", group("opencode, run the tests"), true},
		{"name prefix cjk punctuation", group("助手：总结"), true},
		{"name prefix case insensitive", group("Bot: status"), true},
		{"name without separator", group("botanical garden trip"), false},
		{"substring keyword", group("somehow fine"), false},
		{"chatter", group("lunch at noon"), false},
		{"direct", chat.Message{ChatType: chat.ChatDirect, Content: "lunch"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Admit(tt.msg))
		})
	}
}

func TestHeuristic_CustomNames(t *testing.T) {
	p := NewHeuristic([]string{"jarvis", " "})

	assert.True(t, p.Admit(group("jarvis status")))
	assert.False(t, p.Admit(group("opencode status")))
}
