// ABOUTME: Group admission policies deciding whether a group message gets an active reply
// ABOUTME: Provides mention-only and heuristic-intent variants selected at construction time

package admission

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
)

// Policy names accepted by New.
const (
	PolicyMention   = "mention"
	PolicyHeuristic = "heuristic"
)

// DefaultNames are the addressee names the heuristic policy recognizes when
// none are configured.
var DefaultNames = []string{"opencode", "bot", "助手", "智能体"}

// actionVerbs mark a message as a request even without a question.
var actionVerbs = []string{
	"帮", "麻烦", "请", "能否", "可以", "解释", "看看",
	"排查", "分析", "总结", "写", "改", "修", "查", "对比", "翻译",
}

var (
	questionSuffix = regexp.MustCompile(`[？?]$`)
	interrogative  = regexp.MustCompile(`(?i)\b(why|how|what|when|where|who|help)\b`)
)

// Policy decides admission for a message. Direct chats are always admitted.
type Policy interface {
	Admit(msg chat.Message) bool
}

// New returns the policy registered under name. selfID supplies the bot's own
// platform id at evaluation time; it may return "" while unknown.
func New(name string, selfID func() string, names []string) (Policy, error) {
	switch name {
	case "", PolicyMention:
		return &MentionOnly{SelfID: selfID}, nil
	case PolicyHeuristic:
		return NewHeuristic(names), nil
	default:
		return nil, fmt.Errorf("unknown group policy %q", name)
	}
}

// MentionOnly admits group messages that tag the bot.
type MentionOnly struct {
	SelfID func() string
}

// Admit implements Policy. With an unknown self id any mention admits.
func (p *MentionOnly) Admit(msg chat.Message) bool {
	if msg.ChatType != chat.ChatGroup {
		return true
	}
	self := ""
	if p.SelfID != nil {
		self = p.SelfID()
	}
	if self == "" {
		return len(msg.Mentions) > 0
	}
	for _, m := range msg.Mentions {
		if m == self {
			return true
		}
	}
	return false
}

// Heuristic admits group messages that look addressed to the bot.
type Heuristic struct {
	namePrefix *regexp.Regexp
}

// NewHeuristic builds a heuristic policy recognizing the given addressee names.
func NewHeuristic(names []string) *Heuristic {
	if len(names) == 0 {
		names = DefaultNames
	}
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			quoted = append(quoted, regexp.QuoteMeta(n))
		}
	}
	return &Heuristic{
		namePrefix: regexp.MustCompile(`(?i)^(` + strings.Join(quoted, "|") + `)[\s,:，：]`),
	}
}

// Admit implements Policy.
func (p *Heuristic) Admit(msg chat.Message) bool {
	if msg.ChatType != chat.ChatGroup {
		return true
	}
	if len(msg.Mentions) > 0 {
		return true
	}

	text := msg.Content
	if questionSuffix.MatchString(text) || interrogative.MatchString(text) {
		return true
	}
	for _, verb := range actionVerbs {
		if strings.Contains(text, verb) {
			return true
		}
	}
	return p.namePrefix.MatchString(text)
}
