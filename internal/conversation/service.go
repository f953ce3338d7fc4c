// ABOUTME: Conversation orchestrator running one prompt/reply exchange per inbound message
// ABOUTME: Serializes turns per session, shows a delayed placeholder, polls for a stable reply, and delivers it

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
	"github.com/NeverMore93/opencode-feishu/internal/relay"
)

// Chat notices.
const (
	DefaultPlaceholderText = "⏳ Thinking…"
	TimeoutNotice          = "⚠️ Response timed out"
	NoReplyNotice          = "[no reply]"
	ErrorPrefix            = "❌ "
)

// Defaults for Config fields left zero.
const (
	DefaultTimeout      = 120 * time.Second
	DefaultPollInterval = 1500 * time.Millisecond
)

// stableThreshold is how many repeat observations of the same text end polling.
const stableThreshold = 2

const (
	deliverTimeout   = 15 * time.Second
	finalReadTimeout = 15 * time.Second
	silentTimeout    = 30 * time.Second
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeTimeout Outcome = "timeout"
	OutcomeNoReply Outcome = "no_reply"
	OutcomeError   Outcome = "error"
	OutcomeSilent  Outcome = "silent"
)

// Backend is the prompt side of the OpenCode client.
type Backend interface {
	SubmitPrompt(ctx context.Context, sessionID, text string, opts opencode.PromptOptions) error
	Messages(ctx context.Context, sessionID string) ([]opencode.Message, error)
}

// Sessions resolves identities to sessions and their per-conversation overrides.
type Sessions interface {
	Resolve(ctx context.Context, id chat.Identity) (opencode.Session, error)
	Model(id chat.Identity) string
	Agent(id chat.Identity) string
}

// Slots tracks placeholders the relay may stream into.
type Slots interface {
	Register(sessionID, chatID, placeholderID string) *relay.Slot
	Deregister(slot *relay.Slot)
}

// TurnRecord summarizes a finished turn.
type TurnRecord struct {
	ID          string
	IdentityKey string
	SessionID   string
	ChatID      string
	SenderID    string
	Prompt      string
	Reply       string
	Outcome     Outcome
	StartedAt   time.Time
	Duration    time.Duration
}

// TurnRecorder persists turn records. Failures are logged.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

// Observer is told about every finished turn.
type Observer interface {
	TurnFinished(outcome string, d time.Duration)
}

// Turn is one inbound message bound for the backend.
type Turn struct {
	Identity    chat.Identity
	ChatID      string
	SenderID    string
	Text        string
	ShouldReply bool
}

// Config tunes a Service.
type Config struct {
	// ThinkingDelay is how long a turn runs before a placeholder is shown. Zero
	// disables the placeholder.
	ThinkingDelay   time.Duration
	PlaceholderText string
	Timeout         time.Duration
	PollInterval    time.Duration
}

// Service runs conversation turns.
type Service struct {
	backend  Backend
	sessions Sessions
	sender   chat.Sender
	slots    Slots
	cfg      Config
	queue    *keyedQueue
	recorder TurnRecorder
	observer Observer
	logger   *slog.Logger
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithRecorder persists each turn.
func WithRecorder(r TurnRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithObserver reports each turn outcome.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// New creates a Service.
func New(backend Backend, sessions Sessions, sender chat.Sender, slots Slots, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.PlaceholderText == "" {
		cfg.PlaceholderText = DefaultPlaceholderText
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		backend:  backend,
		sessions: sessions,
		sender:   sender,
		slots:    slots,
		cfg:      cfg,
		queue:    newKeyedQueue(),
		logger:   logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PromptText is the text submitted for a turn. Group messages carry the sender.
func PromptText(t Turn) string {
	if t.Identity.ChatType == chat.ChatGroup && t.SenderID != "" {
		return "[" + t.SenderID + "]: " + t.Text
	}
	return t.Text
}

// HandleTurn resolves the turn's session and either forwards the text as
// context or runs a full exchange. Exchange failures are reported in chat; the
// returned error covers only failures that could not be.
func (s *Service) HandleTurn(ctx context.Context, t Turn) error {
	start := time.Now()
	prompt := PromptText(t)

	session, err := s.sessions.Resolve(ctx, t.Identity)
	if err != nil {
		s.logger.Error("resolving session failed", "key", t.Identity.Key(), "error", err)
		if t.ShouldReply {
			if derr := s.deliver(ctx, t.ChatID, "", ErrorPrefix+err.Error()); derr != nil {
				s.logger.Error("reporting resolve failure failed", "chat_id", t.ChatID, "error", derr)
			}
		}
		s.finish(ctx, t, "", prompt, ErrorPrefix+err.Error(), OutcomeError, start)
		return fmt.Errorf("resolving session: %w", err)
	}

	if !t.ShouldReply {
		s.silentForward(ctx, t, session.ID, prompt)
		s.finish(ctx, t, session.ID, prompt, "", OutcomeSilent, start)
		return nil
	}

	release, err := s.queue.acquire(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("waiting for session %s: %w", session.ID, err)
	}
	defer release()

	reply, outcome := s.runTurn(ctx, t, session.ID, prompt)
	s.finish(ctx, t, session.ID, prompt, reply, outcome, start)
	return nil
}

// silentForward adds the text to the session's context without asking for a reply.
func (s *Service) silentForward(ctx context.Context, t Turn, sessionID, prompt string) {
	ctx, cancel := context.WithTimeout(ctx, silentTimeout)
	defer cancel()

	err := s.backend.SubmitPrompt(ctx, sessionID, prompt, opencode.PromptOptions{NoReply: true})
	if err != nil {
		s.logger.Warn("silent forward failed", "session_id", sessionID, "chat_id", t.ChatID, "error", err)
		return
	}
	s.logger.Debug("forwarded as context", "session_id", sessionID, "chat_id", t.ChatID)
}

// placeholder is the delayed "thinking" message of one turn. Its fields are
// written by the timer callback and read only after settle.
type placeholder struct {
	timer     *time.Timer
	ready     chan struct{}
	messageID string
	slot      *relay.Slot
}

func (s *Service) startPlaceholder(ctx context.Context, chatID, sessionID string) *placeholder {
	p := &placeholder{ready: make(chan struct{})}
	if s.cfg.ThinkingDelay <= 0 {
		return p
	}
	p.timer = time.AfterFunc(s.cfg.ThinkingDelay, func() {
		defer close(p.ready)
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
		defer cancel()

		id, err := s.sender.SendText(sendCtx, chatID, s.cfg.PlaceholderText)
		if err != nil {
			s.logger.Warn("sending placeholder failed", "chat_id", chatID, "error", err)
			return
		}
		p.messageID = id
		p.slot = s.slots.Register(sessionID, chatID, id)
	})
	return p
}

// settle cancels a pending placeholder or waits for a firing one to finish.
func (p *placeholder) settle() {
	if p.timer == nil || p.timer.Stop() {
		return
	}
	<-p.ready
}

func (s *Service) runTurn(ctx context.Context, t Turn, sessionID, prompt string) (string, Outcome) {
	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ph := s.startPlaceholder(turnCtx, t.ChatID, sessionID)
	defer func() {
		if ph.slot != nil {
			s.slots.Deregister(ph.slot)
		}
	}()

	opts := opencode.PromptOptions{
		Model: s.sessions.Model(t.Identity),
		Agent: s.sessions.Agent(t.Identity),
	}
	lastText, timedOut, err := s.exchange(turnCtx, sessionID, prompt, opts)

	ph.settle()
	if ph.slot != nil {
		ph.slot.Seal()
	}

	var reply string
	var outcome Outcome
	if err != nil {
		s.logger.Error("turn failed", "session_id", sessionID, "chat_id", t.ChatID, "error", err)
		reply, outcome = ErrorPrefix+err.Error(), OutcomeError
	} else {
		reply, outcome = s.finalText(ctx, sessionID, lastText, timedOut)
	}

	if derr := s.deliver(ctx, t.ChatID, ph.messageID, reply); derr != nil {
		s.logger.Error("delivering reply failed", "chat_id", t.ChatID, "session_id", sessionID, "error", derr)
	}
	return reply, outcome
}

// exchange submits the prompt and polls until the reply text is stable or the
// turn deadline passes.
func (s *Service) exchange(ctx context.Context, sessionID, prompt string, opts opencode.PromptOptions) (string, bool, error) {
	if err := s.backend.SubmitPrompt(ctx, sessionID, prompt, opts); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", true, nil
		}
		return "", false, err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastText string
	sameCount := 0
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return lastText, true, nil
			}
			return lastText, false, ctx.Err()
		case <-ticker.C:
		}

		msgs, err := s.backend.Messages(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return lastText, false, err
		}

		text := opencode.LastAssistantText(msgs)
		switch {
		case text == "":
		case text != lastText:
			lastText = text
			sameCount = 0
		default:
			sameCount++
			if sameCount >= stableThreshold {
				return lastText, false, nil
			}
		}
	}
}

// finalText reads the session once more and applies the reply precedence:
// final text, last polled text, timeout notice, no-reply notice.
func (s *Service) finalText(ctx context.Context, sessionID, lastText string, timedOut bool) (string, Outcome) {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalReadTimeout)
	defer cancel()

	msgs, err := s.backend.Messages(readCtx, sessionID)
	if err != nil {
		s.logger.Warn("final read failed", "session_id", sessionID, "error", err)
	}
	if text := opencode.LastAssistantText(msgs); text != "" {
		return text, OutcomeReplied
	}
	if lastText != "" {
		return lastText, OutcomeReplied
	}
	if timedOut {
		return TimeoutNotice, OutcomeTimeout
	}
	return NoReplyNotice, OutcomeNoReply
}

// deliver writes text into the placeholder, or posts it when there is none or
// the edit fails. A replaced placeholder is removed.
func (s *Service) deliver(ctx context.Context, chatID, placeholderID, text string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()

	if placeholderID != "" {
		err := s.sender.UpdateText(ctx, chatID, placeholderID, text)
		if err == nil {
			return nil
		}
		s.logger.Warn("updating placeholder failed, sending new message", "chat_id", chatID, "error", err)
		if _, err := s.sender.SendText(ctx, chatID, text); err != nil {
			return err
		}
		s.sender.DeleteMessage(ctx, chatID, placeholderID)
		return nil
	}

	_, err := s.sender.SendText(ctx, chatID, text)
	return err
}

func (s *Service) finish(ctx context.Context, t Turn, sessionID, prompt, reply string, outcome Outcome, start time.Time) {
	elapsed := time.Since(start)
	if s.observer != nil {
		s.observer.TurnFinished(string(outcome), elapsed)
	}
	s.logger.Info("turn finished",
		"key", t.Identity.Key(),
		"session_id", sessionID,
		"outcome", outcome,
		"duration", elapsed)

	if s.recorder == nil {
		return
	}
	rec := TurnRecord{
		ID:          uuid.New().String(),
		IdentityKey: t.Identity.Key(),
		SessionID:   sessionID,
		ChatID:      t.ChatID,
		SenderID:    t.SenderID,
		Prompt:      prompt,
		Reply:       reply,
		Outcome:     outcome,
		StartedAt:   start,
		Duration:    elapsed,
	}
	if err := s.recorder.RecordTurn(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("recording turn failed", "session_id", sessionID, "error", err)
	}
}
