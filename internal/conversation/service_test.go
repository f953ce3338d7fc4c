// ABOUTME: Tests for the conversation orchestrator and its per-session queue
// ABOUTME: Covers placeholder delivery, silent forwarding, errors, timeouts, and turn ordering

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/chat/chattest"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
	"github.com/NeverMore93/opencode-feishu/internal/relay"
)

type submission struct {
	SessionID string
	Text      string
	Opts      opencode.PromptOptions
}

// fakeBackend answers every prompt with a fixed reply.
type fakeBackend struct {
	mu          sync.Mutex
	reply       string
	submitDelay time.Duration
	submitBlock bool
	submitErr   error
	messagesErr error
	// replyFn, when set, supplies the reply for the n-th Messages call.
	replyFn  func(call int) string
	onSubmit func(text string)

	submissions  []submission
	messageCalls int
	active       int
	maxActive    int
}

// sequence replies with texts in order and then repeats the last one.
func sequence(texts ...string) func(int) string {
	return func(call int) string {
		return texts[min(call, len(texts)-1)]
	}
}

func (b *fakeBackend) SubmitPrompt(ctx context.Context, sessionID, text string, opts opencode.PromptOptions) error {
	if b.onSubmit != nil {
		b.onSubmit(text)
	}
	b.mu.Lock()
	b.submissions = append(b.submissions, submission{SessionID: sessionID, Text: text, Opts: opts})
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	delay, block, err := b.submitDelay, b.submitBlock, b.submitErr
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *fakeBackend) Messages(ctx context.Context, sessionID string) ([]opencode.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messagesErr != nil {
		return nil, b.messagesErr
	}
	reply := b.reply
	if b.replyFn != nil {
		reply = b.replyFn(b.messageCalls)
	}
	b.messageCalls++
	if reply == "" {
		return nil, nil
	}
	return []opencode.Message{{
		Info:  opencode.MessageInfo{Role: opencode.RoleAssistant},
		Parts: []opencode.Part{{Type: opencode.PartText, Text: reply}},
	}}, nil
}

func (b *fakeBackend) MessageCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messageCalls
}

func (b *fakeBackend) Submissions() []submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]submission(nil), b.submissions...)
}

type fakeSessions struct {
	err   error
	model string
	agent string
}

func (f *fakeSessions) Resolve(ctx context.Context, id chat.Identity) (opencode.Session, error) {
	if f.err != nil {
		return opencode.Session{}, f.err
	}
	return opencode.Session{ID: "ses_" + id.Key()}, nil
}

func (f *fakeSessions) Model(chat.Identity) string { return f.model }
func (f *fakeSessions) Agent(chat.Identity) string { return f.agent }

type recordingRecorder struct {
	mu      sync.Mutex
	records []TurnRecord
}

func (r *recordingRecorder) RecordTurn(ctx context.Context, rec TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingRecorder) Records() []TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TurnRecord(nil), r.records...)
}

var (
	directTurn = Turn{
		Identity:    chat.Identity{Platform: "feishu", ChatType: chat.ChatDirect, ParticipantID: "ou_alice", ChatID: "oc_dm"},
		ChatID:      "oc_dm",
		SenderID:    "ou_alice",
		Text:        "what is six times seven",
		ShouldReply: true,
	}
	groupTurn = Turn{
		Identity: chat.Identity{Platform: "feishu", ChatType: chat.ChatGroup, ParticipantID: "ou_bob", ChatID: "oc_room"},
		ChatID:   "oc_room",
		SenderID: "ou_bob",
		Text:     "lunch at noon",
	}
)

func fastConfig() Config {
	return Config{
		ThinkingDelay: time.Millisecond,
		Timeout:       2 * time.Second,
		PollInterval:  5 * time.Millisecond,
	}
}

func TestHandleTurn_ReplyReplacesPlaceholder(t *testing.T) {
	backend := &fakeBackend{reply: "42", submitDelay: 30 * time.Millisecond}
	sender := &chattest.Sender{}
	reg := relay.NewRegistry(0)
	rec := &recordingRecorder{}
	svc := New(backend, &fakeSessions{}, sender, reg, fastConfig(), nil, WithRecorder(rec))

	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))

	calls := sender.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, chattest.Call{Op: chattest.OpSend, ChatID: "oc_dm", MessageID: "om_1", Text: DefaultPlaceholderText}, calls[0])
	assert.Equal(t, chattest.Call{Op: chattest.OpUpdate, ChatID: "oc_dm", MessageID: "om_1", Text: "42"}, calls[1])
	assert.Equal(t, 0, reg.Len(), "slot is deregistered after the turn")

	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeReplied, records[0].Outcome)
	assert.Equal(t, "42", records[0].Reply)
	assert.Equal(t, "ses_feishu-p2p-ou_alice", records[0].SessionID)
	assert.NotEmpty(t, records[0].ID)
}

func TestHandleTurn_FastReplySkipsPlaceholder(t *testing.T) {
	backend := &fakeBackend{reply: "42"}
	sender := &chattest.Sender{}
	cfg := fastConfig()
	cfg.ThinkingDelay = time.Hour
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), cfg, nil)

	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))
	assert.Equal(t, []chattest.Call{{Op: chattest.OpSend, ChatID: "oc_dm", MessageID: "om_1", Text: "42"}}, sender.Calls())
}

func TestHandleTurn_PassesOverrides(t *testing.T) {
	backend := &fakeBackend{reply: "ok"}
	svc := New(backend, &fakeSessions{model: "anthropic/claude-sonnet-4", agent: "plan"}, &chattest.Sender{}, relay.NewRegistry(0), fastConfig(), nil)

	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))
	subs := backend.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "what is six times seven", subs[0].Text)
	assert.Equal(t, "anthropic/claude-sonnet-4", subs[0].Opts.Model)
	assert.Equal(t, "plan", subs[0].Opts.Agent)
	assert.False(t, subs[0].Opts.NoReply)
}

func TestHandleTurn_SilentForward(t *testing.T) {
	backend := &fakeBackend{reply: "should not be read"}
	sender := &chattest.Sender{}
	rec := &recordingRecorder{}
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), fastConfig(), nil, WithRecorder(rec))

	require.NoError(t, svc.HandleTurn(context.Background(), groupTurn))

	subs := backend.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "[ou_bob]: lunch at noon", subs[0].Text)
	assert.True(t, subs[0].Opts.NoReply)
	assert.Empty(t, sender.Calls())
	assert.Equal(t, OutcomeSilent, rec.Records()[0].Outcome)
}

func TestHandleTurn_SilentForwardFailureStaysQuiet(t *testing.T) {
	backend := &fakeBackend{submitErr: errors.New("backend down")}
	sender := &chattest.Sender{}
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), fastConfig(), nil)

	require.NoError(t, svc.HandleTurn(context.Background(), groupTurn))
	assert.Empty(t, sender.Calls())
}

func TestHandleTurn_SubmitErrorReported(t *testing.T) {
	backend := &fakeBackend{submitErr: errors.New("backend down")}
	sender := &chattest.Sender{}
	cfg := fastConfig()
	cfg.ThinkingDelay = 0
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), cfg, nil)

	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))
	assert.Equal(t, []string{"❌ backend down"}, sender.Texts(chattest.OpSend))
}

func TestHandleTurn_ResolveErrorReported(t *testing.T) {
	sender := &chattest.Sender{}
	svc := New(&fakeBackend{}, &fakeSessions{err: errors.New("no route to host")}, sender, relay.NewRegistry(0), fastConfig(), nil)

	err := svc.HandleTurn(context.Background(), directTurn)
	assert.ErrorContains(t, err, "no route to host")
	assert.Equal(t, []string{"❌ no route to host"}, sender.Texts(chattest.OpSend))

	silent := &chattest.Sender{}
	svc = New(&fakeBackend{}, &fakeSessions{err: errors.New("no route to host")}, silent, relay.NewRegistry(0), fastConfig(), nil)
	assert.Error(t, svc.HandleTurn(context.Background(), groupTurn))
	assert.Empty(t, silent.Calls())
}

func TestHandleTurn_TimeoutWithoutText(t *testing.T) {
	backend := &fakeBackend{submitBlock: true}
	sender := &chattest.Sender{}
	rec := &recordingRecorder{}
	cfg := fastConfig()
	cfg.ThinkingDelay = 0
	cfg.Timeout = 30 * time.Millisecond
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), cfg, nil, WithRecorder(rec))

	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))
	assert.Equal(t, []string{TimeoutNotice}, sender.Texts(chattest.OpSend))
	assert.Equal(t, OutcomeTimeout, rec.Records()[0].Outcome)
}

func TestHandleTurn_UpdateFailureFallsBackToSend(t *testing.T) {
	backend := &fakeBackend{reply: "42", submitDelay: 30 * time.Millisecond}
	sender := &chattest.Sender{}
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), fastConfig(), nil)

	// The placeholder goes out before the update fails.
	go func() {
		assert.Eventually(t, func() bool { return len(sender.Calls()) > 0 }, time.Second, time.Millisecond)
		sender.SetUpdateErr(errors.New("message recalled"))
	}()
	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))

	calls := sender.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, DefaultPlaceholderText, calls[0].Text)
	assert.Equal(t, chattest.Call{Op: chattest.OpSend, ChatID: "oc_dm", MessageID: "om_2", Text: "42"}, calls[1])
	assert.Equal(t, chattest.Call{Op: chattest.OpDelete, ChatID: "oc_dm", MessageID: "om_1"}, calls[2])
}

func TestHandleTurn_SameSessionNeverInterleaves(t *testing.T) {
	backend := &fakeBackend{reply: "done", submitDelay: 10 * time.Millisecond}
	cfg := fastConfig()
	cfg.ThinkingDelay = 0
	svc := New(backend, &fakeSessions{}, &chattest.Sender{}, relay.NewRegistry(0), cfg, nil)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.HandleTurn(context.Background(), directTurn))
		}()
	}
	wg.Wait()

	assert.Len(t, backend.Submissions(), 5)
	assert.Equal(t, 1, backend.maxActive)
	assert.Equal(t, 0, svc.queue.pending())
}

func TestHandleTurn_SameSessionRunsInArrivalOrder(t *testing.T) {
	reg := relay.NewRegistry(0)
	var mu sync.Mutex
	var slotsAtSubmit []int
	backend := &fakeBackend{reply: "done", submitDelay: 60 * time.Millisecond}
	backend.onSubmit = func(string) {
		mu.Lock()
		slotsAtSubmit = append(slotsAtSubmit, reg.Len())
		mu.Unlock()
	}
	cfg := fastConfig()
	cfg.ThinkingDelay = 20 * time.Millisecond
	svc := New(backend, &fakeSessions{}, &chattest.Sender{}, reg, cfg, nil)

	texts := []string{"first", "second", "third"}
	var wg sync.WaitGroup
	for i, text := range texts {
		turn := directTurn
		turn.Text = text
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.HandleTurn(context.Background(), turn))
		}()
		if i == 0 {
			require.Eventually(t, func() bool { return len(backend.Submissions()) == 1 }, time.Second, time.Millisecond)
		} else {
			// Give the waiter time to take its place before the next arrives.
			time.Sleep(10 * time.Millisecond)
		}
	}
	wg.Wait()

	var got []string
	for _, sub := range backend.Submissions() {
		got = append(got, sub.Text)
	}
	assert.Equal(t, texts, got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 0, 0}, slotsAtSubmit, "the previous turn's slot is gone before the next prompt")
	assert.Equal(t, 0, reg.Len())
}

func TestExchange_ChangedTextRestartsStabilityCount(t *testing.T) {
	backend := &fakeBackend{replyFn: sequence("a", "ab", "ab", "ab", "abc")}
	svc := New(backend, &fakeSessions{}, &chattest.Sender{}, relay.NewRegistry(0), fastConfig(), nil)

	text, timedOut, err := svc.exchange(context.Background(), "ses_1", "hi", opencode.PromptOptions{})
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, "ab", text)
	assert.Equal(t, 4, backend.MessageCalls(), "polling stops on the second repeat of the new text")

	// A repeat of the old text does not carry over once the text changes.
	backend = &fakeBackend{replyFn: sequence("a", "a", "ab", "ab", "ab", "abc")}
	svc = New(backend, &fakeSessions{}, &chattest.Sender{}, relay.NewRegistry(0), fastConfig(), nil)

	text, timedOut, err = svc.exchange(context.Background(), "ses_1", "hi", opencode.PromptOptions{})
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, "ab", text)
	assert.Equal(t, 5, backend.MessageCalls())
}

func TestExchange_NeverStableTimesOutWithLatestText(t *testing.T) {
	backend := &fakeBackend{replyFn: func(call int) string { return fmt.Sprintf("t%d", call) }}
	cfg := fastConfig()
	cfg.Timeout = 40 * time.Millisecond
	svc := New(backend, &fakeSessions{}, &chattest.Sender{}, relay.NewRegistry(0), cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	text, timedOut, err := svc.exchange(ctx, "ses_1", "hi", opencode.PromptOptions{})
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, fmt.Sprintf("t%d", backend.MessageCalls()-1), text, "the last polled text is kept")
}

func TestHandleTurn_NeverStableDeliversLatestTextNotTimeoutNotice(t *testing.T) {
	backend := &fakeBackend{replyFn: func(call int) string { return fmt.Sprintf("t%d", call) }}
	sender := &chattest.Sender{}
	rec := &recordingRecorder{}
	cfg := fastConfig()
	cfg.ThinkingDelay = 0
	cfg.Timeout = 40 * time.Millisecond
	svc := New(backend, &fakeSessions{}, sender, relay.NewRegistry(0), cfg, nil, WithRecorder(rec))

	require.NoError(t, svc.HandleTurn(context.Background(), directTurn))

	sent := sender.Texts(chattest.OpSend)
	require.Len(t, sent, 1)
	assert.NotEqual(t, TimeoutNotice, sent[0])
	// The final read after the deadline is the newest text the backend has.
	assert.Equal(t, fmt.Sprintf("t%d", backend.MessageCalls()-1), sent[0])
	assert.Equal(t, OutcomeReplied, rec.Records()[0].Outcome)
}

func TestFinalText_Precedence(t *testing.T) {
	svc := New(&fakeBackend{reply: "final"}, &fakeSessions{}, &chattest.Sender{}, relay.NewRegistry(0), Config{}, nil)
	text, outcome := svc.finalText(context.Background(), "ses_1", "polled", true)
	assert.Equal(t, "final", text)
	assert.Equal(t, OutcomeReplied, outcome)

	failing := &fakeBackend{messagesErr: errors.New("read failed")}
	svc = New(failing, &fakeSessions{}, &chattest.Sender{}, relay.NewRegistry(0), Config{}, nil)

	text, outcome = svc.finalText(context.Background(), "ses_1", "polled", true)
	assert.Equal(t, "polled", text)
	assert.Equal(t, OutcomeReplied, outcome)

	text, outcome = svc.finalText(context.Background(), "ses_1", "", true)
	assert.Equal(t, TimeoutNotice, text)
	assert.Equal(t, OutcomeTimeout, outcome)

	text, outcome = svc.finalText(context.Background(), "ses_1", "", false)
	assert.Equal(t, NoReplyNotice, text)
	assert.Equal(t, OutcomeNoReply, outcome)
}

func TestPromptText(t *testing.T) {
	assert.Equal(t, "what is six times seven", PromptText(directTurn))
	assert.Equal(t, "[ou_bob]: lunch at noon", PromptText(groupTurn))
}

func TestKeyedQueue_CancelledWaiterKeepsOrder(t *testing.T) {
	q := newKeyedQueue()
	release1, err := q.acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() {
		_, err := q.acquire(ctx, "k")
		waitErr <- err
	}()

	third := make(chan func(), 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		r, err := q.acquire(context.Background(), "k")
		if err == nil {
			third <- r
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-waitErr, context.Canceled)

	select {
	case <-third:
		t.Fatal("third holder ran before the first released")
	case <-time.After(20 * time.Millisecond):
	}

	release1()
	select {
	case r := <-third:
		r()
	case <-time.After(time.Second):
		t.Fatal("third holder never acquired")
	}
	assert.Equal(t, 0, q.pending())
}

func TestKeyedQueue_IndependentKeys(t *testing.T) {
	q := newKeyedQueue()
	ra, err := q.acquire(context.Background(), "a")
	require.NoError(t, err)
	rb, err := q.acquire(context.Background(), "b")
	require.NoError(t, err, "a different key does not wait")
	ra()
	rb()
}
