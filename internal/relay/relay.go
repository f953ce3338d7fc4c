// ABOUTME: Streaming relay from the OpenCode event channel to chat placeholders
// ABOUTME: Keeps one subscription alive with exponential backoff and pushes partial replies

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
)

// SessionErrorPrefix starts the chat message for a session.error event.
const SessionErrorPrefix = "❌ Session error: "

// Reconnect delays.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

const pushTimeout = 10 * time.Second

// Subscriber opens the backend event channel.
type Subscriber interface {
	Subscribe(ctx context.Context) (*opencode.Stream, error)
}

// Observer counts relay activity. It may be nil.
type Observer interface {
	RelayEvent(eventType string)
	RelayReconnect()
}

// Config tunes a Relay.
type Config struct {
	// Streaming enables partial reply pushes. Session errors are relayed either way.
	Streaming      bool
	ShowReasoning  bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Relay consumes backend events and mirrors them into registered slots.
type Relay struct {
	sub      Subscriber
	registry *Registry
	sender   chat.Sender
	cfg      Config
	observer Observer
	logger   *slog.Logger

	stopped   atomic.Bool
	connected atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	stream *opencode.Stream
}

// New creates a Relay. Call Run to start it.
func New(sub Subscriber, registry *Registry, sender chat.Sender, cfg Config, observer Observer, logger *slog.Logger) *Relay {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sub:      sub,
		registry: registry,
		sender:   sender,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With("component", "relay"),
	}
}

// Connected reports whether a subscription is currently open.
func (r *Relay) Connected() bool {
	return r.connected.Load()
}

// Run subscribes and resubscribes until ctx is done or Stop is called.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.stopped.Load() {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.Reset()

	for !r.stopped.Load() {
		delivered, err := r.consume(ctx)
		r.connected.Store(false)
		if r.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		if delivered > 0 {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if err != nil {
			r.logger.Warn("event stream failed, reconnecting", "error", err, "delay", wait)
		} else {
			r.logger.Info("event stream ended, reconnecting", "events", delivered, "delay", wait)
		}
		if r.observer != nil {
			r.observer.RelayReconnect()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}

// Stop ends Run. An event being handled finishes first.
func (r *Relay) Stop() {
	r.stopped.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.stream != nil {
		_ = r.stream.Close()
	}
}

// consume reads one subscription to its end and reports how many events it carried.
func (r *Relay) consume(ctx context.Context) (int, error) {
	stream, err := r.sub.Subscribe(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if r.stopped.Load() {
		r.mu.Unlock()
		_ = stream.Close()
		return 0, nil
	}
	r.stream = stream
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stream = nil
		r.mu.Unlock()
		_ = stream.Close()
	}()

	r.connected.Store(true)
	r.logger.Info("subscribed to event stream")

	delivered := 0
	for !r.stopped.Load() {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}
		delivered++
		r.handle(ctx, ev)
	}
	return delivered, nil
}

func (r *Relay) handle(ctx context.Context, ev opencode.Event) {
	switch e := ev.(type) {
	case opencode.PartUpdated:
		r.handlePart(ctx, e)
	case opencode.SessionError:
		r.handleSessionError(ctx, e)
	default:
		return
	}
	if r.observer != nil {
		r.observer.RelayEvent(ev.EventType())
	}
}

func (r *Relay) handlePart(ctx context.Context, ev opencode.PartUpdated) {
	if !r.cfg.Streaming {
		return
	}
	slot := r.registry.Get(ev.SessionID)
	if slot == nil {
		return
	}

	slot.withOpen(func() {
		slot.apply(ev)
		if !slot.limiter.Allow() {
			return
		}
		text := slot.render(r.cfg.ShowReasoning)
		if text == "" {
			return
		}
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		defer cancel()
		if err := r.sender.UpdateText(pushCtx, slot.ChatID, slot.PlaceholderID, text); err != nil {
			r.logger.Debug("stream push failed", "session_id", slot.SessionID, "error", err)
		}
	})
}

func (r *Relay) handleSessionError(ctx context.Context, ev opencode.SessionError) {
	slot := r.registry.Get(ev.SessionID)
	if slot == nil {
		r.logger.Warn("session error with no active turn", "session_id", ev.SessionID, "error", ev.Message)
		return
	}

	text := SessionErrorPrefix + ev.Message
	open := slot.withOpen(func() {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		defer cancel()

		err := r.sender.UpdateText(pushCtx, slot.ChatID, slot.PlaceholderID, text)
		if err == nil {
			return
		}
		if _, sendErr := r.sender.SendText(pushCtx, slot.ChatID, text); sendErr != nil {
			r.logger.Error("could not report session error",
				"session_id", slot.SessionID,
				"error", ev.Message,
				"update_error", err,
				"send_error", sendErr)
		}
	})
	if !open {
		r.logger.Debug("session error after turn finished", "session_id", ev.SessionID, "error", ev.Message)
	}
}
