// ABOUTME: Registry of in-flight placeholder messages keyed by OpenCode session
// ABOUTME: Each slot buffers streamed parts and can be sealed against late writes

package relay

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NeverMore93/opencode-feishu/internal/opencode"
)

// ReasoningPrefix marks reasoning parts in streamed previews.
const ReasoningPrefix = "🤔 "

// Slot is the streaming target for one turn: the placeholder message that
// relay pushes overwrite until the turn seals it.
type Slot struct {
	SessionID     string
	ChatID        string
	PlaceholderID string

	mu      sync.Mutex
	sealed  bool
	order   []string
	parts   map[string]*partBuffer
	limiter *rate.Limiter
}

type partBuffer struct {
	kind string
	text strings.Builder
}

func newSlot(sessionID, chatID, placeholderID string, interval time.Duration) *Slot {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Slot{
		SessionID:     sessionID,
		ChatID:        chatID,
		PlaceholderID: placeholderID,
		parts:         make(map[string]*partBuffer),
		limiter:       rate.NewLimiter(limit, 1),
	}
}

// Seal blocks further relay writes. It waits for an in-flight write to finish,
// so anything the caller writes afterwards is the last write.
func (s *Slot) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (s *Slot) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// withOpen runs fn under the slot lock unless the slot is sealed.
func (s *Slot) withOpen(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	fn()
	return true
}

// apply folds one part update into the buffers. Caller holds s.mu.
func (s *Slot) apply(ev opencode.PartUpdated) {
	key := ev.Part.ID
	buf, ok := s.parts[key]
	if !ok {
		buf = &partBuffer{kind: ev.Part.Type}
		s.parts[key] = buf
		s.order = append(s.order, key)
	}
	if ev.HasDelta {
		buf.text.WriteString(ev.Delta)
		return
	}
	buf.text.Reset()
	buf.text.WriteString(ev.Part.Text)
}

// render joins the buffered parts in arrival order. Caller holds s.mu.
func (s *Slot) render(showReasoning bool) string {
	var b strings.Builder
	for _, key := range s.order {
		buf := s.parts[key]
		switch buf.kind {
		case opencode.PartText:
			b.WriteString(buf.text.String())
		case opencode.PartReasoning:
			if showReasoning && buf.text.Len() > 0 {
				b.WriteString(ReasoningPrefix)
				b.WriteString(buf.text.String())
				b.WriteString("\n\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Registry holds at most one slot per session.
type Registry struct {
	interval time.Duration

	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewRegistry creates a registry whose slots allow one push per interval.
// A zero interval disables throttling.
func NewRegistry(interval time.Duration) *Registry {
	return &Registry{
		interval: interval,
		slots:    make(map[string]*Slot),
	}
}

// Register installs a fresh slot for sessionID, replacing any previous one.
func (r *Registry) Register(sessionID, chatID, placeholderID string) *Slot {
	slot := newSlot(sessionID, chatID, placeholderID, r.interval)
	r.mu.Lock()
	r.slots[sessionID] = slot
	r.mu.Unlock()
	return slot
}

// Deregister removes slot if it is still the current slot for its session.
func (r *Registry) Deregister(slot *Slot) {
	if slot == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[slot.SessionID] == slot {
		delete(r.slots, slot.SessionID)
	}
}

// Get returns the current slot for sessionID, or nil.
func (r *Registry) Get(sessionID string) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[sessionID]
}

// Len reports the number of registered slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}
