// ABOUTME: Session directory mapping conversation identities to OpenCode sessions
// ABOUTME: Lazily recovers sessions by title prefix or creates them, with a recency-ordered TTL cache

package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
)

// ErrSessionNotFound is returned when an explicitly named session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Defaults for Config fields left zero.
const (
	DefaultTitlePrefix = "Feishu"
	DefaultTTL         = 24 * time.Hour
	DefaultMaxEntries  = 1000
)

// Backend is the subset of the OpenCode client the directory needs.
type Backend interface {
	ListSessions(ctx context.Context) ([]opencode.Session, error)
	CreateSession(ctx context.Context, title string) (opencode.Session, error)
	GetSession(ctx context.Context, id string) (opencode.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Source says how a session was resolved.
type Source string

const (
	SourceCache     Source = "cache"
	SourceRecovered Source = "recovered"
	SourceCreated   Source = "created"
)

// Observer is notified of each resolution. It may be nil.
type Observer interface {
	SessionResolved(source Source)
}

// Config tunes a Directory.
type Config struct {
	// TitlePrefix starts every session title: "<prefix>-<identity key>-<millis>".
	TitlePrefix  string
	TTL          time.Duration
	MaxEntries   int
	DefaultModel string
	DefaultAgent string
}

type entry struct {
	key          string
	sessionID    string
	lastActivity time.Time
	element      *list.Element
}

type override struct {
	model string
	agent string
}

// Directory caches identity → session bindings. The order list holds keys
// with the most recently used at the back.
type Directory struct {
	backend  Backend
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	order     *list.List
	overrides map[string]override

	group singleflight.Group
}

// New creates a Directory over backend.
func New(backend Backend, cfg Config, observer Observer, logger *slog.Logger) *Directory {
	if cfg.TitlePrefix == "" {
		cfg.TitlePrefix = DefaultTitlePrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		backend:   backend,
		cfg:       cfg,
		observer:  observer,
		logger:    logger.With("component", "session"),
		now:       time.Now,
		entries:   make(map[string]*entry),
		order:     list.New(),
		overrides: make(map[string]override),
	}
}

// TitlePrefix returns the title prefix shared by every session of id.
func (d *Directory) TitlePrefix(id chat.Identity) string {
	return d.cfg.TitlePrefix + "-" + id.Key() + "-"
}

// Resolve returns the session bound to id. A cached binding is verified with
// the backend; a missing session is evicted and replaced by the newest session
// whose title carries the identity prefix, or by a new one. Concurrent calls
// for the same identity share one resolution.
func (d *Directory) Resolve(ctx context.Context, id chat.Identity) (opencode.Session, error) {
	key := id.Key()
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.resolve(ctx, id)
	})
	if err != nil {
		return opencode.Session{}, err
	}
	return v.(opencode.Session), nil
}

func (d *Directory) resolve(ctx context.Context, id chat.Identity) (opencode.Session, error) {
	key := id.Key()

	if sessionID, ok := d.fresh(id); ok {
		s, err := d.backend.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			d.Bind(id, s.ID)
			d.observe(SourceCache)
			return s, nil
		case errors.Is(err, opencode.ErrNotFound):
			d.logger.Info("cached session is gone, evicting", "key", key, "session_id", sessionID)
			d.Evict(sessionID)
		default:
			return opencode.Session{}, fmt.Errorf("verifying session %s: %w", sessionID, err)
		}
	}

	sessions, err := d.backend.ListSessions(ctx)
	if err != nil {
		return opencode.Session{}, err
	}
	if best, ok := pickLatest(sessions, d.TitlePrefix(id)); ok {
		d.Bind(id, best.ID)
		d.observe(SourceRecovered)
		d.logger.Debug("recovered session by title", "key", key, "session_id", best.ID)
		return best, nil
	}

	return d.create(ctx, id)
}

// Create starts a fresh session for id and binds it, replacing any current binding.
func (d *Directory) Create(ctx context.Context, id chat.Identity) (opencode.Session, error) {
	v, err, _ := d.group.Do(id.Key(), func() (any, error) {
		return d.create(ctx, id)
	})
	if err != nil {
		return opencode.Session{}, err
	}
	return v.(opencode.Session), nil
}

func (d *Directory) create(ctx context.Context, id chat.Identity) (opencode.Session, error) {
	title := d.TitlePrefix(id) + strconv.FormatInt(d.now().UnixMilli(), 10)
	s, err := d.backend.CreateSession(ctx, title)
	if err != nil {
		return opencode.Session{}, err
	}
	d.Bind(id, s.ID)
	d.observe(SourceCreated)
	d.logger.Info("created session", "key", id.Key(), "session_id", s.ID, "title", title)
	return s, nil
}

// pickLatest selects the prefix match with the largest trailing timestamp.
// Creation time decides only when no candidate title carries a timestamp, or
// between equal timestamps.
func pickLatest(sessions []opencode.Session, prefix string) (opencode.Session, bool) {
	var stamped, unstamped []opencode.Session
	for _, s := range sessions {
		if s.ID == "" || !strings.HasPrefix(s.Title, prefix) {
			continue
		}
		if titleStamp(s.Title) > 0 {
			stamped = append(stamped, s)
		} else {
			unstamped = append(unstamped, s)
		}
	}

	candidates := stamped
	if len(candidates) == 0 {
		candidates = unstamped
	}
	if len(candidates) == 0 {
		return opencode.Session{}, false
	}

	slices.SortStableFunc(candidates, func(a, b opencode.Session) int {
		if c := compareDesc(titleStamp(a.Title), titleStamp(b.Title)); c != 0 {
			return c
		}
		return compareDesc(a.Time.Created, b.Time.Created)
	})
	return candidates[0], true
}

func compareDesc(a, b int64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

// titleStamp parses the token after the last "-", or returns 0.
func titleStamp(title string) int64 {
	i := strings.LastIndex(title, "-")
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(title[i+1:], 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Bind points id at sessionID and marks it most recently used.
func (d *Directory) Bind(id chat.Identity, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id.Key()
	now := d.now()
	if e, ok := d.entries[key]; ok {
		e.sessionID = sessionID
		e.lastActivity = now
		d.order.MoveToBack(e.element)
		return
	}

	if len(d.entries) >= d.cfg.MaxEntries {
		if front := d.order.Front(); front != nil {
			d.removeLocked(front.Value.(string))
		}
	}
	e := &entry{key: key, sessionID: sessionID, lastActivity: now}
	e.element = d.order.PushBack(key)
	d.entries[key] = e
}

// Current returns the cached session id for id without contacting the backend.
func (d *Directory) Current(id chat.Identity) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id.Key()]
	if !ok {
		return "", false
	}
	return e.sessionID, true
}

// fresh is Current for resolution: a binding idle past the TTL is dropped
// and reported as a miss.
func (d *Directory) fresh(id chat.Identity) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id.Key()]
	if !ok {
		return "", false
	}
	if d.now().Sub(e.lastActivity) > d.cfg.TTL {
		d.removeLocked(e.key)
		return "", false
	}
	return e.sessionID, true
}

// Evict drops every binding that points at sessionID and reports how many.
func (d *Directory) Evict(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, e := range d.entries {
		if e.sessionID == sessionID {
			d.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (d *Directory) removeLocked(key string) {
	if e, ok := d.entries[key]; ok {
		d.order.Remove(e.element)
		delete(d.entries, key)
	}
}

// SwitchTo binds id to an existing session chosen by the user.
func (d *Directory) SwitchTo(ctx context.Context, id chat.Identity, sessionID string) (opencode.Session, error) {
	s, err := d.backend.GetSession(ctx, sessionID)
	if errors.Is(err, opencode.ErrNotFound) {
		return opencode.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return opencode.Session{}, err
	}
	d.Bind(id, s.ID)
	return s, nil
}

// Delete removes the session on the backend and purges bindings to it.
func (d *Directory) Delete(ctx context.Context, sessionID string) error {
	if err := d.backend.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, opencode.ErrNotFound) {
			d.Evict(sessionID)
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return err
	}
	d.Evict(sessionID)
	return nil
}

// List returns every backend session.
func (d *Directory) List(ctx context.Context) ([]opencode.Session, error) {
	return d.backend.ListSessions(ctx)
}

// Cleanup drops bindings idle longer than the TTL and reports how many.
func (d *Directory) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		e := d.entries[front.Value.(string)]
		if now.Sub(e.lastActivity) <= d.cfg.TTL {
			break
		}
		d.removeLocked(e.key)
		removed++
	}
	return removed
}

// Len reports the number of cached bindings.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// SetModel overrides the model ("provider/model") for id.
func (d *Directory) SetModel(id chat.Identity, model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o := d.overrides[id.Key()]
	o.model = model
	d.overrides[id.Key()] = o
}

// Model returns the model for id: its override, else the configured default.
func (d *Directory) Model(id chat.Identity) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o := d.overrides[id.Key()]; o.model != "" {
		return o.model
	}
	return d.cfg.DefaultModel
}

// SetAgent overrides the agent for id.
func (d *Directory) SetAgent(id chat.Identity, agent string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o := d.overrides[id.Key()]
	o.agent = agent
	d.overrides[id.Key()] = o
}

// Agent returns the agent for id: its override, else the configured default.
func (d *Directory) Agent(id chat.Identity) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o := d.overrides[id.Key()]; o.agent != "" {
		return o.agent
	}
	return d.cfg.DefaultAgent
}

func (d *Directory) observe(src Source) {
	if d.observer != nil {
		d.observer.SessionResolved(src)
	}
}
