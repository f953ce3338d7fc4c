// ABOUTME: Read-only HTTP views over the audit ledger
// ABOUTME: Lists events by conversation or session and fetches single events

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/NeverMore93/opencode-feishu/internal/store"
)

type ledgerEventView struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	SessionID       string    `json:"session_id,omitempty"`
	ChatID          string    `json:"chat_id,omitempty"`
	Direction       string    `json:"direction"`
	Author          string    `json:"author"`
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type"`
	Text            string    `json:"text,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	DurationMS      int64     `json:"duration_ms,omitempty"`
}

type ledgerListView struct {
	Total  int64             `json:"total"`
	Events []ledgerEventView `json:"events"`
}

func viewEvent(e *store.LedgerEvent) ledgerEventView {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return ledgerEventView{
		ID:              e.ID,
		ConversationKey: e.ConversationKey,
		SessionID:       deref(e.SessionID),
		ChatID:          deref(e.ChatID),
		Direction:       string(e.Direction),
		Author:          e.Author,
		Timestamp:       e.Timestamp,
		Type:            string(e.Type),
		Text:            deref(e.Text),
		Outcome:         deref(e.Outcome),
		DurationMS:      e.Duration.Milliseconds(),
	}
}

// handleLedgerList serves GET /ledger?conversation=KEY or ?session=ID.
func (g *Gateway) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		events []*store.LedgerEvent
		err    error
	)
	switch {
	case q.Get("conversation") != "":
		events, err = g.store.ListEventsByConversation(r.Context(), q.Get("conversation"), limit)
	case q.Get("session") != "":
		events, err = g.store.ListEventsBySession(r.Context(), q.Get("session"), limit)
	default:
		http.Error(w, "conversation or session is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		g.logger.Error("listing ledger events", "error", err)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}

	total, err := g.store.CountEvents(r.Context())
	if err != nil {
		g.logger.Error("counting ledger events", "error", err)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}

	body := ledgerListView{Total: total, Events: make([]ledgerEventView, 0, len(events))}
	for _, e := range events {
		body.Events = append(body.Events, viewEvent(e))
	}
	writeJSON(w, http.StatusOK, body)
}

// handleLedgerEvent serves GET /ledger/{id}.
func (g *Gateway) handleLedgerEvent(w http.ResponseWriter, r *http.Request) {
	e, err := g.store.GetEvent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrEventNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		g.logger.Error("reading ledger event", "error", err)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewEvent(e))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
