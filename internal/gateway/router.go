// ABOUTME: HTTP routes for liveness, readiness, ledger views and Prometheus metrics
// ABOUTME: Readiness reports backend, relay, ledger and platform state as JSON

package gateway

import "net/http"

// readiness is the body of /health/ready.
type readiness struct {
	Backend  string `json:"backend"`
	Relay    string `json:"relay"`
	Platform string `json:"platform"`
	Ledger   string `json:"ledger"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.store != nil {
		mux.HandleFunc("GET /ledger", g.handleLedgerList)
		mux.HandleFunc("GET /ledger/{id}", g.handleLedgerEvent)
	}
	if g.config.Metrics.Enabled && g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	body := readiness{
		Backend:  "down",
		Relay:    "disconnected",
		Platform: g.platform.Name(),
		Ledger:   "disabled",
	}
	if g.backendUp.Load() {
		body.Backend = "up"
	}
	if g.relay.Connected() {
		body.Relay = "connected"
	}
	// The ledger is best-effort and does not gate readiness.
	if g.store != nil {
		body.Ledger = "ok"
		if err := g.store.Ping(r.Context()); err != nil {
			body.Ledger = "error"
		}
	}

	status := http.StatusOK
	if !g.Ready() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, body)
}
