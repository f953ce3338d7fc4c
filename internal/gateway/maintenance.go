// ABOUTME: Scheduled maintenance jobs run by the gateway's cron scheduler
// ABOUTME: Sweeps the session cache, probes backend health, and prunes the ledger

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance schedules.
const (
	cleanupSchedule = "@every 10m"
	probeSchedule   = "@every 30s"
	pruneSchedule   = "@daily"
)

func (g *Gateway) newScheduler() (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cronLogger{g.logger.With("component", "cron")}))

	type job struct {
		spec string
		fn   func()
	}
	jobs := []job{
		{cleanupSchedule, g.cleanupSessions},
		{probeSchedule, func() { g.probeBackend(g.baseCtx) }},
	}
	if g.store != nil && g.config.Database.Retention > 0 {
		jobs = append(jobs, job{pruneSchedule, g.pruneLedger})
	}

	for _, job := range jobs {
		if _, err := c.AddFunc(job.spec, job.fn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (g *Gateway) cleanupSessions() {
	if n := g.sessions.Cleanup(); n > 0 {
		g.logger.Debug("expired session bindings", "count", n, "remaining", g.sessions.Len())
	}
}

func (g *Gateway) pruneLedger() {
	ctx, cancel := context.WithTimeout(g.baseCtx, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-g.config.Database.Retention)
	if _, err := g.store.PruneBefore(ctx, cutoff); err != nil {
		g.logger.Warn("pruning ledger failed", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
