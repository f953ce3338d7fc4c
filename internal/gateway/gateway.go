// ABOUTME: Gateway orchestrator that wires the chat pipeline to the OpenCode backend
// ABOUTME: Owns the HTTP and gRPC ops servers, cron maintenance, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"

	"github.com/NeverMore93/opencode-feishu/internal/admission"
	"github.com/NeverMore93/opencode-feishu/internal/chat"
	"github.com/NeverMore93/opencode-feishu/internal/commands"
	"github.com/NeverMore93/opencode-feishu/internal/config"
	"github.com/NeverMore93/opencode-feishu/internal/conversation"
	"github.com/NeverMore93/opencode-feishu/internal/dedupe"
	"github.com/NeverMore93/opencode-feishu/internal/history"
	"github.com/NeverMore93/opencode-feishu/internal/metrics"
	"github.com/NeverMore93/opencode-feishu/internal/opencode"
	"github.com/NeverMore93/opencode-feishu/internal/relay"
	"github.com/NeverMore93/opencode-feishu/internal/session"
	"github.com/NeverMore93/opencode-feishu/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Gateway coordinates one chat platform, the OpenCode backend, and the
// pipeline between them.
type Gateway struct {
	config   *config.Config
	platform chat.Platform
	backend  *opencode.Client
	logger   *slog.Logger

	dedupe       *dedupe.Cache
	admission    admission.Policy
	sessions     *session.Directory
	conversation *conversation.Service
	commands     *commands.Executor
	history      *history.Ingestor
	registry     *relay.Registry
	relay        *relay.Relay

	// store is nil when the ledger is disabled.
	store   *store.SQLiteStore
	metrics *metrics.Metrics

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	cron       *cron.Cron

	backendUp atomic.Bool
	closing   atomic.Bool

	// baseCtx scopes dispatched work; cancel aborts it once the drain deadline passes.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// WithHTTPClient sets the client used to reach OpenCode.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *gatewayOptions) { o.httpClient = hc }
}

// WithMetrics supplies the collectors instead of creating them from config.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *gatewayOptions) { o.metrics = m }
}

// New builds the pipeline for platform from cfg. Nothing connects until Run.
func New(cfg *config.Config, platform chat.Platform, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o gatewayOptions
	for _, opt := range opts {
		opt(&o)
	}

	m := o.metrics
	if m == nil && cfg.Metrics.Enabled {
		m = metrics.New()
	}

	clientOpts := []opencode.Option{
		opencode.WithDirectory(cfg.OpenCode.Directory),
		opencode.WithLogger(logger),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, opencode.WithHTTPClient(o.httpClient))
	}
	backend := opencode.New(cfg.OpenCode.BaseURL, clientOpts...)

	policy, err := admission.New(cfg.Bot.GroupPolicy, platform.SelfID, cfg.Bot.Names)
	if err != nil {
		return nil, fmt.Errorf("creating admission policy: %w", err)
	}

	var ledger *store.SQLiteStore
	if cfg.Database.Path != "" {
		ledger, err = store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:    cfg,
		platform:  platform,
		backend:   backend,
		logger:    logger.With("component", "gateway"),
		dedupe:    dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		admission: policy,
		store:     ledger,
		metrics:   m,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}

	gw.sessions = session.New(backend, session.Config{
		TitlePrefix:  cfg.Session.TitlePrefix,
		TTL:          cfg.Session.CacheTTL,
		MaxEntries:   cfg.Session.MaxEntries,
		DefaultModel: cfg.OpenCode.Model,
		DefaultAgent: cfg.OpenCode.Agent,
	}, m, logger)

	gw.registry = relay.NewRegistry(cfg.Bot.StreamInterval)
	gw.relay = relay.New(backend, gw.registry, platform, relay.Config{
		Streaming:     cfg.Bot.EnableStreaming,
		ShowReasoning: cfg.Bot.ShowReasoning,
	}, m, logger)

	convOpts := []conversation.Option{conversation.WithObserver(m)}
	if ledger != nil {
		convOpts = append(convOpts, conversation.WithRecorder(&ledgerRecorder{store: ledger}))
	}
	gw.conversation = conversation.New(backend, gw.sessions, platform, gw.registry, conversation.Config{
		ThinkingDelay:   cfg.Bot.ThinkingDelay,
		PlaceholderText: cfg.Bot.PlaceholderText,
		Timeout:         cfg.OpenCode.Timeout,
	}, logger, convOpts...)

	gw.commands = commands.New(backend, gw.sessions, cfg.Location(), logger)
	gw.history = history.New(platform, gw.sessions, backend, history.Config{
		Platform:    platform.Name(),
		MaxMessages: cfg.Bot.HistoryMessages,
		Location:    cfg.Location(),
	}, logger)

	gw.health = health.NewServer()
	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = newGRPCServer(gw.health)
	}
	if cfg.Server.HTTPAddr != "" {
		gw.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           gw.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	gw.cron, err = gw.newScheduler()
	if err != nil {
		cancel()
		gw.dedupe.Close()
		if ledger != nil {
			_ = ledger.Close()
		}
		return nil, fmt.Errorf("scheduling maintenance: %w", err)
	}

	return gw, nil
}

// newGRPCServer creates the ops gRPC server carrying the standard health service.
func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	registerHealth(server, hs)
	return server
}

// Run connects the platform and the event relay, starts the ops servers and
// maintenance jobs, and blocks until ctx is cancelled or a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	var httpLn, grpcLn net.Listener
	var err error
	if g.httpServer != nil {
		if httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	if g.grpcServer != nil {
		if grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	g.logger.Info("starting gateway",
		"platform", g.platform.Name(),
		"opencode", g.config.OpenCode.BaseURL,
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	g.probeBackend(ctx)
	g.cron.Start()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := g.platform.Run(egCtx, g); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s platform: %w", g.platform.Name(), err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.relay.Run(egCtx)
	})
	if httpLn != nil {
		eg.Go(func() error {
			if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}
	if grpcLn != nil {
		eg.Go(func() error {
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown stops accepting events, drains in-flight handlers until ctx
// expires, and releases every component. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.closing.Store(true)

	var errs []error

	cronDone := g.cron.Stop()

	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}
	g.health.Shutdown()
	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	g.relay.Stop()

	if !g.drain(ctx) {
		g.logger.Warn("in-flight handlers did not finish before the deadline, cancelling")
	}
	g.cancel()
	g.wg.Wait()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	g.dedupe.Close()
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	return errors.Join(errs...)
}

// drain waits for dispatched handlers and reports whether they finished in time.
func (g *Gateway) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// probeBackend checks OpenCode health and publishes the result.
func (g *Gateway) probeBackend(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := g.backend.Health(ctx)
	up := err == nil && info.Healthy
	if prev := g.backendUp.Swap(up); prev != up {
		g.logger.Info("backend health changed", "up", up, "version", info.Version, "error", err)
	}
	g.metrics.SetBackendUp(up)
	g.publishServingStatus()
}

// Ready reports whether the backend answered its last probe and the event
// relay is connected.
func (g *Gateway) Ready() bool {
	return g.backendUp.Load() && g.relay.Connected()
}

// Sessions exposes the session directory.
func (g *Gateway) Sessions() *session.Directory {
	return g.sessions
}
