// ABOUTME: Gateway orchestrator that hosts one interview session behind HTTP and gRPC
// ABOUTME: Manages the store, session, UI bridge, metrics, policy reload and server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/intake-gateway/internal/config"
	"github.com/2389/intake-gateway/internal/continuation"
	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/gating"
	"github.com/2389/intake-gateway/internal/metrics"
	"github.com/2389/intake-gateway/internal/queue"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/transport"
	"github.com/2389/intake-gateway/internal/uibridge"
)

// HealthService is the gRPC health service name that tracks session readiness.
const HealthService = "intake.Session"

// Gateway hosts a session and its network surfaces.
type Gateway struct {
	config  *config.Config
	store   store.Store
	session *conversation.Session
	logger  *slog.Logger

	broadcaster *conversation.EventBroadcaster
	ui          *uibridge.Server
	metrics     *metrics.Collector

	echo       *echo.Echo
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// policyCancel stops the policy watcher
	policyCancel context.CancelFunc
	policyDone   chan struct{}

	startMu  sync.Mutex
	started  bool
	restored bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the configured store. An empty path keeps everything in
// memory; INTAKE_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("INTAKE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initTransport uses tr when given, otherwise the configured script.
func initTransport(cfg *config.Config, tr transport.Transport) (transport.Transport, error) {
	if tr != nil {
		return tr, nil
	}
	if cfg.Session.Script == "" {
		return transport.NewScripted(nil), nil
	}
	script, err := transport.LoadScript(cfg.Session.Script)
	if err != nil {
		return nil, fmt.Errorf("loading session script: %w", err)
	}
	return transport.NewScripted(script), nil
}

// loadGating resolves the gating table and admission policy overrides.
func loadGating(ctx context.Context, cfg *config.Config) (*gating.Table, *gating.AdmissionPolicy, error) {
	var table *gating.Table
	if cfg.Policy.TablePath != "" {
		t, err := gating.LoadTable(cfg.Policy.TablePath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading gating table: %w", err)
		}
		table = t
	}
	var policy *gating.AdmissionPolicy
	if cfg.Policy.RegoPath != "" {
		p, err := gating.LoadAdmissionPolicy(ctx, cfg.Policy.RegoPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading admission policy: %w", err)
		}
		policy = p
	}
	return table, policy, nil
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
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
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a Gateway. A nil transport falls back to the scripted one
// described by the session config.
func New(cfg *config.Config, tr transport.Transport, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tr, err := initTransport(cfg, tr)
	if err != nil {
		return nil, err
	}
	table, policy, err := loadGating(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	session, err := conversation.New(conversation.Config{
		SessionID: cfg.Session.ID,
		Transport: tr,
		Store:     s,
		Table:     table,
		Policy:    policy,
		Model: transport.ModelConfig{
			Model:           cfg.Session.Model,
			ReasoningEffort: cfg.Session.ReasoningEffort,
		},
		Kickoff: cfg.Session.Kickoff,
		Queue: queue.Config{
			MaxRetries:  cfg.Queue.MaxRetries,
			BaseBackoff: cfg.Queue.BaseBackoff,
			MaxBackoff:  cfg.Queue.MaxBackoff,
		},
		Continuation: continuation.Config{
			DefaultTimeout: cfg.Continuation.DefaultTimeout,
			ResolvedTTL:    cfg.Continuation.ResolvedTTL,
		},
		AutosaveDebounce: cfg.Checkpoint.Debounce,
		KeepSnapshots:    cfg.Checkpoint.Keep,
		BusHistory:       cfg.Bus.HistorySize,
		Journal:          true,
		Logger:           logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating session: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		session:     session,
		logger:      logger.With("component", "gateway"),
		broadcaster: conversation.NewEventBroadcaster(logger),
	}
	gw.broadcaster.Attach(session.ID(), session.Bus())

	gw.ui = uibridge.NewServer(uibridge.Config{
		Session:        session,
		Events:         gw.broadcaster,
		State:          func() any { return gw.view() },
		MaxMessageSize: cfg.UI.MaxMessageSize,
		PingInterval:   cfg.UI.PingInterval,
		WriteTimeout:   cfg.UI.WriteTimeout,
		ReadTimeout:    cfg.UI.ReadTimeout,
		Logger:         logger,
	})

	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
		gw.metrics.Attach(session.Bus(), session.State().CurrentPhase())
	}

	gw.grpcServer, gw.health = createGRPCServer()

	gw.echo = gw.newRouter()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Session returns the hosted session.
func (g *Gateway) Session() *conversation.Session { return g.session }

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.echo }

// Start resumes or kicks off the session and starts the policy watcher. It
// is safe to call more than once.
func (g *Gateway) Start(ctx context.Context) error {
	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.started {
		return nil
	}

	restored, err := g.session.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	g.started = true
	g.restored = restored
	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	g.logger.Info("session started", "session_id", g.session.ID(), "restored", restored)

	if g.config.Policy.Watch {
		if err := g.watchPolicy(); err != nil {
			return err
		}
	}
	return nil
}

// watchPolicy reloads the admission policy whenever its file changes.
func (g *Gateway) watchPolicy() error {
	watcher, err := gating.NewPolicyWatcher(g.config.Policy.RegoPath, g.reloadPolicy, g.logger)
	if err != nil {
		return fmt.Errorf("watching admission policy: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.policyCancel = cancel
	g.policyDone = make(chan struct{})
	go func() {
		defer close(g.policyDone)
		if err := watcher.Run(ctx); err != nil {
			g.logger.Warn("policy watcher stopped", "error", err)
		}
	}()
	return nil
}

// reloadPolicy compiles a changed policy. A policy that fails to compile
// leaves the previous one in force.
func (g *Gateway) reloadPolicy(ctx context.Context, data []byte) {
	policy, err := gating.NewAdmissionPolicy(ctx, string(data))
	if err != nil {
		g.logger.Warn("admission policy rejected, keeping previous", "error", err)
		return
	}
	gate := g.session.Gatekeeper()
	gate.SetPolicy(policy)
	if _, err := gate.Recompute(ctx); err != nil {
		g.logger.Warn("recomputing gating after policy reload", "error", err)
		return
	}
	g.logger.Info("admission policy reloaded", "allowed_tools", len(gate.Allowed().Tools))
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// Run starts the session and both servers, then blocks until ctx is
// canceled or a server fails. Shutdown always runs before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcLn, httpLn, err := g.setupTCPListeners()
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, saves a final checkpoint and releases
// resources. Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)
	g.ui.Close()

	g.startMu.Lock()
	if g.policyCancel != nil {
		g.policyCancel()
		<-g.policyDone
	}
	g.startMu.Unlock()

	errs = appendCloseError(errs, "session close", g.session.Close(ctx))
	if g.metrics != nil {
		g.metrics.Detach()
	}
	g.broadcaster.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
