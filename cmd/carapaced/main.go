package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carapacehq/carapace"
	"github.com/carapacehq/carapace/internal/config"
	"github.com/carapacehq/carapace/observer"
	"github.com/carapacehq/carapace/plugins/echo"
	"github.com/carapacehq/carapace/plugins/fsinfo"
	dockerrt "github.com/carapacehq/carapace/runtime/docker"
	"github.com/carapacehq/carapace/store/postgres"
	"github.com/carapacehq/carapace/store/sqlite"
	"github.com/carapacehq/carapace/transport/unixsock"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("CARAPACE_CONFIG"))
	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		log.Fatalf("create home %s: %v", cfg.Home, err)
	}

	// 2. Observability
	var (
		pipelineMetrics  carapace.PipelineMetrics
		lifecycleMetrics carapace.LifecycleMetrics
		pluginMetrics    carapace.PluginMetrics
	)
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("init observer: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		pipelineMetrics = observer.NewPipelineAdapter(inst)
		lifecycleMetrics = observer.NewLifecycleAdapter(inst)
		pluginMetrics = observer.NewPluginAdapter(inst)
	}

	// 3. Persistence
	audit, tokens, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	// 4. Core engine
	sanitizer, err := carapace.NewSanitizer(cfg.Sanitizer.Patterns)
	if err != nil {
		log.Fatalf("sanitizer config: %v", err)
	}

	confirmTimeout := time.Duration(cfg.Pipeline.ConfirmTimeoutSecs) * time.Second
	catalog := carapace.NewCatalog()
	gate := carapace.NewConfirmationGate(
		carapace.GateTimeout(confirmTimeout),
		carapace.GateLogger(logger),
	)
	approvals := carapace.NewApprovalSet(confirmTimeout)
	limiter := carapace.NewRateLimiter(carapace.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})
	sessions := carapace.NewSessionManager(cfg.Pipeline.SessionCap)
	sessions.OnDestroy(limiter.ForgetSession)

	pipeline := carapace.NewPipeline(carapace.PipelineDeps{
		Catalog:        catalog,
		Sessions:       sessions,
		Limiter:        limiter,
		Gate:           gate,
		Approvals:      approvals,
		Audit:          audit,
		Sanitizer:      sanitizer,
		Metrics:        pipelineMetrics,
		Logger:         logger,
		HandlerTimeout: time.Duration(cfg.Pipeline.HandlerTimeoutSecs) * time.Second,
	})

	// 5. Transport
	transport := unixsock.New(cfg.SocketDir(), pipeline, logger)
	if err := transport.Start(ctx); err != nil {
		log.Fatalf("start transport: %v", err)
	}
	defer transport.Stop()

	// 6. Plugins
	loader := carapace.NewPluginLoader(cfg.Plugins.Roots, catalog, carapace.PluginServices{
		Logger:  logger,
		Bus:     transport,
		DataDir: filepath.Join(cfg.Home, "data"),
	}, carapace.LoaderLogger(logger), carapace.LoaderMetrics(pluginMetrics))
	loader.RegisterBundle(echo.Manifest(), echo.New)
	loader.RegisterBundle(fsinfo.Manifest(), fsinfo.New)
	loader.RegisterFactory("echo", echo.New)
	loader.RegisterFactory("fsinfo", fsinfo.New)
	for _, res := range loader.LoadAll(ctx) {
		if res.Err != nil {
			logger.Warn("plugin skipped", "bundle", res.Bundle, "error", res.Err)
			continue
		}
		logger.Info("plugin active", "bundle", res.Bundle, "tools", res.Tools)
	}

	// 7. Container runtime + lifecycle
	rtOpts := []dockerrt.Option{dockerrt.WithLogger(logger)}
	if cfg.Container.Host != "" {
		rtOpts = append(rtOpts, dockerrt.WithHost(cfg.Container.Host))
	}
	if cfg.Container.SELinuxRelabel {
		rtOpts = append(rtOpts, dockerrt.WithSELinuxRelabel())
	}
	runtime, err := dockerrt.New(rtOpts...)
	if err != nil {
		log.Fatalf("container runtime: %v", err)
	}
	defer runtime.Close()
	if !runtime.IsAvailable(ctx) {
		log.Fatal("container engine is not reachable")
	}
	if cfg.Container.PullOnStart {
		if err := runtime.Pull(ctx, cfg.Container.Image); err != nil {
			log.Fatalf("pull %s: %v", cfg.Container.Image, err)
		}
	}

	groups := make([]carapace.GroupPolicy, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups = append(groups, carapace.GroupPolicy{Name: g.Name, MaxContainers: g.MaxContainers})
	}
	manager := carapace.NewLifecycleManager(runtime, sessions, tokens, transport, carapace.LifecycleConfig{
		Image:     cfg.Container.Image,
		SocketDir: cfg.SocketDir(),
		Groups:    groups,
		StopGrace: time.Duration(cfg.Container.StopGraceSecs) * time.Second,
		User:      cfg.Container.User,
	},
		carapace.LifecycleLogger(logger),
		carapace.LifecycleSanitizer(sanitizer),
		carapace.LifecycleMetricsOption(lifecycleMetrics),
	)

	events, unsubscribe := transport.Events.Subscribe()
	defer unsubscribe()
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(ctx, events)
	}()

	logger.Info("carapace host running",
		"sockets", cfg.SocketDir(), "image", cfg.Container.Image, "tools", catalog.Len())

	<-ctx.Done()
	logger.Info("shutting down")

	// Ordered teardown: stop accepting requests, resolve suspended
	// confirmations, then reap containers and plugins before the event
	// socket closes.
	transport.Router.Stop()
	gate.CancelAll()

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(sctx)
	<-managerDone
	loader.ShutdownAll(sctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore wires the configured database backend behind the audit and
// resume-token interfaces.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (carapace.AuditLog, carapace.ResumeTokenStore, func()) {
	ttl := time.Duration(cfg.Container.TokenTTLHours) * time.Hour
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		st := postgres.New(pool, postgres.WithTokenTTL(ttl))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("init postgres store: %v", err)
		}
		return st, st, pool.Close
	case "", "sqlite":
		st := sqlite.New(cfg.Database.Path,
			sqlite.WithLogger(logger), sqlite.WithTokenTTL(ttl))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("init sqlite store: %v", err)
		}
		return st, st, func() { _ = st.Close() }
	default:
		log.Fatalf("unknown database driver %q", cfg.Database.Driver)
		return nil, nil, nil
	}
}
