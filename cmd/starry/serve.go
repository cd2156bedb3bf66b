package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/starry/internal/audit"
	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/catalog"
	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/controller"
	"github.com/basket/starry/internal/cron"
	"github.com/basket/starry/internal/engine"
	"github.com/basket/starry/internal/gateway"
	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/telemetry"
	"github.com/basket/starry/internal/tools"
	"github.com/basket/starry/internal/transcript"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon and accept UI attachments on /ws",
		Long: `Run the daemon.

The websocket endpoint is /ws and the health probe is /healthz. When
auth_token is set in config.yaml every request except /healthz must carry it
as a bearer token, an X-Starry-Token header or a ?token= query parameter.

The model catalog is refreshed on start and then on catalog.refresh_cron.
Edits to config.yaml and theme.json are picked up while running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Write logs to <home>/logs only")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, quiet bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		if cfg, err = opts.loadConfig(); err != nil {
			return err
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer func() { _ = audit.Close() }()

	sink, err := telemetry.NewSink(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer sink.Close()
	logger := sink.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	warnExposedBind(logger, cfg)

	eventBus := bus.New()

	otelProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), cfg.Workspace, eventBus)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	cache := catalog.New(catalog.Options{
		URL:     cfg.Catalog.URL,
		Dir:     config.CacheDir(cfg.HomeDir),
		Timeout: time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second,
		Bus:     eventBus,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})

	workspace := cfg.Task.WorkspaceRoot
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
	}
	runnerOpts := []tools.Option{tools.WithTelemetry(otelProvider.Tracer, metrics)}
	if sb := cfg.Task.Sandbox; sb.Enabled {
		executor, err := tools.NewDockerExecutor(tools.SandboxConfig{Image: sb.Image, MemoryMB: sb.MemoryMB, Network: sb.Network})
		if err != nil {
			return fmt.Errorf("init sandbox: %w", err)
		}
		defer executor.Close()
		runnerOpts = append(runnerOpts, tools.WithExecutor(executor))
		logger.Info("commands run in docker sandbox", "image", sb.Image, "network", sb.Network)
	}
	runner := tools.NewRunner(workspace, cfg.Task.MaxToolOutput, runnerOpts...)

	manager, err := engine.NewManager(engine.Options{
		Store:        store,
		Transcripts:  transcript.NewStore(config.TasksDir(cfg.HomeDir)),
		Catalog:      cache,
		Runner:       runner,
		Bus:          eventBus,
		NewProvider:  engine.GenkitFactory(otelProvider.Tracer, metrics),
		AbortTimeout: time.Duration(cfg.Task.AbortTimeoutMS) * time.Millisecond,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Healthy: func(ctx context.Context) error {
			_, _, err := store.Get(ctx, persistence.Global, persistence.KeyLastShownAnnouncementID)
			return err
		},
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctl := controller.New(controller.Options{
		Store:          store,
		Catalog:        cache,
		Manager:        manager,
		Pusher:         gw,
		Bus:            eventBus,
		HomeDir:        cfg.HomeDir,
		AnnouncementID: cfg.AnnouncementID,
		Version:        Version,
		Logger:         logger,
	})
	gw.OnIntent(ctl.HandleIntent)
	gw.OnAttach(ctl.Attach)

	refresher, err := cron.NewScheduler(cron.Config{
		Name:       "catalog-refresh",
		Expr:       cfg.Catalog.RefreshCron,
		Job:        cron.JobFunc(func(ctx context.Context) { cache.Refresh(ctx) }),
		Logger:     logger,
		RunOnStart: true,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.BindAddr, err)
	}
	server := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Printf("starry %s listening on ws://%s/ws (home %s)\n", Version, ln.Addr(), cfg.HomeDir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error {
		gw.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)
		return nil
	})
	g.Go(func() error { return watchHome(gctx, cfg, ctl, sink) })

	err = g.Wait()

	// Retire the active task before the store closes.
	manager.Clear()
	ctl.Wait()
	logger.Info("shutdown complete")
	return err
}

// watchHome forwards config.yaml and theme.json edits to the controller.
// log_level applies immediately; settings that shape the listener need a
// restart, which is logged.
func watchHome(ctx context.Context, cfg config.Config, ctl *controller.Controller, sink *telemetry.Sink) error {
	logger := sink.Logger
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("home directory watch unavailable", "error", err)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			if ev.Kind == config.ReloadConfig {
				next, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				if sink.SetLevel(next.LogLevel) {
					logger.Info("log level changed", "level", next.LogLevel)
				}
				if next.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config changed; restart to apply listener settings",
						"old_fingerprint", cfg.Fingerprint(), "new_fingerprint", next.Fingerprint())
				}
			}
			ctl.HandleReload(ev)
		}
	}
}

func warnExposedBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty on a non-loopback bind; any host that can reach the port can drive tasks", "bind_addr", cfg.BindAddr)
	}
	if len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
	}
}
