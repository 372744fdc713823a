// Command fepd is the ISO 8583 front-end processor daemon.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/go-fep/fep/internal/adminhttp"
	"github.com/go-fep/fep/internal/channel"
	"github.com/go-fep/fep/internal/config"
	"github.com/go-fep/fep/internal/duplicate"
	"github.com/go-fep/fep/internal/hsm"
	"github.com/go-fep/fep/internal/iso8583"
	fepmetrics "github.com/go-fep/fep/internal/metrics"
	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/pool"
	"github.com/go-fep/fep/internal/repository"
	"github.com/go-fep/fep/internal/repository/postgres"
	"github.com/go-fep/fep/internal/resilience"
	"github.com/go-fep/fep/internal/stages"
	"github.com/go-fep/fep/internal/terminator"
	appversion "github.com/go-fep/fep/internal/version"
)

// shutdownTimeout is the maximum time to wait for listeners and HTTP
// servers to drain active work during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("fepd starting",
		slog.String("version", appversion.Version),
		slog.String("terminator_addr", cfg.Terminator.Addr),
		slog.String("admin_addr", cfg.AdminHTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	if err := runServers(cfg, logger, *configPath, logLevel); err != nil {
		logger.Error("fepd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("fepd stopped")
	return 0
}

// runServers builds every runtime component from cfg and runs the
// terminator alongside the metrics and admin HTTP servers under a
// signal-aware errgroup, mirroring gobfd's run-to-completion structure.
func runServers(cfg *config.Config, logger *slog.Logger, configPath string, logLevel *slog.LevelVar) error {
	reg := prometheus.NewRegistry()
	collector := fepmetrics.NewCollector(reg)

	schemas, err := buildSchemaRegistry(cfg.SchemaFiles)
	if err != nil {
		return fmt.Errorf("build schema registry: %w", err)
	}
	wireSchema, err := schemas.Lookup(cfg.Terminator.SchemaName, cfg.Terminator.SchemaVersion)
	if err != nil {
		return fmt.Errorf("terminator schema: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildRepository(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("build repository: %w", err)
	}
	defer closeStore()

	hsmSvc, err := buildHSM(cfg.HSM)
	if err != nil {
		return fmt.Errorf("build hsm: %w", err)
	}

	dup := duplicate.New(
		duplicate.WithHorizon(cfg.Duplicate.Horizon),
		duplicate.WithMaxEntries(cfg.Duplicate.MaxEntries),
	)

	router := pool.NewRouter(logger)
	gates := resilience.NewRegistry()
	routes := stages.NewRouter(stages.RouteDecision{})

	if err := wireRoutes(ctx, cfg.Routes, schemas, router, gates, routes, logger); err != nil {
		return fmt.Errorf("wire routes: %w", err)
	}
	defer router.Close()

	reg.MustRegister(fepmetrics.NewRuntimeCollector(router, gates, dup, nil))

	reverser := stages.NewReverser(router, logger)
	processor := stages.NewProcessor(router, gates, reverser, hsmSvc, cfg.LimitCheck.AccountField)

	pl := buildPipeline(cfg, store, dup, routes, processor, logger)

	term, err := terminator.New(cfg.Terminator.Addr, wireSchema, pl, logger,
		terminator.WithMetrics(collector),
		terminator.WithMaxInFlightPerConnection(cfg.Terminator.MaxInFlightPerConnection),
	)
	if err != nil {
		return fmt.Errorf("build terminator: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	adminSrv := newAdminHTTPServer(cfg.AdminHTTP, router, gates, dup)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("terminator listening", slog.String("addr", cfg.Terminator.Addr))
		return term.Serve(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, term, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin diagnostics and metrics HTTP server
// goroutines.
func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, adminSrv, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}

	if cfg.AdminHTTP.Addr != "" {
		g.Go(func() error {
			logger.Info("admin http server listening", slog.String("addr", cfg.AdminHTTP.Addr))
			return listenAndServe(ctx, &lc, adminSrv, cfg.AdminHTTP.Addr)
		})
	}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP log-level
// reload goroutines.
func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Component construction
// -------------------------------------------------------------------------

// buildSchemaRegistry loads every YAML schema document in paths into a
// fresh registry.
func buildSchemaRegistry(paths []string) (*iso8583.Registry, error) {
	reg := iso8583.NewRegistry()
	for _, path := range paths {
		if _, err := reg.LoadSchemaFile(path); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", path, err)
		}
	}
	return reg, nil
}

// store is the composite repository contract fepd's stages depend on;
// both repository.MemoryStore and repository/postgres.Store satisfy it.
type store interface {
	repository.TransactionLogger
	repository.DuplicateSnapshotStore
	repository.BlacklistStore
	repository.LimitCounterStore
}

// buildRepository constructs the configured repository backend and a
// closer that releases its resources.
func buildRepository(ctx context.Context, cfg config.RepositoryConfig) (store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return repository.NewMemoryStore(), func() {}, nil
	}
}

// buildHSM constructs the configured HSM collaborator.
func buildHSM(cfg config.HSMConfig) (hsm.Service, error) {
	key, err := hex.DecodeString(cfg.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode hsm.key_hex: %w", err)
	}
	svc, err := hsm.NewLocal(key)
	if err != nil {
		return nil, fmt.Errorf("build local hsm: %w", err)
	}
	return svc, nil
}

// wireRoutes builds one pool.Router route, resilience.Gate, and routing
// decision per cfg entry, including every member Channel's wire schema.
func wireRoutes(ctx context.Context, cfgs []config.RouteConfig, schemas *iso8583.Registry, router *pool.Router, gates *resilience.Registry, routes *stages.Router, logger *slog.Logger) error {
	for _, rc := range cfgs {
		members := make([]channel.Profile, 0, len(rc.Members))
		for _, mc := range rc.Members {
			schema, err := schemas.Lookup(mc.SchemaName, mc.SchemaVersion)
			if err != nil {
				return fmt.Errorf("route %s member %s: %w", rc.Name, mc.Name, err)
			}
			members = append(members, channel.Profile{
				Name:              mc.Name,
				Mode:              parseChannelMode(mc.Mode),
				SendAddr:          mc.SendAddr,
				ReceiveAddr:       mc.ReceiveAddr,
				Schema:            schema,
				AcquirerID:        mc.AcquirerID,
				ConnectTimeout:    mc.ConnectTimeout,
				ResponseTimeout:   mc.ResponseTimeout,
				IdleInterval:      mc.IdleInterval,
				MaxEchoFailures:   mc.MaxEchoFailures,
				BackoffInitial:    mc.BackoffInitial,
				BackoffMax:        mc.BackoffMax,
				BackoffMultiplier: mc.BackoffMultiplier,
			})
		}

		if err := router.AddRoute(ctx, pool.RouteConfig{
			Name:                rc.Name,
			Members:             members,
			MaxSize:             rc.MaxSize,
			MaxSignOnFailures:   rc.MaxSignOnFailures,
			MaintenanceInterval: rc.MaintenanceInterval,
		}); err != nil {
			return fmt.Errorf("route %s: %w", rc.Name, err)
		}

		gates.Register(rc.Name, resilience.NewGate(rc.Name, buildLimiter(rc.RateLimiter), buildBreaker(rc.Name, rc.Breaker, logger)))

		decision := stages.RouteDecision{Route: rc.Name, DestinationMTI: rc.DestinationMTI}
		if rc.Default {
			routes.Default = decision
		}
		for _, prefix := range rc.ProcessingCodePrefixes {
			routes.AddRoute(prefix, decision)
		}
	}
	return nil
}

func parseChannelMode(s string) channel.Mode {
	if s == "single_socket" {
		return channel.ModeSingleSocket
	}
	return channel.ModeDualSocket
}

// buildBreaker returns nil when cfg names no thresholds, leaving the
// route's Gate to skip the breaker check entirely.
func buildBreaker(route string, cfg config.BreakerConfig, logger *slog.Logger) *resilience.CircuitBreaker {
	if cfg.FailureRateThreshold <= 0 {
		return nil
	}
	return resilience.NewCircuitBreaker(route, resilience.BreakerConfig{
		FailureRateThreshold:       cfg.FailureRateThreshold,
		MinimumCalls:               cfg.MinimumCalls,
		WindowSize:                 cfg.WindowSize,
		WaitDurationInOpen:         cfg.WaitDurationInOpen,
		PermittedProbesInHalfOpen:  cfg.PermittedProbesInHalfOpen,
		SuccessThresholdInHalfOpen: cfg.SuccessThresholdInHalfOpen,
	}, logger)
}

func buildLimiter(cfg config.RateLimiterConfig) resilience.Limiter {
	switch cfg.Kind {
	case "fixed_window":
		return resilience.NewFixedWindowLimiter(cfg.Limit, cfg.Window)
	case "sliding_window":
		return resilience.NewSlidingWindowLimiter(cfg.Limit, cfg.Window)
	case "token_bucket":
		return resilience.NewTokenBucketLimiter(cfg.Capacity, cfg.RefillPerSecond)
	case "leaky_bucket":
		return resilience.NewLeakyBucketLimiter(cfg.Capacity, cfg.LeakPerSecond)
	default:
		return nil
	}
}

// buildValidator returns the fixed validation rule chain every inbound
// financial message passes through before limit checking: the field set
// spec §4.9 names as required, plus a PAN checksum when F2 is present.
func buildValidator() *stages.Validator {
	return stages.NewValidator(
		stages.RequiredFieldRule{FieldID: "3", Subkind: "missing_processing_code"},
		stages.RequiredFieldRule{FieldID: "11", Subkind: "missing_stan"},
		stages.RequiredFieldRule{FieldID: "7", Subkind: "missing_transmission_datetime"},
		stages.RequiredFieldRule{FieldID: "41", Subkind: "missing_terminal_id"},
		stages.LengthRule{FieldID: "11", Min: 6, Max: 6, Subkind: "bad_stan_length"},
		stages.PatternRule{FieldID: "11", Pattern: regexp.MustCompile(`^[0-9]{6}$`), Subkind: "bad_stan_format"},
		stages.LuhnChecksumRule{FieldID: "2", Subkind: "bad_pan_checksum"},
	)
}

// buildPipeline assembles the six-stage pipeline in spec order:
// DUPLICATE_CHECK -> VALIDATION -> LIMIT_CHECK -> ROUTING -> PROCESSING ->
// AUDIT (spec §4.7).
func buildPipeline(cfg *config.Config, st store, dup *duplicate.Detector, routes *stages.Router, processor *stages.Processor, logger *slog.Logger) *pipeline.Pipeline {
	opts := []pipeline.Option{pipeline.WithDefaultDeadline(cfg.Pipeline.DefaultDeadline)}
	for prefix, d := range cfg.Pipeline.Deadlines {
		opts = append(opts, pipeline.WithDeadline(prefix, d))
	}
	pl := pipeline.New(logger, opts...)

	pl.Register(pipeline.StageDuplicateCheck, 0, stages.NewDuplicateCheck(dup))

	pl.Register(pipeline.StageValidation, 0, buildValidator())
	if cfg.Blacklist.FieldID != "" {
		pl.Register(pipeline.StageValidation, 10, &stages.BlacklistCheck{Store: st, FieldID: cfg.Blacklist.FieldID})
	}

	limits := stages.AccountLimits{
		SingleTransactionMax: cfg.LimitCheck.SingleTransactionMax,
		DailyAmountMax:       cfg.LimitCheck.DailyAmountMax,
		MonthlyAmountMax:     cfg.LimitCheck.MonthlyAmountMax,
		DailyCountMax:        cfg.LimitCheck.DailyCountMax,
	}
	pl.Register(pipeline.StageLimitCheck, 0, stages.NewLimitCheck(st, limits, cfg.LimitCheck.AccountField, cfg.LimitCheck.AmountField))

	pl.Register(pipeline.StageRouting, 0, routes)
	pl.Register(pipeline.StageProcessing, 0, processor)
	pl.Register(pipeline.StageAudit, 0, stages.NewAuditor(st, logger))

	return pl
}

// newAdminHTTPServer builds the read-only diagnostics HTTP server.
func newAdminHTTPServer(cfg config.AdminHTTPConfig, router *pool.Router, gates *resilience.Registry, dup *duplicate.Detector) *http.Server {
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	srv := adminhttp.NewServer(router, gates, dup, nil)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           adminhttp.NewRouter(srv, secret),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer builds the Prometheus metrics HTTP server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only; routes are not hot-reloadable since
// each route owns live Channel connections
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

// gracefulShutdown stops accepting new acquirer connections, signals
// systemd, then drains the admin and metrics HTTP servers under their own
// timeout, detached from the already-cancelled parent context.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, term *terminator.Terminator, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	var errs []error
	if err := term.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close terminator: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// -------------------------------------------------------------------------
// Config + logging bootstrap
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
