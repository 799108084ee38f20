package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/newsmail/internal/bounce"
	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/db"
	"github.com/foxzi/newsmail/internal/dispatch"
	"github.com/foxzi/newsmail/internal/enrich"
	"github.com/foxzi/newsmail/internal/jumpurl"
	"github.com/foxzi/newsmail/internal/lock"
	"github.com/foxzi/newsmail/internal/mailbox"
	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/ratelimit"
	"github.com/foxzi/newsmail/internal/recipient"
	"github.com/foxzi/newsmail/internal/render"
	"github.com/foxzi/newsmail/internal/repository"
	"github.com/foxzi/newsmail/internal/sandbox"
	"github.com/foxzi/newsmail/internal/source"
	"github.com/foxzi/newsmail/internal/state"
	tlsprovider "github.com/foxzi/newsmail/internal/tls"
	"github.com/foxzi/newsmail/internal/transport"
)

// App wires storage, dispatch, tracking and bounce processing together
type App struct {
	config *config.Config
	logger *slog.Logger

	db    *db.DB
	state *state.Store
	redis *redis.Client

	Mailings   *repository.MailingRepository
	Groups     *repository.GroupRepository
	Recipients *repository.RecipientRepository
	Log        *repository.LogRepository
	Registry   *source.Registry
	Resolver   *recipient.Resolver
	Engine     *dispatch.Engine
	Scheduler  *dispatch.Scheduler
	Analyzer   *bounce.Analyzer
	Sandbox    *sandbox.Storage
	Limiter    *ratelimit.Limiter    // nil without send limits
	TLS        *tlsprovider.Provider // nil without TLS

	jumpServer       *jumpurl.Server
	acmeServer       *http.Server
	metrics          *metrics.Metrics
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector

	bounceCancel context.CancelFunc
	bounceWG     sync.WaitGroup
}

// New creates the application. Servers are started by Run.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	database, err := db.New(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database
	if err := database.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	st, err := state.Open(cfg.Storage.State)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	a.state = st

	locks, err := a.lockProvider()
	if err != nil {
		a.Close()
		return nil, err
	}

	sources, err := cfg.SourceConfigurations()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry, err = source.NewRegistry(sources...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Mailings = repository.NewMailingRepository(database.DB)
	a.Groups = repository.NewGroupRepository(database.DB)
	a.Recipients = repository.NewRecipientRepository(database.DB)
	a.Log = repository.NewLogRepository(database.DB)

	a.Resolver = recipient.NewResolver(a.Groups, a.Recipients, a.Registry, logger)
	enricher := enrich.New(a.Resolver, logger)

	var signer *transport.Signer
	if cfg.Transport.DKIM.Enabled {
		d := cfg.Transport.DKIM
		signer, err = transport.NewSignerFromFile(d.KeyFile, d.Domain, d.Selector)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		logger.Info("DKIM signing enabled", "domain", d.Domain, "selector", d.Selector)
	}

	a.Sandbox, err = sandbox.NewStorage(st.DB())
	if err != nil {
		a.Close()
		return nil, err
	}
	var sender transport.Sender = transport.NewSMTPSender(cfg.Transport, cfg.Server.Hostname, signer, logger)
	if cfg.Transport.Mode != sandbox.ModeSMTP {
		sender = sandbox.NewSender(sender, a.Sandbox, cfg.Transport, cfg.Server.Hostname, logger)
		logger.Warn("transport is not delivering to recipients", "mode", cfg.Transport.Mode, "redirect_to", cfg.Transport.RedirectTo)
	}

	var limiter dispatch.Limiter
	if cfg.Dispatch.Limits.Enabled() {
		a.Limiter, err = ratelimit.NewLimiter(st.DB(), cfg.Dispatch.Limits, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create send limiter: %w", err)
		}
		limiter = a.Limiter
	}

	a.Engine = dispatch.NewEngine(dispatch.Options{
		Mailings: a.Mailings,
		Log:      a.Log,
		State:    st,
		Resolver: a.Resolver,
		Enricher: enricher,
		Registry: a.Registry,
		Renderer: render.New(render.Options{
			SiteURL:    cfg.Server.SiteURL,
			JumpPath:   cfg.Tracking.Path,
			PixelPath:  cfg.Tracking.PixelPath,
			AuthSecret: cfg.Tracking.AuthSecret,
		}),
		Sender:  sender,
		Locks:   locks,
		Limiter: limiter,
		Logger:  logger,
	})
	a.Scheduler = dispatch.NewScheduler(a.Engine, cfg.Dispatch.MaxPerCycle, cfg.Dispatch.Interval, logger)

	jump, err := jumpurl.NewHandler(a.Mailings, a.Log, a.Resolver, enricher, a.Registry, jumpurl.Options{
		SiteURL:       cfg.Server.SiteURL,
		AuthSecret:    cfg.Tracking.AuthSecret,
		DedupWindow:   cfg.Tracking.DedupWindow,
		PixelPatterns: cfg.Tracking.PixelPatterns,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create jump handler: %w", err)
	}
	a.jumpServer = jumpurl.NewServer(jump, a.Mailings, a.Log, &cfg.Tracking, logger)

	a.TLS, err = tlsprovider.New(cfg.Tracking.TLS)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.TLS != nil {
		a.jumpServer.SetTLSConfig(a.TLS.TLSConfig())
		a.logCertificates()
	}

	var deactivator bounce.Deactivation
	if cfg.Bounce.Deactivate {
		deactivator = bounce.NewDeactivator(a.Recipients, a.Groups, a.Registry, cfg.Bounce.DeactivateCodes, logger)
	}
	a.Analyzer = bounce.NewAnalyzer(a.Log, deactivator, logger)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		a.metricsCollector, err = metrics.NewCollector(st.DB(), a.metrics, a.Scheduler, cfg.Storage.Database, 0)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
	}

	return a, nil
}

// logCertificates warns about certificates close to expiry
func (a *App) logCertificates() {
	for _, cert := range a.TLS.Certificates(context.Background()) {
		if cert.DaysLeft < 14 {
			a.logger.Warn("TLS certificate expires soon", "domain", cert.Domain, "not_after", cert.NotAfter, "days_left", cert.DaysLeft)
			continue
		}
		a.logger.Info("TLS certificate loaded", "domain", cert.Domain, "days_left", cert.DaysLeft)
	}
}

func (a *App) Config() *config.Config { return a.config }

func (a *App) Logger() *slog.Logger { return a.logger }

// lockProvider returns the dispatch lock backend. The bolt backend shares the state file.
func (a *App) lockProvider() (lock.Provider, error) {
	cfg := a.config
	if cfg.Dispatch.LockBackend != "redis" {
		return lock.NewBoltProvider(a.state.DB(), state.LocksBucket(), cfg.Dispatch.LockTTL), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	a.logger.Info("using redis dispatch locks", "addr", cfg.Redis.Addr)
	return lock.NewRedisProvider(a.redis, cfg.Dispatch.LockTTL), nil
}

// RunDispatch processes one batch of every due mailing
func (a *App) RunDispatch(ctx context.Context, limit int) ([]dispatch.BatchResult, error) {
	return a.Scheduler.RunDue(ctx, limit)
}

// PollBounces processes the configured bounce mailbox once
func (a *App) PollBounces(ctx context.Context) (int, error) {
	mb, err := mailbox.Dial(&a.config.Bounce, a.logger)
	if err != nil {
		return 0, err
	}
	defer mb.Close()
	return a.Analyzer.ProcessMailbox(ctx, mb, a.config.Bounce.MaxMessages)
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"hostname", a.config.Server.Hostname,
		"tracking_addr", a.config.Tracking.ListenAddr,
		"relay", fmt.Sprintf("%s:%d", a.config.Transport.Host, a.config.Transport.Port),
	}
	if a.metricsServer != nil {
		logAttrs = append(logAttrs, "metrics_addr", a.config.Metrics.ListenAddr)
	}
	a.logger.Info("starting newsmail", logAttrs...)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Scheduler.Start(ctx)
	if a.config.Bounce.Enabled {
		a.startBounceLoop(ctx)
	}
	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.jumpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("tracking server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// ACME HTTP-01 challenges arrive over plain HTTP; everything else is sent to HTTPS
	if a.TLS != nil && a.TLS.ACME() {
		addr := a.config.Tracking.TLS.HTTPAddr
		a.acmeServer = &http.Server{
			Addr:              addr,
			Handler:           a.TLS.ChallengeHandler(tlsprovider.HTTPSRedirect),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

func (a *App) startBounceLoop(ctx context.Context) {
	ctx, a.bounceCancel = context.WithCancel(ctx)
	a.bounceWG.Add(1)
	go func() {
		defer a.bounceWG.Done()

		ticker := time.NewTicker(a.config.Bounce.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.PollBounces(ctx); err != nil {
					a.logger.Error("bounce poll failed", "error", err)
				}
			}
		}
	}()
	a.logger.Info("bounce polling started", "interval", a.config.Bounce.Interval, "mailbox", a.config.Bounce.Mailbox)
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop producing work before closing servers and storage
	a.Scheduler.Stop()
	if a.bounceCancel != nil {
		a.bounceCancel()
		a.bounceWG.Wait()
	}

	if err := a.jumpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("tracking server shutdown error", "error", err)
	}
	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("ACME HTTP server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.metricsCollector != nil {
		if err := a.metricsCollector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage handles. It is safe on a partially built App.
func (a *App) Close() {
	if a.Limiter != nil {
		if err := a.Limiter.Stop(); err != nil {
			a.logger.Error("send limiter stop error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Error("state store close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
