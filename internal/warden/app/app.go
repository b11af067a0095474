package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/openseats/warden/internal/warden/proxy"
	"github.com/openseats/warden/internal/warden/service"
	"github.com/openseats/warden/internal/warden/store"
	"github.com/openseats/warden/internal/warden/store/drivers/sqlite"
	"github.com/openseats/warden/internal/warden/upstream"
	"github.com/openseats/warden/pkg/mailx"
	"github.com/openseats/warden/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the warden daemon with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	routes   *proxy.Selector
	provider *upstream.Provider
	mailer   *mailx.Mailer

	// Services
	syncService     *service.SyncService
	capacityService *service.CapacityService
	recorder        *service.Recorder
	sweeper         *service.Sweeper
	nightly         *service.Nightly
	housekeeping    *service.Housekeeping
}

// New creates an Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "warden",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	app.initUpstream()
	app.initServices()

	return app, nil
}

func (app *Application) initDatabase() error {
	// modernc pragma syntax: a plain _busy_timeout query parameter would be
	// silently ignored and concurrent lock writers would see SQLITE_BUSY.
	dsn := "file:" + app.cfg.DatabaseFile + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	app.db = db
	app.logger.Info("database ready", "file", app.cfg.DatabaseFile)
	return nil
}

func (app *Application) initUpstream() {
	app.routes = proxy.NewSelector(app.cfg.ProxyListFile, app.logger)

	requestRate := app.cfg.RequestRate
	if requestRate < 1 {
		requestRate = 5
	}
	client := upstream.NewClient(app.routes, app.logger,
		upstream.WithRateLimit(rate.NewLimiter(rate.Limit(requestRate), requestRate)),
	)

	var opts []upstream.ProviderOption
	if app.cfg.ProviderBaseURL != "" {
		opts = append(opts, upstream.WithBaseURL(app.cfg.ProviderBaseURL))
	}
	if app.cfg.ProviderTokenURL != "" {
		opts = append(opts, upstream.WithTokenURL(app.cfg.ProviderTokenURL))
	}
	if app.cfg.OAuthClientID != "" {
		opts = append(opts, upstream.WithOAuthClientID(app.cfg.OAuthClientID))
	}
	app.provider = upstream.NewProvider(client, app.db.Accounts(), app.logger, opts...)

	mailCfg := mailx.Config{
		Host:     app.cfg.SMTPHost,
		Port:     app.cfg.SMTPPort,
		Username: app.cfg.SMTPUsername,
		Password: app.cfg.SMTPPassword,
		From:     app.cfg.SMTPFrom,
		TLS:      app.cfg.SMTPTLS,
		StartTLS: app.cfg.SMTPStartTLS,
	}
	if mailCfg.Enabled() {
		app.mailer = mailx.NewMailer(mailCfg, app.logger)
	}
}

func (app *Application) initServices() {
	app.syncService = service.NewSyncService(app.db, app.provider, app.logger)
	app.capacityService = service.NewCapacityService(app.db, app.syncService, app.logger)
	app.recorder = service.NewRecorder(app.db, app.logger)

	app.sweeper = service.NewSweeper(service.SweeperConfig{
		IntervalHours: app.cfg.SweepIntervalHours,
		WindowDays:    app.cfg.SweepWindowDays,
		Concurrency:   app.cfg.SweepConcurrency,
		LockTTL:       app.cfg.LockTTL,
		ReportTo:      app.cfg.SweepReportTo,
		RunOnStart:    app.cfg.SweepOnStart,
	}, app.db, app.capacityService, app.recorder, app.mailer, app.logger)

	app.nightly = service.NewNightly(service.NightlyConfig{
		Hour:        app.cfg.NightlyHour,
		Minute:      app.cfg.NightlyMinute,
		Concurrency: app.cfg.NightlyConcurrency,
		LockTTL:     app.cfg.LockTTL,
		RunOnStart:  app.cfg.NightlyOnStart,
	}, app.db, app.syncService, app.recorder, app.logger)

	app.housekeeping = service.NewHousekeeping(app.db, app.cfg.HousekeepingInterval, app.logger)
}

// Run starts the schedulers and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeeping.Start()

	if err := app.sweeper.Start(); err != nil {
		return err
	}
	if err := app.nightly.Start(); err != nil {
		app.sweeper.Stop()
		return err
	}

	app.logger.Info("warden running", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	return app.Shutdown()
}

// Shutdown stops the schedulers (waiting for cron-held work), then the
// janitor, then closes the store. Waiting is bounded by the configured
// grace period: a sweep mid-flight when the period elapses is abandoned,
// its lock row left to expire by TTL.
func (app *Application) Shutdown() error {
	grace := app.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	stopped := make(chan struct{})
	go func() {
		app.sweeper.Stop()
		app.nightly.Stop()
		app.housekeeping.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(grace):
		app.logger.Warn("shutdown grace period elapsed, abandoning in-flight work",
			"grace_period", grace)
	}

	if err := app.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	app.logger.Info("shutdown complete")
	return nil
}
