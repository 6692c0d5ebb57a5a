// Package app assembles the application and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/mail-courier/internal/batch"
	"github.com/bissquit/mail-courier/internal/compose"
	"github.com/bissquit/mail-courier/internal/config"
	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/pkg/ctxlog"
	"github.com/bissquit/mail-courier/internal/pkg/httputil"
	"github.com/bissquit/mail-courier/internal/pkg/metrics"
	"github.com/bissquit/mail-courier/internal/pkg/postgres"
	"github.com/bissquit/mail-courier/internal/recipient"
	recipientpostgres "github.com/bissquit/mail-courier/internal/recipient/postgres"
	"github.com/bissquit/mail-courier/internal/smtp"
	"github.com/bissquit/mail-courier/internal/version"
)

// App is one assembled sending run plus its observability server.
type App struct {
	config    *config.Config
	logger    *slog.Logger
	db        *pgxpool.Pool
	store     recipient.Store
	driver    *batch.Driver
	scheduler *dispatch.Scheduler
	limiter   *dispatch.RateLimiter
	failures  *dispatch.FailureTracker

	statsServer   *http.Server
	metricsCancel context.CancelFunc
}

// New builds the application from configuration: recipient store, dispatch
// core, SMTP transport and the stats server.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	a := &App{
		config: cfg,
		logger: logger,
	}

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}

	profiles := cfg.SenderProfiles()
	a.limiter = dispatch.NewRateLimiter(profiles, cfg.Run.GlobalLimit)
	a.failures = dispatch.NewFailureTracker(cfg.FailureTrackerConfig())

	scheduler, err := dispatch.NewScheduler(profiles, cfg.SchedulerConfig(), a.limiter, a.failures)
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	a.scheduler = scheduler

	sender := smtp.NewSender(smtp.DefaultConfig())
	pool := dispatch.NewPool(scheduler, a.limiter, a.failures, sender, a.store)
	retrier := dispatch.NewRetryOrchestrator(cfg.RetryOrchestratorConfig(), a.limiter, a.failures, sender)

	template, err := loadTemplate(cfg.Template)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	personalizer := compose.NewPersonalizer(template)

	driver, err := batch.NewDriver(cfg.BatchConfig(), profiles, a.store, personalizer, scheduler, a.limiter, pool, retrier)
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("create run driver: %w", err)
	}
	a.driver = driver

	if cfg.Server.Enabled {
		a.statsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           a.router(),
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.config.Recipients.Source {
	case "postgres":
		if err := recipientpostgres.Migrate(a.config.Database.URL); err != nil {
			return err
		}

		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             a.config.Database.URL,
			MaxOpenConns:    a.config.Database.MaxOpenConns,
			MaxIdleConns:    a.config.Database.MaxIdleConns,
			ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
			ConnectAttempts: a.config.Database.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.store = recipientpostgres.NewRepository(db)
	default:
		a.store = recipient.NewCSVStore(a.config.Recipients.Path)
	}
	return nil
}

// Run executes the sending run. The stats server stays up for the duration
// of the run and is shut down with it.
func (a *App) Run(ctx context.Context) (batch.Summary, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if a.statsServer != nil {
		go func() {
			a.logger.Info("starting stats server", "addr", a.statsServer.Addr)
			if err := a.statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("stats server error", "error", err)
			}
		}()
	}

	if a.db != nil {
		metricsCtx, cancel := context.WithCancel(context.Background())
		a.metricsCancel = cancel
		go a.collectDBMetrics(metricsCtx)
	}

	return a.driver.Run(ctx)
}

// Shutdown stops the stats server and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	if a.metricsCancel != nil {
		a.metricsCancel()
	}

	var errs []error
	if a.statsServer != nil {
		if err := a.statsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown stats server: %w", err))
		}
	}
	a.closeDB()
	return errors.Join(errs...)
}

func (a *App) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)
	r.Get("/stats", a.statsHandler)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// statsHandler exposes a live view of the run: queue depths, per-sender
// usage and blocked-sender count.
func (a *App) statsHandler(w http.ResponseWriter, _ *http.Request) {
	queues, processed := a.scheduler.Stats()

	httputil.JSON(w, http.StatusOK, map[string]any{
		"queues":          queues,
		"processed":       processed,
		"queued_total":    a.scheduler.QueuedTotal(),
		"senders":         a.limiter.Stats(),
		"global_sent":     a.limiter.GlobalSent(),
		"blocked_senders": a.failures.BlockedCount(),
	})
}

func loadTemplate(cfg config.TemplateConfig) (compose.Template, error) {
	body := cfg.Body
	if cfg.BodyFile != "" {
		raw, err := os.ReadFile(cfg.BodyFile)
		if err != nil {
			return compose.Template{}, fmt.Errorf("read template body: %w", err)
		}
		body = string(raw)
	}

	return compose.Template{
		Subject:     cfg.Subject,
		Body:        body,
		HTML:        cfg.HTML,
		Attachments: cfg.Attachments,
	}, nil
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
