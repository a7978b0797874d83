package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sdko-org/blog-api/internal/auth"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/database"
	"github.com/sdko-org/blog-api/internal/email"
	"github.com/sdko-org/blog-api/internal/handlers"
	"github.com/sdko-org/blog-api/internal/health"
	httpserver "github.com/sdko-org/blog-api/internal/http"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/metrics"
	"github.com/sdko-org/blog-api/internal/middleware"
	"github.com/sdko-org/blog-api/internal/oauth"
	"github.com/sdko-org/blog-api/internal/queue"
	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sdko-org/blog-api/internal/services"
	"github.com/sdko-org/blog-api/internal/storage"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	emailQueue    = "email"
	purgeInterval = 30 * time.Minute
)

// App owns every long-lived client. It is built once at startup and closed
// once on shutdown.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	DB      *gorm.DB
	Store   *kv.RedisStore
	Queue   *queue.Queue
	Storage *storage.S3Storage
	Sender  *email.SMTPSender
	Metrics *metrics.Metrics

	queueClient *redis.Client
}

func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	db, err := database.NewPostgresDB(logger, database.PostgresConfigFrom(cfg.Database))
	if err != nil {
		return nil, err
	}
	app.DB = db

	redisOpts := kv.OptionsFromConfig(cfg.Redis)
	store, err := kv.NewRedisStore(ctx, logger, redisOpts)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store

	// Blocking pops get their own connection pool.
	app.queueClient = kv.NewClient(redisOpts)
	app.Queue = queue.New(app.queueClient, logger, emailQueue, cfg.Redis.KeyPrefix)

	s3, err := storage.NewS3Storage(logger, cfg.S3)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Storage = s3
	app.Sender = email.NewSMTPSender(logger, cfg.SMTP)

	return app, nil
}

func (a *App) Handler() http.Handler {
	cfg, logger := a.Config, a.Logger

	repos := repository.New(a.DB, cfg.Database.StatementTimeout)
	c := cache.New(a.Store, logger, a.Metrics)
	tokens := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	svc := services.New(services.Deps{
		Logger:   logger,
		Config:   cfg,
		Repos:    repos,
		Store:    a.Store,
		Cache:    c,
		Tokens:   tokens,
		OAuth:    oauth.NewClient(logger, cfg.OAuth),
		Notifier: email.NewMailer(logger, a.Queue),
		Storage:  a.Storage,
	})

	limiterOpts := []ratelimit.Option{ratelimit.WithObserver(a.Metrics)}
	if !cfg.RateLimit.Atomic {
		limiterOpts = append(limiterOpts, ratelimit.WithMode(ratelimit.ModeTwoStep))
	}
	if cfg.RateLimit.FailOpen {
		limiterOpts = append(limiterOpts, ratelimit.WithFailPolicy(ratelimit.FailOpen))
	}

	var accessLogs middleware.Recorder
	if cfg.App.AccessLogPersist {
		accessLogs = repos.AccessLogs
	}

	return handlers.NewRouter(handlers.RouterDeps{
		Logger:        logger,
		Config:        cfg,
		Handler:       handlers.NewHandler(logger, cfg, svc, a.HealthChecker()),
		Authenticator: auth.NewSessionAuthenticator(logger, tokens, repos.Sessions, c),
		Limiter:       ratelimit.New(a.Store, logger, limiterOpts...),
		Metrics:       a.Metrics,
		AccessLogs:    accessLogs,
	})
}

func (a *App) HealthChecker() *health.Checker {
	checker := health.NewChecker(a.Logger, a.Config.App.Env)
	checker.Register("redis", a.Store.Ping)
	checker.Register("database", func(ctx context.Context) error { return database.Ping(ctx, a.DB) })
	checker.Register("s3", a.Storage.Ping)
	checker.Register("queue", a.Queue.Ping)
	checker.Register("smtp", a.Sender.Verify)
	checker.WithPoolStats(func() (database.PoolStats, error) { return database.Stats(a.DB) })
	return checker
}

func (a *App) HTTPServer() (*httpserver.Server, error) {
	return httpserver.New(a.Logger, a.Config.HTTP, a.Config.App.Port, a.Handler())
}

func (a *App) Worker() *queue.Worker {
	w := queue.NewWorker(a.Queue, a.Logger, a.Config.Worker.Concurrency, a.Metrics)
	email.NewProcessor(a.Logger, a.Sender, a.Config.Email.SendRate).Register(w)
	return w
}

func (a *App) Purger() *database.Purger {
	return database.NewPurger(a.Logger, a.DB, purgeInterval, a.Config.App.AccessLogRetention)
}

// Close releases clients in reverse order of construction.
func (a *App) Close() {
	log := a.Logger.WithField("component", "app")
	if a.queueClient != nil {
		if err := a.queueClient.Close(); err != nil {
			log.WithError(err).Warn("Failed to close queue connection")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close redis connection")
		}
	}
	if a.DB != nil {
		if err := database.Close(a.DB); err != nil {
			log.WithError(err).Warn("Failed to close database connection")
		}
	}
	log.Info("Clients closed")
}
