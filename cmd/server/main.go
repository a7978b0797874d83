// Command server runs the blog API.
//
// Usage:
//
//	server serve
//	server worker
//	server migrate
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/database"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the HTTP API (default)."`
	Worker  WorkerCmd  `cmd:"" help:"Process background email jobs."`
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations and exit."`

	LogLevel string `help:"Override LOG_LEVEL." env:"LOG_LEVEL"`
}

type ServeCmd struct {
	Migrate bool `help:"Run database migrations before serving." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if c.Migrate {
		if err := database.Migrate(app.DB); err != nil {
			return err
		}
	}

	srv, err := app.HTTPServer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		app.Purger().Start(gctx)
		return nil
	})
	if cfg.Worker.InProcess {
		worker := app.Worker()
		g.Go(func() error { return worker.Run(gctx) })
	}
	return g.Wait()
}

type WorkerCmd struct{}

func (c *WorkerCmd) Run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Worker().Run(ctx)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(cfg *config.Config, logger *logrus.Logger) error {
	db, err := database.NewPostgresDB(logger, database.PostgresConfigFrom(cfg.Database))
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		return err
	}
	logger.WithField("component", "migrate").Info("Database migrations applied")
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("server"),
		kong.Description("Blog API server"),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cli.LogLevel != "" {
		cfg.App.LogLevel = cli.LogLevel
	}
	logger := logging.New(cfg)

	err = kctx.Run(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Command failed")
	}
	kctx.FatalIfErrorf(err)
}
