// Package main contains the entrypoint for the chat bridge service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgard/chatbridge/internal/auth"
	"github.com/edgard/chatbridge/internal/bridge"
	"github.com/edgard/chatbridge/internal/chatapi"
	"github.com/edgard/chatbridge/internal/config"
	"github.com/edgard/chatbridge/internal/database"
	"github.com/edgard/chatbridge/internal/dispatch"
	"github.com/edgard/chatbridge/internal/logger"
	"github.com/edgard/chatbridge/internal/media"
	"github.com/edgard/chatbridge/internal/schedule"
	"github.com/edgard/chatbridge/internal/server"
	"github.com/edgard/chatbridge/internal/session"
	"github.com/edgard/chatbridge/internal/tasks"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger,
// journal database, clients, state machine, scheduler, webhook server),
// handles graceful shutdown, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open journal database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	scheduler, err := schedule.New(log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	apiClient := chatapi.NewClient(cfg.ChatAPI.BaseURL, cfg.ChatAPI.Token, cfg.ChatAPI.Timeout, log)
	images := media.NewClient(cfg.Media.ImageURL, cfg.Media.Timeout)
	dispatcher := dispatch.New(apiClient, scheduler, cfg.ChatAPI.Timeout, log)
	engine := session.NewEngine(apiClient, dispatcher, images, store, cfg.Menu, log)

	checker := auth.NewTokeninfoChecker(cfg.Auth.TokeninfoURL, cfg.Auth.Timeout)
	verifier := auth.NewVerifier(auth.NewCache(), checker, log)
	if cfg.Auth.ExpectedServiceAccount == "" {
		log.Warn("No expected service account configured, push deliveries will not be authenticated")
	}

	srv := server.New(cfg.Server, cfg.Auth.ExpectedServiceAccount, verifier, engine, log)

	maintenance := tasks.NewJournalMaintenanceTask(
		tasks.TaskDeps{Logger: log, Store: store},
		cfg.Maintenance.Retention,
	)
	if err := scheduler.Cron(cfg.Maintenance.Schedule, "journal_maintenance", maintenance); err != nil {
		log.Error("Failed to schedule journal maintenance", "error", err)
		return 1
	}

	app := bridge.New(log, srv, scheduler)

	log.Info("Starting chat bridge...")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bridge stopped due to error", "error", runErr)
		return 1
	}

	log.Info("Bridge stopped gracefully.")
	return 0
}
