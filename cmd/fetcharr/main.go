package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/provider"
	"github.com/fetcharr/fetcharr/internal/provider/direct"
	"github.com/fetcharr/fetcharr/internal/provider/mock"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/scheduler/tasks"
	"github.com/fetcharr/fetcharr/internal/tracker"
	"github.com/fetcharr/fetcharr/internal/websocket"
)

func main() {
	// Optional .env for local development; real deployments use the config
	// file or FETCHARR_* environment variables.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("logLevel", cfg.Logging.Level).
		Bool("developerMode", cfg.DeveloperMode).
		Msg("starting fetcharr")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	store := database.NewStore(db.Conn())

	hub := websocket.NewHub()
	go hub.Run()

	var (
		resolver provider.Resolver
		fetcher  provider.Fetcher
		catalog  provider.Catalog
	)
	if cfg.DeveloperMode {
		log.Warn().Msg("developer mode enabled, using mock providers")
		resolver = mock.NewResolver()
		fetcher = mock.NewFetcher()
		catalog = mock.NewCatalog()
	} else {
		client := direct.New()
		resolver = client
		fetcher = client
		catalog = client
	}

	queueService := queue.NewService(store, hub, log.Logger)
	if err := queueService.Restore(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to restore queue state")
	}

	trackerService := tracker.NewService(store, catalog, queueService, hub, log.Logger)
	if err := trackerService.Restore(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to restore trackers")
	}

	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()

	pool := queue.NewPool(queueService, resolver, fetcher, queue.PoolConfig{
		Workers:        cfg.Download.Workers,
		DownloadDir:    cfg.Download.Path,
		AttemptTimeout: cfg.Download.AttemptTimeout,
	}, log.Logger)
	pool.Start(poolCtx)

	broadcaster := queue.NewStateBroadcaster(queueService, hub, log.Logger)
	broadcaster.Start()

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := tasks.RegisterTrackerScan(sched, trackerService, cfg.Scan.Cron); err != nil {
		log.Fatal().Err(err).Msg("failed to register tracker scan task")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	server := api.NewServer(cfg, hub, queueService, broadcaster, trackerService, sched, log.Logger)

	go func() {
		addr := cfg.Server.Address()
		if err := server.Start(addr); err != nil {
			log.Info().Msg("server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	broadcaster.Stop()
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}

	// Unblock in-flight attempts, then wait for the slots to drain.
	poolCancel()
	pool.Stop()

	log.Info().Msg("fetcharr stopped")
}
