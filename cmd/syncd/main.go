package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bookingsync/internal/api"
	"bookingsync/internal/app"
	"bookingsync/internal/auth"
	"bookingsync/internal/config"
	"bookingsync/internal/database"
	"bookingsync/internal/events"
	"bookingsync/internal/metrics"
	"bookingsync/internal/notify"
	"bookingsync/internal/pipeline"
	"bookingsync/internal/queue"
	"bookingsync/internal/repository"
	"bookingsync/internal/upstream"
	"bookingsync/internal/worker"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $CONFIG_PATH or configs/config.yaml)")
	flag.Parse()

	if err := run(app.ConfigPath(*configPath)); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(configPath string) error {
	cfg, logger, closer, err := app.LoadConfigAndLogger(configPath, "syncd")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	clock := clockwork.NewRealClock()

	db, err := database.Open(ctx, cfg.Database, &logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient, err := app.InitRedis(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	secrets := app.NewSecretCache(cfg, redisClient, clock, &logger)
	credentials, err := app.NewCredentials(cfg, secrets, clock, &logger)
	if err != nil {
		return err
	}
	initCredentials(ctx, credentials, &logger)

	client, err := upstream.New(cfg.Upstream, credentials, &logger)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}

	syncWorker := worker.NewSyncWorker(client, db, worker.Options{
		LocalRetries: cfg.Worker.LocalRetries,
		LocalBackoff: cfg.Worker.LocalBackoff,
		Clock:        clock,
		Logger:       &logger,
	})

	bus := events.NewEventBus()
	initNotifier(cfg, bus, &logger)

	store, err := app.NewQueueStore(cfg, redisClient)
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == app.BackendMemory {
		logger.Warn().Msg("memory queue backend: queued jobs are lost on restart")
	}
	jobs := queue.New(store, syncWorker, app.QueueOptions(cfg, clock, bus, &logger))

	pipe, err := pipeline.New(pipeline.Deps{
		Queue:       jobs,
		Bus:         bus,
		Mode:        cfg.Webhook.Mode,
		QuietPeriod: cfg.Webhook.QuietPeriod,
		Clock:       clock,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}

	httpServer, err := api.NewServer(cfg.API, api.Deps{
		Events:      pipe,
		Pending:     pipe,
		Resync:      pipe,
		Queue:       jobs,
		Credentials: credentials,
		Upstream:    client,
		Bookings:    db,
		Clock:       clock,
	}, &logger)
	if err != nil {
		return err
	}

	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var wg sync.WaitGroup
	startBackground(bgCtx, &wg, cfg, db, &logger)

	err = serve(ctx, cfg, httpServer, pipe, &logger)
	stopBackground()
	wg.Wait()
	return err
}

// initCredentials loads or provisions the write credential. Reads work
// without it, so a failure here only degrades writes.
func initCredentials(ctx context.Context, credentials *auth.Manager, logger *zerolog.Logger) {
	err := credentials.Init(ctx)
	switch {
	case err == nil:
		logger.Info().Str("state", string(credentials.State())).Msg("upstream credentials ready")
	case errors.Is(err, auth.ErrNotConfigured):
		logger.Warn().Msg("no refresh secret cached and provisioning disabled, upstream writes are unavailable")
	default:
		logger.Error().Err(err).Msg("upstream credential init failed, upstream writes are unavailable")
	}
}

func initNotifier(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	if !cfg.Notify.Telegram.Enabled {
		return
	}
	bot, err := notify.NewBotSender(cfg.Notify.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without dead letter alerts")
		return
	}
	notify.NewTelegramNotifier(bot, cfg.Notify.Telegram.ChatID, logger).Subscribe(bus)
	logger.Info().Int64("chat_id", cfg.Notify.Telegram.ChatID).Msg("dead letter alerts enabled")
}

func startBackground(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, db *database.DB, logger *zerolog.Logger) {
	if cfg.Backup.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			database.NewBackupService(db, cfg.Backup, logger).Run(ctx)
		}()
	}

	if cfg.Monitoring.PrometheusEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
		}()
	}
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	httpServer *api.Server,
	pipe *pipeline.Pipeline,
	logger *zerolog.Logger,
) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start()
	}()

	logger.Info().
		Int("http_port", cfg.API.HTTP.Port).
		Str("webhook_mode", cfg.Webhook.Mode).
		Str("queue_backend", cfg.Queue.Backend).
		Msg("sync service started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.HTTP.ShutdownTimeout)
	defer cancel()

	// Stop intake first so every accepted webhook reaches the queue.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pipeline shutdown")
	}

	logger.Info().Msg("sync service stopped")
	return runErr
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	logger.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
