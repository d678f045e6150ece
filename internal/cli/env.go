package cli

import (
	"context"
	"errors"
	"fmt"

	"bookingsync/internal/app"
	"bookingsync/internal/auth"
	"bookingsync/internal/config"
	"bookingsync/internal/database"
	"bookingsync/internal/domain"
	"bookingsync/internal/notify"
	"bookingsync/internal/pipeline"
	"bookingsync/internal/queue"
	"bookingsync/internal/repository"
	"bookingsync/internal/upstream"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var errNeedsRedis = errors.New("syncctl works on the shared redis queue; set queue.backend to redis")

// env is everything a command may touch. It is opened once per invocation.
type env struct {
	cfg         *config.Config
	logger      zerolog.Logger
	clock       clockwork.Clock
	queue       *queue.Queue
	pipeline    *pipeline.Pipeline
	bookings    *database.DB
	secrets     domain.SecretCache
	credentials *auth.Manager
	authClient  *upstream.AuthClient
	upstream    *upstream.Client
	telegram    func() (domain.TelegramSender, error)
	closers     []func() error
}

type envOpener func(ctx context.Context, configPath string) (*env, error)

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	e.closers = nil
}

// openEnv connects to the same redis queue and mirror database as the
// running service. Nothing is started: commands act on stored state only.
func openEnv(ctx context.Context, configPath string) (_ *env, err error) {
	cfg, logger, closer, err := app.LoadConfigAndLogger(configPath, "syncctl")
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, clock: clockwork.NewRealClock()}
	if closer != nil {
		e.closers = append(e.closers, closer.Close)
	}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if cfg.Queue.Backend != app.BackendRedis {
		return nil, errNeedsRedis
	}
	rdb, err := app.InitRedis(ctx, cfg, &e.logger)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error { return repository.Close(rdb) })

	e.bookings, err = database.Open(ctx, cfg.Database, &e.logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e.closers = append(e.closers, e.bookings.Close)

	store, err := app.NewQueueStore(cfg, rdb)
	if err != nil {
		return nil, err
	}
	e.queue = queue.New(store, nil, app.QueueOptions(cfg, e.clock, nil, &e.logger))
	e.pipeline, err = pipeline.New(pipeline.Deps{
		Queue:       e.queue,
		Mode:        cfg.Webhook.Mode,
		QuietPeriod: cfg.Webhook.QuietPeriod,
		Clock:       e.clock,
		Logger:      &e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.secrets = app.NewSecretCache(cfg, rdb, e.clock, &e.logger)
	e.credentials, err = app.NewCredentials(cfg, e.secrets, e.clock, &e.logger)
	if err != nil {
		return nil, err
	}
	e.authClient, err = upstream.NewAuthClient(cfg.Upstream, &e.logger)
	if err != nil {
		return nil, fmt.Errorf("upstream auth client: %w", err)
	}
	e.upstream, err = upstream.New(cfg.Upstream, e.credentials, &e.logger)
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	e.telegram = func() (domain.TelegramSender, error) {
		if cfg.Notify.Telegram.BotToken == "" || cfg.Notify.Telegram.ChatID == 0 {
			return nil, errors.New("notify.telegram bot_token and chat_id are required")
		}
		return notify.NewBotSender(cfg.Notify.Telegram.BotToken)
	}
	return e, nil
}
