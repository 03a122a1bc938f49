// Package app wires configuration into the stores, queue, upstream clients
// and services shared by the HTTP server and the standalone worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"deepchat/config"
	"deepchat/queue"
	"deepchat/services"
	"deepchat/store"
	"deepchat/upstream"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type App struct {
	Config *config.AppConfig
	Logger *zap.Logger
	Store  store.Store
	Queue  queue.Queue
	Chat   *services.ChatService
	Worker *services.QueueWorker
	Probe  *services.ProbeService

	redis *redis.Client
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.Store.Driver == "redis" || cfg.Queue.Driver == "redis" {
		rdb, err := store.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
	}

	st, err := store.Open(ctx, cfg, a.redis, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	q, err := queue.Open(cfg, a.redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.Queue = q

	var chatters []upstream.Chatter
	var completers []upstream.Completer
	for _, ep := range []config.EndpointConfig{cfg.Upstream.Primary, cfg.Upstream.Fallback} {
		if !ep.Enabled() {
			logger.Warn("upstream endpoint disabled", zap.String("endpoint", ep.Name))
			continue
		}
		client := upstream.New(ep, logger.Named("upstream"))
		chatters = append(chatters, client)
		completers = append(completers, client)
	}
	if len(chatters) == 0 {
		logger.Warn("no upstream endpoint configured, every completion will fail")
	}

	a.Chat = services.NewChatService(cfg, st, q, services.NewFailover(logger, chatters...), logger)
	a.Worker = services.NewQueueWorker(a.Chat, cfg.Worker.IdleInterval, logger.Named("worker"))
	a.Probe = services.NewProbeService(logger, completers...)
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
