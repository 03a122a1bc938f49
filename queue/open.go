package queue

import (
	"errors"
	"fmt"

	"deepchat/config"

	"github.com/go-redis/redis/v8"
)

func Open(cfg *config.AppConfig, rdb *redis.Client) (Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return NewMemoryQueue(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("queue: redis driver needs a redis client")
		}
		return NewRedisQueue(rdb, cfg.Redis.Prefix, cfg.Queue.ItemTTL), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Queue.Driver)
	}
}
