package store

import (
	"context"
	"errors"
	"fmt"

	"deepchat/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Open builds the store named by cfg.Store.Driver. rdb is only required for
// the redis driver and stays owned by the caller.
func Open(ctx context.Context, cfg *config.AppConfig, rdb *redis.Client, logger *zap.Logger) (Store, error) {
	driver := cfg.Store.Driver
	logger.Info("opening store", zap.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("store: redis driver needs a redis client")
		}
		return NewRedisStore(rdb, cfg.Redis.Prefix), nil
	case "dynamodb":
		client, err := NewDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		s := NewDynamoStore(client, cfg.DynamoDB)
		if cfg.DynamoDB.CreateTables {
			if err := s.EnsureTables(ctx); err != nil {
				return nil, err
			}
		}
		return s, nil
	case DriverPostgres, DriverSQLite:
		return OpenSQL(ctx, driver, cfg.SQL)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
