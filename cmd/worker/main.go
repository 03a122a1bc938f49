// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deepchat/app"
	"deepchat/config"
	"deepchat/logging"

	"go.uber.org/zap"
)

func main() {
	path := os.Getenv("DEEPCHAT_CONFIG")
	if path == "" {
		path = "config/config.yml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Queue.Driver == "memory" {
		logger.Fatal("the standalone worker needs a shared queue, set queue.driver to redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 数回リトライを試みる
	var a *app.App
	for i := 0; i < 3; i++ {
		a, err = app.New(ctx, cfg, logger)
		if err == nil {
			break
		}
		logger.Warn("worker setup failed", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		logger.Fatal("worker setup failed after retries", zap.Error(err))
	}
	defer a.Close()

	a.Worker.Run(ctx)
}
