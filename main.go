package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"deepchat/app"
	"deepchat/config"
	"deepchat/logging"
	"deepchat/routes"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func configPath() string {
	if p := os.Getenv("DEEPCHAT_CONFIG"); p != "" {
		return p
	}
	return "config/config.yml"
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(cfg.Server.Mode)
	router := routes.SetupRouter(routes.Deps{
		Config: cfg,
		Chat:   a.Chat,
		Worker: a.Worker,
		Probe:  a.Probe,
		Logger: logger.Named("http"),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("chat_mode", cfg.Chat.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := a.Worker.Wait(shutdownCtx); err != nil {
		logger.Warn("background queue items still running", zap.Error(err))
	}
	return nil
}
