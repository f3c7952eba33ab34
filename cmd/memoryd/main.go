package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/app"
	"github.com/nidhogg/nuka-memory/internal/config"
)

const purgeInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/memory.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build memory engine", zap.Error(err))
	}
	defer a.Close()

	if err := a.Manager.LoadMemories(ctx, "", ""); err != nil {
		logger.Fatal("failed to load long-term memory", zap.Error(err))
	}

	handler := api.NewHandler(a.Manager, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("memory service listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan struct{})
	go purgeLoop(a, logger, stop)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down memory service...")
	close(stop)
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := a.Manager.SaveMemories(shutdownCtx, "", ""); err != nil {
		logger.Error("failed to save long-term memory", zap.Error(err))
	}
	logger.Info("memory service stopped")
}

func purgeLoop(a *app.App, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := a.Purge(context.Background()); err != nil {
				logger.Warn("purge expired sessions", zap.Error(err))
			}
		}
	}
}

func newLogger(level string) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
