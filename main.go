package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/room4-2/live-relay/config"
	"github.com/room4-2/live-relay/gemini"
	"github.com/room4-2/live-relay/server"
	"github.com/room4-2/live-relay/session"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := newLogger(cfg)

	// Redis only mirrors the registry, the relay runs fine without it
	redisClient, err := session.ConnectRedis(context.Background(), cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		log.WithError(err).Warn("⚠️ Redis unavailable, session mirror disabled")
	} else if redisClient != nil {
		log.Infof("📦 Mirroring sessions to Redis at %s", cfg.RedisURL)
	}

	registry := session.NewRegistry(session.RegistryOptions{
		MaxSessions: cfg.MaxSessions,
		Redis:       redisClient,
		SessionTTL:  cfg.SessionTTL,
		Logger:      log,
	})

	factory := session.NewGeminiFactory(gemini.Options{
		APIKey:       cfg.GeminiAPIKey,
		Endpoint:     cfg.GeminiEndpoint,
		Model:        cfg.GeminiModel,
		WriteTimeout: cfg.WriteTimeout,
	})

	srv := server.NewServer(cfg, registry, factory, log)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Info("Server stopped")
}
