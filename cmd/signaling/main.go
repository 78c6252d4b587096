package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peerlink/config"
	"github.com/mossy-p/peerlink/internal/handlers"
	"github.com/mossy-p/peerlink/internal/presence"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if cfg.Environment == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	// Presence lives in Redis unless no host is configured.
	var store presence.Store
	if cfg.Redis.Host == "" {
		log.Println("REDIS_HOST is empty, keeping presence in memory")
		store = presence.NewMemoryStore()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisStore, err := presence.Connect(ctx, cfg.Redis)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		log.Println("Redis connection established")
		store = redisStore
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := handlers.NewHub(store, logger)
	router := handlers.NewRouter(cfg, hub, store)

	// Start server
	log.Printf("Starting peerlink relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
