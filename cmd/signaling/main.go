package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/mossy-p/interview-signaling/config"
	"github.com/mossy-p/interview-signaling/internal/handlers"
	"github.com/mossy-p/interview-signaling/internal/matching"
	"github.com/mossy-p/interview-signaling/internal/redis"
	"github.com/mossy-p/interview-signaling/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Environment != "production" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var scorer matching.Scorer = matching.StaticScorer{Rating: 3, Text: "Scoring service not configured."}
	if cfg.Scorer.URL != "" {
		scorer = matching.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)
	}

	service := matching.NewService(st, scorer, clockwork.NewRealClock(), logger, cfg.Matching.SearchTimeout)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(cfg, service, logger)

	// Start server
	log.Printf("Starting interview signaling server on port %s (store: %s)", cfg.Port, cfg.StoreBackend)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// redisStore closes the client it was opened with.
type redisStore struct {
	*store.RedisStore
	close func() error
}

func (s redisStore) Close() error { return s.close() }

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.StoreBackend != "redis" {
		logger.Info("using in-memory store; state is lost on restart and not shared between instances")
		return store.NewMemoryStore(), nil
	}

	client, err := redis.Connect(context.Background(), cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.Info("Redis connection established", "host", cfg.Redis.Host, "prefix", cfg.Redis.KeyPrefix)
	return redisStore{RedisStore: store.NewRedisStore(client, cfg.Redis.KeyPrefix), close: client.Close}, nil
}
