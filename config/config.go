package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	StoreBackend   string
	Redis          RedisConfig
	Matching       MatchingConfig
	Scorer         ScorerConfig
}

type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
}

// MatchingConfig bounds how long participants wait in the queue.
type MatchingConfig struct {
	SearchTimeout time.Duration
}

// ScorerConfig points at the external answer-scoring collaborator. An
// empty URL selects the built-in static scorer.
type ScorerConfig struct {
	URL     string
	Timeout time.Duration
}

// ClientConfig holds the knobs shared by peer processes.
type ClientConfig struct {
	ServerURL       string
	PollInterval    time.Duration
	SearchTimeout   time.Duration
	MaxPollFailures int
	MaxSendRetries  int
	STUNServers     []string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		StoreBackend:   getEnv("STORE_BACKEND", "memory"),
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "interview:"),
		},
		Matching: MatchingConfig{
			SearchTimeout: getEnvDuration("SEARCH_TIMEOUT", 60*time.Second),
		},
		Scorer: ScorerConfig{
			URL:     getEnv("SCORER_URL", ""),
			Timeout: getEnvDuration("SCORER_TIMEOUT", 20*time.Second),
		},
	}
}

// LoadClient reads peer-side settings. Flags in cmd/mockpeer override them.
func LoadClient() *ClientConfig {
	stun := getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302")
	var servers []string
	for _, s := range strings.Split(stun, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}

	return &ClientConfig{
		ServerURL:       getEnv("SIGNALING_URL", "http://localhost:8080"),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
		SearchTimeout:   getEnvDuration("SEARCH_TIMEOUT", 60*time.Second),
		MaxPollFailures: getEnvInt("MAX_POLL_FAILURES", 5),
		MaxSendRetries:  getEnvInt("MAX_SEND_RETRIES", 3),
		STUNServers:     servers,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
