// Package config centralizes the environment variables from spec.md §6.
// It follows the teacher's style (cmd/server/main.go's env() helper) rather
// than pulling in a config library: there is no nested structure or file
// format to parse, just a flat set of env vars with defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StoragePostgres StorageDriver = "postgres"
)

type Config struct {
	BaseURL           string
	DatabaseURL       string
	RedisURL          string
	NatsURL           string
	StorageDriver     StorageDriver
	RateLimitDisabled bool
	JWTPublicKey      string
	JWTHS256Secret    string
	HTTPAddr          string

	// Hub tuning, not in spec.md's env list but required to make the
	// defaults in §4.F/§5 configurable for tests. OutboundQueueSize and
	// SlowConsumerDrops are not read anywhere: the hub uses its own fixed
	// constants for both.
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HandshakeTimeout   time.Duration
	OutboundQueueSize  int
	SlowConsumerDrops  int
	DrainTimeout       time.Duration
	ReplayBatchSize    int
	ResumeTTL          time.Duration
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads configuration from the environment, applying the defaults
// spec.md specifies (heartbeat 25s/55s, handshake 10s, outbound queue 1024,
// slow-consumer threshold 16, drain 5s, replay batch 200, resume TTL 7d).
func Load() Config {
	return Config{
		BaseURL:           env("BASE_URL", "http://localhost:8080"),
		DatabaseURL:       env("DATABASE_URL", ""),
		RedisURL:          env("REDIS_URL", ""),
		NatsURL:           env("NATS_URL", "nats://127.0.0.1:4222"),
		StorageDriver:     StorageDriver(env("STORAGE_DRIVER", "memory")),
		RateLimitDisabled: envBool("RATE_LIMIT_DISABLED", false),
		JWTPublicKey:      env("JWT_PUBLIC_KEY", ""),
		JWTHS256Secret:    env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		HTTPAddr:          env("HTTP_ADDR", ":8080"),

		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  55 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		OutboundQueueSize: 1024,
		SlowConsumerDrops: 16,
		DrainTimeout:      5 * time.Second,
		ReplayBatchSize:   200,
		ResumeTTL:         7 * 24 * time.Hour,
	}
}
