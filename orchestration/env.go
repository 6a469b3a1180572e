package orchestration

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
)

// getRedisURLWithFallback resolves the Redis URL from the explicit value,
// then REDIS_URL, then the local default. Stores accept "" so deployments
// can configure everything through the environment.
func getRedisURLWithFallback(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("REDIS_URL"); env != "" {
		return env
	}
	return "redis://localhost:6379"
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// dialRedis opens and pings a Redis client on the given logical database.
// It accepts both URL form (redis://host:port) and a plain host:port
// address. The db argument overrides any database in the URL so each
// service lands on its allocated database (see core.RedisDB* constants).
func dialRedis(redisURL string, db int, logger core.Logger) (*redis.Client, error) {
	redisURL = getRedisURLWithFallback(redisURL)

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		// Plain host:port addresses are accepted for convenience.
		opt = &redis.Options{Addr: redisURL}
	}
	opt.DB = db

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s (db %d) failed: %w (is Redis running? set REDIS_URL to point at it): %w",
			opt.Addr, db, err, core.ErrConnectionFailed)
	}

	if logger != nil {
		logger.Debug("Connected to Redis", map[string]interface{}{
			"operation": "redis_connect",
			"addr":      opt.Addr,
			"db":        db,
			"db_name":   core.GetRedisDBName(db),
		})
	}
	return client, nil
}
