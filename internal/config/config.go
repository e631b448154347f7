// Package config reads the engine's settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is everything the process needs to run. REDIS_URL is the only
// required setting; the durable stores fall back to in-memory stand-ins
// for local development.
type Config struct {
	Port string

	RedisURL       string
	CommandStream  string
	ResponseStream string
	Group          string
	Consumer       string

	DatabaseURL string

	MongoURL        string
	MongoDatabase   string
	MongoCollection string

	SnapshotEvery time.Duration
	StreamMaxLen  int64
}

// Load reads the environment, applying defaults for everything optional.
func Load() Config {
	return Config{
		Port: getenv("PORT", "8080"),

		RedisURL:       os.Getenv("REDIS_URL"),
		CommandStream:  getenv("COMMAND_STREAM", "stream:app:info"),
		ResponseStream: getenv("RESPONSE_STREAM", "stream:engine:response"),
		Group:          getenv("CONSUMER_GROUP", "group-1"),
		Consumer:       getenv("CONSUMER_NAME", "consumer-1"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		MongoURL:        os.Getenv("MONGO_URL"),
		MongoDatabase:   getenv("MONGO_DB", "opex-snapshot"),
		MongoCollection: getenv("MONGO_COLLECTION", "engine_backup"),

		SnapshotEvery: getdur("SNAPSHOT_INTERVAL", 5*time.Second),
		StreamMaxLen:  getint64("STREAM_MAX_LEN", 10_000),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
