package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	ServerAddr          string
	LogLevel            string
	MaxParticipants     int
	AnnotationLimit     int
	ConflictStrategy    string
	SessionIdleTimeout  time.Duration
	CleanupInterval     time.Duration
	ShutdownGracePeriod time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	return &Config{
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		MaxParticipants:     parseInt(getenv("SESSION_MAX_PARTICIPANTS", "10"), 10),
		AnnotationLimit:     parseInt(getenv("SESSION_ANNOTATION_LIMIT", "50"), 50),
		ConflictStrategy:    getenv("CONFLICT_STRATEGY", "last_writer_wins"),
		SessionIdleTimeout:  parseDuration(getenv("SESSION_IDLE_TIMEOUT", "30m"), 30*time.Minute),
		CleanupInterval:     parseDuration(getenv("SESSION_CLEANUP_INTERVAL", "1m"), time.Minute),
		ShutdownGracePeriod: parseDuration(getenv("SHUTDOWN_GRACE_PERIOD", "10s"), 10*time.Second),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
