package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-driven settings.
type Config struct {
	StoreDriver    string
	DBPath         string
	PGDSN          string
	MongoURI       string
	MongoDB        string
	SourcesFile    string
	RenamesFile    string
	HTTPPort       string
	ShutdownGrace  time.Duration
	TickTimeout    time.Duration
	StoreRetryMax  int
	StoreRetryBase time.Duration
	LogLevel       string
	LogFormat      string
	LogFile        string
	KafkaBrokers   []string
	KafkaTopic     string
	WatchSources   bool
	AlertURL       string
	AlertBotID     string
	AlertCooldown  time.Duration
	Environment    string
}

// Load reads configuration from environment and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		StoreDriver:    strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
		DBPath:         getenv("DB_PATH", "./gridingest.db"),
		PGDSN:          getenv("PG_DSN", ""),
		MongoURI:       getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:        getenv("MONGO_DB", "gridingest"),
		SourcesFile:    getenv("SOURCES_FILE", "./sources.yaml"),
		RenamesFile:    getenv("RENAMES_FILE", ""),
		HTTPPort:       getenv("HTTP_PORT", "8080"),
		ShutdownGrace:  getenvDuration("SHUTDOWN_GRACE", 30*time.Second),
		TickTimeout:    getenvDuration("TICK_TIMEOUT", 10*time.Minute),
		StoreRetryMax:  clampInt(getenvInt("STORE_RETRY_MAX", 3), 1, 10),
		StoreRetryBase: getenvDuration("STORE_RETRY_BASE", 200*time.Millisecond),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "text"),
		LogFile:        getenv("LOG_FILE", ""),
		KafkaBrokers:   splitList(getenv("KAFKA_BROKERS", "")),
		KafkaTopic:     getenv("KAFKA_TOPIC", "gridingest.changes"),
		WatchSources:   getenvBool("WATCH_SOURCES", true),
		AlertURL:       getenv("ALERT_WEBHOOK_URL", ""),
		AlertBotID:     getenv("ALERT_BOT_ID", ""),
		AlertCooldown:  getenvDuration("ALERT_COOLDOWN", 15*time.Minute),
		Environment:    getenv("ENVIRONMENT", "local"),
	}
	cfg.HTTPPort = strings.TrimPrefix(cfg.HTTPPort, ":")

	switch cfg.StoreDriver {
	case "sqlite", "mongo":
	case "postgres":
		if cfg.PGDSN == "" {
			return cfg, fmt.Errorf("STORE_DRIVER=postgres requires PG_DSN")
		}
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.ShutdownGrace <= 0 {
		return cfg, fmt.Errorf("SHUTDOWN_GRACE must be positive")
	}
	return cfg, nil
}

// LogValue keeps secrets out of startup logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("store", c.StoreDriver),
		slog.String("db", c.DBPath),
		slog.String("sources", c.SourcesFile),
		slog.String("port", c.HTTPPort),
		slog.Duration("grace", c.ShutdownGrace),
		slog.Bool("kafka", len(c.KafkaBrokers) > 0),
		slog.Bool("alerts", c.AlertURL != ""),
		slog.String("env", c.Environment),
	)
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go durations ("90s") or bare seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
