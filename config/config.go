// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendFirestore = "firestore"
	BackendGCS       = "gcs"
	BackendMemory    = "memory"
)

// Config holds service settings.
type Config struct {
	Port               string
	StoreBackend       string
	ProjectID          string
	Bucket             string // GCS bucket for the gcs backend
	PubSubTopic        string
	PubSubSubscription string
	FirebaseCreds      string // credentials file; empty uses application default credentials
	AdminToken         string
	AnnounceCacheSize  int
	AnnounceCacheTTL   time.Duration
	RateLimitPerHour   int // device writes per client IP; 0 keeps the server default
	LogLevel           slog.Level
}

// Local reports whether the service runs without any cloud dependency.
func (c *Config) Local() bool {
	return c.ProjectID == ""
}

// UsePubSub reports whether dispatch messages go through Pub/Sub.
func (c *Config) UsePubSub() bool {
	return !c.Local() && c.PubSubTopic != ""
}

// Load reads settings. Without GOOGLE_CLOUD_PROJECT it falls back to local
// development mode: memory store, memory queue and mock push.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		ProjectID:          os.Getenv("GOOGLE_CLOUD_PROJECT"),
		Bucket:             os.Getenv("STORAGE_BUCKET"),
		PubSubTopic:        getEnv("PUBSUB_TOPIC", "dispatch"),
		PubSubSubscription: getEnv("PUBSUB_SUBSCRIPTION", "dispatch-worker"),
		FirebaseCreds:      os.Getenv("FIREBASE_CREDENTIALS"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		AnnounceCacheSize:  1024,
		AnnounceCacheTTL:   time.Minute,
	}

	defaultBackend := BackendFirestore
	if cfg.ProjectID == "" {
		defaultBackend = BackendMemory
	}
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", defaultBackend))

	var errs []error
	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendFirestore:
		if cfg.ProjectID == "" {
			errs = append(errs, errors.New("GOOGLE_CLOUD_PROJECT required for the firestore backend"))
		}
	case BackendGCS:
		if cfg.Bucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}

	if v := os.Getenv("ANNOUNCE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("invalid ANNOUNCE_CACHE_SIZE %q", v))
		} else {
			cfg.AnnounceCacheSize = n
		}
	}
	if v := os.Getenv("ANNOUNCE_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid ANNOUNCE_CACHE_TTL %q", v))
		} else {
			cfg.AnnounceCacheTTL = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_HOUR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_PER_HOUR %q", v))
		} else {
			cfg.RateLimitPerHour = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", v))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
