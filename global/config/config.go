package config

import (
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig is the full service configuration, loaded once from the
// environment with the CHAT_ prefix (CHAT_HTTP_ADDR, CHAT_MONGO_URI, ...).
type AppConfig struct {
	NodeID   int64  `envconfig:"NODE_ID" default:"1"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	JWTSecret string `envconfig:"JWT_SECRET" default:"dev-only-secret-change-me"`

	// Empty Mongo URI selects the in-memory store (local dev).
	MongoURI      string        `envconfig:"MONGO_URI" default:""`
	MongoDatabase string        `envconfig:"MONGO_DB" default:"studio_chat"`
	MongoTimeout  time.Duration `envconfig:"MONGO_TIMEOUT" default:"10s"`

	// Optional: empty addr/url disables the integration.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	NatsURL       string `envconfig:"NATS_URL" default:""`

	// Room tuning.
	HistoryLimit  int           `envconfig:"HISTORY_LIMIT" default:"50"`
	SendQueueSize int           `envconfig:"SEND_QUEUE_SIZE" default:"64"`
	IdleGrace     time.Duration `envconfig:"IDLE_GRACE" default:"60s"`
	StoreTimeout  time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
}

var (
	global   AppConfig
	loadOnce sync.Once
	loadErr  error
)

// Load reads the configuration from the environment. Safe to call more
// than once; only the first call parses.
func Load() (*AppConfig, error) {
	loadOnce.Do(func() {
		loadErr = envconfig.Process("CHAT", &global)
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return &global, nil
}
