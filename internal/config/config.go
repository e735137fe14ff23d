package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/thrillee/smsrouter/internal/backend"
)

// Config holds the overall application configuration.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	LogLevel    string `envconfig:"LOG_LEVEL"    default:"info"`

	HttpConfig     HttpConfig
	RouterConfig   RouterConfig
	DeliveryConfig DeliveryConfig
	SweepConfig    SweepConfig
	BreakerConfig  BreakerConfig
	RedisConfig    RedisConfig
	TextItConfig   TextItConfig

	AlertRecipient string `envconfig:"ALERT_RECIPIENT" default:"ops"`
}

type HttpConfig struct {
	Addr         string        `json:"addr"          envconfig:"HTTP_ADDR"          default:"0.0.0.0:8000"`
	ReadTimeout  time.Duration `json:"read_timeout"  envconfig:"HTTP_READ_TIMEOUT"  default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `json:"idle_timeout"  envconfig:"HTTP_IDLE_TIMEOUT"  default:"60s"`
}

// RouterConfig covers the application pipeline and the remote gateway.
type RouterConfig struct {
	URL          backend.RouterURL `envconfig:"ROUTER_URL"`
	URLParams    map[string]string `envconfig:"ROUTER_URL_PARAMS"`
	Method       string            `envconfig:"ROUTER_METHOD"        default:"GET"`
	Timeout      time.Duration     `envconfig:"ROUTER_TIMEOUT"       default:"15s"`
	Password     string            `envconfig:"ROUTER_PASSWORD"`
	PasswordHash string            `envconfig:"ROUTER_PASSWORD_HASH"`
	Apps         []string          `envconfig:"ROUTER_APPS"`
	Blacklist    []string          `envconfig:"ROUTER_BLACKLIST"`
	Debug        bool              `envconfig:"ROUTER_DEBUG"         default:"false"`
}

// DeliveryConfig sizes the delivery worker pool.
type DeliveryConfig struct {
	MaxWorkers    int           `envconfig:"DELIVERY_MAX_WORKERS"     default:"5"`
	RetryLimit    int           `envconfig:"DELIVERY_RETRY_LIMIT"     default:"3"`
	SuspendPoll   time.Duration `envconfig:"DELIVERY_SUSPEND_POLL"    default:"500ms"`
	IdlePoll      time.Duration `envconfig:"DELIVERY_IDLE_POLL"       default:"5s"`
	DeferDelay    time.Duration `envconfig:"DELIVERY_DEFER_DELAY"     default:"2s"`
	SendLockTTL   time.Duration `envconfig:"DELIVERY_SEND_LOCK_TTL"   default:"60s"`
	RatePerSecond float64       `envconfig:"DELIVERY_RATE_PER_SECOND" default:"0"`
	RateBurst     int           `envconfig:"DELIVERY_RATE_BURST"      default:"10"`
}

type SweepConfig struct {
	Interval    time.Duration `envconfig:"SWEEP_INTERVAL"     default:"1m"`
	StaleAfter  time.Duration `envconfig:"SWEEP_STALE_AFTER"  default:"5m"`
	LockTimeout time.Duration `envconfig:"SWEEP_LOCK_TIMEOUT" default:"10m"`
	BatchSize   int           `envconfig:"SWEEP_BATCH_SIZE"   default:"500"`
	LockTTL     time.Duration `envconfig:"SWEEP_LOCK_TTL"     default:"5m"`
}

type BreakerConfig struct {
	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	SuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"1"`
	OpenTimeout      time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT"      default:"30s"`
}

// RedisConfig is optional; without an address locks are process local.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type TextItConfig struct {
	SendURL string `envconfig:"TEXTIT_SEND_URL" default:"https://api.textit.in/api/v1/sms.json"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	log.Println("Loading configuration from environment variables...")

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, skipping: %v", err)
	} else {
		log.Println(".env loaded")
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Printf("Configuration loaded successfully (HTTP Addr: %s, store: %s)", cfg.HttpConfig.Addr, cfg.StoreDriver)
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return errors.New("STORE_DRIVER must be 'postgres' or 'memory'")
	}

	c.RouterConfig.Method = strings.ToUpper(c.RouterConfig.Method)
	if c.RouterConfig.Method != "GET" && c.RouterConfig.Method != "POST" {
		return errors.New("ROUTER_METHOD must be GET or POST")
	}
	if c.DeliveryConfig.MaxWorkers < 1 {
		return errors.New("DELIVERY_MAX_WORKERS must be at least 1")
	}
	if c.DeliveryConfig.RetryLimit < 1 {
		return errors.New("DELIVERY_RETRY_LIMIT must be at least 1")
	}
	if c.SweepConfig.BatchSize < 1 {
		return errors.New("SWEEP_BATCH_SIZE must be at least 1")
	}
	return nil
}
