package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultURL       = "https://tokenr.co/api/v1/track"
	DefaultTimeout   = 2 * time.Second
	DefaultQueueSize = 1000
)

// SDK holds client settings sourced from the environment.
type SDK struct {
	Token   string
	URL     string
	AgentID string
	Tags    map[string]string

	Enabled bool
	Debug   bool

	Timeout   time.Duration
	QueueSize int
	RateLimit float64 // events per second, 0 = unlimited
}

// Defaults returns the settings used when neither the environment nor options say otherwise.
func Defaults() *SDK {
	return &SDK{
		URL:       DefaultURL,
		Enabled:   true,
		Timeout:   DefaultTimeout,
		QueueSize: DefaultQueueSize,
	}
}

// FromEnv overlays TOKENR_* variables on the defaults. Malformed values are
// skipped and reported together; every well-formed value is still applied.
func FromEnv() (*SDK, error) {
	cfg := Defaults()
	var errs []error

	cfg.Token = os.Getenv("TOKENR_TOKEN")
	if url := os.Getenv("TOKENR_URL"); url != "" {
		cfg.URL = url
	}
	cfg.AgentID = os.Getenv("TOKENR_AGENT_ID")

	if raw := os.Getenv("TOKENR_TAGS"); raw != "" {
		tags, err := ParseTags(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid TOKENR_TAGS: %w", err))
		}
		cfg.Tags = tags
	}

	if raw, ok := os.LookupEnv("TOKENR_ENABLED"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid TOKENR_ENABLED: %w", err))
		} else {
			cfg.Enabled = v
		}
	}
	if raw, ok := os.LookupEnv("TOKENR_DEBUG"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid TOKENR_DEBUG: %w", err))
		} else {
			cfg.Debug = v
		}
	}
	if raw, ok := os.LookupEnv("TOKENR_TIMEOUT"); ok {
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("invalid TOKENR_TIMEOUT %q", raw))
		} else {
			cfg.Timeout = v
		}
	}
	if raw, ok := os.LookupEnv("TOKENR_QUEUE_SIZE"); ok {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("invalid TOKENR_QUEUE_SIZE %q", raw))
		} else {
			cfg.QueueSize = v
		}
	}
	if raw, ok := os.LookupEnv("TOKENR_RATE_LIMIT"); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("invalid TOKENR_RATE_LIMIT %q", raw))
		} else {
			cfg.RateLimit = v
		}
	}

	return cfg, errors.Join(errs...)
}

// Load applies a .env file if present, then reads the environment. Only the
// CLI calls it; library users control their own environment.
func Load() (*SDK, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// ParseTags parses "k=v,k2=v2". Pairs without '=' are rejected; the pairs
// that parsed are still returned.
func ParseTags(raw string) (map[string]string, error) {
	tags := make(map[string]string)
	var bad []string
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			bad = append(bad, pair)
			continue
		}
		tags[k] = strings.TrimSpace(v)
	}
	if len(bad) > 0 {
		return tags, fmt.Errorf("malformed tag pairs: %s", strings.Join(bad, ", "))
	}
	return tags, nil
}

// Collector configures the reference accounting endpoint.
type Collector struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	RateLimitEPM int64 // events per minute per account, default: 6000

	// Seeding
	DevToken string
}

func LoadCollector() (*Collector, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Collector{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		DevToken:             getEnv("COLLECTOR_DEV_TOKEN", "tk_dev_local"),
	}

	epmStr := getEnv("COLLECTOR_RATE_LIMIT_EPM", "6000")
	epm, err := strconv.ParseInt(epmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid COLLECTOR_RATE_LIMIT_EPM: %w", err)
	}
	if epm <= 0 {
		return nil, fmt.Errorf("COLLECTOR_RATE_LIMIT_EPM must be positive")
	}
	cfg.RateLimitEPM = epm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
