// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no path is given on the command line.
const DefaultPath = "config.yaml"

// Feed backend selectors.
const (
	FeedBackendMemory = "memory"
	FeedBackendRedis  = "redis"
	FeedBackendAMQP   = "amqp"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port       string `yaml:"port"`
	LogLevel   string `yaml:"logLevel"`
	CORSOrigin string `yaml:"corsOrigin"`

	// DatabaseURL selects the Postgres store. Empty means the in-memory
	// store, for local runs.
	DatabaseURL string `yaml:"databaseURL"`

	FeedBackend   string `yaml:"feedBackend"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AMQPURL       string `yaml:"amqpURL"`

	JWTSecret  string `yaml:"jwtSecret"`
	SessionTTL string `yaml:"sessionTTL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// AllowedEmails restricts login to a fixed set when non-empty.
	AllowedEmails []string `yaml:"allowedEmails"`

	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	CreateLinkRateLimitPerMinute     int `yaml:"createLinkRateLimitPerMinute"`
	CreateMessageRateLimitPerMinute  int `yaml:"createMessageRateLimitPerMinute"`
	CreateReactionRateLimitPerMinute int `yaml:"createReactionRateLimitPerMinute"`
	LoginRateLimitPerMinute          int `yaml:"loginRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("LINKSHARE_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LINKSHARE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("LINKSHARE_CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LINKSHARE_FEED_BACKEND"); v != "" {
		cfg.FeedBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("LINKSHARE_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("LINKSHARE_SESSION_TTL"); v != "" {
		cfg.SessionTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("LINKSHARE_ALLOWED_EMAILS"); v != "" {
		cfg.AllowedEmails = splitCSV(v)
	}
	if v := os.Getenv("LINKSHARE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("LINKSHARE_CREATE_LINK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CreateLinkRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LINKSHARE_CREATE_MESSAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CreateMessageRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LINKSHARE_CREATE_REACTION_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CreateReactionRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LINKSHARE_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.FeedBackend == "" {
		cfg.FeedBackend = FeedBackendMemory
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "24h"
	}
	if cfg.CreateLinkRateLimitPerMinute == 0 {
		cfg.CreateLinkRateLimitPerMinute = 20
	}
	if cfg.CreateMessageRateLimitPerMinute == 0 {
		cfg.CreateMessageRateLimitPerMinute = 30
	}
	if cfg.CreateReactionRateLimitPerMinute == 0 {
		cfg.CreateReactionRateLimitPerMinute = 50
	}
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or LINKSHARE_JWT_SECRET)")
	}
	switch cfg.FeedBackend {
	case FeedBackendMemory:
	case FeedBackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis feed backend")
		}
	case FeedBackendAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for the amqp feed backend")
		}
	default:
		return fmt.Errorf("config: unknown feedBackend %q", cfg.FeedBackend)
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if cfg.CreateLinkRateLimitPerMinute < 0 || cfg.CreateMessageRateLimitPerMinute < 0 ||
		cfg.CreateReactionRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses the session lifetime duration string.
func ParseSessionTTL(ttl string) (time.Duration, error) {
	dur, err := time.ParseDuration(ttl)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("sessionTTL must be positive")
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
