package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"civicsync-be/duplicates"
	"civicsync-be/notifications"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the process configuration, read from the environment and an
// optional .env file.
type Config struct {
	Port string

	MongoURI      string
	MongoDatabase string

	RedisAddress     string
	RedisPassword    string
	IssueLimitPrefix string
	IssueRateLimit   int

	JWTSecret   string
	CORSOrigins []string

	LogLevel  string
	LogFormat string

	Duplicates        duplicates.Config
	Queue             notifications.QueueConfig
	InboxSize         int
	DirectoryCacheTTL time.Duration

	SMTP              notifications.SMTPConfig
	NATSURL           string
	NATSSubjectPrefix string

	SLASweepInterval time.Duration
	DigestInterval   time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("MONGODB_URI", "")
	v.SetDefault("MONGODB_DATABASE", "civicsync")
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_QUEUE_FOR_ISSUE_LIMIT", "issue_limit")
	v.SetDefault("ISSUE_RATE_LIMIT", 10)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	v.SetDefault("DUPLICATE_RADIUS_METERS", 100.0)
	v.SetDefault("DUPLICATE_LOOKBACK_DAYS", 30)
	v.SetDefault("DUPLICATE_MAX_CANDIDATES", 10)
	v.SetDefault("DUPLICATE_SIMILARITY_THRESHOLD", 0.6)

	v.SetDefault("NOTIFY_MAX_RETRIES", 3)
	v.SetDefault("NOTIFY_RETRY_DELAY", "5s")
	v.SetDefault("NOTIFY_POLL_INTERVAL", "1s")
	v.SetDefault("NOTIFY_SEND_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_INBOX_SIZE", notifications.DefaultInboxSize)
	v.SetDefault("DIRECTORY_CACHE_TTL", "5m")

	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", "587")
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "")
	v.SetDefault("SMTP_FROM_NAME", "CivicSync")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "civicsync.notifications")

	v.SetDefault("SLA_SWEEP_INTERVAL", "15m")
	v.SetDefault("DIGEST_INTERVAL", "24h")
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found")
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port:             v.GetString("PORT"),
		MongoURI:         v.GetString("MONGODB_URI"),
		MongoDatabase:    v.GetString("MONGODB_DATABASE"),
		RedisAddress:     v.GetString("REDIS_ADDRESS"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		IssueLimitPrefix: v.GetString("REDIS_QUEUE_FOR_ISSUE_LIMIT"),
		IssueRateLimit:   v.GetInt("ISSUE_RATE_LIMIT"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		CORSOrigins:      splitList(v.GetString("CORS_ORIGINS")),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		Duplicates: duplicates.Config{
			RadiusMeters:        v.GetFloat64("DUPLICATE_RADIUS_METERS"),
			Lookback:            time.Duration(v.GetInt("DUPLICATE_LOOKBACK_DAYS")) * 24 * time.Hour,
			MaxCandidates:       v.GetInt("DUPLICATE_MAX_CANDIDATES"),
			SimilarityThreshold: v.GetFloat64("DUPLICATE_SIMILARITY_THRESHOLD"),
		},
		Queue: notifications.QueueConfig{
			MaxRetries:   v.GetInt("NOTIFY_MAX_RETRIES"),
			RetryDelay:   v.GetDuration("NOTIFY_RETRY_DELAY"),
			PollInterval: v.GetDuration("NOTIFY_POLL_INTERVAL"),
			SendTimeout:  v.GetDuration("NOTIFY_SEND_TIMEOUT"),
		},
		InboxSize:         v.GetInt("NOTIFY_INBOX_SIZE"),
		DirectoryCacheTTL: v.GetDuration("DIRECTORY_CACHE_TTL"),
		SMTP: notifications.SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetString("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
			FromName: v.GetString("SMTP_FROM_NAME"),
		},
		NATSURL:           v.GetString("NATS_URL"),
		NATSSubjectPrefix: v.GetString("NATS_SUBJECT_PREFIX"),
		SLASweepInterval:  v.GetDuration("SLA_SWEEP_INTERVAL"),
		DigestInterval:    v.GetDuration("DIGEST_INTERVAL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects missing required settings and non-positive tunables.
func (c *Config) Validate() error {
	var errs []error
	if c.MongoURI == "" {
		errs = append(errs, errors.New("MONGODB_URI is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IssueRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("ISSUE_RATE_LIMIT must be positive, got %d", c.IssueRateLimit))
	}
	if c.Duplicates.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DUPLICATE_RADIUS_METERS must be positive, got %v", c.Duplicates.RadiusMeters))
	}
	if c.Duplicates.Lookback <= 0 {
		errs = append(errs, errors.New("DUPLICATE_LOOKBACK_DAYS must be positive"))
	}
	if c.Duplicates.MaxCandidates <= 0 {
		errs = append(errs, errors.New("DUPLICATE_MAX_CANDIDATES must be positive"))
	}
	if t := c.Duplicates.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("DUPLICATE_SIMILARITY_THRESHOLD must be in (0,1], got %v", t))
	}
	if c.Queue.MaxRetries <= 0 {
		errs = append(errs, errors.New("NOTIFY_MAX_RETRIES must be positive"))
	}
	if c.Queue.RetryDelay <= 0 || c.Queue.PollInterval <= 0 || c.Queue.SendTimeout <= 0 {
		errs = append(errs, errors.New("NOTIFY_RETRY_DELAY, NOTIFY_POLL_INTERVAL and NOTIFY_SEND_TIMEOUT must be positive"))
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
