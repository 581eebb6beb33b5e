package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	TossSecretKey  string `env:"TOSS_SECRET_KEY,required,notEmpty"`
	TossAPIBaseURL string `env:"TOSS_API_BASE_URL" envDefault:"https://api.tosspayments.com"`

	DirectorySASURL string `env:"DIRECTORY_SAS_URL,required,notEmpty"`

	CourseCatalogPath string `env:"COURSE_CATALOG_PATH"`

	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	FetchMaxAttempts   uint          `env:"FETCH_MAX_ATTEMPTS" envDefault:"3"`
	MaxConflictRetries int           `env:"MAX_CONFLICT_RETRIES" envDefault:"3"`
	Workers            int           `env:"WORKERS" envDefault:"1"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL    string `env:"DATABASE_URL"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://db/migrations"`

	KafkaBootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	KafkaEnrollmentTopic  string `env:"KAFKA_ENROLLMENT_TOPIC" envDefault:"course_enrollments"`

	PushgatewayURL string `env:"PUSHGATEWAY_URL"`

	SMTP SMTPConfig
}

type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     string `env:"SMTP_PORT" envDefault:"587"`
	User     string `env:"SMTP_USER"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"MAIL_FROM"`
	ReportTo string `env:"REPORT_EMAIL_TO"`
}

// Enabled reports whether the run report should be mailed.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && c.ReportTo != ""
}

// Load reads .env files (when present) and then the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.WithError(err).Warn("Could not load .env file.")
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	// Kafka lists may arrive quoted from docker-compose files.
	c.KafkaBootstrapServers = strings.Trim(c.KafkaBootstrapServers, "\"")

	switch {
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("%w: HTTP_TIMEOUT must be positive", ErrInvalidConfig)
	case c.FetchMaxAttempts < 1:
		return fmt.Errorf("%w: FETCH_MAX_ATTEMPTS must be at least 1", ErrInvalidConfig)
	case c.MaxConflictRetries < 0:
		return fmt.Errorf("%w: MAX_CONFLICT_RETRIES must not be negative", ErrInvalidConfig)
	case c.Workers < 1:
		return fmt.Errorf("%w: WORKERS must be at least 1", ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalidConfig, err)
	}
	return nil
}
