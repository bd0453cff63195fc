// Package config provides configuration management for the NukeMyMac server.
//
// Values are resolved in three layers: DefaultConfig, an optional YAML file,
// then environment variables. Only variables that are set override earlier
// layers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/nukemymac/nukemymac-server/internal/license"
	"github.com/nukemymac/nukemymac-server/internal/maintenance"
	"github.com/nukemymac/nukemymac-server/internal/releases"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// Database backends selected by the DATABASE_URL scheme.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the complete server configuration.
type Config struct {
	Environment      Environment `yaml:"env" envconfig:"ENV"`
	ListenAddr       string      `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	PublicDomain     string      `yaml:"public_domain" envconfig:"PUBLIC_DOMAIN"`
	LogLevel         string      `yaml:"log_level" envconfig:"LOG_LEVEL"`
	AdminTokenHash   string      `yaml:"admin_token_hash" envconfig:"ADMIN_TOKEN_HASH"`
	ContactRecipient string      `yaml:"contact_recipient" envconfig:"CONTACT_RECIPIENT"`
	ResendAPIKey     string      `yaml:"resend_api_key" envconfig:"RESEND_API_KEY"`

	Database  DatabaseConfig  `yaml:"database" ignored:"true"`
	Redis     RedisConfig     `yaml:"redis" ignored:"true"`
	CORS      CORSConfig      `yaml:"cors" ignored:"true"`
	RateLimit RateLimitConfig `yaml:"rate_limit" ignored:"true"`
	Stripe    StripeConfig    `yaml:"stripe" ignored:"true"`
	SMTP      SMTPConfig      `yaml:"smtp" ignored:"true"`
	License   LicenseConfig   `yaml:"license" ignored:"true"`
	Releases  ReleasesConfig  `yaml:"releases" ignored:"true"`
}

// DatabaseConfig selects the license store. postgres:// URLs use PostgreSQL,
// sqlite:// or file: URLs use an embedded SQLite file.
type DatabaseConfig struct {
	URL      string `yaml:"url" split_words:"true"`
	MaxConns int32  `yaml:"max_conns" split_words:"true"`
}

// RedisConfig enables the shared rate limit store when URL is set.
type RedisConfig struct {
	URL string `yaml:"url" split_words:"true"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins" split_words:"true"`
}

// RateLimitConfig allows Requests per Period for each client IP.
type RateLimitConfig struct {
	Requests int64         `yaml:"requests" split_words:"true"`
	Period   time.Duration `yaml:"period" split_words:"true"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key" split_words:"true"`
	WebhookSecret string `yaml:"webhook_secret" split_words:"true"`
	PriceYearly   string `yaml:"price_yearly" split_words:"true"`
	PriceLifetime string `yaml:"price_lifetime" split_words:"true"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true"`
	Username string `yaml:"username" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	From     string `yaml:"from" split_words:"true"`
	TLS      bool   `yaml:"tls" split_words:"true"`
}

// LicenseConfig holds the license lifecycle policy.
type LicenseConfig struct {
	MaxActivations          int           `yaml:"max_activations" split_words:"true"`
	StoreTimeout            time.Duration `yaml:"store_timeout" split_words:"true"`
	// StrictChecksum must stay off while migrated keys are in the store.
	StrictChecksum          bool          `yaml:"strict_checksum" split_words:"true"`
	CapAnonymousActivations bool          `yaml:"cap_anonymous_activations" split_words:"true"`
	SweepSchedule           string        `yaml:"sweep_schedule" split_words:"true"`
}

type ReleasesConfig struct {
	Repo     string        `yaml:"repo" split_words:"true"`
	CacheTTL time.Duration `yaml:"cache_ttl" split_words:"true"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	policy := license.DefaultPolicy()
	return &Config{
		Environment:  EnvDevelopment,
		ListenAddr:   ":8080",
		PublicDomain: "http://localhost:3000",
		LogLevel:     "info",
		Database: DatabaseConfig{
			URL:      "sqlite://data/nukemymac.db",
			MaxConns: 10,
		},
		CORS: CORSConfig{
			Origins: []string{"http://localhost:3000"},
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Period:   time.Minute,
		},
		SMTP: SMTPConfig{
			Port: 587,
			From: "NukeMyMac <noreply@resend.dev>",
		},
		License: LicenseConfig{
			MaxActivations: policy.MaxActivations,
			StoreTimeout:   policy.StoreTimeout,
			SweepSchedule:  maintenance.DefaultExpirySchedule,
		},
		Releases: ReleasesConfig{
			Repo:     releases.DefaultRepo,
			CacheTTL: releases.DefaultCacheTTL,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv applies environment overrides. Sections are processed with their
// own prefix so that SMTP.Port reads SMTP_PORT and never a bare PORT.
func (c *Config) loadEnv() error {
	if err := envconfig.Process("", c); err != nil {
		return err
	}

	sections := []struct {
		prefix string
		spec   any
	}{
		{"DATABASE", &c.Database},
		{"REDIS", &c.Redis},
		{"CORS", &c.CORS},
		{"RATE_LIMIT", &c.RateLimit},
		{"STRIPE", &c.Stripe},
		{"SMTP", &c.SMTP},
		{"LICENSE", &c.License},
		{"RELEASES", &c.Releases},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalize() {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		c.Environment = EnvDevelopment
	}
	c.PublicDomain = strings.TrimRight(c.PublicDomain, "/")

	origins := c.CORS.Origins[:0]
	for _, o := range c.CORS.Origins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.Origins = origins
}

// Validate checks that the configuration is usable. Production additionally
// requires PostgreSQL and the payment provider secrets.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	} else if c.DatabaseBackend() == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL has an unsupported scheme"))
	}
	if c.License.MaxActivations < 1 {
		errs = append(errs, errors.New("LICENSE_MAX_ACTIVATIONS must be at least 1"))
	}
	if c.License.StoreTimeout <= 0 {
		errs = append(errs, errors.New("LICENSE_STORE_TIMEOUT must be positive"))
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Period <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_PERIOD must be positive"))
	}

	if c.IsProduction() {
		if c.DatabaseBackend() != BackendPostgres {
			errs = append(errs, errors.New("production requires a PostgreSQL DATABASE_URL"))
		}
		if c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required in production"))
		}
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
		if !strings.HasPrefix(c.PublicDomain, "https://") {
			errs = append(errs, errors.New("PUBLIC_DOMAIN must use https in production"))
		}
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// DatabaseBackend returns BackendPostgres, BackendSQLite or "" when the URL
// scheme is not recognised.
func (c *Config) DatabaseBackend() string {
	u := c.Database.URL
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return BackendPostgres
	case strings.HasPrefix(u, "sqlite://"), strings.HasPrefix(u, "file:"):
		return BackendSQLite
	}
	return ""
}

// SQLitePath returns the file path of a SQLite DATABASE_URL.
func (c *Config) SQLitePath() string {
	u := c.Database.URL
	if p, ok := strings.CutPrefix(u, "sqlite://"); ok {
		return p
	}
	p, _ := strings.CutPrefix(u, "file:")
	return p
}

// EmailEnabled reports whether outbound email is configured, either through
// an SMTP host or a Resend API key.
func (c *Config) EmailEnabled() bool {
	return c.SMTP.Host != "" || c.ResendAPIKey != ""
}

// LicensePolicy converts the license settings into a lifecycle policy.
func (c *Config) LicensePolicy() license.Policy {
	p := license.DefaultPolicy()
	p.MaxActivations = c.License.MaxActivations
	p.StoreTimeout = c.License.StoreTimeout
	p.StrictChecksum = c.License.StrictChecksum
	p.CapAnonymousActivations = c.License.CapAnonymousActivations
	return p
}
