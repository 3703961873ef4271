// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string          `env:"LOG_LEVEL" envDefault:"info"`
	Service   ServiceConfig   `envPrefix:"SERVICE_"`
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	Outbox    OutboxConfig    `envPrefix:"OUTBOX_"`
	Identity  IdentityConfig  `envPrefix:"IDENTITY_"`
	Signature SignatureConfig `envPrefix:"SIGNATURE_"`
	Inbox     InboxConfig     `envPrefix:"INBOX_"`
}

type ServiceConfig struct {
	Name        string `env:"NAME" envDefault:"be-doc-approvals"`
	Version     string `env:"VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9090"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

type DatabaseConfig struct {
	Host           string        `env:"HOST" envDefault:"localhost"`
	Port           int           `env:"PORT" envDefault:"5432"`
	User           string        `env:"USER" envDefault:"postgres"`
	Password       string        `env:"PASSWORD"`
	Database       string        `env:"NAME" envDefault:"doc_approvals"`
	SSLMode        string        `env:"SSL_MODE" envDefault:"disable"`
	MaxConns       int32         `env:"MAX_CONNS" envDefault:"20"`
	MinConns       int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnTime    time.Duration `env:"MAX_CONN_TIME" envDefault:"1h"`
	MaxIdleTime    time.Duration `env:"MAX_IDLE_TIME" envDefault:"30m"`
	HealthCheck    time.Duration `env:"HEALTH_CHECK" envDefault:"1m"`
	MigrateOnStart bool          `env:"MIGRATE_ON_START" envDefault:"true"`
}

type NATSConfig struct {
	URL            string        `env:"URL" envDefault:"nats://localhost:4222"`
	Stream         string        `env:"STREAM" envDefault:"NOTIFICATIONS"`
	SubjectPrefix  string        `env:"SUBJECT_PREFIX" envDefault:"notifications.approvals"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
}

type OutboxConfig struct {
	// Workers is the number of outbox workers per queue; 0 runs insert-only.
	Workers         int           `env:"WORKERS" envDefault:"4"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type IdentityConfig struct {
	FallbackEnabled bool          `env:"FALLBACK_ENABLED" envDefault:"false"`
	FallbackSubject string        `env:"FALLBACK_SUBJECT" envDefault:"identity.roles.members"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"3s"`
}

type SignatureConfig struct {
	Subject string        `env:"SUBJECT" envDefault:"esign.envelopes.create"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

type InboxConfig struct {
	StageConcurrency int `env:"STAGE_CONCURRENCY" envDefault:"8"`
}

// Load parses configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("config: server ports must be positive")
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("config: http and grpc ports must differ")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("config: DB_MAX_CONNS (%d) < DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
	}
	if c.Outbox.Workers < 0 {
		return fmt.Errorf("config: OUTBOX_WORKERS must not be negative")
	}
	if c.Inbox.StageConcurrency <= 0 {
		return fmt.Errorf("config: INBOX_STAGE_CONCURRENCY must be positive")
	}
	return nil
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
