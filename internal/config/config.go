// Package config loads roomsync settings from ROOMSYNC_* environment
// variables. Command-line flags take their defaults from these values.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/roomsync/internal/eventsync"
)

// Server configures the log server.
type Server struct {
	Addr           string   `env:"ROOMSYNC_ADDR"            envDefault:"localhost:8787"`
	DBPath         string   `env:"ROOMSYNC_DB"              envDefault:"roomsync.db"`
	MaxBodyBytes   int64    `env:"ROOMSYNC_MAX_BODY_BYTES"  envDefault:"16384"`
	RateLimit      int      `env:"ROOMSYNC_RATE_LIMIT"      envDefault:"10"`
	AllowedOrigins []string `env:"ROOMSYNC_ALLOWED_ORIGINS" envSeparator:","`
}

// Client configures a replica connecting to a log server.
type Client struct {
	ServerURL      string        `env:"ROOMSYNC_SERVER_URL"      envDefault:"http://localhost:8787"`
	ClientID       string        `env:"ROOMSYNC_CLIENT_ID"`
	PageLimit      int           `env:"ROOMSYNC_PAGE_LIMIT"      envDefault:"500"`
	DedupeCapacity int           `env:"ROOMSYNC_DEDUPE_CAPACITY" envDefault:"2000"`
	SnapshotEvery  int           `env:"ROOMSYNC_SNAPSHOT_EVERY"  envDefault:"0"`
	Optimistic     bool          `env:"ROOMSYNC_OPTIMISTIC"      envDefault:"false"`
	IgnoreSelf     bool          `env:"ROOMSYNC_IGNORE_SELF"     envDefault:"false"`
	Heartbeat      time.Duration `env:"ROOMSYNC_HEARTBEAT"       envDefault:"8s"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServer parses and validates the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// LoadClient parses and validates the client configuration.
func LoadClient() (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid server setting.
func (c Server) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("config: ROOMSYNC_ADDR is required")
	case c.DBPath == "":
		return fmt.Errorf("config: ROOMSYNC_DB is required")
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("config: ROOMSYNC_MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	case c.RateLimit <= 0:
		return fmt.Errorf("config: ROOMSYNC_RATE_LIMIT must be positive, got %d", c.RateLimit)
	}
	return nil
}

// Validate reports the first invalid client setting.
func (c Client) Validate() error {
	switch {
	case c.ServerURL == "":
		return fmt.Errorf("config: ROOMSYNC_SERVER_URL is required")
	case c.PageLimit <= 0:
		return fmt.Errorf("config: ROOMSYNC_PAGE_LIMIT must be positive, got %d", c.PageLimit)
	case c.PageLimit > eventsync.MaxPageLimit:
		return fmt.Errorf("config: ROOMSYNC_PAGE_LIMIT must be at most %d, got %d", eventsync.MaxPageLimit, c.PageLimit)
	case c.DedupeCapacity <= 0:
		return fmt.Errorf("config: ROOMSYNC_DEDUPE_CAPACITY must be positive, got %d", c.DedupeCapacity)
	case c.SnapshotEvery < 0:
		return fmt.Errorf("config: ROOMSYNC_SNAPSHOT_EVERY must not be negative, got %d", c.SnapshotEvery)
	case c.Heartbeat <= 0:
		return fmt.Errorf("config: ROOMSYNC_HEARTBEAT must be positive, got %s", c.Heartbeat)
	}
	return nil
}
