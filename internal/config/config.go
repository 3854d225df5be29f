package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the service configuration, read from the environment
type Config struct {
	HTTPAddr        string        `env:"ACHIEVEMENTS_HTTP_ADDR"        envDefault:":8080"`
	TickInterval    time.Duration `env:"ACHIEVEMENTS_TICK_INTERVAL"    envDefault:"250ms"`
	ShutdownTimeout time.Duration `env:"ACHIEVEMENTS_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	PackDir         string        `env:"ACHIEVEMENTS_PACK_DIR"`

	// PackWatch reloads PackDir files when they change
	PackWatch         bool          `env:"ACHIEVEMENTS_PACK_WATCH"`
	PackWatchDebounce time.Duration `env:"ACHIEVEMENTS_PACK_WATCH_DEBOUNCE" envDefault:"250ms"`

	// DatabaseURL selects PostgreSQL progress; empty keeps progress in memory
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrationsPath string `env:"ACHIEVEMENTS_MIGRATIONS_PATH" envDefault:"migrations"`

	// RequiredSources suspend the handler while unavailable; empty means all
	RequiredSources []string `env:"ACHIEVEMENTS_REQUIRED_SOURCES" envSeparator:","`

	API    APIConfig    `envPrefix:"ACHIEVEMENTS_API_"`
	Player PlayerConfig `envPrefix:"ACHIEVEMENTS_PLAYER_"`
}

// APIConfig configures the polled JSON API sources.
// Endpoints maps source names to paths below BaseURL.
type APIConfig struct {
	BaseURL      string            `env:"BASE_URL"`
	Key          string            `env:"KEY"`
	Endpoints    map[string]string `env:"ENDPOINTS"     envDefault:"wallet=/v2/account/wallet" envSeparator:"," envKeyValSeparator:"="`
	PollInterval time.Duration     `env:"POLL_INTERVAL" envDefault:"5m"`
	Timeout      time.Duration     `env:"TIMEOUT"       envDefault:"30s"`
	MaxFailures  int               `env:"MAX_FAILURES"  envDefault:"3"`
}

// Enabled reports whether API sources are configured
func (c APIConfig) Enabled() bool {
	return c.BaseURL != ""
}

// PlayerConfig configures the pushed player state source
// UpdateRate limits pushes per second; 0 disables the limit.
type PlayerConfig struct {
	Source      string        `env:"SOURCE"       envDefault:"player"`
	StaleAfter  time.Duration `env:"STALE_AFTER"  envDefault:"10s"`
	UpdateRate  float64       `env:"UPDATE_RATE"  envDefault:"20"`
	UpdateBurst int           `env:"UPDATE_BURST" envDefault:"40"`
}

// Load parses the process environment and validates the result
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment
func LoadFrom(environment map[string]string) (Config, error) {
	return load(env.Options{Environment: environment})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SourceNames lists every configured data source, sorted
func (c Config) SourceNames() []string {
	names := []string{c.Player.Source}
	if c.API.Enabled() {
		for name := range c.API.Endpoints {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate rejects configurations the service cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("ACHIEVEMENTS_HTTP_ADDR cannot be empty"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("ACHIEVEMENTS_TICK_INTERVAL must be positive, got %s", c.TickInterval))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ACHIEVEMENTS_SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout))
	}
	if c.Player.Source == "" {
		errs = append(errs, errors.New("ACHIEVEMENTS_PLAYER_SOURCE cannot be empty"))
	}
	if c.Player.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("ACHIEVEMENTS_PLAYER_STALE_AFTER must be positive, got %s", c.Player.StaleAfter))
	}
	if c.Player.UpdateRate < 0 {
		errs = append(errs, fmt.Errorf("ACHIEVEMENTS_PLAYER_UPDATE_RATE must not be negative, got %g", c.Player.UpdateRate))
	}
	if c.Player.UpdateRate > 0 && c.Player.UpdateBurst <= 0 {
		errs = append(errs, fmt.Errorf("ACHIEVEMENTS_PLAYER_UPDATE_BURST must be positive, got %d", c.Player.UpdateBurst))
	}
	if c.PackWatch {
		if c.PackDir == "" {
			errs = append(errs, errors.New("ACHIEVEMENTS_PACK_WATCH requires ACHIEVEMENTS_PACK_DIR"))
		}
		if c.PackWatchDebounce <= 0 {
			errs = append(errs, fmt.Errorf("ACHIEVEMENTS_PACK_WATCH_DEBOUNCE must be positive, got %s", c.PackWatchDebounce))
		}
	}

	if c.API.Enabled() {
		if len(c.API.Endpoints) == 0 {
			errs = append(errs, errors.New("ACHIEVEMENTS_API_ENDPOINTS cannot be empty when ACHIEVEMENTS_API_BASE_URL is set"))
		}
		if _, clash := c.API.Endpoints[c.Player.Source]; clash {
			errs = append(errs, fmt.Errorf("API endpoint %q clashes with the player source", c.Player.Source))
		}
		if c.API.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("ACHIEVEMENTS_API_POLL_INTERVAL must be positive, got %s", c.API.PollInterval))
		}
		if c.API.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("ACHIEVEMENTS_API_TIMEOUT must be positive, got %s", c.API.Timeout))
		}
		if c.API.MaxFailures <= 0 {
			errs = append(errs, fmt.Errorf("ACHIEVEMENTS_API_MAX_FAILURES must be positive, got %d", c.API.MaxFailures))
		}
	}

	known := make(map[string]bool)
	for _, name := range c.SourceNames() {
		known[name] = true
	}
	for _, name := range c.RequiredSources {
		if !known[name] {
			errs = append(errs, fmt.Errorf("required source %q is not configured", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
