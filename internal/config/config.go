// Package config loads server configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jason-s-yu/tileclash/internal/ratelimit"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "TILECLASH_"

// Config is the process configuration.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	RedisURL  string `env:"REDIS_URL"` // empty selects in-memory stores
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	TicketSecret string `env:"TICKET_SECRET,required,unset"`

	QueueCapacity   int           `env:"QUEUE_CAPACITY" envDefault:"512"`
	DrainBatch      int           `env:"DRAIN_BATCH" envDefault:"32"`
	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"250ms"`
	GracePeriod     time.Duration `env:"GRACE_PERIOD" envDefault:"30s"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`

	RateTileAction     ratelimit.Windows `env:"RATE_TILE_ACTION" envDefault:"1000:5,2000:10"`
	RatePrivateMessage ratelimit.Windows `env:"RATE_PRIVATE_MESSAGE" envDefault:"10000:10"`

	DefaultInstance string `env:"DEFAULT_INSTANCE" envDefault:"lobby-1"`
}

// Load reads dotenvFile when it exists, then parses the environment.
// Variables already set in the environment win over the file.
func Load(dotenvFile string) (Config, error) {
	if dotenvFile != "" {
		if err := godotenv.Load(dotenvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenvFile, err)
		}
	}
	return parse(env.Options{Prefix: Prefix})
}

// FromMap parses cfg from an explicit variable set instead of the process
// environment. Keys carry the prefix.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive sizes and durations.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New(Prefix+"ADDR must not be empty"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("%sQUEUE_CAPACITY must be positive, got %d", Prefix, c.QueueCapacity))
	}
	if c.DrainBatch <= 0 {
		errs = append(errs, fmt.Errorf("%sDRAIN_BATCH must be positive, got %d", Prefix, c.DrainBatch))
	}
	for name, d := range map[string]time.Duration{
		"TICK_INTERVAL":    c.TickInterval,
		"GRACE_PERIOD":     c.GracePeriod,
		"CLEANUP_INTERVAL": c.CleanupInterval,
		"STORE_TIMEOUT":    c.StoreTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %s", Prefix, name, d))
		}
	}
	if len(c.RateTileAction) == 0 || len(c.RatePrivateMessage) == 0 {
		errs = append(errs, errors.New("rate limit windows must not be empty"))
	}
	if c.DefaultInstance == "" {
		errs = append(errs, errors.New(Prefix+"DEFAULT_INSTANCE must not be empty"))
	}
	return errors.Join(errs...)
}

// RateLimits returns the limiter configuration.
func (c Config) RateLimits() ratelimit.Config {
	return ratelimit.Config{
		ratelimit.ChannelTileAction:     c.RateTileAction,
		ratelimit.ChannelPrivateMessage: c.RatePrivateMessage,
	}
}
