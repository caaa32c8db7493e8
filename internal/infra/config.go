package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/engine"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on REST snapshot requests.
	DefaultUserAgent = "market-sync/1.0"

	// EnvPrefix prefixes every environment override (MARKET_SYNC_VENUE_SYMBOLS, ...).
	EnvPrefix = "MARKET_SYNC_"
)

// Config holds every setting of the application.
// It is read from YAML, then environment variables override individual fields.
type Config struct {
	App struct {
		Name    string `yaml:"name" env:"NAME"`
		Version string `yaml:"version" env:"VERSION"`
	} `yaml:"app" envPrefix:"APP_"`

	Logging struct {
		Level string `yaml:"level" env:"LEVEL"`
		Dir   string `yaml:"dir" env:"DIR"`
	} `yaml:"logging" envPrefix:"LOG_"`

	Venue   VenueConfig   `yaml:"venue" envPrefix:"VENUE_"`
	Resync  ResyncConfig  `yaml:"resync" envPrefix:"RESYNC_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Router  RouterConfig  `yaml:"router" envPrefix:"ROUTER_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
}

// VenueConfig describes the upstream connection and what to stream from it.
type VenueConfig struct {
	Name             string        `yaml:"name" env:"NAME"`
	WSURL            string        `yaml:"ws_url" env:"WS_URL"`
	RestURL          string        `yaml:"rest_url" env:"REST_URL"`
	Symbols          []string      `yaml:"symbols" env:"SYMBOLS" envSeparator:","`
	CandleIntervals  []string      `yaml:"candle_intervals" env:"CANDLE_INTERVALS" envSeparator:","`
	Depth            int           `yaml:"depth" env:"DEPTH"`
	Policy           string        `yaml:"policy" env:"POLICY"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
}

type ResyncConfig struct {
	MaxBuffered     int           `yaml:"max_buffered" env:"MAX_BUFFERED"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout" env:"SNAPSHOT_TIMEOUT"`
	SnapshotRetries int           `yaml:"snapshot_retries" env:"SNAPSHOT_RETRIES"`
}

type CacheConfig struct {
	TradesCapacity  int `yaml:"trades_capacity" env:"TRADES_CAPACITY"`
	CandlesCapacity int `yaml:"candles_capacity" env:"CANDLES_CAPACITY"`
}

type RouterConfig struct {
	InboxSize       int `yaml:"inbox_size" env:"INBOX_SIZE"`
	MailboxCapacity int `yaml:"mailbox_capacity" env:"MAILBOX_CAPACITY"`
	BookDepth       int `yaml:"book_depth" env:"BOOK_DEPTH"`
}

type StorageConfig struct {
	// Path of the sqlite catalog. Empty resolves to the user config directory.
	Path string `yaml:"path" env:"PATH"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	URL      string        `yaml:"url" env:"URL"`
	Password string        `yaml:"password" env:"PASSWORD"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	Depth    int           `yaml:"depth" env:"DEPTH"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// DefaultConfig returns the settings used for anything the YAML file omits.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "market-sync"
	cfg.App.Version = "dev"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"

	cfg.Venue = VenueConfig{
		Name:             "binance",
		WSURL:            "wss://stream.binance.com:9443/stream",
		RestURL:          "https://api.binance.com",
		Symbols:          []string{"BTC/USDT"},
		CandleIntervals:  []string{"1m"},
		Depth:            1000,
		Policy:           "range",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      90 * time.Second,
	}

	def := engine.DefaultConfig()
	cfg.Resync = ResyncConfig{
		MaxBuffered:     def.MaxBuffered,
		SnapshotTimeout: def.SnapshotTimeout,
		SnapshotRetries: def.SnapshotRetries,
	}
	cfg.Cache = CacheConfig{
		TradesCapacity:  def.TradesCapacity,
		CandlesCapacity: def.CandlesCapacity,
	}
	cfg.Router = RouterConfig{
		InboxSize:       def.InboxSize,
		MailboxCapacity: def.MailboxCapacity,
		BookDepth:       def.BookDepth,
	}
	cfg.Redis = RedisConfig{
		URL:   "redis://localhost:6379/0",
		TTL:   time.Minute,
		Depth: 20,
	}
	cfg.HTTP = HTTPConfig{
		Enabled: true,
		Addr:    ":8080",
	}
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnvConfig builds the configuration from defaults and environment
// variables alone, for deployments without a config file.
func LoadEnvConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv applies MARKET_SYNC_* variables. Unset variables leave the
// YAML values alone.
func overrideWithEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}
	for i := range cfg.Venue.Symbols {
		cfg.Venue.Symbols[i] = strings.TrimSpace(cfg.Venue.Symbols[i])
	}
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Venue.WSURL, "ws://") && !hasPrefix(c.Venue.WSURL, "wss://") {
		return &domain.ConfigError{Field: "venue.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.Venue.WSURL)}
	}
	if c.Venue.RestURL != "" && !hasPrefix(c.Venue.RestURL, "http://") && !hasPrefix(c.Venue.RestURL, "https://") {
		return &domain.ConfigError{Field: "venue.rest_url", Err: fmt.Errorf("invalid REST URL %q", c.Venue.RestURL)}
	}
	if len(c.Venue.Symbols) == 0 {
		return &domain.ConfigError{Field: "venue.symbols", Err: errors.New("at least one symbol is required")}
	}
	for _, s := range c.Venue.Symbols {
		if _, _, err := domain.ParseSymbol(s); err != nil {
			return &domain.ConfigError{Field: "venue.symbols", Err: err}
		}
	}
	if c.Venue.Depth < 0 {
		return &domain.ConfigError{Field: "venue.depth", Err: errors.New("must not be negative")}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("invalid log level %q", c.Logging.Level)}
	}

	if c.Resync.SnapshotTimeout <= 0 {
		return &domain.ConfigError{Field: "resync.snapshot_timeout", Err: errors.New("must be positive")}
	}
	if c.Resync.SnapshotRetries < 0 {
		return &domain.ConfigError{Field: "resync.snapshot_retries", Err: errors.New("must not be negative")}
	}
	if c.Resync.MaxBuffered <= 0 {
		return &domain.ConfigError{Field: "resync.max_buffered", Err: errors.New("must be positive")}
	}
	if c.Cache.TradesCapacity <= 0 || c.Cache.CandlesCapacity <= 0 {
		return &domain.ConfigError{Field: "cache", Err: errors.New("capacities must be positive")}
	}
	if c.Router.MailboxCapacity <= 0 {
		return &domain.ConfigError{Field: "router.mailbox_capacity", Err: errors.New("must be positive")}
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return &domain.ConfigError{Field: "redis.url", Err: errors.New("required when redis is enabled")}
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return &domain.ConfigError{Field: "http.addr", Err: errors.New("required when http is enabled")}
	}

	return nil
}

// EngineConfig converts the router-related sections.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		InboxSize:       c.Router.InboxSize,
		MailboxCapacity: c.Router.MailboxCapacity,
		MaxBuffered:     c.Resync.MaxBuffered,
		SnapshotTimeout: c.Resync.SnapshotTimeout,
		SnapshotRetries: c.Resync.SnapshotRetries,
		TradesCapacity:  c.Cache.TradesCapacity,
		CandlesCapacity: c.Cache.CandlesCapacity,
		BookDepth:       c.Router.BookDepth,
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}
