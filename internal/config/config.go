// Package config loads the service configuration: an optional YAML file,
// then .env, then environment overrides, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jon-tompkins/clawstreet/internal/reveal"
	"github.com/jon-tompkins/clawstreet/internal/settlement"
	"github.com/jon-tompkins/clawstreet/internal/store"
	"github.com/jon-tompkins/clawstreet/internal/window"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig  `yaml:"server"`
	Market     MarketConfig  `yaml:"market"`
	Trading    TradingConfig `yaml:"trading"`
	Reveal     RevealConfig  `yaml:"reveal"`
	Oracle     OracleConfig  `yaml:"oracle"`
	Storage    StorageConfig `yaml:"storage"`
	Log        LogConfig     `yaml:"log"`
	SeedAgents []SeedAgent   `yaml:"seed_agents"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MarketConfig describes the exchange session.
type MarketConfig struct {
	Timezone string        `yaml:"timezone"`
	Open     string        `yaml:"open"`  // HH:MM exchange time
	Close    string        `yaml:"close"` // HH:MM exchange time
	Blackout time.Duration `yaml:"blackout"`
	Holidays []string      `yaml:"holidays"` // YYYY-MM-DD
}

type TradingConfig struct {
	MaxTradesPerDay int             `yaml:"max_trades_per_day"`
	MinAmount       decimal.Decimal `yaml:"min_amount"`
	MaxAmount       decimal.Decimal `yaml:"max_amount"` // zero means unbounded
	DefaultAmount   decimal.Decimal `yaml:"default_amount"`
	StartingCapital decimal.Decimal `yaml:"starting_capital"`
	Instruments     []string        `yaml:"instruments"`
}

type RevealConfig struct {
	Weekday       string        `yaml:"weekday"`
	Time          string        `yaml:"time"` // HH:MM exchange time
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type OracleConfig struct {
	URL        string            `yaml:"url"` // empty uses static prices
	CacheTTL   time.Duration     `yaml:"cache_ttl"`
	CacheSize  int               `yaml:"cache_size"`
	RatePerSec float64           `yaml:"rate_per_sec"`
	Timeout    time.Duration     `yaml:"timeout"`
	Static     map[string]string `yaml:"static"`
}

// StorageConfig selects the ledger store. Postgres wins over SQLite; with
// neither set the in-memory store is used.
type StorageConfig struct {
	PostgresURL string        `yaml:"postgres_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// SeedAgent provisions a development agent with an API key.
type SeedAgent struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`
}

// Load reads path (if non-empty), the .env file (if present) and the
// environment, then applies defaults and validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("PRICE_ORACLE_URL"); v != "" {
		cfg.Oracle.URL = v
	}
	if v := os.Getenv("MAX_TRADES_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trading.MaxTradesPerDay = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

var defaultInstruments = []string{
	"AAPL", "AMD", "AMZN", "GOOGL", "META", "MSFT", "NVDA", "QQQ", "SPY", "TSLA",
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Market.Timezone == "" {
		cfg.Market.Timezone = "America/New_York"
	}
	if cfg.Market.Open == "" {
		cfg.Market.Open = "09:30"
	}
	if cfg.Market.Close == "" {
		cfg.Market.Close = "16:00"
	}
	if cfg.Market.Blackout == 0 {
		cfg.Market.Blackout = 2 * time.Minute
	}
	if cfg.Trading.MaxTradesPerDay <= 0 {
		cfg.Trading.MaxTradesPerDay = window.DefaultMaxTradesPerDay
	}
	if cfg.Trading.MinAmount.IsZero() {
		cfg.Trading.MinAmount = decimal.NewFromInt(1000)
	}
	if cfg.Trading.DefaultAmount.IsZero() {
		cfg.Trading.DefaultAmount = decimal.NewFromInt(10000)
	}
	if cfg.Trading.StartingCapital.IsZero() {
		cfg.Trading.StartingCapital = decimal.NewFromInt(1000000)
	}
	if len(cfg.Trading.Instruments) == 0 {
		cfg.Trading.Instruments = append([]string(nil), defaultInstruments...)
	}
	if cfg.Reveal.Weekday == "" {
		cfg.Reveal.Weekday = "friday"
	}
	if cfg.Reveal.Time == "" {
		cfg.Reveal.Time = "16:00"
	}
	if cfg.Reveal.SweepInterval <= 0 {
		cfg.Reveal.SweepInterval = time.Minute
	}
	if cfg.Oracle.CacheTTL <= 0 {
		cfg.Oracle.CacheTTL = 15 * time.Second
	}
	if cfg.Oracle.CacheSize <= 0 {
		cfg.Oracle.CacheSize = 1024
	}
	if cfg.Oracle.RatePerSec <= 0 {
		cfg.Oracle.RatePerSec = 10
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 5 * time.Second
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks that every derived setting can be built.
func (c *Config) Validate() error {
	var errs []error
	if wcfg, err := c.WindowConfig(); err != nil {
		errs = append(errs, err)
	} else if _, err := window.NewGuard(wcfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RevealSchedule(); err != nil {
		errs = append(errs, err)
	}
	if _, err := settlement.NewCalculator(c.Bounds()); err != nil {
		errs = append(errs, err)
	}
	if c.Trading.DefaultAmount.LessThan(c.Trading.MinAmount) {
		errs = append(errs, fmt.Errorf("trading.default_amount %s below min_amount %s",
			c.Trading.DefaultAmount, c.Trading.MinAmount))
	}
	if !c.Trading.StartingCapital.IsPositive() {
		errs = append(errs, errors.New("trading.starting_capital must be positive"))
	}
	if _, err := c.StaticPrices(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	return errors.Join(errs...)
}

// StoreOptions describes the ledger store for store.Open.
func (c *Config) StoreOptions(migrate bool) store.Options {
	return store.Options{
		PostgresURL: c.Storage.PostgresURL,
		SQLitePath:  c.Storage.SQLitePath,
		RedisURL:    c.Storage.RedisURL,
		CacheTTL:    c.Storage.CacheTTL,
		Migrate:     migrate,
	}
}

// Location resolves the exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market.timezone %q: %w", c.Market.Timezone, err)
	}
	return loc, nil
}

// WindowConfig builds the trading window guard settings.
func (c *Config) WindowConfig() (window.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return window.Config{}, err
	}
	open, err := window.ParseClock(c.Market.Open)
	if err != nil {
		return window.Config{}, err
	}
	closeAt, err := window.ParseClock(c.Market.Close)
	if err != nil {
		return window.Config{}, err
	}
	holidays := make([]time.Time, 0, len(c.Market.Holidays))
	for _, h := range c.Market.Holidays {
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return window.Config{}, fmt.Errorf("market.holidays %q: %w", h, err)
		}
		holidays = append(holidays, d)
	}
	return window.Config{
		Location:        loc,
		Open:            open,
		Close:           closeAt,
		Blackout:        c.Market.Blackout,
		MaxTradesPerDay: c.Trading.MaxTradesPerDay,
		Holidays:        holidays,
	}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// RevealSchedule builds the weekly disclosure schedule.
func (c *Config) RevealSchedule() (reveal.Schedule, error) {
	loc, err := c.Location()
	if err != nil {
		return reveal.Schedule{}, err
	}
	wd, ok := weekdays[strings.ToLower(c.Reveal.Weekday)]
	if !ok {
		return reveal.Schedule{}, fmt.Errorf("reveal.weekday %q unknown", c.Reveal.Weekday)
	}
	at, err := window.ParseClock(c.Reveal.Time)
	if err != nil {
		return reveal.Schedule{}, err
	}
	return reveal.Schedule{Location: loc, Weekday: wd, Hour: at.Hour, Minute: at.Minute}, nil
}

func (c *Config) Bounds() settlement.Bounds {
	return settlement.Bounds{Min: c.Trading.MinAmount, Max: c.Trading.MaxAmount}
}

// StaticPrices parses oracle.static into decimals keyed by upper-case symbol.
func (c *Config) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Oracle.Static))
	for sym, s := range c.Oracle.Static {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("oracle.static %s: %w", sym, err)
		}
		out[strings.ToUpper(sym)] = p
	}
	return out, nil
}
