package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Tinkoff  TinkoffConfig  `yaml:"tinkoff"`
	Venue    VenueConfig    `yaml:"venue"`
	Feed     FeedConfig     `yaml:"feed"`
	Sampler  SamplerConfig  `yaml:"sampler"`
	Entry    EntryConfig    `yaml:"entry"`
	Exit     ExitConfig     `yaml:"exit"`
	Retry    RetryConfig    `yaml:"retry"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type TinkoffConfig struct {
	Token           string `yaml:"token"`
	Sandbox         bool   `yaml:"sandbox"`
	AccountID       string `yaml:"account_id"`
	SandboxFundsRub int64  `yaml:"sandbox_funds_rub"`
}

const (
	VenuePaper   = "paper"
	VenueSandbox = "sandbox"
	VenueLive    = "live"
)

type VenueConfig struct {
	Mode        string  `yaml:"mode"`
	SlippageBps float64 `yaml:"slippage_bps"`
}

const (
	FeedBroker = "broker"
	FeedRedis  = "redis"
)

type FeedConfig struct {
	Source       string        `yaml:"source"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAge       time.Duration `yaml:"max_age"`
	// Symbols are ingested from startup so baselines are warm before signals arrive.
	Symbols []string `yaml:"symbols"`
}

type SamplerConfig struct {
	Window     time.Duration `yaml:"window"`
	MinSamples int           `yaml:"min_samples"`
}

type EntryConfig struct {
	TrancheRatios []float64     `yaml:"tranche_ratios"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
	WarmupTimeout time.Duration `yaml:"warmup_timeout"`
	Deadline      time.Duration `yaml:"deadline"`
}

type ExitConfig struct {
	PollInterval  time.Duration   `yaml:"poll_interval"`
	StopLossPct   float64         `yaml:"stop_loss_pct"`
	TakeProfitPct float64         `yaml:"take_profit_pct"`
	MaxHold       time.Duration   `yaml:"max_hold"`
	Emergency     EmergencyConfig `yaml:"emergency"`
	Reversal      ReversalConfig  `yaml:"reversal"`
	Trailing      TrailingConfig  `yaml:"trailing"`
}

type EmergencyConfig struct {
	MinStrength float64       `yaml:"min_strength"`
	Recency     time.Duration `yaml:"recency"`
}

type ReversalConfig struct {
	Bars         int           `yaml:"bars"`
	BaselineBars int           `yaml:"baseline_bars"`
	BarInterval  time.Duration `yaml:"bar_interval"`
	VolumeRatio  float64       `yaml:"volume_ratio"`
	MinMovePct   float64       `yaml:"min_move_pct"`
	WinningPct   float64       `yaml:"winning_pct"`
}

type TrailingConfig struct {
	ActivationProfit float64         `yaml:"activation_profit"`
	Brackets         []BracketConfig `yaml:"brackets"`
}

// BracketConfig with UpTo 0 is open-ended and must come last.
type BracketConfig struct {
	UpTo float64 `yaml:"up_to"`
	Step float64 `yaml:"step"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file, then a .env file next to the process if present,
// then TRADER_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("TRADER_TINKOFF_TOKEN"); v != "" {
		cfg.Tinkoff.Token = v
	}
	if v := os.Getenv("TRADER_TINKOFF_ACCOUNT_ID"); v != "" {
		cfg.Tinkoff.AccountID = v
	}
	if v := os.Getenv("TRADER_VENUE_MODE"); v != "" {
		cfg.Venue.Mode = v
	}
	if v := os.Getenv("TRADER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TRADER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TRADER_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TRADER_TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TRADER_TELEGRAM_CHAT_ID %q: %w", v, err)
		}
		cfg.Telegram.ChatID = id
	}
	if v := os.Getenv("TRADER_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Tinkoff.SandboxFundsRub == 0 {
		cfg.Tinkoff.SandboxFundsRub = 1000000
	}
	if cfg.Venue.Mode == "" {
		cfg.Venue.Mode = VenuePaper
	}
	if cfg.Feed.Source == "" {
		cfg.Feed.Source = FeedBroker
	}
	if cfg.Feed.PollInterval == 0 {
		cfg.Feed.PollInterval = 10 * time.Second
	}
	if cfg.Feed.Timeout == 0 {
		cfg.Feed.Timeout = 3 * time.Second
	}
	if cfg.Feed.MaxAge == 0 {
		cfg.Feed.MaxAge = 2 * time.Minute
	}
	if cfg.Sampler.Window == 0 {
		cfg.Sampler.Window = 15 * time.Minute
	}
	if cfg.Sampler.MinSamples == 0 {
		cfg.Sampler.MinSamples = 5
	}
	if len(cfg.Entry.TrancheRatios) == 0 {
		cfg.Entry.TrancheRatios = []float64{0.3, 0.3, 0.4}
	}
	if cfg.Entry.PollInterval == 0 {
		cfg.Entry.PollInterval = 10 * time.Second
	}
	if cfg.Entry.Cooldown == 0 {
		cfg.Entry.Cooldown = time.Minute
	}
	if cfg.Entry.WarmupTimeout == 0 {
		cfg.Entry.WarmupTimeout = 15 * time.Minute
	}
	if cfg.Entry.Deadline == 0 {
		cfg.Entry.Deadline = 30 * time.Minute
	}
	if cfg.Exit.PollInterval == 0 {
		cfg.Exit.PollInterval = 15 * time.Second
	}
	if cfg.Exit.StopLossPct == 0 {
		cfg.Exit.StopLossPct = 3.0
	}
	if cfg.Exit.TakeProfitPct == 0 {
		cfg.Exit.TakeProfitPct = 5.0
	}
	if cfg.Exit.MaxHold == 0 {
		cfg.Exit.MaxHold = 72 * time.Hour
	}
	if cfg.Exit.Emergency.MinStrength == 0 {
		cfg.Exit.Emergency.MinStrength = 0.7
	}
	if cfg.Exit.Emergency.Recency == 0 {
		cfg.Exit.Emergency.Recency = 10 * time.Minute
	}
	r := &cfg.Exit.Reversal
	if r.Bars == 0 {
		r.Bars = 2
	}
	if r.BaselineBars == 0 {
		r.BaselineBars = 5
	}
	if r.BarInterval == 0 {
		r.BarInterval = time.Minute
	}
	if r.VolumeRatio == 0 {
		r.VolumeRatio = 1.5
	}
	if r.MinMovePct == 0 {
		r.MinMovePct = 0.5
	}
	if r.WinningPct == 0 {
		r.WinningPct = 1.0
	}
	if len(cfg.Exit.Trailing.Brackets) == 0 {
		cfg.Exit.Trailing.Brackets = []BracketConfig{
			{UpTo: 1000, Step: 100},
			{UpTo: 5000, Step: 250},
			{UpTo: 0, Step: 500},
		}
	}
	if cfg.Exit.Trailing.ActivationProfit == 0 {
		cfg.Exit.Trailing.ActivationProfit = 300
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/trader.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Venue.Mode {
	case VenuePaper:
	case VenueSandbox, VenueLive:
		if c.Tinkoff.Token == "" {
			return fmt.Errorf("tinkoff.token is required for venue.mode %q", c.Venue.Mode)
		}
	default:
		return fmt.Errorf("venue.mode must be paper, sandbox or live, got %q", c.Venue.Mode)
	}
	if c.Venue.SlippageBps < 0 {
		return fmt.Errorf("venue.slippage_bps must not be negative")
	}

	switch c.Feed.Source {
	case FeedBroker:
		if c.Tinkoff.Token == "" {
			return fmt.Errorf("tinkoff.token is required for feed.source %q", FeedBroker)
		}
	case FeedRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("feed.source %q requires redis.enabled", FeedRedis)
		}
	default:
		return fmt.Errorf("feed.source must be broker or redis, got %q", c.Feed.Source)
	}

	if c.Sampler.MinSamples < 1 {
		return fmt.Errorf("sampler.min_samples must be at least 1")
	}
	if err := c.Entry.validate(); err != nil {
		return err
	}
	if err := c.Exit.validate(c.Sampler.Window); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval must not be below retry.initial_interval")
	}

	if err := positive(map[string]time.Duration{
		"feed.poll_interval":     c.Feed.PollInterval,
		"feed.timeout":           c.Feed.Timeout,
		"sampler.window":         c.Sampler.Window,
		"retry.initial_interval": c.Retry.InitialInterval,
	}); err != nil {
		return err
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (e EntryConfig) validate() error {
	n := len(e.TrancheRatios)
	if n < 3 || n > 5 {
		return fmt.Errorf("entry.tranche_ratios needs 3 to 5 values, got %d", n)
	}
	if _, err := e.Ratios(); err != nil {
		return err
	}
	if e.Deadline <= e.Cooldown {
		return fmt.Errorf("entry.deadline must exceed entry.cooldown")
	}
	return positive(map[string]time.Duration{
		"entry.poll_interval":  e.PollInterval,
		"entry.cooldown":       e.Cooldown,
		"entry.warmup_timeout": e.WarmupTimeout,
		"entry.deadline":       e.Deadline,
	})
}

// Ratios converts the configured ratios and checks they sum to one.
func (e EntryConfig) Ratios() ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(e.TrancheRatios))
	sum := decimal.Zero
	for i, r := range e.TrancheRatios {
		if r <= 0 {
			return nil, fmt.Errorf("entry.tranche_ratios[%d] must be positive", i)
		}
		out[i] = decimal.NewFromFloat(r)
		sum = sum.Add(out[i])
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.New(1, -6)) {
		return nil, fmt.Errorf("entry.tranche_ratios sum to %s, want 1", sum)
	}
	return out, nil
}

func (x ExitConfig) validate(window time.Duration) error {
	if x.StopLossPct <= 0 || x.StopLossPct >= 100 {
		return fmt.Errorf("exit.stop_loss_pct must be in (0, 100)")
	}
	if x.TakeProfitPct <= 0 {
		return fmt.Errorf("exit.take_profit_pct must be positive")
	}
	if x.Emergency.MinStrength < 0 {
		return fmt.Errorf("exit.emergency.min_strength must not be negative")
	}
	r := x.Reversal
	if r.Bars < 1 || r.BaselineBars < 1 {
		return fmt.Errorf("exit.reversal.bars and baseline_bars must be at least 1")
	}
	if r.VolumeRatio <= 0 || r.MinMovePct < 0 {
		return fmt.Errorf("exit.reversal.volume_ratio must be positive and min_move_pct not negative")
	}
	if span := time.Duration(r.Bars+r.BaselineBars+1) * r.BarInterval; span > window {
		return fmt.Errorf("exit.reversal needs %s of bars but sampler.window is %s", span, window)
	}
	if x.Trailing.ActivationProfit < 0 {
		return fmt.Errorf("exit.trailing.activation_profit must not be negative")
	}
	if err := validateBrackets(x.Trailing.Brackets); err != nil {
		return err
	}
	return positive(map[string]time.Duration{
		"exit.poll_interval":         x.PollInterval,
		"exit.max_hold":              x.MaxHold,
		"exit.emergency.recency":     x.Emergency.Recency,
		"exit.reversal.bar_interval": r.BarInterval,
	})
}

// validateBrackets requires increasing bounds, non-decreasing steps and an
// open-ended last bracket.
func validateBrackets(bs []BracketConfig) error {
	if len(bs) == 0 {
		return fmt.Errorf("exit.trailing.brackets must not be empty")
	}
	for i, b := range bs {
		if b.Step <= 0 {
			return fmt.Errorf("exit.trailing.brackets[%d].step must be positive", i)
		}
		last := i == len(bs)-1
		if last != (b.UpTo == 0) {
			return fmt.Errorf("exit.trailing.brackets: only the last bracket may be open-ended (up_to: 0)")
		}
		if i == 0 {
			continue
		}
		prev := bs[i-1]
		if !last && b.UpTo <= prev.UpTo {
			return fmt.Errorf("exit.trailing.brackets[%d].up_to must increase", i)
		}
		if b.Step < prev.Step {
			return fmt.Errorf("exit.trailing.brackets[%d].step must not decrease", i)
		}
	}
	return nil
}

func positive(ds map[string]time.Duration) error {
	for name, d := range ds {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
