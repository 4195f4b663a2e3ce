package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chart-signal-alerts/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CHARTSIGNAL_MARKET_SYMBOLS.
const EnvPrefix = "CHARTSIGNAL"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Market    MarketConfig    `mapstructure:"market"`
	Chart     ChartConfig     `mapstructure:"chart"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Digest    DigestConfig    `mapstructure:"digest"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps the
// quota state in JSON files.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SymbolPause     time.Duration `mapstructure:"symbol_pause"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// MarketConfig selects the candle source and the watched symbols.
type MarketConfig struct {
	Provider       string        `mapstructure:"provider"`
	Symbols        []string      `mapstructure:"symbols"`
	Timeframe      string        `mapstructure:"timeframe"`
	Lookback       int           `mapstructure:"lookback"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Alpaca         AlpacaConfig  `mapstructure:"alpaca"`
}

// AlpacaConfig holds Alpaca market data credentials.
type AlpacaConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	Feed      string `mapstructure:"feed"`
}

// ChartConfig sizes the rendered chart.
type ChartConfig struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	SMAPeriod int `mapstructure:"sma_period"`
	EMAPeriod int `mapstructure:"ema_period"`
}

// AnalyzerConfig configures the vision model.
type AnalyzerConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	ProxyURL    string        `mapstructure:"proxy_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	Prompt      string        `mapstructure:"prompt"`
}

// QuotaConfig configures request accounting.
type QuotaConfig struct {
	TimeZone     string `mapstructure:"time_zone"`
	DailyLimit   int    `mapstructure:"daily_limit"`
	MonthlyLimit int    `mapstructure:"monthly_limit"`
	Period       string `mapstructure:"period"`
	LogPath      string `mapstructure:"log_path"`
	ResetPath    string `mapstructure:"reset_path"`
}

// DeliveryConfig tunes retries of outgoing messages.
type DeliveryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines where signals are sent.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram sink.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DigestConfig schedules the usage digest.
type DigestConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	Recent   int    `mapstructure:"recent"`
}

// HTTPConfig exposes status and metrics. An empty address disables the listener.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// legacyEnv maps config keys to the variable names older deployments use.
var legacyEnv = map[string][]string{
	"alerting.telegram.bot_token": {"BOT_TOKEN"},
	"alerting.telegram.chat_id":   {"CHAT_ID"},
	"analyzer.api_key":            {"GOOGLE_API_KEY"},
	"analyzer.model":              {"GOOGLE_MODEL"},
	"analyzer.proxy_url":          {"PROXY_URL"},
	"market.alpaca.api_key":       {"APCA_API_KEY_ID"},
	"market.alpaca.api_secret":    {"APCA_API_SECRET_KEY"},
	"database.dsn":                {"DATABASE_URL"},
}

// LoadDotEnv copies variables from the given .env files into the process
// environment without overriding values that are already set. Missing files
// are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindLegacyEnv binds each key to its prefixed variable first and then to
// the legacy names, so the prefixed form wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	for key, names := range legacyEnv {
		envs := append([]string{key, EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(envs...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chartsignal")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "6m")
	v.SetDefault("scheduler.symbol_pause", "5s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63687274))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("market.provider", "yahoo")
	v.SetDefault("market.symbols", []string{})
	v.SetDefault("market.timeframe", "5m")
	v.SetDefault("market.lookback", 100)
	v.SetDefault("market.request_timeout", "15s")
	v.SetDefault("market.base_url", "")
	v.SetDefault("market.user_agent", "")
	v.SetDefault("market.alpaca.base_url", "")
	v.SetDefault("market.alpaca.feed", "iex")

	v.SetDefault("chart.width", 1280)
	v.SetDefault("chart.height", 720)
	v.SetDefault("chart.sma_period", 20)
	v.SetDefault("chart.ema_period", 9)

	v.SetDefault("analyzer.provider", "google")
	v.SetDefault("analyzer.model", "gemini-2.5-flash")
	v.SetDefault("analyzer.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("analyzer.timeout", "120s")
	v.SetDefault("analyzer.temperature", 0.0)
	v.SetDefault("analyzer.prompt", "")

	v.SetDefault("quota.time_zone", "America/Los_Angeles")
	v.SetDefault("quota.daily_limit", 250)
	v.SetDefault("quota.monthly_limit", 7500)
	v.SetDefault("quota.period", "day")
	v.SetDefault("quota.log_path", "request_log.json")
	v.SetDefault("quota.reset_path", "last_reset.json")

	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.base_delay", "2s")
	v.SetDefault("delivery.timeout", "60s")

	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("digest.enabled", false)
	v.SetDefault("digest.schedule", "0 9 * * *")
	v.SetDefault("digest.recent", 5)

	v.SetDefault("http.listen_addr", "")

	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalise() {
	symbols := make([]string, 0, len(c.Market.Symbols))
	seen := make(map[string]struct{}, len(c.Market.Symbols))
	for _, s := range c.Market.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	c.Market.Symbols = symbols
	c.Market.Provider = strings.ToLower(strings.TrimSpace(c.Market.Provider))
	c.Quota.Period = strings.ToLower(strings.TrimSpace(c.Quota.Period))
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.SymbolPause < 0 {
		return fmt.Errorf("scheduler.symbol_pause cannot be negative")
	}
	switch c.Market.Provider {
	case "yahoo", "alpaca":
	default:
		return fmt.Errorf("market.provider must be yahoo or alpaca, got %q", c.Market.Provider)
	}
	if c.Market.Lookback < 2 {
		return fmt.Errorf("market.lookback must be at least 2")
	}
	if c.Analyzer.Timeout <= 0 {
		return fmt.Errorf("analyzer.timeout must be greater than zero")
	}
	if c.Quota.DailyLimit < 0 || c.Quota.MonthlyLimit < 0 {
		return fmt.Errorf("quota limits cannot be negative")
	}
	switch c.Quota.Period {
	case "day", "month":
	default:
		return fmt.Errorf("quota.period must be day or month, got %q", c.Quota.Period)
	}
	if _, err := time.LoadLocation(c.Quota.TimeZone); err != nil {
		return fmt.Errorf("quota.time_zone: %w", err)
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be greater than zero")
	}
	if c.Delivery.BaseDelay < 0 || c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.base_delay cannot be negative and delivery.timeout must be positive")
	}
	return nil
}
