// Package config provides configuration management for the desk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"wysetrade-desk/internal/broker"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/logging"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/segment"
	"wysetrade-desk/internal/workflow"
)

// Backend kinds.
const (
	BackendKite  = "kite"
	BackendREST  = "rest"
	BackendPaper = "paper"
)

// Config holds all application configuration.
type Config struct {
	Backend     BackendConfig  `mapstructure:"backend"`
	Polling     PollingConfig  `mapstructure:"polling"`
	Segments    SegmentsConfig `mapstructure:"segments"`
	Server      ServerConfig   `mapstructure:"server"`
	Store       StoreConfig    `mapstructure:"store"`
	Log         LogConfig      `mapstructure:"log"`
	UI          UIConfig       `mapstructure:"ui"`
	Notify      NotifyConfig   `mapstructure:"notifications"`
	Credentials Credentials    `mapstructure:"-" json:"-"` // Loaded separately

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// BackendConfig selects and tunes the brokerage backend.
type BackendConfig struct {
	Kind              string         `mapstructure:"kind"` // kite, rest, paper
	BaseURL           string         `mapstructure:"base_url"`
	Timeout           time.Duration  `mapstructure:"timeout"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	HistoricalRate    float64        `mapstructure:"historical_rate"`
	CacheTTL          time.Duration  `mapstructure:"cache_ttl"`
	PaperCash         float64        `mapstructure:"paper_cash"`
	PaperHoldings     map[string]int `mapstructure:"paper_holdings"`
}

// PollingConfig holds every interval the desk polls on.
type PollingConfig struct {
	Instruments            time.Duration `mapstructure:"instruments"`
	Positions              time.Duration `mapstructure:"positions"`
	Margins                time.Duration `mapstructure:"margins"`
	Orders                 time.Duration `mapstructure:"orders"`
	LivePrice              time.Duration `mapstructure:"live_price"`
	OrderStatus            time.Duration `mapstructure:"order_status"`
	EstimateDebounce       time.Duration `mapstructure:"estimate_debounce"`
	FetchTimeout           time.Duration `mapstructure:"fetch_timeout"`
	Candles                int           `mapstructure:"candles"`
	Scale                  string        `mapstructure:"scale"`
	TransientTripThreshold int           `mapstructure:"transient_trip_threshold"`
}

// SegmentsConfig holds the instrument universe of each listing segment.
// Empty lists fall back to the built-in universe.
type SegmentsConfig struct {
	Nifty     []broker.Member `mapstructure:"nifty"`
	BankNifty []broker.Member `mapstructure:"bank_nifty"`
}

// ServerConfig holds the HTTP presentation server settings.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	Mode        string `mapstructure:"mode"` // gin mode: debug, release, test
	OpenBrowser bool   `mapstructure:"open_browser"`
}

// StoreConfig holds local persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// UIConfig holds terminal output settings.
type UIConfig struct {
	ColorEnabled bool `mapstructure:"color_enabled"`
}

// NotifyConfig controls order outcome notifications while serving.
type NotifyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Bell           bool          `mapstructure:"bell"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
	Desk    DeskCredentials    `mapstructure:"desk"`
}

// ZerodhaCredentials holds Kite Connect credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DeskCredentials holds the REST backend bearer token.
type DeskCredentials struct {
	APIToken string `mapstructure:"api_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/wysetrade-desk"
	}
	return filepath.Join(home, ".config", "wysetrade-desk")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files are
// replaced by templates and defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env in the working directory wins over one in the config directory;
	// neither overrides variables already set.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{Dir: configDir}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	d := segment.DefaultConfig()
	w := workflow.DefaultConfig()

	v.SetDefault("backend.kind", BackendPaper)
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.requests_per_second", 10.0)
	v.SetDefault("backend.historical_rate", 3.0)
	v.SetDefault("backend.cache_ttl", "6h")
	v.SetDefault("backend.paper_cash", 1000000.0)

	v.SetDefault("polling.instruments", d.InstrumentInterval.String())
	v.SetDefault("polling.positions", d.PositionsInterval.String())
	v.SetDefault("polling.margins", d.MarginsInterval.String())
	v.SetDefault("polling.orders", d.OrdersInterval.String())
	v.SetDefault("polling.live_price", w.LivePriceInterval.String())
	v.SetDefault("polling.order_status", w.StatusInterval.String())
	v.SetDefault("polling.estimate_debounce", w.EstimateDebounce.String())
	v.SetDefault("polling.fetch_timeout", d.FetchTimeout.String())
	v.SetDefault("polling.candles", 20)
	v.SetDefault("polling.scale", broker.DefaultScale)
	v.SetDefault("polling.transient_trip_threshold", 0)

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.open_browser", true)

	v.SetDefault("store.path", filepath.Join(configDir, "desk.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "desk.log"))
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)

	v.SetDefault("ui.color_enabled", true)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.bell", true)
	v.SetDefault("notifications.webhook_timeout", "10s")
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}
	if v := os.Getenv("DESK_API_TOKEN"); v != "" {
		cfg.Credentials.Desk.APIToken = v
	}
	if v := os.Getenv("DESK_BACKEND"); v != "" {
		cfg.Backend.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("DESK_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("DESK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DESK_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	switch c.Backend.Kind {
	case BackendPaper:
	case BackendREST:
		if c.Backend.BaseURL == "" {
			return invalid("backend.base_url is required for the rest backend")
		}
	case BackendKite:
		if c.Credentials.Zerodha.APIKey == "" {
			return invalid("zerodha api_key is required for the kite backend (set KITE_API_KEY)")
		}
	default:
		return invalid("unknown backend %q (must be kite, rest or paper)", c.Backend.Kind)
	}

	positive := map[string]time.Duration{
		"polling.instruments":   c.Polling.Instruments,
		"polling.positions":     c.Polling.Positions,
		"polling.margins":       c.Polling.Margins,
		"polling.orders":        c.Polling.Orders,
		"polling.live_price":    c.Polling.LivePrice,
		"polling.order_status":  c.Polling.OrderStatus,
		"polling.fetch_timeout": c.Polling.FetchTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if c.Polling.EstimateDebounce < 0 {
		return invalid("polling.estimate_debounce must not be negative")
	}
	if c.Polling.Candles < 1 || c.Polling.Candles > 200 {
		return invalid("polling.candles must be between 1 and 200")
	}
	if c.Polling.Scale != "" && !broker.ValidScale(c.Polling.Scale) {
		return invalid("polling.scale %q is not one of %s", c.Polling.Scale, strings.Join(broker.Scales, ", "))
	}
	if c.Polling.TransientTripThreshold < 0 {
		return invalid("polling.transient_trip_threshold must not be negative")
	}
	if u := c.Notify.WebhookURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return invalid("notifications.webhook_url must be an http or https URL")
	}
	if c.Backend.PaperCash < 0 {
		return invalid("backend.paper_cash must not be negative")
	}
	for _, m := range append(append([]broker.Member(nil), c.Segments.Nifty...), c.Segments.BankNifty...) {
		if strings.TrimSpace(m.Symbol) == "" {
			return invalid("segment members need a symbol")
		}
	}
	return nil
}

// Universe returns the configured listing universes, falling back to the
// built-in lists for segments left empty.
func (c *Config) Universe() broker.Universe {
	u := broker.DefaultUniverse()
	if len(c.Segments.Nifty) > 0 {
		u[models.SegmentNifty] = c.Segments.Nifty
	}
	if len(c.Segments.BankNifty) > 0 {
		u[models.SegmentBankNifty] = c.Segments.BankNifty
	}
	return u
}

// SegmentConfig derives the segment board configuration.
func (c *Config) SegmentConfig() segment.Config {
	sc := segment.DefaultConfig()
	sc.InstrumentInterval = c.Polling.Instruments
	sc.PositionsInterval = c.Polling.Positions
	sc.MarginsInterval = c.Polling.Margins
	sc.OrdersInterval = c.Polling.Orders
	sc.FetchTimeout = c.Polling.FetchTimeout
	if c.Polling.Scale != "" {
		sc.DefaultScale = c.Polling.Scale
	}
	sc.Breaker.TransientThreshold = c.Polling.TransientTripThreshold
	return sc
}

// WorkflowConfig derives the order workflow configuration.
func (c *Config) WorkflowConfig() workflow.Config {
	return workflow.Config{
		LivePriceInterval: c.Polling.LivePrice,
		StatusInterval:    c.Polling.OrderStatus,
		EstimateDebounce:  c.Polling.EstimateDebounce,
		CallTimeout:       c.Polling.FetchTimeout,
	}
}

// LogConfig derives the logger configuration.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Log.Level,
		Console:    c.Log.Console,
		File:       c.Log.File,
		FilePath:   c.Log.FilePath,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
	}
}

// IsPaperMode returns true if the paper backend is selected.
func (c *Config) IsPaperMode() bool {
	return c.Backend.Kind == BackendPaper
}
