package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
	"gopkg.in/yaml.v3"
)

const (
	ExchangeBybit = "bybit"
	ExchangePaper = "paper"

	EnvAPIKey    = "BYBIT_API_KEY"
	EnvAPISecret = "BYBIT_API_SECRET"
)

type ExchangeConfig struct {
	Name             string  `yaml:"name"` // bybit or paper
	APIKey           string  `yaml:"api_key"`
	APISecret        string  `yaml:"api_secret"`
	Testnet          bool    `yaml:"testnet"`
	RESTEndpoint     string  `yaml:"rest_endpoint"`
	WSEndpoint       string  `yaml:"ws_endpoint"`
	OrdersPerSecond  float64 `yaml:"orders_per_second"`
	PaperSlippagePct float64 `yaml:"paper_slippage_pct"`
	Stream           bool    `yaml:"stream"` // ticker websocket in addition to polling
}

// GridEntry is one grid as written in the config file. A zero center price
// means the market price at start.
type GridEntry struct {
	Symbol                string        `yaml:"symbol"`
	CenterPrice           float64       `yaml:"center_price"`
	GridSpacingPct        float64       `yaml:"grid_spacing_pct"`
	TotalInvestment       float64       `yaml:"total_investment"`
	Leverage              int           `yaml:"leverage"`
	MaxPositions          int           `yaml:"max_positions"`
	ReserveRatio          *float64      `yaml:"reserve_ratio"`
	MinProfitAfterFeesPct float64       `yaml:"min_profit_after_fees_pct"`
	RebalanceThresholdPct float64       `yaml:"rebalance_threshold_pct"`
	WatchDepth            int           `yaml:"watch_depth"`
	LevelCooldown         time.Duration `yaml:"level_cooldown"`
	FixedLevelSizeUSD     float64       `yaml:"fixed_level_size_usd"`
	StopLossPct           float64       `yaml:"stop_loss_pct"`
	TakeProfitPct         float64       `yaml:"take_profit_pct"`
	CloseOnStop           bool          `yaml:"close_on_stop"`
}

// GridConfig converts the entry with the given center price.
func (g GridEntry) GridConfig(center float64) domain.GridConfig {
	reserve, noReserve := domain.DefaultReserveRatio, false
	if g.ReserveRatio != nil {
		reserve = *g.ReserveRatio
		noReserve = reserve == 0
	}
	return domain.GridConfig{
		Symbol:                strings.ToUpper(g.Symbol),
		CenterPrice:           center,
		GridSpacingPct:        g.GridSpacingPct,
		TotalInvestment:       g.TotalInvestment,
		Leverage:              g.Leverage,
		MaxPositions:          g.MaxPositions,
		ReserveRatio:          reserve,
		NoReserve:             noReserve,
		MinProfitAfterFeesPct: g.MinProfitAfterFeesPct,
		RebalanceThresholdPct: g.RebalanceThresholdPct,
		WatchDepth:            g.WatchDepth,
		LevelCooldown:         g.LevelCooldown,
		FixedLevelSizeUSD:     g.FixedLevelSizeUSD,
		StopLossPct:           g.StopLossPct,
		TakeProfitPct:         g.TakeProfitPct,
		CloseOnStop:           g.CloseOnStop,
	}.WithDefaults()
}

type PollingConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	OrderTimeout time.Duration `yaml:"order_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the HTTP server
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type Config struct {
	Exchange           ExchangeConfig       `yaml:"exchange"`
	Costs              usecase.CostConfig   `yaml:"costs"`
	Grids              []GridEntry          `yaml:"grids"`
	LeverageCaps       map[string]int       `yaml:"leverage_caps"`
	DefaultLeverageCap int                  `yaml:"default_leverage_cap"`
	Signals            usecase.SignalConfig `yaml:"signals"`
	Safety             usecase.SafetyConfig `yaml:"safety"`
	Polling            PollingConfig        `yaml:"polling"`
	Logging            LoggingConfig        `yaml:"logging"`
	Server             ServerConfig         `yaml:"server"`
	Storage            StorageConfig        `yaml:"storage"`
}

// Default is the configuration every file is decoded on top of.
func Default() *Config {
	cfg := &Config{
		Exchange:           ExchangeConfig{Name: ExchangePaper, PaperSlippagePct: 0.02},
		Costs:              usecase.DefaultCostConfig(),
		DefaultLeverageCap: usecase.DefaultLeverageCap,
		Signals:            usecase.DefaultSignalConfig(),
		Polling: PollingConfig{
			Interval:     usecase.DefaultPollInterval,
			Timeout:      usecase.DefaultPollTimeout,
			OrderTimeout: usecase.DefaultOrderTimeout,
			QueueSize:    usecase.DefaultQueueSize,
		},
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{Path: "gridbot.db"},
	}
	return cfg
}

// Load reads .env (if present) and the YAML file at path. API credentials
// from the environment take precedence over the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Exchange.APISecret = v
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Exchange.Name = strings.ToLower(c.Exchange.Name)
	caps := make(map[string]int, len(c.LeverageCaps))
	for symbol, lev := range c.LeverageCaps {
		caps[strings.ToUpper(symbol)] = lev
	}
	c.LeverageCaps = caps
}

func (c *Config) Validate() error {
	switch c.Exchange.Name {
	case ExchangePaper:
	case ExchangeBybit:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return &domain.ConfigurationError{Field: "exchange.api_key", Reason: "bybit requires " + EnvAPIKey + " and " + EnvAPISecret}
		}
	default:
		return &domain.ConfigurationError{Field: "exchange.name", Reason: fmt.Sprintf("unknown exchange %q", c.Exchange.Name)}
	}
	if c.Exchange.PaperSlippagePct < 0 {
		return &domain.ConfigurationError{Field: "exchange.paper_slippage_pct", Reason: "must not be negative"}
	}
	if err := c.Costs.Validate(); err != nil {
		return err
	}
	if err := c.Signals.Validate(); err != nil {
		return err
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if c.DefaultLeverageCap < 1 {
		return &domain.ConfigurationError{Field: "default_leverage_cap", Reason: "must be at least 1"}
	}

	seen := make(map[string]bool)
	for i, g := range c.Grids {
		// a placeholder center lets an unresolved market price pass validation
		center := g.CenterPrice
		if center == 0 {
			center = 1
		}
		if err := g.GridConfig(center).Validate(); err != nil {
			var cfgErr *domain.ConfigurationError
			if errors.As(err, &cfgErr) {
				return &domain.ConfigurationError{Field: fmt.Sprintf("grids[%d].%s", i, cfgErr.Field), Reason: cfgErr.Reason}
			}
			return err
		}
		symbol := strings.ToUpper(g.Symbol)
		if seen[symbol] {
			return &domain.ConfigurationError{Field: fmt.Sprintf("grids[%d].symbol", i), Reason: "duplicate " + symbol}
		}
		seen[symbol] = true
	}
	return nil
}

// ToServiceConfig maps the file onto the grid service settings.
func (c *Config) ToServiceConfig() usecase.ServiceConfig {
	return usecase.ServiceConfig{
		Costs:              c.Costs,
		Signals:            c.Signals,
		Safety:             c.Safety,
		LeverageCaps:       c.LeverageCaps,
		DefaultLeverageCap: c.DefaultLeverageCap,
		OrderTimeout:       c.Polling.OrderTimeout,
		QueueSize:          c.Polling.QueueSize,
	}
}

// Symbols lists the configured grid symbols in file order.
func (c *Config) Symbols() []string {
	symbols := make([]string, 0, len(c.Grids))
	for _, g := range c.Grids {
		symbols = append(symbols, strings.ToUpper(g.Symbol))
	}
	return symbols
}
