// Package config loads and validates the engine configuration
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trade_engine/internal/core"
	"trade_engine/internal/execution"
	"trade_engine/internal/monitor"
	"trade_engine/internal/orderbook"
	"trade_engine/internal/risk"
)

// Config is the complete engine configuration
type Config struct {
	App               AppConfig               `yaml:"app"`
	Exchange          ExchangeConfig          `yaml:"exchange"`
	CurrencyPair      CurrencyPairConfig      `yaml:"currency_pair"`
	BuyOrderMonitor   BuyOrderMonitorConfig   `yaml:"buy_order_monitor"`
	OrderbookAnalyzer OrderbookAnalyzerConfig `yaml:"orderbook_analyzer"`
	RiskManagement    RiskManagementConfig    `yaml:"risk_management"`
	Execution         ExecutionConfig         `yaml:"execution"`
	Telemetry         TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Exchange string `yaml:"exchange"`
	LogLevel string `yaml:"log_level"`
}

// ExchangeConfig carries venue credentials; values are env-expanded
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

// CurrencyPairConfig is the traded market and its policy
type CurrencyPairConfig struct {
	Base                 string  `yaml:"base"`
	Quote                string  `yaml:"quote"`
	DealQuota            float64 `yaml:"deal_quota"`
	DealCount            int     `yaml:"deal_count"`
	ProfitMarkup         float64 `yaml:"profit_markup"`
	OrderLifeTimeMinutes int     `yaml:"order_life_time_minutes"`
}

// BuyOrderMonitorConfig tunes the stale-buy supervisor
type BuyOrderMonitorConfig struct {
	MaxAgeMinutes                   int     `yaml:"max_age_minutes"`
	MaxPriceDeviationPercent        float64 `yaml:"max_price_deviation_percent"`
	CheckIntervalSeconds            int     `yaml:"check_interval_seconds"`
	MaxRecreationsPerDeal           int     `yaml:"max_recreations_per_deal"`
	MinTimeBetweenRecreationsMinutes int    `yaml:"min_time_between_recreations_minutes"`
}

// OrderbookAnalyzerConfig tunes the entry gate
type OrderbookAnalyzerConfig struct {
	MinVolumeThreshold float64 `yaml:"min_volume_threshold"`
	BigWallThreshold   float64 `yaml:"big_wall_threshold"`
	MaxSpreadPercent   float64 `yaml:"max_spread_percent"`
	MinLiquidityDepth  int     `yaml:"min_liquidity_depth"`
	TypicalOrderSize   float64 `yaml:"typical_order_size"`
}

// SmartStopLossConfig holds the drawdown tiers
type SmartStopLossConfig struct {
	WarningPercent   float64 `yaml:"warning_percent"`
	CriticalPercent  float64 `yaml:"critical_percent"`
	EmergencyPercent float64 `yaml:"emergency_percent"`
}

// RiskManagementConfig tunes the stop-loss supervisor
type RiskManagementConfig struct {
	EnableStopLoss               bool                `yaml:"enable_stop_loss"`
	StopLossCheckIntervalSeconds int                 `yaml:"stop_loss_check_interval_seconds"`
	SmartStopLoss                SmartStopLossConfig `yaml:"smart_stop_loss"`
}

// ExecutionConfig tunes the coordinator
type ExecutionConfig struct {
	MaxExecutionTimeSec      int  `yaml:"max_execution_time_sec"`
	EnableRiskChecks         bool `yaml:"enable_risk_checks"`
	EnableBalanceChecks      bool `yaml:"enable_balance_checks"`
	EnableSlippageProtection bool `yaml:"enable_slippage_protection"`
}

// TelemetryConfig controls the metrics endpoint
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError reports one invalid configuration field
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads, env-expands, parses, and validates a YAML config file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL", ""}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		errs = append(errs, ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be DEBUG, INFO, WARN, ERROR, or FATAL"}.Error())
	}

	if c.CurrencyPair.Base == "" || c.CurrencyPair.Quote == "" {
		errs = append(errs, ValidationError{Field: "currency_pair", Message: "base and quote are required"}.Error())
	}
	if c.CurrencyPair.DealQuota <= 0 {
		errs = append(errs, ValidationError{Field: "currency_pair.deal_quota", Value: c.CurrencyPair.DealQuota, Message: "must be positive"}.Error())
	}
	if c.CurrencyPair.DealCount <= 0 {
		errs = append(errs, ValidationError{Field: "currency_pair.deal_count", Value: c.CurrencyPair.DealCount, Message: "must be positive"}.Error())
	}
	if c.CurrencyPair.ProfitMarkup <= 0 || c.CurrencyPair.ProfitMarkup >= 1 {
		errs = append(errs, ValidationError{Field: "currency_pair.profit_markup", Value: c.CurrencyPair.ProfitMarkup, Message: "must be a fraction in (0, 1)"}.Error())
	}

	if c.BuyOrderMonitor.MaxAgeMinutes <= 0 {
		errs = append(errs, ValidationError{Field: "buy_order_monitor.max_age_minutes", Value: c.BuyOrderMonitor.MaxAgeMinutes, Message: "must be positive"}.Error())
	}
	if c.BuyOrderMonitor.MaxPriceDeviationPercent <= 0 {
		errs = append(errs, ValidationError{Field: "buy_order_monitor.max_price_deviation_percent", Value: c.BuyOrderMonitor.MaxPriceDeviationPercent, Message: "must be positive"}.Error())
	}

	if c.OrderbookAnalyzer.MinLiquidityDepth <= 0 {
		errs = append(errs, ValidationError{Field: "orderbook_analyzer.min_liquidity_depth", Value: c.OrderbookAnalyzer.MinLiquidityDepth, Message: "must be positive"}.Error())
	}
	if c.OrderbookAnalyzer.MaxSpreadPercent <= 0 {
		errs = append(errs, ValidationError{Field: "orderbook_analyzer.max_spread_percent", Value: c.OrderbookAnalyzer.MaxSpreadPercent, Message: "must be positive"}.Error())
	}

	ssl := c.RiskManagement.SmartStopLoss
	if c.RiskManagement.EnableStopLoss {
		if ssl.WarningPercent <= 0 || ssl.CriticalPercent <= ssl.WarningPercent || ssl.EmergencyPercent <= ssl.CriticalPercent {
			errs = append(errs, ValidationError{Field: "risk_management.smart_stop_loss", Message: "tiers must be positive and strictly increasing"}.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// Pair builds the core.CurrencyPair policy fields; precision fields are
// filled from the exchange at startup.
func (c *Config) Pair() core.CurrencyPair {
	return core.CurrencyPair{
		Symbol:               c.CurrencyPair.Base + "/" + c.CurrencyPair.Quote,
		Base:                 c.CurrencyPair.Base,
		Quote:                c.CurrencyPair.Quote,
		DealQuota:            decimal.NewFromFloat(c.CurrencyPair.DealQuota),
		DealCount:            c.CurrencyPair.DealCount,
		ProfitMarkup:         decimal.NewFromFloat(c.CurrencyPair.ProfitMarkup),
		OrderLifeTimeMinutes: c.CurrencyPair.OrderLifeTimeMinutes,
	}
}

// StaleBuyConfig converts the monitor section
func (c *Config) StaleBuyConfig() monitor.StaleBuyConfig {
	return monitor.StaleBuyConfig{
		MaxAge:                    time.Duration(c.BuyOrderMonitor.MaxAgeMinutes) * time.Minute,
		MaxPriceDeviationPercent:  decimal.NewFromFloat(c.BuyOrderMonitor.MaxPriceDeviationPercent),
		CheckInterval:             time.Duration(c.BuyOrderMonitor.CheckIntervalSeconds) * time.Second,
		MaxRecreationsPerDeal:     c.BuyOrderMonitor.MaxRecreationsPerDeal,
		MinTimeBetweenRecreations: time.Duration(c.BuyOrderMonitor.MinTimeBetweenRecreationsMinutes) * time.Minute,
	}
}

// AnalyzerConfig converts the analyzer section
func (c *Config) AnalyzerConfig() orderbook.Config {
	return orderbook.Config{
		MinVolumeThreshold: decimal.NewFromFloat(c.OrderbookAnalyzer.MinVolumeThreshold),
		BigWallThreshold:   decimal.NewFromFloat(c.OrderbookAnalyzer.BigWallThreshold),
		MaxSpreadPercent:   decimal.NewFromFloat(c.OrderbookAnalyzer.MaxSpreadPercent),
		MinLiquidityDepth:  c.OrderbookAnalyzer.MinLiquidityDepth,
		TypicalOrderSize:   decimal.NewFromFloat(c.OrderbookAnalyzer.TypicalOrderSize),
	}
}

// StopLossConfig converts the risk section
func (c *Config) StopLossConfig() risk.StopLossConfig {
	cfg := risk.DefaultStopLossConfig()
	cfg.Enabled = c.RiskManagement.EnableStopLoss
	if c.RiskManagement.StopLossCheckIntervalSeconds > 0 {
		cfg.CheckInterval = time.Duration(c.RiskManagement.StopLossCheckIntervalSeconds) * time.Second
	}
	ssl := c.RiskManagement.SmartStopLoss
	if ssl.WarningPercent > 0 {
		cfg.WarningPercent = decimal.NewFromFloat(ssl.WarningPercent)
		cfg.CriticalPercent = decimal.NewFromFloat(ssl.CriticalPercent)
		cfg.EmergencyPercent = decimal.NewFromFloat(ssl.EmergencyPercent)
	}
	return cfg
}

// CoordinatorConfig converts the execution section
func (c *Config) CoordinatorConfig() execution.Config {
	cfg := execution.DefaultConfig()
	if c.Execution.MaxExecutionTimeSec > 0 {
		cfg.MaxExecutionTime = time.Duration(c.Execution.MaxExecutionTimeSec) * time.Second
	}
	cfg.EnableRiskChecks = c.Execution.EnableRiskChecks
	cfg.EnableBalanceChecks = c.Execution.EnableBalanceChecks
	cfg.EnableSlippageProtection = c.Execution.EnableSlippageProtection
	return cfg
}

// Default returns a complete configuration for tests and examples
func Default() *Config {
	return &Config{
		App: AppConfig{Exchange: "binance", LogLevel: "INFO"},
		CurrencyPair: CurrencyPairConfig{
			Base:                 "ETH",
			Quote:                "USDT",
			DealQuota:            100,
			DealCount:            3,
			ProfitMarkup:         0.005,
			OrderLifeTimeMinutes: 15,
		},
		BuyOrderMonitor: BuyOrderMonitorConfig{
			MaxAgeMinutes:                   15,
			MaxPriceDeviationPercent:        3,
			CheckIntervalSeconds:            60,
			MaxRecreationsPerDeal:           3,
			MinTimeBetweenRecreationsMinutes: 2,
		},
		OrderbookAnalyzer: OrderbookAnalyzerConfig{
			MinVolumeThreshold: 1,
			BigWallThreshold:   10,
			MaxSpreadPercent:   0.5,
			MinLiquidityDepth:  5,
			TypicalOrderSize:   100,
		},
		RiskManagement: RiskManagementConfig{
			EnableStopLoss:               true,
			StopLossCheckIntervalSeconds: 30,
			SmartStopLoss: SmartStopLossConfig{
				WarningPercent:   5,
				CriticalPercent:  10,
				EmergencyPercent: 15,
			},
		},
		Execution: ExecutionConfig{
			MaxExecutionTimeSec:      30,
			EnableRiskChecks:         true,
			EnableBalanceChecks:      true,
			EnableSlippageProtection: true,
		},
		Telemetry: TelemetryConfig{MetricsPort: 9090, EnableMetrics: true},
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
