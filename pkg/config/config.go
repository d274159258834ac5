package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TradingConfig holds market-making strategy parameters.
type TradingConfig struct {
	SymbolSrc string `yaml:"symbol_src"` // reference symbol on Binance, e.g. ADAUSDT
	SymbolDst string `yaml:"symbol_dst"` // quoted symbol on DeltaDeFi, e.g. ADAUSDM

	// Multi-layer quoting
	BaseSpreadBps            int     `yaml:"base_spread_bps"`            // first layer distance from reference
	TickSpreadBps            int     `yaml:"tick_spread_bps"`            // incremental spread per layer
	NumLayers                int     `yaml:"num_layers"`                 // layers per side
	LayerLiquidityMultiplier float64 `yaml:"layer_liquidity_multiplier"` // size growth per layer
	TotalLiquidity           float64 `yaml:"total_liquidity"`            // notional spread across all layers

	SideEnable   []string `yaml:"side_enable"` // which sides to quote: bid, ask
	MaxSkew      float64  `yaml:"max_skew"`    // position skew before quoting pauses
	MinQuoteSize float64  `yaml:"min_quote_size"`

	// Requote control
	MinRequoteMs int   `yaml:"min_requote_ms"` // minimum interval between requotes
	StaleMs      int64 `yaml:"stale_ms"`       // reference data older than this is discarded
	QuoteTTLMs   int64 `yaml:"quote_ttl_ms"`   // quote lifetime before replacement

	// Asset ratio management
	TargetAssetRatio          float64 `yaml:"target_asset_ratio"` // quote:base value ratio, 1.0 = 1:1
	RatioTolerance            float64 `yaml:"ratio_tolerance"`
	SpreadAdjustmentFactor    float64 `yaml:"spread_adjustment_factor"`
	LiquidityAdjustmentFactor float64 `yaml:"liquidity_adjustment_factor"`
	CapitalReserveRatio       float64 `yaml:"capital_reserve_ratio"`
}

// ExchangeConfig holds DeltaDeFi connection credentials.
type ExchangeConfig struct {
	Network            string `yaml:"network"` // staging or mainnet
	APIKey             string `yaml:"api_key"`
	EncryptionPasscode string `yaml:"encryption_passcode"`
}

// RiskConfig holds order risk limits enforced by the OMS.
type RiskConfig struct {
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxOpenOrders   int     `yaml:"max_open_orders"`
	EmergencyStop   bool    `yaml:"emergency_stop"`
}

// SystemConfig holds operational settings.
type SystemConfig struct {
	Mode               string  `yaml:"mode"` // paper, testnet, live
	LogLevel           string  `yaml:"log_level"`
	LogFile            string  `yaml:"log_file"`
	DBPath             string  `yaml:"db_path"`
	SecretStorePath    string  `yaml:"secret_store_path"`
	HealthAddr         string  `yaml:"health_addr"`
	MaxOrdersPerSecond float64 `yaml:"max_orders_per_second"`

	ReconnectDelaySec    float64 `yaml:"reconnect_delay_sec"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`

	CleanupUnregisteredOrders bool  `yaml:"cleanup_unregistered_orders"`
	CleanupCheckIntervalMs    int64 `yaml:"cleanup_check_interval_ms"`
}

// Config is the root application configuration.
type Config struct {
	Trading  TradingConfig  `yaml:"trading"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Risk     RiskConfig     `yaml:"risk"`
	System   SystemConfig   `yaml:"system"`
}

// Default returns a config populated with workable defaults for the
// ADAUSDT -> ADAUSDM staging setup.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			SymbolSrc:                 "ADAUSDT",
			SymbolDst:                 "ADAUSDM",
			BaseSpreadBps:             8,
			TickSpreadBps:             10,
			NumLayers:                 10,
			LayerLiquidityMultiplier:  1.0,
			TotalLiquidity:            5000.0,
			SideEnable:                []string{"bid", "ask"},
			MaxSkew:                   2000.0,
			MinQuoteSize:              10.0,
			MinRequoteMs:              100,
			StaleMs:                   5000,
			QuoteTTLMs:                2000,
			TargetAssetRatio:          1.0,
			RatioTolerance:            0.1,
			SpreadAdjustmentFactor:    2.0,
			LiquidityAdjustmentFactor: 1.5,
			CapitalReserveRatio:       0.02,
		},
		Exchange: ExchangeConfig{
			Network: "staging",
		},
		Risk: RiskConfig{
			MaxPositionSize: 5000.0,
			MaxDailyLoss:    1000.0,
			MaxOpenOrders:   20,
		},
		System: SystemConfig{
			Mode:                      "testnet",
			LogLevel:                  "info",
			DBPath:                    "trading_bot.db",
			HealthAddr:                ":8080",
			MaxOrdersPerSecond:        5.0,
			ReconnectDelaySec:         5.0,
			MaxReconnectAttempts:      10,
			CleanupUnregisteredOrders: true,
			CleanupCheckIntervalMs:    30000,
		},
	}
}

// Load reads YAML config from path (optional) and applies environment
// overrides. Missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DELTADEFI_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("ENCRYPTION_PASSCODE"); v != "" {
		c.Exchange.EncryptionPasscode = v
	}
	if v := os.Getenv("DELTADEFI_NETWORK"); v != "" {
		c.Exchange.Network = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.System.DBPath = v
	}
	if v := os.Getenv("MAX_ORDERS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.System.MaxOrdersPerSecond = f
		}
	}
}

// Validate rejects configs the bot cannot run with.
func (c *Config) Validate() error {
	if c.Trading.SymbolSrc == "" || c.Trading.SymbolDst == "" {
		return fmt.Errorf("trading.symbol_src and trading.symbol_dst are required")
	}
	if c.Trading.NumLayers <= 0 {
		return fmt.Errorf("trading.num_layers must be positive, got %d", c.Trading.NumLayers)
	}
	if c.Trading.TotalLiquidity <= 0 {
		return fmt.Errorf("trading.total_liquidity must be positive")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be positive")
	}
	if c.System.MaxOrdersPerSecond <= 0 {
		return fmt.Errorf("system.max_orders_per_second must be positive")
	}
	for _, s := range c.Trading.SideEnable {
		switch strings.ToLower(s) {
		case "bid", "ask":
		default:
			return fmt.Errorf("trading.side_enable contains unknown side %q", s)
		}
	}
	return nil
}

// IsSideEnabled reports whether the given side ("bid" or "ask") is quoted.
func (c *Config) IsSideEnabled(side string) bool {
	for _, s := range c.Trading.SideEnable {
		if strings.EqualFold(s, side) {
			return true
		}
	}
	return false
}
