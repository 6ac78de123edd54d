// Package config handles configuration loading and validation for the
// trading bot: a single immutable struct built once at startup and handed to
// every component, per spec.md §9's "pass a single immutable config struct"
// redesign note. YAML is the on-disk format, with env-var expansion for
// secrets, mirroring the teacher's internal/config/config.go shape.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete, validated configuration tree. It names exactly the
// threshold groups SPEC_FULL.md §6 enumerates.
type Config struct {
	App               AppConfig               `yaml:"app"`
	Exchange          ExchangeConfig          `yaml:"exchange"`
	TradingConstraints TradingConstraintsConfig `yaml:"trading_constraints"`
	PositionManagement PositionManagementConfig `yaml:"position_management"`
	OrderExecution    OrderExecutionConfig    `yaml:"order_execution"`
	Risk              RiskConfig              `yaml:"risk"`
	TPSL              TPSLTimingConfig        `yaml:"trading"`
	Telemetry         TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Mode     string `yaml:"mode" validate:"required,oneof=backtest paper live"`
	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
	StateDir string `yaml:"state_dir" validate:"required"`
}

// ExchangeConfig holds Bitbank credentials and connection settings.
type ExchangeConfig struct {
	APIKey       Secret  `yaml:"api_key" validate:"required"`
	SecretKey    Secret  `yaml:"secret_key" validate:"required"`
	BaseURL      string  `yaml:"base_url"`
	MakerFeeRate float64 `yaml:"maker_fee_rate" validate:"min=0"`
	TakerFeeRate float64 `yaml:"taker_fee_rate" validate:"min=0"`
}

// TradingConstraintsConfig is spec.md §6's trading_constraints.* group.
type TradingConstraintsConfig struct {
	CurrencyPair     string `yaml:"currency_pair" validate:"required"`
	DefaultOrderType string `yaml:"default_order_type" validate:"oneof=market limit"`
}

// TakeProfitConfig is position_management.take_profit.*.
type TakeProfitConfig struct {
	Enabled          bool                `yaml:"enabled"`
	DefaultRatio     float64             `yaml:"default_ratio" validate:"min=0"`
	MinProfitRatio   float64             `yaml:"min_profit_ratio" validate:"min=0"`
	MakerStrategy    MakerStrategyConfig `yaml:"maker_strategy"`
}

// MakerStrategyConfig is position_management.take_profit.maker_strategy.*.
type MakerStrategyConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxRetries       int  `yaml:"max_retries" validate:"min=0"`
	RetryIntervalMs  int  `yaml:"retry_interval_ms" validate:"min=0"`
	TimeoutSeconds   int  `yaml:"timeout_seconds" validate:"min=1"`
	FallbackToNative bool `yaml:"fallback_to_native"`
}

// StopLossConfig is position_management.stop_loss.*.
type StopLossConfig struct {
	Enabled              bool    `yaml:"enabled"`
	OrderType            string  `yaml:"order_type" validate:"oneof=stop stop_limit"`
	SlippageBuffer       float64 `yaml:"slippage_buffer" validate:"min=0"`
	MaxLossRatio         float64 `yaml:"max_loss_ratio" validate:"min=0"`
	MinDistanceRatio     float64 `yaml:"min_distance_ratio" validate:"min=0"`
	DefaultATRMultiplier float64 `yaml:"default_atr_multiplier" validate:"min=0"`
}

// PositionManagementConfig is position_management.*.
type PositionManagementConfig struct {
	TakeProfit    TakeProfitConfig `yaml:"take_profit"`
	StopLoss      StopLossConfig   `yaml:"stop_loss"`
	MinTradeSize  float64          `yaml:"min_trade_size" validate:"required,min=0"`
	DynamicSizing bool             `yaml:"dynamic_sizing"`
}

// OrderExecutionConfig is order_execution.*.
type OrderExecutionConfig struct {
	SmartOrderEnabled        bool    `yaml:"smart_order_enabled"`
	HighConfidenceThreshold  float64 `yaml:"high_confidence_threshold" validate:"min=0,max=1"`
	LowConfidenceThreshold   float64 `yaml:"low_confidence_threshold" validate:"min=0,max=1"`
	MaxSpreadRatioForLimit   float64 `yaml:"max_spread_ratio_for_limit" validate:"min=0"`
	PriceImprovementRatio    float64 `yaml:"price_improvement_ratio" validate:"min=0"`
}

// RiskConfig is risk.*.
type RiskConfig struct {
	MaxDrawdownRatio         float64 `yaml:"max_drawdown_ratio" validate:"min=0,max=1"`
	ConsecutiveLossLimit     int     `yaml:"consecutive_loss_limit" validate:"min=1"`
	CooldownHours            int     `yaml:"cooldown_hours" validate:"min=0"`
	MinMLConfidence          float64 `yaml:"min_ml_confidence" validate:"min=0,max=1"`
	RiskThresholdDeny        float64 `yaml:"risk_threshold_deny" validate:"min=0,max=1"`
	RiskThresholdConditional float64 `yaml:"risk_threshold_conditional" validate:"min=0,max=1"`
	MinTradesForKelly        int     `yaml:"min_trades_for_kelly" validate:"min=1"`
	MaxPositionRatio         float64 `yaml:"max_position_ratio" validate:"min=0,max=1"`
	KellySafetyFactor        float64 `yaml:"kelly_safety_factor" validate:"min=0,max=1"`
}

// TPSLTimingConfig is trading.tp_sl.*.
type TPSLTimingConfig struct {
	TPSL TPSLConfig `yaml:"tp_sl"`
}

// TPSLConfig holds the periodic/verification intervals spec.md §6 names.
type TPSLConfig struct {
	VerificationDelaySeconds     int     `yaml:"verification_delay" validate:"min=1"`
	CheckIntervalSeconds         int     `yaml:"check_interval" validate:"min=1"`
	OrphanScanIntervalSeconds    int     `yaml:"orphan_scan_interval" validate:"min=1"`
	APIOrderLimit                int     `yaml:"api_order_limit" validate:"min=1"`
	FallbackATR                  float64 `yaml:"fallback_atr" validate:"min=0"`
	RequireTPSLRecalculation     bool    `yaml:"require_tpsl_recalculation"`
	ThresholdCount               int     `yaml:"threshold_count" validate:"min=1"`
	MaxOrderAgeHours             int     `yaml:"max_order_age_hours" validate:"min=1"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError reports one failed field constraint.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Message)
}

var criticalEnvVars = map[string]bool{
	"BITBANK_API_KEY":    true,
	"BITBANK_SECRET_KEY": true,
}

// expandEnvVars expands ${VAR} references, restricted to an allowlist of
// critical env vars so an arbitrary YAML value cannot exfiltrate unrelated
// process environment.
func expandEnvVars(raw string) string {
	re := regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)
	return re.ReplaceAllStringFunc(raw, func(match string) string {
		name := re.FindStringSubmatch(match)[1]
		if !criticalEnvVars[name] {
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads, env-expands, unmarshals, and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvVars(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	return &cfg, nil
}

// Validate runs the hand-written checks behind the `validate` tag comments
// above (informal, not enforced by a validator library, matching the
// teacher's own config.go).
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.App.Mode != "backtest" && c.App.Mode != "paper" && c.App.Mode != "live" {
		errs = append(errs, ValidationError{"app.mode", c.App.Mode, "must be one of backtest, paper, live"})
	}
	if c.App.StateDir == "" {
		errs = append(errs, ValidationError{"app.state_dir", c.App.StateDir, "required"})
	}
	if c.App.Mode == "live" && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		errs = append(errs, ValidationError{"exchange", "<redacted>", "api_key and secret_key required in live mode"})
	}
	if c.TradingConstraints.CurrencyPair == "" {
		errs = append(errs, ValidationError{"trading_constraints.currency_pair", "", "required"})
	}
	if c.PositionManagement.MinTradeSize <= 0 {
		errs = append(errs, ValidationError{"position_management.min_trade_size", c.PositionManagement.MinTradeSize, "must be > 0"})
	}
	if c.Risk.MaxDrawdownRatio <= 0 || c.Risk.MaxDrawdownRatio > 1 {
		errs = append(errs, ValidationError{"risk.max_drawdown_ratio", c.Risk.MaxDrawdownRatio, "must be in (0,1]"})
	}
	if c.Risk.ConsecutiveLossLimit < 1 {
		errs = append(errs, ValidationError{"risk.consecutive_loss_limit", c.Risk.ConsecutiveLossLimit, "must be >= 1"})
	}
	if c.Risk.RiskThresholdConditional > c.Risk.RiskThresholdDeny {
		errs = append(errs, ValidationError{"risk.risk_threshold_conditional", c.Risk.RiskThresholdConditional, "must be <= risk_threshold_deny"})
	}
	if c.TPSL.TPSL.VerificationDelaySeconds <= 0 {
		errs = append(errs, ValidationError{"trading.tp_sl.verification_delay", c.TPSL.TPSL.VerificationDelaySeconds, "must be > 0"})
	}

	return errs
}

// String renders the config with secrets masked, safe to log.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{mode=%s pair=%s state_dir=%s api_key=%s max_drawdown=%.2f}",
		c.App.Mode, c.TradingConstraints.CurrencyPair, c.App.StateDir, c.Exchange.APIKey, c.Risk.MaxDrawdownRatio,
	)
}

// DefaultConfig returns a config with the illustrative thresholds named in
// spec.md §6, suitable for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Mode: "paper", LogLevel: "INFO", StateDir: ".state"},
		TradingConstraints: TradingConstraintsConfig{
			CurrencyPair:     "btc_jpy",
			DefaultOrderType: "market",
		},
		Exchange: ExchangeConfig{
			BaseURL:      "https://api.bitbank.cc",
			MakerFeeRate: -0.0002,
			TakerFeeRate: 0.0012,
		},
		PositionManagement: PositionManagementConfig{
			TakeProfit: TakeProfitConfig{
				Enabled:        true,
				DefaultRatio:   0.009,
				MinProfitRatio: 0.005,
				MakerStrategy: MakerStrategyConfig{
					Enabled:          true,
					MaxRetries:       2,
					RetryIntervalMs:  500,
					TimeoutSeconds:   10,
					FallbackToNative: true,
				},
			},
			StopLoss: StopLossConfig{
				Enabled:              true,
				OrderType:            "stop",
				SlippageBuffer:       0.002,
				MaxLossRatio:         0.007,
				MinDistanceRatio:     0.001,
				DefaultATRMultiplier: 1.5,
			},
			MinTradeSize:  0.0001,
			DynamicSizing: true,
		},
		OrderExecution: OrderExecutionConfig{
			SmartOrderEnabled:       true,
			HighConfidenceThreshold: 0.75,
			LowConfidenceThreshold:  0.4,
			MaxSpreadRatioForLimit:  0.003,
			PriceImprovementRatio:   0.001,
		},
		Risk: RiskConfig{
			MaxDrawdownRatio:         0.20,
			ConsecutiveLossLimit:     5,
			CooldownHours:            24,
			MinMLConfidence:          0.30,
			RiskThresholdDeny:        0.8,
			RiskThresholdConditional: 0.6,
			MinTradesForKelly:        20,
			MaxPositionRatio:         0.25,
			KellySafetyFactor:        0.7,
		},
		TPSL: TPSLTimingConfig{TPSL: TPSLConfig{
			VerificationDelaySeconds:  600,
			CheckIntervalSeconds:      600,
			OrphanScanIntervalSeconds: 1800,
			APIOrderLimit:             100,
			FallbackATR:               50000,
			RequireTPSLRecalculation:  false,
			ThresholdCount:            25,
			MaxOrderAgeHours:          24,
		}},
		Telemetry: TelemetryConfig{MetricsPort: 9090, EnableMetrics: true},
	}
}
