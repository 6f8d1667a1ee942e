package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketOpportunityConfig configures recreation Rule 2.
type MarketOpportunityConfig struct {
	Enabled           bool    `json:"enabled"`
	PositionThreshold float64 `json:"positionThreshold"` // default 70
	ProfitThreshold   float64 `json:"profitThreshold"`   // default 1
}

// LossRecoveryConfig configures recreation Rule 3.
type LossRecoveryConfig struct {
	Enabled                  bool    `json:"enabled"`
	MarkPositionThreshold    float64 `json:"markPositionThreshold"`    // default 65
	MarkLossThreshold        float64 `json:"markLossThreshold"`        // default 0.5
	TriggerPositionThreshold float64 `json:"triggerPositionThreshold"` // default 70
	TriggerProfitThreshold   float64 `json:"triggerProfitThreshold"`   // default 0.5
}

// DynamicProfitConfig configures recreation Rule 4's benchmark-tiered
// thresholds.
type DynamicProfitConfig struct {
	Enabled           bool    `json:"enabled"`
	PositionThreshold float64 `json:"positionThreshold"`
	Tier1Max          float64 `json:"tier1Max"`
	Tier2Max          float64 `json:"tier2Max"`
	Tier3Max          float64 `json:"tier3Max"`
	Threshold1        float64 `json:"threshold1"`
	Threshold2        float64 `json:"threshold2"`
	Threshold3        float64 `json:"threshold3"`
	Threshold4        float64 `json:"threshold4"`
}

// SelectThreshold picks the profit threshold tier for a given benchmark
// yield percentage, per spec.md §4.6 Rule 4. Rule 4 passes the
// snapshot's 5-minute benchmark rate; no 15-minute average is computed.
func (d DynamicProfitConfig) SelectThreshold(benchmarkPct float64) float64 {
	switch {
	case benchmarkPct <= d.Tier1Max:
		return d.Threshold1
	case benchmarkPct <= d.Tier2Max:
		return d.Threshold2
	case benchmarkPct <= d.Tier3Max:
		return d.Threshold3
	default:
		return d.Threshold4
	}
}

// RecreationConfig bundles the five recreation rules' parameters.
type RecreationConfig struct {
	MinActiveBinPositionThreshold float64                 `json:"minActiveBinPositionThreshold"` // Rule 0, 0 disables
	OutOfRangeTimeout             time.Duration           `json:"outOfRangeTimeout"`
	EnablePriceCheck              bool                    `json:"enablePriceCheck"`
	MaxPriceForRecreation         decimal.Decimal         `json:"maxPriceForRecreation"`
	MinPriceForRecreation         decimal.Decimal         `json:"minPriceForRecreation"`
	MarketOpportunity             MarketOpportunityConfig `json:"marketOpportunity"`
	LossRecovery                  LossRecoveryConfig      `json:"lossRecovery"`
	DynamicProfit                 DynamicProfitConfig     `json:"dynamicProfit"`
	MinRecreationInterval         time.Duration           `json:"minRecreationInterval"` // default 10m, enforced by executor
	MaxRecreationCostPct          float64                 `json:"maxRecreationCostPct"`   // default 1%, enforced by executor
}

// StopLossConfig configures the smart stop-loss module.
type StopLossConfig struct {
	Enabled                  bool    `json:"enableSmartStopLoss"`
	ActiveBinSafetyThreshold float64 `json:"activeBinSafetyThreshold"` // %, may be negative to disable
	ObservationPeriodMinutes int     `json:"observationPeriodMinutes"`
	LossThresholdPercentage  float64 `json:"lossThresholdPercentage"`
}

// StrategyConfig is the immutable-after-creation configuration payload
// for a strategy instance (spec.md §6).
type StrategyConfig struct {
	Type           StrategyType    `json:"type"`
	Name           string          `json:"name"`
	PoolAddress    string          `json:"poolAddress"`
	PositionAmount decimal.Decimal `json:"positionAmount"`

	MonitoringInterval            time.Duration   `json:"monitoringInterval"`
	OutOfRangeTimeout             time.Duration   `json:"outOfRangeTimeout"`
	MaxPriceForRecreation         decimal.Decimal `json:"maxPriceForRecreation"`
	MinPriceForRecreation         decimal.Decimal `json:"minPriceForRecreation"`
	BenchmarkYieldThreshold5Min   float64         `json:"benchmarkYieldThreshold5Min"` // 0 disables
	MinActiveBinPositionThreshold float64         `json:"minActiveBinPositionThreshold"`

	YieldExtractionThreshold decimal.Decimal `json:"yieldExtractionThreshold"`
	YieldExtractionTimeLock  time.Duration   `json:"yieldExtractionTimeLock"`
	SlippageBps              int             `json:"slippageBps"`

	StopLoss   StopLossConfig   `json:"stopLoss"`
	Recreation RecreationConfig `json:"recreation"`
}

const minMonitoringInterval = 5 * time.Second

// Validate applies the boundary clamps and rejects configuration errors
// that must never be retried (spec.md §7, Validation/Configuration).
func (c *StrategyConfig) Validate() error {
	if c.Type != StrategyTypeSimpleY && c.Type != StrategyTypeChainPosition {
		return fmt.Errorf("invalid strategy type %q", c.Type)
	}
	if len(c.PoolAddress) < 32 || len(c.PoolAddress) > 44 {
		return fmt.Errorf("poolAddress must be base58, 32-44 chars, got %d", len(c.PoolAddress))
	}
	if !c.PositionAmount.IsPositive() {
		return fmt.Errorf("positionAmount must be positive")
	}
	if c.SlippageBps < 100 || c.SlippageBps > 3000 {
		return fmt.Errorf("slippageBps must be within [100,3000], got %d", c.SlippageBps)
	}
	if c.MonitoringInterval < minMonitoringInterval {
		c.MonitoringInterval = minMonitoringInterval
	}
	if !c.YieldExtractionThreshold.IsPositive() {
		return fmt.Errorf("yieldExtractionThreshold must be positive")
	}
	return nil
}

// DefaultStrategyConfig returns production defaults, mirroring the
// threshold defaults named throughout spec.md §4.5/§4.6.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MonitoringInterval:       30 * time.Second,
		OutOfRangeTimeout:        10 * time.Minute,
		SlippageBps:              500,
		YieldExtractionThreshold: decimal.NewFromFloat(0.01),
		YieldExtractionTimeLock:  time.Minute,
		StopLoss: StopLossConfig{
			Enabled:                  true,
			ActiveBinSafetyThreshold: 50,
			ObservationPeriodMinutes: 15,
			LossThresholdPercentage:  5,
		},
		Recreation: RecreationConfig{
			OutOfRangeTimeout:     10 * time.Minute,
			MinRecreationInterval: 10 * time.Minute,
			MaxRecreationCostPct:  1,
			MarketOpportunity: MarketOpportunityConfig{
				Enabled:           true,
				PositionThreshold: 70,
				ProfitThreshold:   1,
			},
			LossRecovery: LossRecoveryConfig{
				Enabled:                  true,
				MarkPositionThreshold:    65,
				MarkLossThreshold:        0.5,
				TriggerPositionThreshold: 70,
				TriggerProfitThreshold:   0.5,
			},
			DynamicProfit: DynamicProfitConfig{
				Enabled:           true,
				PositionThreshold: 70,
				Tier1Max:          0.05,
				Tier2Max:          0.10,
				Tier3Max:          0.20,
				Threshold1:        1.5,
				Threshold2:        1.2,
				Threshold3:        1.0,
				Threshold4:        0.8,
			},
		},
	}
}

// EngineConfig is the process-level configuration loaded by
// internal/config from YAML/env via viper.
type EngineConfig struct {
	DataDir             string        `json:"dataDir"`
	LogLevel            string        `json:"logLevel"`
	HTTPHost            string        `json:"httpHost"`
	HTTPPort            int           `json:"httpPort"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval"`
	StoppingTimeout     time.Duration `json:"stoppingTimeout"`
	EventHistorySize    int           `json:"eventHistorySize"`
	EventDebounceDelay  time.Duration `json:"eventDebounceDelay"`
	DebouncedTopics     []string      `json:"debouncedTopics"`

	EnableMetrics bool   `json:"enableMetrics"`
	MetricsPort   int    `json:"metricsPort"`
	RPCEndpoint   string `json:"rpcEndpoint"`
}

// DefaultEngineConfig returns production-ready process defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DataDir:             "./data",
		LogLevel:            "info",
		HTTPHost:            "localhost",
		HTTPPort:            8090,
		HealthCheckInterval: 30 * time.Second,
		StoppingTimeout:     5 * time.Minute,
		EventHistorySize:    1000,
		EventDebounceDelay:  time.Second,
		DebouncedTopics:     []string{"strategy.smart-stop-loss.update"},
		EnableMetrics:       true,
		MetricsPort:         9090,
		RPCEndpoint:         "https://api.mainnet-beta.solana.com",
	}
}
