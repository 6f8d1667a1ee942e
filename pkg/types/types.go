// Package types provides shared type definitions for the DLMM strategy
// orchestration engine: the strategy instance data model, market
// snapshots, and decision payloads that flow between the scheduler,
// the decision modules, and the executors.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType identifies the shape of a strategy instance's on-chain
// position layout.
type StrategyType string

const (
	StrategyTypeSimpleY       StrategyType = "simple_y"
	StrategyTypeChainPosition StrategyType = "chain_position"
)

// InstanceStatus is the coarse lifecycle state of a strategy instance,
// owned exclusively by the Manager.
type InstanceStatus string

const (
	StatusCreated      InstanceStatus = "created"
	StatusInitializing InstanceStatus = "initializing"
	StatusRunning      InstanceStatus = "running"
	StatusPaused       InstanceStatus = "paused"
	StatusStopping     InstanceStatus = "stopping"
	StatusStopped      InstanceStatus = "stopped"
	StatusError        InstanceStatus = "error"
	StatusCompleted    InstanceStatus = "completed"
)

// Stage is the type-specific phase within a running instance.
type Stage string

const (
	StageNoPosition        Stage = "no_position"
	StageYPositionOnly     Stage = "y_position_only"
	StageOutOfRange        Stage = "out_of_range"
	StageStopLossTriggered Stage = "stop_loss_triggered"
	StageCleanup           Stage = "cleanup"
)

// OutOfRangeDirection records which side of the position range the
// active bin drifted to.
type OutOfRangeDirection string

const (
	DirectionNone  OutOfRangeDirection = "none"
	DirectionAbove OutOfRangeDirection = "above"
	DirectionBelow OutOfRangeDirection = "below"
)

// PositionRange is the inclusive [lower, upper] bin range backing a
// strategy's liquidity.
type PositionRange struct {
	LowerBin int64 `json:"lowerBin"`
	UpperBin int64 `json:"upperBin"`
}

// PositionPercent returns how far activeBin sits inside the range, as a
// percentage clamped to [0,100]. A degenerate range (lower == upper)
// returns defaultPct, per spec.md §8 boundary behavior.
func (r PositionRange) PositionPercent(activeBin int64, defaultPct float64) float64 {
	if r.UpperBin == r.LowerBin {
		return defaultPct
	}
	pct := float64(activeBin-r.LowerBin) / float64(r.UpperBin-r.LowerBin) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Contains reports whether activeBin lies within the range, inclusive.
func (r PositionRange) Contains(activeBin int64) bool {
	return activeBin >= r.LowerBin && activeBin <= r.UpperBin
}

// InstanceRuntime is the mutable, worker-owned portion of a strategy
// instance. Exactly one worker goroutine (the instance's owner) may
// mutate this; every other component only produces values the worker
// applies.
type InstanceRuntime struct {
	LastTickAt           time.Time           `json:"lastTickAt"`
	LastActiveBin        int64               `json:"lastActiveBin"`
	OutOfRangeStartTime  *time.Time          `json:"outOfRangeStartTime,omitempty"`
	OutOfRangeDirection  OutOfRangeDirection `json:"outOfRangeDirection"`
	LossRecoveryMarked   bool                `json:"lossRecoveryMarked"`
	RetryFailureStreak   int                 `json:"retryFailureStreak"`
	LastYieldExtractedAt time.Time           `json:"lastYieldExtractedAt,omitempty"`
	ObservationKey       string              `json:"observationKey"`
	LastRPCSuccessAt     time.Time           `json:"lastRpcSuccessAt,omitempty"`
	LastRPCFailureAt     time.Time           `json:"lastRpcFailureAt,omitempty"`
}

// InstanceMetadata tracks bookkeeping counters that are useful for
// diagnostics but not part of any invariant.
type InstanceMetadata struct {
	CreatedAt      time.Time `json:"createdAt"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	LastUpdate     time.Time `json:"lastUpdate"`
	ExecutionCount int64     `json:"executionCount"`
	ErrorCount     int64     `json:"errorCount"`
	CorrelationID  string    `json:"correlationId"`
}

// StrategyInstance is the durable, addressable unit of work the
// scheduler ticks. See spec.md §3 for invariants.
type StrategyInstance struct {
	ID            string           `json:"id"`
	Type          StrategyType     `json:"type"`
	Status        InstanceStatus   `json:"status"`
	Config        StrategyConfig   `json:"config"`
	Stage         Stage            `json:"stage"`
	Positions     []string         `json:"positions"`
	PositionRange PositionRange    `json:"positionRange"`
	Runtime       InstanceRuntime  `json:"runtime"`
	Metadata      InstanceMetadata `json:"metadata"`
}

// HasPosition reports whether the position list is non-empty. The §3
// invariant holds when this equals StageRequiresPosition.
func (s *StrategyInstance) HasPosition() bool {
	return len(s.Positions) > 0
}

// StageRequiresPosition reports whether the current stage requires a
// non-empty position list.
func (s *StrategyInstance) StageRequiresPosition() bool {
	return s.Stage != StageNoPosition && s.Stage != StageCleanup
}

// DecisionAction is the action recommended by a decision module.
type DecisionAction string

const (
	ActionHold       DecisionAction = "hold"
	ActionAlert      DecisionAction = "alert"
	ActionFullExit   DecisionAction = "full_exit"
	ActionNoRecreate DecisionAction = "no_recreate"
	ActionRecreate   DecisionAction = "recreate"
)

// Urgency classifies how quickly a decision should be acted upon.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// RecreateReason names which of the five recreation rules produced a
// Recreate/NoRecreate decision, for diagnostics and for the executor's
// own interval/cost guards (spec.md §9 open question (c)).
type RecreateReason string

const (
	ReasonNone             RecreateReason = ""
	ReasonPositionTooLow   RecreateReason = "POSITION_TOO_LOW"
	ReasonOutOfRange       RecreateReason = "OUT_OF_RANGE"
	ReasonPriceCheckFailed RecreateReason = "PRICE_CHECK_FAILED"
	ReasonMarketOpportunity RecreateReason = "MARKET_OPPORTUNITY"
	ReasonLossRecovery     RecreateReason = "LOSS_RECOVERY"
	ReasonDynamicProfit    RecreateReason = "DYNAMIC_PROFIT"
)

// Decision is the uniform output of both the stop-loss and recreation
// modules.
type Decision struct {
	Action            DecisionAction  `json:"action"`
	Reason            RecreateReason  `json:"reason,omitempty"`
	Confidence        float64         `json:"confidence"`
	Urgency           Urgency         `json:"urgency"`
	Reasoning         []string        `json:"reasoning"`
	NextEvaluationHint time.Duration  `json:"nextEvaluationHint,omitempty"`
	SuggestedExitPct  decimal.Decimal `json:"suggestedExitPct,omitempty"`
	DecidedAt         time.Time       `json:"decidedAt"`
}

// Event is the uniform payload published on the event bus.
type Event struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// OperationRecord is written once per tick by an executor, capturing
// what it did for the business-operations log and for Storage.
type OperationRecord struct {
	InstanceID      string          `json:"instanceId"`
	Action          string          `json:"action"`
	ActiveBin       int64           `json:"activeBin"`
	PositionAddress string          `json:"positionAddress,omitempty"`
	Amount          decimal.Decimal `json:"amount,omitempty"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}
