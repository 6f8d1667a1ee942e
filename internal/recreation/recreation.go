// Package recreation implements the position-recreation module from
// spec.md §4.6: five ordered rules evaluated in a fixed preference
// order, returning the first decisive Recreate/NoRecreate. Rule 0 is a
// gate that can short-circuit every other rule; Rule 5 is reserved and
// currently a no-op.
package recreation

import (
	"fmt"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/market"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
)

const defaultPositionPct = 50

// UpdateOutOfRangeState records when an instance's active bin first
// left its position range, and clears the marker once it's back
// inside. The scheduler calls this once per tick, before Evaluate, so
// Rule 1's timeout is measured from the true start of the excursion.
func UpdateOutOfRangeState(runtime *types.InstanceRuntime, positionRange types.PositionRange, activeBin int64, now time.Time) {
	if positionRange.Contains(activeBin) {
		runtime.OutOfRangeStartTime = nil
		runtime.OutOfRangeDirection = types.DirectionNone
		return
	}

	direction := types.DirectionBelow
	if activeBin > positionRange.UpperBin {
		direction = types.DirectionAbove
	}

	if runtime.OutOfRangeStartTime == nil || runtime.OutOfRangeDirection != direction {
		startedAt := now
		runtime.OutOfRangeStartTime = &startedAt
	}
	runtime.OutOfRangeDirection = direction
}

// Evaluate runs the five recreation rules in order against the
// instance's current position, configuration and market snapshot,
// mutating runtime.LossRecoveryMarked as Rule 3's two-phase state
// machine requires.
func Evaluate(cfg types.RecreationConfig, positionRange types.PositionRange, activeBin int64, runtime *types.InstanceRuntime, snapshot market.Snapshot, now time.Time) types.Decision {
	positionPct := positionRange.PositionPercent(activeBin, defaultPositionPct)

	if d, ok := rule0PositionTooLow(cfg, positionPct, now); ok {
		return d
	}
	if d, ok := rule1OutOfRangeTimeout(cfg, runtime, snapshot, now); ok {
		return d
	}
	if d, ok := rule2MarketOpportunity(cfg, positionPct, snapshot, now); ok {
		return d
	}
	if d, ok := rule3LossRecovery(cfg, positionPct, runtime, snapshot, now); ok {
		return d
	}
	if d, ok := rule4DynamicProfit(cfg, positionPct, snapshot, now); ok {
		return d
	}
	// Rule 5 is reserved; it never fires.

	return noRecreate(types.ReasonNone, now, "no recreation rule triggered")
}

// rule0PositionTooLow gates every other rule when the position has
// drifted so far out of range that recreation is unsafe to consider —
// that case belongs to the stop-loss module instead.
func rule0PositionTooLow(cfg types.RecreationConfig, positionPct float64, now time.Time) (types.Decision, bool) {
	if cfg.MinActiveBinPositionThreshold <= 0 {
		return types.Decision{}, false
	}
	if positionPct < cfg.MinActiveBinPositionThreshold {
		return noRecreate(types.ReasonPositionTooLow, now,
			fmt.Sprintf("position %.1f%% below minimum %.1f%%, deferring to stop-loss", positionPct, cfg.MinActiveBinPositionThreshold)), true
	}
	return types.Decision{}, false
}

func rule1OutOfRangeTimeout(cfg types.RecreationConfig, runtime *types.InstanceRuntime, snapshot market.Snapshot, now time.Time) (types.Decision, bool) {
	if runtime.OutOfRangeStartTime == nil {
		return types.Decision{}, false
	}
	elapsed := now.Sub(*runtime.OutOfRangeStartTime)
	if elapsed < cfg.OutOfRangeTimeout {
		return types.Decision{
			Action:     types.ActionNoRecreate,
			Reason:     types.ReasonOutOfRange,
			Confidence: 0.5,
			Urgency:    types.UrgencyLow,
			Reasoning:  []string{fmt.Sprintf("out of range for %s, waiting for timeout %s", elapsed.Round(time.Second), cfg.OutOfRangeTimeout)},
			DecidedAt:  now,
		}, true
	}

	if cfg.EnablePriceCheck && runtime.OutOfRangeDirection == types.DirectionAbove &&
		cfg.MaxPriceForRecreation.IsPositive() && snapshot.Price.GreaterThan(cfg.MaxPriceForRecreation) {
		runtime.OutOfRangeStartTime = nil
		runtime.OutOfRangeDirection = types.DirectionNone
		return noRecreate(types.ReasonPriceCheckFailed, now,
			fmt.Sprintf("price %s exceeds max %s for recreation", snapshot.Price, cfg.MaxPriceForRecreation)), true
	}

	return types.Decision{
		Action:     types.ActionRecreate,
		Reason:     types.ReasonOutOfRange,
		Confidence: 1,
		Urgency:    types.UrgencyCritical,
		Reasoning:  []string{fmt.Sprintf("out of range for %s, exceeding timeout %s", elapsed.Round(time.Second), cfg.OutOfRangeTimeout)},
		DecidedAt:  now,
	}, true
}

func rule2MarketOpportunity(cfg types.RecreationConfig, positionPct float64, snapshot market.Snapshot, now time.Time) (types.Decision, bool) {
	c := cfg.MarketOpportunity
	if !c.Enabled {
		return types.Decision{}, false
	}
	if positionPct >= c.PositionThreshold || snapshot.NetPnLPercent <= c.ProfitThreshold {
		return types.Decision{}, false
	}
	return types.Decision{
		Action:     types.ActionRecreate,
		Reason:     types.ReasonMarketOpportunity,
		Confidence: 0.7,
		Urgency:    types.UrgencyMedium,
		Reasoning: []string{
			fmt.Sprintf("position %.1f%% < %.1f%% and netPnL %.2f%% > %.2f%%", positionPct, c.PositionThreshold, snapshot.NetPnLPercent, c.ProfitThreshold),
		},
		DecidedAt: now,
	}, true
}

// rule3LossRecovery is a two-phase state machine: Mark sets
// runtime.LossRecoveryMarked when the position has drifted low while
// underwater; Trigger fires a Recreate once a previously marked
// instance recovers both position and loss enough to no longer need
// stop-loss protection. The mark is cleared only when Trigger fires; a
// marked instance that does not meet the trigger stays marked.
func rule3LossRecovery(cfg types.RecreationConfig, positionPct float64, runtime *types.InstanceRuntime, snapshot market.Snapshot, now time.Time) (types.Decision, bool) {
	c := cfg.LossRecovery
	if !c.Enabled {
		return types.Decision{}, false
	}

	if runtime.LossRecoveryMarked {
		if positionPct <= c.TriggerPositionThreshold && snapshot.NetPnLPercent >= c.TriggerProfitThreshold {
			runtime.LossRecoveryMarked = false
			return types.Decision{
				Action:     types.ActionRecreate,
				Reason:     types.ReasonLossRecovery,
				Confidence: 0.6,
				Urgency:    types.UrgencyCritical,
				Reasoning: []string{
					fmt.Sprintf("recovered: position %.1f%% <= %.1f%%, netPnL %.2f%% >= %.2f%%", positionPct, c.TriggerPositionThreshold, snapshot.NetPnLPercent, c.TriggerProfitThreshold),
				},
				DecidedAt: now,
			}, true
		}
		return types.Decision{}, false
	}

	if positionPct <= c.MarkPositionThreshold && snapshot.NetPnLPercent <= -c.MarkLossThreshold {
		runtime.LossRecoveryMarked = true
	}
	return types.Decision{}, false
}

func rule4DynamicProfit(cfg types.RecreationConfig, positionPct float64, snapshot market.Snapshot, now time.Time) (types.Decision, bool) {
	c := cfg.DynamicProfit
	if !c.Enabled {
		return types.Decision{}, false
	}
	if positionPct > c.PositionThreshold {
		return types.Decision{}, false
	}
	if snapshot.BenchmarkYieldRate5Min == nil {
		return types.Decision{}, false // warm-up, no benchmark yet
	}
	threshold := c.SelectThreshold(*snapshot.BenchmarkYieldRate5Min)
	if snapshot.NetPnLPercent < threshold {
		return types.Decision{}, false
	}
	return types.Decision{
		Action:     types.ActionRecreate,
		Reason:     types.ReasonDynamicProfit,
		Confidence: 0.8,
		Urgency:    types.UrgencyMedium,
		Reasoning: []string{
			fmt.Sprintf("netPnL %.2f%% >= dynamic threshold %.2f%% for benchmark %.2f%%", snapshot.NetPnLPercent, threshold, *snapshot.BenchmarkYieldRate5Min),
		},
		DecidedAt: now,
	}, true
}

func noRecreate(reason types.RecreateReason, now time.Time, message string) types.Decision {
	return types.Decision{
		Action:    types.ActionNoRecreate,
		Reason:    reason,
		Urgency:   types.UrgencyLow,
		Reasoning: []string{message},
		DecidedAt: now,
	}
}
