// Package stoploss implements the smart stop-loss module from
// spec.md §4.5: a position-percentage safety check, an immediate
// full-exit on breaching the loss threshold, an observation-period
// state machine for sustained-but-not-yet-critical risk, and a
// composite risk score blending liquidity, price and yield risk.
package stoploss

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/market"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/utils"
)

const defaultPositionPct = 50

// observation tracks a single open observation window for an
// instance. Key increments each time a new window opens after a clear
// or a rotation — purely for diagnostics. initialProfitPct is the
// netPnL% recorded when the window opened (or last rotated), the
// baseline the window's eventual profit comparison is measured
// against.
type observation struct {
	startedAt        time.Time
	initialProfitPct float64
	key              int
}

// Registry tracks per-instance observation windows across ticks. One
// Registry is shared by every instance the scheduler owns — ticks for
// different instances interleave freely (spec.md §5), so access to
// the maps is guarded by mu; a given instance's own tick is never
// concurrent with itself.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*observation
	keys    map[string]int
}

// NewRegistry creates an empty observation registry.
func NewRegistry() *Registry {
	return &Registry{
		windows: make(map[string]*observation),
		keys:    make(map[string]int),
	}
}

// Clear removes any open observation window for instanceID, e.g. once
// the instance stops or its position closes.
func (r *Registry) Clear(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, instanceID)
}

// ObservationCount reports how many instances currently have an open
// observation window, for the health checker's observation_buildup
// check.
func (r *Registry) ObservationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// PurgeExpired drops any observation window older than maxAge,
// guarding against unbounded registry growth if an instance's clear
// path is ever missed (health checker's observation_buildup fix).
func (r *Registry) PurgeExpired(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	purged := 0
	for id, win := range r.windows {
		if now.Sub(win.startedAt) > maxAge {
			delete(r.windows, id)
			purged++
		}
	}
	return purged
}

// Evaluate runs the stop-loss check for a single tick and returns a
// Decision. cfg is the instance's StopLossConfig; positionRange and
// activeBin come from the instance's current on-chain state.
func (r *Registry) Evaluate(instanceID string, cfg types.StopLossConfig, positionRange types.PositionRange, activeBin int64, snapshot market.Snapshot) types.Decision {
	now := time.Now()

	if !cfg.Enabled || cfg.ActiveBinSafetyThreshold < 0 {
		r.Clear(instanceID)
		return hold(now, "smart stop-loss disabled")
	}

	positionPct := positionRange.PositionPercent(activeBin, defaultPositionPct)

	// Safety check always comes first: a position still safely inside
	// range is never forced out, regardless of netPnL.
	if positionPct > cfg.ActiveBinSafetyThreshold {
		r.Clear(instanceID)
		return hold(now, fmt.Sprintf("position %.1f%% within safety threshold %.1f%%", positionPct, cfg.ActiveBinSafetyThreshold))
	}

	// Only a position already in the unsafe zone can be force-exited on
	// a hard loss.
	if snapshot.NetPnLPercent <= -cfg.LossThresholdPercentage {
		r.Clear(instanceID)
		return types.Decision{
			Action:     types.ActionFullExit,
			Confidence: 1,
			Urgency:    types.UrgencyHigh,
			Reasoning: []string{
				fmt.Sprintf("position %.1f%% below safety threshold %.1f%%", positionPct, cfg.ActiveBinSafetyThreshold),
				fmt.Sprintf("netPnL %.2f%% breached loss threshold -%.2f%%", snapshot.NetPnLPercent, cfg.LossThresholdPercentage),
			},
			DecidedAt: now,
		}
	}

	// Unsafe zone but profitable or break-even: observation-period
	// handling.
	risk := RiskScore(positionPct, snapshot)
	observationPeriod := time.Duration(cfg.ObservationPeriodMinutes) * time.Minute

	r.mu.Lock()
	win, active := r.windows[instanceID]
	if !active {
		r.keys[instanceID]++
		r.windows[instanceID] = &observation{startedAt: now, initialProfitPct: snapshot.NetPnLPercent, key: r.keys[instanceID]}
		r.mu.Unlock()
		return types.Decision{
			Action:     types.ActionAlert,
			Confidence: utils.Clamp(risk/100, 0, 1),
			Urgency:    types.UrgencyMedium,
			Reasoning: []string{
				fmt.Sprintf("entering observation: position %.1f%% below safety threshold %.1f%%, netPnL %.2f%%", positionPct, cfg.ActiveBinSafetyThreshold, snapshot.NetPnLPercent),
			},
			NextEvaluationHint: observationPeriod,
			DecidedAt:          now,
		}
	}
	startedAt := win.startedAt
	initialProfit := win.initialProfitPct
	r.mu.Unlock()

	elapsed := now.Sub(startedAt)

	if elapsed < observationPeriod {
		return types.Decision{
			Action:     types.ActionAlert,
			Confidence: utils.Clamp(risk/100, 0, 1),
			Urgency:    types.UrgencyMedium,
			Reasoning: []string{
				fmt.Sprintf("observing: position %.1f%% below safety threshold, %s into %s window",
					positionPct, elapsed.Round(time.Second), observationPeriod),
			},
			NextEvaluationHint: observationPeriod - elapsed,
			DecidedAt:          now,
		}
	}

	// Window closed: compare current profit against the profit recorded
	// when observation began (or last rotated).
	if snapshot.NetPnLPercent >= initialProfit {
		r.mu.Lock()
		r.keys[instanceID]++
		r.windows[instanceID] = &observation{startedAt: now, initialProfitPct: snapshot.NetPnLPercent, key: r.keys[instanceID]}
		r.mu.Unlock()
		return types.Decision{
			Action:     types.ActionAlert,
			Confidence: utils.Clamp(risk/100, 0, 1),
			Urgency:    types.UrgencyMedium,
			Reasoning: []string{
				fmt.Sprintf("profit held at %.2f%% (was %.2f%%), rotating observation window", snapshot.NetPnLPercent, initialProfit),
			},
			NextEvaluationHint: observationPeriod,
			DecidedAt:          now,
		}
	}

	r.Clear(instanceID)
	return types.Decision{
		Action:     types.ActionFullExit,
		Confidence: utils.Clamp(risk/100, 0, 1),
		Urgency:    types.UrgencyMedium,
		Reasoning: []string{
			fmt.Sprintf("profit dropped from %.2f%% to %.2f%% over observation window", initialProfit, snapshot.NetPnLPercent),
		},
		DecidedAt: now,
	}
}

func hold(now time.Time, reason string) types.Decision {
	return types.Decision{
		Action:    types.ActionHold,
		Urgency:   types.UrgencyLow,
		Reasoning: []string{reason},
		DecidedAt: now,
	}
}

// RiskScore computes the composite risk score from spec.md §4.5:
// 0.6·liquidityRisk + 0.2·priceRisk + 0.2·yieldRisk, each component
// clamped to [0,100] before blending.
func RiskScore(positionPct float64, snapshot market.Snapshot) float64 {
	liquidityRisk := utils.Clamp(100-positionPct, 0, 100)
	priceRisk := utils.Clamp(snapshot.DropPercentage, 0, 100)

	yieldRisk := 0.0
	if snapshot.NetPnLPercent < 0 {
		yieldRisk = utils.Clamp(-snapshot.NetPnLPercent*10, 0, 100)
	}

	return 0.6*liquidityRisk + 0.2*priceRisk + 0.2*yieldRisk
}
