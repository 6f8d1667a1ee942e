package stoploss

import (
	"testing"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/market"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
)

func baseConfig() types.StopLossConfig {
	return types.StopLossConfig{
		Enabled:                  true,
		ActiveBinSafetyThreshold: 50,
		ObservationPeriodMinutes: 15,
		LossThresholdPercentage:  5,
	}
}

func TestEvaluate_SafePositionHolds(t *testing.T) {
	r := NewRegistry()
	// activeBin 5 -> position% = 75, above the 50% safety threshold.
	d := r.Evaluate("inst-1", baseConfig(), types.PositionRange{LowerBin: -10, UpperBin: 10}, 5, market.Snapshot{})
	if d.Action != types.ActionHold {
		t.Fatalf("expected Hold for a position above the safety threshold, got %s", d.Action)
	}
}

// TestEvaluate_SafetyCheckPrecedesLossThreshold is the literal §8
// invariant: a position safely inside range (position% > threshold)
// must Hold even with a catastrophic netPnL.
func TestEvaluate_SafetyCheckPrecedesLossThreshold(t *testing.T) {
	r := NewRegistry()
	// positionRange [-10,10], activeBin 8 -> position% = 90, safely
	// above the 50% threshold.
	d := r.Evaluate("inst-1", baseConfig(), types.PositionRange{LowerBin: -10, UpperBin: 10}, 8, market.Snapshot{NetPnLPercent: -50})
	if d.Action != types.ActionHold {
		t.Fatalf("expected Hold when position is in the safe zone regardless of netPnL, got %s", d.Action)
	}
}

func TestEvaluate_LossThresholdForcesFullExitWhenUnsafe(t *testing.T) {
	r := NewRegistry()
	// activeBin -9 -> position% = 5, below the 50% threshold.
	d := r.Evaluate("inst-1", baseConfig(), types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: -6})
	if d.Action != types.ActionFullExit {
		t.Fatalf("expected FullExit on loss threshold breach while unsafe, got %s", d.Action)
	}
	if d.Urgency != types.UrgencyHigh {
		t.Fatalf("expected high urgency, got %s", d.Urgency)
	}
}

func TestEvaluate_ObservationPeriodStillObservingAlerts(t *testing.T) {
	r := NewRegistry()
	cfg := baseConfig()

	first := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	if first.Action != types.ActionAlert {
		t.Fatalf("expected Alert on entering observation, got %s", first.Action)
	}

	second := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	if second.Action != types.ActionAlert {
		t.Fatalf("expected Alert while still within the observation window, got %s", second.Action)
	}
}

func TestEvaluate_RecoveryClearsObservation(t *testing.T) {
	r := NewRegistry()
	cfg := baseConfig()

	below := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	if below.Action != types.ActionAlert {
		t.Fatalf("expected Alert while observing, got %s", below.Action)
	}
	if _, active := r.windows["inst-1"]; !active {
		t.Fatal("expected an open observation window")
	}

	recovered := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, 8, market.Snapshot{NetPnLPercent: 1})
	if recovered.Action != types.ActionHold {
		t.Fatalf("expected Hold after recovery, got %s", recovered.Action)
	}
	if _, active := r.windows["inst-1"]; active {
		t.Fatal("expected observation window to clear on recovery")
	}
}

// TestEvaluate_WindowExpiryProfitDroppedForcesFullExit is spec.md §8
// scenario 5: once the observation window closes, a profit that has
// dropped below the window's starting netPnL% forces a FullExit.
func TestEvaluate_WindowExpiryProfitDroppedForcesFullExit(t *testing.T) {
	r := NewRegistry()
	cfg := baseConfig()
	cfg.ObservationPeriodMinutes = 0 // window closes immediately on the next tick

	opened := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 2})
	if opened.Action != types.ActionAlert {
		t.Fatalf("expected Alert on entering observation, got %s", opened.Action)
	}

	closed := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	if closed.Action != types.ActionFullExit {
		t.Fatalf("expected FullExit when profit dropped over the observation window, got %s", closed.Action)
	}
	if closed.Urgency != types.UrgencyMedium {
		t.Fatalf("expected medium urgency, got %s", closed.Urgency)
	}
	if _, active := r.windows["inst-1"]; active {
		t.Fatal("expected observation window to clear on FullExit")
	}
}

// TestEvaluate_WindowExpiryProfitHeldRotatesWindow covers the
// counterpart: profit held or improved keeps observing with a fresh
// window instead of exiting.
func TestEvaluate_WindowExpiryProfitHeldRotatesWindow(t *testing.T) {
	r := NewRegistry()
	cfg := baseConfig()
	cfg.ObservationPeriodMinutes = 0

	opened := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	if opened.Action != types.ActionAlert {
		t.Fatalf("expected Alert on entering observation, got %s", opened.Action)
	}
	firstKey := r.windows["inst-1"].key

	rotated := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 2})
	if rotated.Action != types.ActionAlert {
		t.Fatalf("expected Alert when profit held/rose, got %s", rotated.Action)
	}
	win, active := r.windows["inst-1"]
	if !active {
		t.Fatal("expected observation window to remain open after rotation")
	}
	if win.key == firstKey {
		t.Fatal("expected the window to rotate (new key) rather than keep the original")
	}
	if win.initialProfitPct != 2 {
		t.Fatalf("expected rotated window baseline to be the latest profit, got %f", win.initialProfitPct)
	}
}

func TestEvaluate_WindowRotationResetsTimer(t *testing.T) {
	r := NewRegistry()
	cfg := baseConfig()
	cfg.ObservationPeriodMinutes = 0

	r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	before := r.windows["inst-1"].startedAt

	time.Sleep(time.Millisecond)
	r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, market.Snapshot{NetPnLPercent: 1})
	after := r.windows["inst-1"].startedAt

	if !after.After(before) {
		t.Fatal("expected rotation to reset the window's start time")
	}
}

func TestRiskScore_Weighting(t *testing.T) {
	score := RiskScore(0, market.Snapshot{DropPercentage: 0, NetPnLPercent: 0})
	if score != 60 {
		t.Fatalf("expected pure liquidity risk of 60 (0.6*100), got %f", score)
	}
}

func TestEvaluate_Disabled(t *testing.T) {
	r := NewRegistry()
	cfg := baseConfig()
	cfg.Enabled = false
	d := r.Evaluate("inst-1", cfg, types.PositionRange{LowerBin: -10, UpperBin: 10}, 9, market.Snapshot{NetPnLPercent: -100})
	if d.Action != types.ActionHold {
		t.Fatalf("expected Hold when stop-loss is disabled, got %s", d.Action)
	}
}
