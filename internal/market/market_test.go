package market

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestSnapshot_WarmUpReturnsNilChanges(t *testing.T) {
	client := collaborators.NewSimClient(zap.NewNop(), 1)
	adapter := NewAdapter(client)

	snap, err := adapter.Snapshot(context.Background(), "pool-1", decimal.NewFromInt(1000), decimal.NewFromInt(1000), decimal.Zero)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.PriceChange5Min != nil || snap.PriceChange15Min != nil || snap.PriceChange60Min != nil {
		t.Fatal("expected nil price changes during warm-up")
	}
	if snap.BenchmarkYieldRate5Min != nil {
		t.Fatal("expected nil benchmark yield rate during warm-up")
	}
}

func TestVolatility_ClampedToHundred(t *testing.T) {
	now := time.Now()
	points := []PricePoint{
		{Price: decimal.NewFromInt(1), Timestamp: now.Add(-time.Minute)},
		{Price: decimal.NewFromInt(1000), Timestamp: now},
	}
	v := volatility(points)
	if v < 0 || v > 100 {
		t.Fatalf("expected volatility clamped to [0,100], got %f", v)
	}
}

func TestDropPercentage_UsesLastTenSamples(t *testing.T) {
	now := time.Now()
	var points []PricePoint
	for i := 0; i < 15; i++ {
		points = append(points, PricePoint{Price: decimal.NewFromInt(int64(100 - i)), Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	drop := dropPercentage(points)
	if drop <= 0 {
		t.Fatalf("expected positive drop percentage for a declining series, got %f", drop)
	}
}

func TestNetPnLPercent_ComputedFromInvestment(t *testing.T) {
	client := collaborators.NewSimClient(zap.NewNop(), 1)
	adapter := NewAdapter(client)
	snap, err := adapter.Snapshot(context.Background(), "pool-1", decimal.NewFromInt(1000), decimal.NewFromInt(1100), decimal.Zero)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.NetPnLPercent != 10 {
		t.Fatalf("expected 10%% PnL, got %f", snap.NetPnLPercent)
	}
}
