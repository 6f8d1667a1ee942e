// Package market implements the Data Adapter from spec.md §4.4: it
// turns raw collaborator reads into a MarketSnapshot carrying
// volatility, drop percentage, historical price deltas, yield
// statistics and benchmark yield rates, each subject to a warm-up
// period before the underlying window has enough samples.
package market

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

const (
	historyWindow  = 60 * time.Minute
	dropSampleSize = 10
)

// PricePoint is one sample in a pool's price history ring.
type PricePoint struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// YieldStats summarizes fee income for a position.
type YieldStats struct {
	FeesEarned    decimal.Decimal
	YieldPercent  float64 // FeesEarned / position value, as a percentage
}

// Snapshot is the uniform market view produced for a tick.
type Snapshot struct {
	PoolAddress    string
	Price          decimal.Decimal
	ActiveBin      int64
	BinStep        int64
	Volatility     float64  // 0-100, std/mean * 100
	DropPercentage float64  // 0-100, drop from the window's high over the last 10 samples
	PriceChange5Min  *float64
	PriceChange15Min *float64
	PriceChange60Min *float64
	Yield          YieldStats
	// BenchmarkYieldRate5Min is nil during the warm-up period (less
	// than 5 minutes of samples collected).
	BenchmarkYieldRate5Min *float64
	NetPnLPercent          float64
	Timestamp              time.Time
}

type poolHistory struct {
	mu     sync.Mutex
	points []PricePoint
}

func (h *poolHistory) add(p PricePoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, p)
	cutoff := p.Timestamp.Add(-historyWindow)
	i := 0
	for i < len(h.points) && h.points[i].Timestamp.Before(cutoff) {
		i++
	}
	h.points = h.points[i:]
}

func (h *poolHistory) snapshot() []PricePoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PricePoint, len(h.points))
	copy(out, h.points)
	return out
}

// Adapter produces MarketSnapshots from a DLMMClient, maintaining a
// bounded 60-minute price history per pool.
type Adapter struct {
	client collaborators.DLMMClient

	mu        sync.Mutex
	histories map[string]*poolHistory
}

// NewAdapter creates a Data Adapter over client.
func NewAdapter(client collaborators.DLMMClient) *Adapter {
	return &Adapter{
		client:    client,
		histories: make(map[string]*poolHistory),
	}
}

func (a *Adapter) historyFor(poolAddress string) *poolHistory {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.histories[poolAddress]
	if !ok {
		h = &poolHistory{}
		a.histories[poolAddress] = h
	}
	return h
}

// Snapshot reads the current pool state, records it into the pool's
// history, and computes the full derived view. positionValue and
// initialInvestment drive NetPnLPercent; feesEarned drives YieldStats
// and the benchmark yield rate.
func (a *Adapter) Snapshot(ctx context.Context, poolAddress string, initialInvestment, positionValue, feesEarned decimal.Decimal) (Snapshot, error) {
	pool, err := a.client.GetPool(ctx, poolAddress)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	history := a.historyFor(poolAddress)
	history.add(PricePoint{Price: pool.Price, Timestamp: now})
	points := history.snapshot()

	snap := Snapshot{
		PoolAddress: poolAddress,
		Price:       pool.Price,
		ActiveBin:   pool.ActiveBin,
		BinStep:     pool.BinStep,
		Timestamp:   now,
	}

	snap.Volatility = volatility(points)
	snap.DropPercentage = dropPercentage(points)
	snap.PriceChange5Min = priceChangeAt(points, now, 5*time.Minute)
	snap.PriceChange15Min = priceChangeAt(points, now, 15*time.Minute)
	snap.PriceChange60Min = priceChangeAt(points, now, 60*time.Minute)

	snap.Yield = YieldStats{FeesEarned: feesEarned}
	if positionValue.IsPositive() {
		snap.Yield.YieldPercent = feesEarned.Div(positionValue).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	snap.BenchmarkYieldRate5Min = benchmarkYieldRate(points, now, feesEarned, positionValue)

	if initialInvestment.IsPositive() {
		snap.NetPnLPercent = positionValue.Sub(initialInvestment).Div(initialInvestment).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	return snap, nil
}

// volatility is the population standard deviation of the window's
// prices divided by their mean, as a percentage, clamped to [0,100].
func volatility(points []PricePoint) float64 {
	if len(points) < 2 {
		return 0
	}
	prices := make([]decimal.Decimal, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}
	mean := utils.Mean(prices)
	if mean.IsZero() {
		return 0
	}
	std := utils.StdDev(prices)
	pct := std.Div(mean).Mul(decimal.NewFromInt(100)).InexactFloat64()
	return utils.Clamp(pct, 0, 100)
}

// dropPercentage is the decline from the highest price among the last
// dropSampleSize samples to the most recent sample, as a percentage
// clamped to [0,100]. Fewer than 2 samples yields 0.
func dropPercentage(points []PricePoint) float64 {
	if len(points) < 2 {
		return 0
	}
	start := 0
	if len(points) > dropSampleSize {
		start = len(points) - dropSampleSize
	}
	window := points[start:]

	high := window[0].Price
	for _, p := range window {
		if p.Price.GreaterThan(high) {
			high = p.Price
		}
	}
	if high.IsZero() {
		return 0
	}
	current := window[len(window)-1].Price
	pct := high.Sub(current).Div(high).Mul(decimal.NewFromInt(100)).InexactFloat64()
	return utils.Clamp(pct, 0, 100)
}

// priceChangeAt returns the percentage change from the latest sample at
// or before (now - lookback) to the latest sample, or nil if the history
// doesn't yet span lookback (warm-up).
func priceChangeAt(points []PricePoint, now time.Time, lookback time.Duration) *float64 {
	if len(points) == 0 {
		return nil
	}
	if now.Sub(points[0].Timestamp) < lookback {
		return nil
	}
	target := now.Add(-lookback)
	var reference PricePoint
	found := false
	for _, p := range points {
		if !p.Timestamp.After(target) {
			reference = p
			found = true
			continue
		}
		break
	}
	if !found {
		return nil
	}
	current := points[len(points)-1].Price
	pct := utils.PercentChange(reference.Price, current).InexactFloat64()
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return nil
	}
	return &pct
}

// benchmarkYieldRate extrapolates the fee income observed so far to a
// 5-minute rate, nil during the warm-up period (under 5 minutes of
// history).
func benchmarkYieldRate(points []PricePoint, now time.Time, feesEarned, positionValue decimal.Decimal) *float64 {
	if len(points) == 0 || !positionValue.IsPositive() {
		return nil
	}
	elapsed := now.Sub(points[0].Timestamp)
	if elapsed < 5*time.Minute {
		return nil
	}
	rate := feesEarned.Div(positionValue).Mul(decimal.NewFromInt(100)).InexactFloat64()
	rate = rate * (5 * time.Minute).Minutes() / elapsed.Minutes()
	return &rate
}
