// Package utils provides small numeric and ID helpers shared across the
// DLMM strategy orchestration engine.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique opaque token with an optional type
// prefix, e.g. "simple_y_3f2a...". Strategy instance IDs need this exact
// shape (spec.md §3), which a bare uuid can't produce, so the teacher's
// hex-random generator is kept instead of switching wholesale to
// google/uuid.
func GenerateID(prefix string) string {
	b := make([]byte, 16)
	rand.Read(b)
	id := hex.EncodeToString(b)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// Clamp restricts v to the inclusive range [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Mean calculates the arithmetic mean of decimal values.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// StdDev calculates the population standard deviation of decimal
// values, used by the data adapter's volatility computation
// (spec.md §4.4).
func StdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := Mean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values))))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// RoundToTickSize rounds a price down to the nearest tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// PercentChange calculates the percentage change between two values,
// returning zero when old is zero to avoid a division panic.
func PercentChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}
