// Package collaborators defines the external interfaces the DLMM
// strategy engine depends on — the DLMM pool program, a swap
// aggregator, the RPC connection, and a gas/fee estimator — plus a
// deterministic in-memory fake used by tests and paper-trading runs.
// Real on-chain transaction encoding is out of scope (spec.md §1
// Non-goals); callers only ever see these interfaces.
package collaborators

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PoolState is a point-in-time read of a DLMM pool.
type PoolState struct {
	Address   string
	ActiveBin int64
	BinStep   int64
	Price     decimal.Decimal
}

// PositionState is a point-in-time read of a single position.
type PositionState struct {
	Address    string
	PoolAddress string
	LowerBin   int64
	UpperBin   int64
	LiquidityX decimal.Decimal
	LiquidityY decimal.Decimal
	FeesEarned decimal.Decimal
}

// SwapQuote is a priced swap offer, valid for a short window.
type SwapQuote struct {
	InputMint      string
	OutputMint     string
	InAmount       decimal.Decimal
	OutAmount      decimal.Decimal
	PriceImpactPct float64
	ExpiresAt      time.Time
}

// SwapResult is the outcome of executing a SwapQuote.
type SwapResult struct {
	TxSignature string
	OutAmount   decimal.Decimal
}

// DLMMClient is the DLMM pool program collaborator (spec.md §6).
type DLMMClient interface {
	GetPool(ctx context.Context, poolAddress string) (PoolState, error)
	GetPosition(ctx context.Context, positionAddress string) (PositionState, error)
	CreatePosition(ctx context.Context, poolAddress string, lowerBin, upperBin int64, amount decimal.Decimal) (string, error)
	ClosePosition(ctx context.Context, positionAddress string) error
	AddLiquidity(ctx context.Context, positionAddress string, amount decimal.Decimal) error
	HarvestFees(ctx context.Context, positionAddress string) (decimal.Decimal, error)
	// SubscribeActiveBinChanges registers callback for active-bin
	// movements on poolAddress and returns a subscription ID usable
	// with Unsubscribe.
	SubscribeActiveBinChanges(ctx context.Context, poolAddress string, callback func(activeBin int64)) (string, error)
	Unsubscribe(subscriptionID string) error
}

// SwapClient is the swap-aggregator collaborator.
type SwapClient interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount decimal.Decimal) (SwapQuote, error)
	Swap(ctx context.Context, quote SwapQuote, slippageBps int) (SwapResult, error)
}

// RPCClient reports the health of the underlying RPC connection.
type RPCClient interface {
	HealthCheck(ctx context.Context) error
	GetSlot(ctx context.Context) (uint64, error)
}

// GasService estimates the network fee for a transaction type.
type GasService interface {
	EstimateFee(ctx context.Context, txType string) (decimal.Decimal, error)
}
