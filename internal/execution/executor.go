// Package execution implements the Executor from spec.md §4.7: it
// translates a Decision from the stop-loss/recreation modules into
// collaborator calls, running every on-chain call through the retry
// executor under its named policy, and produces one OperationRecord
// per tick for the business-operations log and Storage.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/apperror"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/retry"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBinHalfWidth = 10

// Executor dispatches decisions to collaborator calls for both
// SimpleY and ChainPosition instances. MinRecreationInterval and
// MaxRecreationCostPct (spec.md §9 open question (c)) are enforced
// here, immediately before acting on a Recreate decision, since only
// the executor knows the collaborator-estimated cost of doing so.
type Executor struct {
	logger *zap.Logger
	dlmm   collaborators.DLMMClient
	swap   collaborators.SwapClient
	gas    collaborators.GasService
	retry  *retry.Executor

	mu             sync.Mutex
	lastRecreateAt map[string]time.Time
}

// New creates an Executor.
func New(logger *zap.Logger, dlmm collaborators.DLMMClient, swap collaborators.SwapClient, gas collaborators.GasService, retryExec *retry.Executor) *Executor {
	return &Executor{
		logger:         logger,
		dlmm:           dlmm,
		swap:           swap,
		gas:            gas,
		retry:          retryExec,
		lastRecreateAt: make(map[string]time.Time),
	}
}

// Apply executes decision against inst, returning the OperationRecord
// to log/persist. Hold/NoRecreate/Alert are no-ops at the collaborator
// level; the caller is still expected to log the record for
// diagnostics.
func (e *Executor) Apply(ctx context.Context, inst *types.StrategyInstance, activeBin int64, decision types.Decision) (*types.OperationRecord, error) {
	switch decision.Action {
	case types.ActionFullExit:
		return e.fullExit(ctx, inst, activeBin)
	case types.ActionRecreate:
		return e.recreate(ctx, inst, activeBin, decision)
	default:
		return &types.OperationRecord{
			InstanceID: inst.ID,
			Action:     string(decision.Action),
			ActiveBin:  activeBin,
			Success:    true,
			Timestamp:  time.Now(),
		}, nil
	}
}

// CreateInitialPosition opens the instance's first on-chain position
// (or pair of positions, for ChainPosition) around activeBin.
func (e *Executor) CreateInitialPosition(ctx context.Context, inst *types.StrategyInstance, activeBin int64) (*types.OperationRecord, error) {
	switch inst.Type {
	case types.StrategyTypeChainPosition:
		return e.createChainPositions(ctx, inst, activeBin)
	default:
		return e.createSimpleYPosition(ctx, inst, activeBin)
	}
}

func (e *Executor) createSimpleYPosition(ctx context.Context, inst *types.StrategyInstance, activeBin int64) (*types.OperationRecord, error) {
	lower, upper := activeBin-defaultBinHalfWidth, activeBin+defaultBinHalfWidth
	var addr string
	err := e.retry.Do(ctx, "position.create", func(ctx context.Context, attempt *retry.Attempt) error {
		var err error
		addr, err = e.dlmm.CreatePosition(ctx, inst.Config.PoolAddress, lower, upper, inst.Config.PositionAmount)
		if err != nil {
			return apperror.New(apperror.CategoryNetwork, "position.create", err)
		}
		return nil
	})
	record := &types.OperationRecord{
		InstanceID: inst.ID,
		Action:     "position.create",
		ActiveBin:  activeBin,
		Amount:     inst.Config.PositionAmount,
		Timestamp:  time.Now(),
	}
	if err != nil {
		record.Success = false
		record.Error = err.Error()
		return record, err
	}
	inst.Positions = []string{addr}
	inst.PositionRange = types.PositionRange{LowerBin: lower, UpperBin: upper}
	record.Success = true
	record.PositionAddress = addr
	return record, nil
}

// chainPositionLegs is the fixed number of positions a ChainPosition
// instance opens around the active bin.
const chainPositionLegs = 2

func (e *Executor) createChainPositions(ctx context.Context, inst *types.StrategyInstance, activeBin int64) (*types.OperationRecord, error) {
	half := inst.Config.PositionAmount.Div(decimal.NewFromInt(2))
	lower, upper := activeBin-defaultBinHalfWidth, activeBin+defaultBinHalfWidth

	// addrs is captured by the closure, not reset per attempt: a leg
	// that already succeeded stays recorded, so a retry after partial
	// success only opens the remaining leg instead of recreating both.
	var addrs []string
	err := e.retry.Do(ctx, "chain.position.create", func(ctx context.Context, attempt *retry.Attempt) error {
		for len(addrs) < chainPositionLegs {
			addr, err := e.dlmm.CreatePosition(ctx, inst.Config.PoolAddress, lower, upper, half)
			if err != nil {
				return apperror.New(apperror.CategoryNetwork, "chain.position.create", err)
			}
			addrs = append(addrs, addr)
		}
		return nil
	})
	record := &types.OperationRecord{
		InstanceID: inst.ID,
		Action:     "chain.position.create",
		ActiveBin:  activeBin,
		Amount:     inst.Config.PositionAmount,
		Timestamp:  time.Now(),
	}
	if err != nil {
		record.Success = false
		record.Error = err.Error()
		if len(addrs) > 0 {
			// One leg opened before attempts were exhausted: the
			// position is live on-chain, so the caller must track and
			// clean it up rather than discard it along with the error.
			record.Action = "chain.position.create.partial"
			record.PositionAddress = addrs[0]
			inst.Positions = addrs
			inst.PositionRange = types.PositionRange{LowerBin: lower, UpperBin: upper}
		}
		return record, err
	}
	inst.Positions = addrs
	inst.PositionRange = types.PositionRange{LowerBin: lower, UpperBin: upper}
	record.Success = true
	if len(addrs) > 0 {
		record.PositionAddress = addrs[0]
	}
	return record, nil
}

func (e *Executor) fullExit(ctx context.Context, inst *types.StrategyInstance, activeBin int64) (*types.OperationRecord, error) {
	record := &types.OperationRecord{
		InstanceID: inst.ID,
		Action:     "stop.loss",
		ActiveBin:  activeBin,
		Timestamp:  time.Now(),
	}

	err := e.retry.Do(ctx, "stop.loss", func(ctx context.Context, attempt *retry.Attempt) error {
		for _, addr := range inst.Positions {
			if err := e.dlmm.ClosePosition(ctx, addr); err != nil {
				return apperror.New(apperror.CategoryNetwork, "stop.loss", err)
			}
		}
		return nil
	})
	if err != nil {
		record.Success = false
		record.Error = err.Error()
		return record, err
	}

	inst.Positions = nil
	record.Success = true
	return record, nil
}

// recreate enforces the interval/cost guards, then closes and
// reopens the instance's position(s).
func (e *Executor) recreate(ctx context.Context, inst *types.StrategyInstance, activeBin int64, decision types.Decision) (*types.OperationRecord, error) {
	cfg := inst.Config.Recreation

	e.mu.Lock()
	last, seen := e.lastRecreateAt[inst.ID]
	e.mu.Unlock()
	if seen && time.Since(last) < cfg.MinRecreationInterval {
		return &types.OperationRecord{
			InstanceID: inst.ID,
			Action:     "recreate.skipped.interval",
			ActiveBin:  activeBin,
			Success:    true,
			Timestamp:  time.Now(),
		}, nil
	}

	if cfg.MaxRecreationCostPct > 0 {
		fee, err := e.gas.EstimateFee(ctx, "chain.position.create")
		if err == nil && inst.Config.PositionAmount.IsPositive() {
			costPct := fee.Div(inst.Config.PositionAmount).Mul(decimal.NewFromInt(100)).InexactFloat64()
			if costPct > cfg.MaxRecreationCostPct {
				return &types.OperationRecord{
					InstanceID: inst.ID,
					Action:     "recreate.skipped.cost",
					ActiveBin:  activeBin,
					Success:    true,
					Timestamp:  time.Now(),
				}, nil
			}
		}
	}

	if err := e.retry.Do(ctx, "position.cleanup", func(ctx context.Context, attempt *retry.Attempt) error {
		for _, addr := range inst.Positions {
			if err := e.dlmm.ClosePosition(ctx, addr); err != nil {
				return apperror.New(apperror.CategoryNetwork, "position.cleanup", err)
			}
		}
		return nil
	}); err != nil {
		return &types.OperationRecord{
			InstanceID: inst.ID,
			Action:     "recreate",
			ActiveBin:  activeBin,
			Success:    false,
			Error:      err.Error(),
			Timestamp:  time.Now(),
		}, err
	}
	inst.Positions = nil

	record, err := e.CreateInitialPosition(ctx, inst, activeBin)
	if err == nil {
		e.mu.Lock()
		e.lastRecreateAt[inst.ID] = time.Now()
		e.mu.Unlock()
	}
	if record != nil {
		record.Action = fmt.Sprintf("recreate.%s", decision.Reason)
	}
	return record, err
}

// Swap executes a token swap through the swap aggregator, under the
// token.swap retry policy.
func (e *Executor) Swap(ctx context.Context, inputMint, outputMint string, amount decimal.Decimal, slippageBps int) (collaborators.SwapResult, error) {
	var result collaborators.SwapResult
	err := e.retry.Do(ctx, "token.swap", func(ctx context.Context, attempt *retry.Attempt) error {
		quote, ok := attempt.State.(collaborators.SwapQuote)
		if !ok {
			q, err := e.swap.Quote(ctx, inputMint, outputMint, amount)
			if err != nil {
				return apperror.New(apperror.CategoryNetwork, "token.swap", err)
			}
			quote = q
			attempt.State = quote
		}
		res, err := e.swap.Swap(ctx, quote, slippageBps)
		if err != nil {
			attempt.State = nil // force a fresh quote next attempt
			return apperror.New(apperror.CategoryNetwork, "token.swap", err)
		}
		result = res
		return nil
	})
	return result, err
}

// HarvestFees claims accrued fees for every position an instance
// holds, returning the total harvested. Called by the scheduler once
// pending yield clears the instance's threshold and time-lock.
func (e *Executor) HarvestFees(ctx context.Context, inst *types.StrategyInstance) (decimal.Decimal, error) {
	total := decimal.Zero
	err := e.retry.Do(ctx, "yield.harvest", func(ctx context.Context, attempt *retry.Attempt) error {
		total = decimal.Zero
		for _, addr := range inst.Positions {
			fees, err := e.dlmm.HarvestFees(ctx, addr)
			if err != nil {
				return apperror.New(apperror.CategoryNetwork, "yield.harvest", err)
			}
			total = total.Add(fees)
		}
		return nil
	})
	return total, err
}
