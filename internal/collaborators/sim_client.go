package collaborators

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/utils"
	"go.uber.org/zap"
)

// SimClient is a deterministic in-memory fake implementing DLMMClient,
// SwapClient, RPCClient and GasService for tests and paper-trading
// runs. Its active-bin subscription loop is grounded on the teacher's
// solana.go websocket-dial/callback pattern (periodic push rather than
// request/response), and its swap quoting is grounded on
// adapters/solana.go's Jupiter quote shape, minus the real HTTP calls.
type SimClient struct {
	logger *zap.Logger
	rng    *rand.Rand

	mu         sync.Mutex
	pools      map[string]*PoolState
	positions  map[string]*PositionState
	subs       map[string]chan struct{}
	healthy    bool
	binStepBps int64
}

// NewSimClient creates a fake collaborator client seeded with one
// pool per poolAddress the caller later references; pools are created
// lazily on first GetPool with a starting active bin of 0.
func NewSimClient(logger *zap.Logger, seed int64) *SimClient {
	return &SimClient{
		logger:     logger,
		rng:        rand.New(rand.NewSource(seed)),
		pools:      make(map[string]*PoolState),
		positions:  make(map[string]*PositionState),
		subs:       make(map[string]chan struct{}),
		healthy:    true,
		binStepBps: 25,
	}
}

// SetHealthy toggles whether RPC calls fail, for exercising the
// retry/health-checker paths in tests.
func (c *SimClient) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

func (c *SimClient) checkHealthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return fmt.Errorf("rpc unavailable")
	}
	return nil
}

func (c *SimClient) poolLocked(poolAddress string) *PoolState {
	p, ok := c.pools[poolAddress]
	if !ok {
		p = &PoolState{
			Address:   poolAddress,
			ActiveBin: 0,
			BinStep:   10,
			Price:     decimal.NewFromFloat(1.0),
		}
		c.pools[poolAddress] = p
	}
	return p
}

// GetPool returns the current pool state, advancing its simulated
// active bin by a small random walk on every call.
func (c *SimClient) GetPool(ctx context.Context, poolAddress string) (PoolState, error) {
	if err := c.checkHealthy(); err != nil {
		return PoolState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.poolLocked(poolAddress)
	step := int64(c.rng.Intn(3) - 1) // -1, 0, or 1
	p.ActiveBin += step
	priceMove := 1 + (c.rng.Float64()-0.5)*0.002
	p.Price = p.Price.Mul(decimal.NewFromFloat(priceMove))
	return *p, nil
}

func (c *SimClient) GetPosition(ctx context.Context, positionAddress string) (PositionState, error) {
	if err := c.checkHealthy(); err != nil {
		return PositionState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[positionAddress]
	if !ok {
		return PositionState{}, fmt.Errorf("position %s not found", positionAddress)
	}
	return *pos, nil
}

func (c *SimClient) CreatePosition(ctx context.Context, poolAddress string, lowerBin, upperBin int64, amount decimal.Decimal) (string, error) {
	if err := c.checkHealthy(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := utils.GenerateID("position")
	c.positions[addr] = &PositionState{
		Address:     addr,
		PoolAddress: poolAddress,
		LowerBin:    lowerBin,
		UpperBin:    upperBin,
		LiquidityX:  amount,
		LiquidityY:  decimal.Zero,
	}
	return addr, nil
}

func (c *SimClient) ClosePosition(ctx context.Context, positionAddress string) error {
	if err := c.checkHealthy(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.positions[positionAddress]; !ok {
		return fmt.Errorf("position %s not found", positionAddress)
	}
	delete(c.positions, positionAddress)
	return nil
}

func (c *SimClient) AddLiquidity(ctx context.Context, positionAddress string, amount decimal.Decimal) error {
	if err := c.checkHealthy(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[positionAddress]
	if !ok {
		return fmt.Errorf("position %s not found", positionAddress)
	}
	pos.LiquidityX = pos.LiquidityX.Add(amount)
	return nil
}

func (c *SimClient) HarvestFees(ctx context.Context, positionAddress string) (decimal.Decimal, error) {
	if err := c.checkHealthy(); err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[positionAddress]
	if !ok {
		return decimal.Zero, fmt.Errorf("position %s not found", positionAddress)
	}
	fees := pos.FeesEarned
	pos.FeesEarned = decimal.Zero
	return fees, nil
}

// SubscribeActiveBinChanges starts a goroutine that periodically
// pushes the pool's current active bin to callback, mirroring the
// teacher's subscribe-then-push-on-goroutine shape in
// solana.go's handleMessages loop.
func (c *SimClient) SubscribeActiveBinChanges(ctx context.Context, poolAddress string, callback func(activeBin int64)) (string, error) {
	if err := c.checkHealthy(); err != nil {
		return "", err
	}
	subID := utils.GenerateID("sub")
	stop := make(chan struct{})

	c.mu.Lock()
	c.subs[subID] = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				state, err := c.GetPool(ctx, poolAddress)
				if err != nil {
					continue
				}
				callback(state.ActiveBin)
			}
		}
	}()

	return subID, nil
}

func (c *SimClient) Unsubscribe(subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop, ok := c.subs[subscriptionID]
	if !ok {
		return nil
	}
	close(stop)
	delete(c.subs, subscriptionID)
	return nil
}

// Quote returns a simulated swap quote with a small fixed price
// impact, grounded on adapters/solana.go's Jupiter quote shape.
func (c *SimClient) Quote(ctx context.Context, inputMint, outputMint string, amount decimal.Decimal) (SwapQuote, error) {
	if err := c.checkHealthy(); err != nil {
		return SwapQuote{}, err
	}
	impact := 0.001 + c.rng.Float64()*0.004
	out := amount.Mul(decimal.NewFromFloat(1 - impact))
	return SwapQuote{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		InAmount:       amount,
		OutAmount:      out,
		PriceImpactPct: impact * 100,
		ExpiresAt:      time.Now().Add(30 * time.Second),
	}, nil
}

func (c *SimClient) Swap(ctx context.Context, quote SwapQuote, slippageBps int) (SwapResult, error) {
	if err := c.checkHealthy(); err != nil {
		return SwapResult{}, err
	}
	if time.Now().After(quote.ExpiresAt) {
		return SwapResult{}, fmt.Errorf("quote expired")
	}
	return SwapResult{
		TxSignature: utils.GenerateID("tx"),
		OutAmount:   quote.OutAmount,
	}, nil
}

func (c *SimClient) HealthCheck(ctx context.Context) error {
	return c.checkHealthy()
}

func (c *SimClient) GetSlot(ctx context.Context) (uint64, error) {
	if err := c.checkHealthy(); err != nil {
		return 0, err
	}
	return uint64(time.Now().Unix()), nil
}

func (c *SimClient) EstimateFee(ctx context.Context, txType string) (decimal.Decimal, error) {
	if err := c.checkHealthy(); err != nil {
		return decimal.Zero, err
	}
	switch txType {
	case "position.create", "chain.position.create":
		return decimal.NewFromFloat(0.01), nil
	case "position.close", "position.cleanup":
		return decimal.NewFromFloat(0.005), nil
	default:
		return decimal.NewFromFloat(0.002), nil
	}
}

var _ DLMMClient = (*SimClient)(nil)
var _ SwapClient = (*SimClient)(nil)
var _ RPCClient = (*SimClient)(nil)
var _ GasService = (*SimClient)(nil)
