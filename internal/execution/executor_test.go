package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/retry"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// flakyCreateClient wraps SimClient but fails CreatePosition on
// specific call indices (1-indexed), to exercise partial-success
// retry behavior that SimClient's all-or-nothing SetHealthy can't.
type flakyCreateClient struct {
	*collaborators.SimClient
	calls  int
	failOn map[int]bool
}

func (f *flakyCreateClient) CreatePosition(ctx context.Context, poolAddress string, lowerBin, upperBin int64, amount decimal.Decimal) (string, error) {
	f.calls++
	if f.failOn[f.calls] {
		return "", errors.New("simulated rpc failure")
	}
	return f.SimClient.CreatePosition(ctx, poolAddress, lowerBin, upperBin, amount)
}

func newTestExecutor(t *testing.T) (*Executor, *collaborators.SimClient) {
	t.Helper()
	sim := collaborators.NewSimClient(zap.NewNop(), 1)
	retryExec := retry.New(zap.NewNop(), nil)
	return New(zap.NewNop(), sim, sim, sim, retryExec), sim
}

func newTestInstance(t *testing.T) *types.StrategyInstance {
	t.Helper()
	cfg := types.DefaultStrategyConfig()
	cfg.Type = types.StrategyTypeSimpleY
	cfg.PoolAddress = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	cfg.PositionAmount = decimal.NewFromInt(100)
	return &types.StrategyInstance{ID: "inst-1", Type: cfg.Type, Config: cfg}
}

func TestCreateInitialPosition_SimpleY(t *testing.T) {
	exec, _ := newTestExecutor(t)
	inst := newTestInstance(t)

	record, err := exec.CreateInitialPosition(context.Background(), inst, 5)
	if err != nil {
		t.Fatalf("CreateInitialPosition failed: %v", err)
	}
	if !record.Success || len(inst.Positions) != 1 {
		t.Fatalf("expected a single position created, got %+v", record)
	}
}

func TestCreateInitialPosition_ChainPosition(t *testing.T) {
	exec, _ := newTestExecutor(t)
	inst := newTestInstance(t)
	inst.Type = types.StrategyTypeChainPosition

	record, err := exec.CreateInitialPosition(context.Background(), inst, 5)
	if err != nil {
		t.Fatalf("CreateInitialPosition failed: %v", err)
	}
	if !record.Success || len(inst.Positions) != 2 {
		t.Fatalf("expected two positions created, got %+v", record)
	}
}

func TestCreateInitialPosition_ChainPosition_RetriesOnlyFailedLeg(t *testing.T) {
	sim := collaborators.NewSimClient(zap.NewNop(), 1)
	flaky := &flakyCreateClient{SimClient: sim, failOn: map[int]bool{2: true}}
	retryExec := retry.New(zap.NewNop(), map[string]retry.Policy{
		"chain.position.create": {MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}},
	})
	exec := New(zap.NewNop(), flaky, sim, sim, retryExec)
	inst := newTestInstance(t)
	inst.Type = types.StrategyTypeChainPosition

	record, err := exec.CreateInitialPosition(context.Background(), inst, 5)
	if err != nil {
		t.Fatalf("CreateInitialPosition failed: %v", err)
	}
	if !record.Success || len(inst.Positions) != 2 {
		t.Fatalf("expected two positions created, got %+v", record)
	}
	// 3 calls total: leg one succeeds (call 1), leg two fails (call 2)
	// and is retried alone (call 3) — not 4, which is what recreating
	// both legs from scratch on retry would cost.
	if flaky.calls != 3 {
		t.Fatalf("expected exactly 3 CreatePosition calls, got %d", flaky.calls)
	}
}

func TestCreateInitialPosition_ChainPosition_PartialFailureRecordsWhatOpened(t *testing.T) {
	sim := collaborators.NewSimClient(zap.NewNop(), 1)
	flaky := &flakyCreateClient{SimClient: sim, failOn: map[int]bool{2: true, 3: true, 4: true}}
	retryExec := retry.New(zap.NewNop(), map[string]retry.Policy{
		"chain.position.create": {MaxAttempts: 2, Delays: []time.Duration{time.Millisecond}},
	})
	exec := New(zap.NewNop(), flaky, sim, sim, retryExec)
	inst := newTestInstance(t)
	inst.Type = types.StrategyTypeChainPosition

	record, err := exec.CreateInitialPosition(context.Background(), inst, 5)
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if record.Success {
		t.Fatal("expected the record to report failure")
	}
	if record.Action != "chain.position.create.partial" {
		t.Fatalf("expected a partial-failure record, got action %q", record.Action)
	}
	if len(inst.Positions) != 1 {
		t.Fatalf("expected the successfully-opened leg to remain tracked, got %v", inst.Positions)
	}
}

func TestApply_FullExitClosesPositions(t *testing.T) {
	exec, _ := newTestExecutor(t)
	inst := newTestInstance(t)
	if _, err := exec.CreateInitialPosition(context.Background(), inst, 5); err != nil {
		t.Fatalf("setup CreateInitialPosition failed: %v", err)
	}

	record, err := exec.Apply(context.Background(), inst, 5, types.Decision{Action: types.ActionFullExit})
	if err != nil {
		t.Fatalf("Apply full exit failed: %v", err)
	}
	if !record.Success || len(inst.Positions) != 0 {
		t.Fatalf("expected positions cleared after full exit, got %+v", record)
	}
}

func TestApply_RecreateSkippedWithinMinInterval(t *testing.T) {
	exec, _ := newTestExecutor(t)
	inst := newTestInstance(t)
	inst.Config.Recreation.MinRecreationInterval = time.Hour
	if _, err := exec.CreateInitialPosition(context.Background(), inst, 5); err != nil {
		t.Fatalf("setup CreateInitialPosition failed: %v", err)
	}
	exec.lastRecreateAt[inst.ID] = time.Now()

	record, err := exec.Apply(context.Background(), inst, 5, types.Decision{Action: types.ActionRecreate, Reason: types.ReasonOutOfRange})
	if err != nil {
		t.Fatalf("Apply recreate failed: %v", err)
	}
	if record.Action != "recreate.skipped.interval" {
		t.Fatalf("expected recreation to be skipped by the interval guard, got %q", record.Action)
	}
	if len(inst.Positions) != 1 {
		t.Fatal("expected the original position to remain untouched")
	}
}

func TestApply_HoldIsNoop(t *testing.T) {
	exec, _ := newTestExecutor(t)
	inst := newTestInstance(t)

	record, err := exec.Apply(context.Background(), inst, 5, types.Decision{Action: types.ActionHold})
	if err != nil {
		t.Fatalf("Apply hold failed: %v", err)
	}
	if !record.Success {
		t.Fatal("expected Hold to be a successful no-op")
	}
}
