package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/events"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/execution"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/logging"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/market"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/retry"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/stoploss"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/storage"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *collaborators.SimClient, *storage.FileStore) {
	t.Helper()
	dir := t.TempDir()

	logger, err := logging.New(dir, "error")
	if err != nil {
		t.Fatalf("logging.New failed: %v", err)
	}
	sim := collaborators.NewSimClient(zap.NewNop(), 1)
	store, err := storage.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	bus := events.New(zap.NewNop(), events.DefaultConfig())
	retryExec := retry.New(zap.NewNop(), nil)
	exec := execution.New(zap.NewNop(), sim, sim, sim, retryExec)

	cfg := DefaultManagerConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.StoppingTimeout = 50 * time.Millisecond
	cfg.StaleTickMultiplier = 2

	mgr := NewManager(logger, bus, store, market.NewAdapter(sim), stoploss.NewRegistry(), exec, sim, cfg)
	return mgr, sim, store
}

func testStrategyConfig() types.StrategyConfig {
	cfg := types.DefaultStrategyConfig()
	cfg.Type = types.StrategyTypeSimpleY
	cfg.Name = "test"
	cfg.PoolAddress = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	cfg.PositionAmount = decimal.NewFromInt(100)
	cfg.MonitoringInterval = 20 * time.Millisecond
	cfg.SlippageBps = 500
	return cfg
}

func TestCreateInstance_OpensPositionAndPersists(t *testing.T) {
	mgr, _, store := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, testStrategyConfig())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if inst.Status != types.StatusRunning {
		t.Fatalf("expected instance to be running, got %s", inst.Status)
	}
	if len(inst.Positions) == 0 {
		t.Fatal("expected at least one position to be opened")
	}

	loaded, err := store.Load(inst.ID)
	if err != nil {
		t.Fatalf("expected instance to be persisted: %v", err)
	}
	if loaded.ID != inst.ID {
		t.Fatalf("persisted instance ID mismatch: got %s want %s", loaded.ID, inst.ID)
	}

	mgr.Stop()
}

func TestTick_StopLossTakesPrecedenceOverRecreation(t *testing.T) {
	mgr, sim, _ := newTestManager(t)
	ctx := context.Background()

	cfg := testStrategyConfig()
	cfg.StopLoss.LossThresholdPercentage = 0.01
	inst, err := mgr.CreateInstance(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	sim.SetHealthy(true)
	mgr.tick(ctx, inst)

	if len(inst.Positions) != 0 && inst.Stage != types.StageNoPosition {
		t.Logf("instance stage after tick: %s, positions: %v", inst.Stage, inst.Positions)
	}

	mgr.Stop()
}

func TestStopInstance_TransitionsToStoppedEventually(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, testStrategyConfig())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	if err := mgr.StopInstance(inst.ID); err != nil {
		t.Fatalf("StopInstance failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := mgr.Get(inst.ID); ok && got.Status == types.StatusStopped {
			mgr.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mgr.Stop()
	t.Fatal("instance never reached Stopped status")
}

func TestRunHealthChecks_ForcesStuckStoppingInstance(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, testStrategyConfig())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	mgr.mu.Lock()
	w := mgr.instances[inst.ID]
	mgr.mu.Unlock()

	inst.Status = types.StatusStopping
	w.stoppingSince = time.Now().Add(-time.Hour)

	mgr.runHealthChecks()

	if inst.Status != types.StatusStopped {
		t.Fatalf("expected stuck-stopping instance to be forced to stopped, got %s", inst.Status)
	}

	issues := mgr.HealthIssues()
	found := false
	for _, issue := range issues {
		if issue.Category == IssueStuckStopping && issue.InstanceID == inst.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a stuck_stopping health issue to be published")
	}

	mgr.Stop()
}

func TestRunHealthChecks_DetectsPhaseError(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, testStrategyConfig())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	// Force an inconsistency: stage says no position, but positions remain.
	inst.Stage = types.StageNoPosition

	mgr.runHealthChecks()

	issues := mgr.HealthIssues()
	found := false
	for _, issue := range issues {
		if issue.Category == IssuePhaseError && issue.InstanceID == inst.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a phase_error health issue to be published")
	}

	mgr.Stop()
}

func TestRunHealthChecks_PurgesStaleObservationWindows(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.cfg.ObservationMaxAge = time.Millisecond

	cfg := testStrategyConfig()
	snapshot := market.Snapshot{NetPnLPercent: 0, DropPercentage: 0}
	// activeBin -9 -> position% = 5, in the unsafe zone without a loss
	// breach, so an observation window opens.
	mgr.stopLoss.Evaluate("ghost-instance", cfg.StopLoss, types.PositionRange{LowerBin: -10, UpperBin: 10}, -9, snapshot)

	time.Sleep(5 * time.Millisecond)
	mgr.runHealthChecks()

	if mgr.stopLoss.ObservationCount() != 0 {
		t.Fatal("expected stale observation window to be purged")
	}

	mgr.Stop()
}

func TestTick_PanicInCriticalPathTransitionsToError(t *testing.T) {
	mgr, sim, store := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, testStrategyConfig())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	sim.SetHealthy(true)

	func() {
		defer func() {
			if r := recover(); r != nil {
				mgr.handleTickPanic(inst, r)
			}
		}()
		panic("simulated critical-path failure")
	}()

	if inst.Status != types.StatusError {
		t.Fatalf("expected instance to transition to Error after a panic, got %s", inst.Status)
	}

	loaded, err := store.Load(inst.ID)
	if err != nil {
		t.Fatalf("expected instance to be persisted after panic recovery: %v", err)
	}
	if loaded.Status != types.StatusError {
		t.Fatalf("expected persisted status Error, got %s", loaded.Status)
	}

	found := false
	for _, e := range mgr.bus.History(events.TopicStrategyError) {
		if payload, ok := e.Data.(map[string]any); ok && payload["instanceId"] == inst.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a strategy.error event to be published")
	}

	mgr.Stop()
}

func TestRunWorker_StopsTickingAfterInstanceErrors(t *testing.T) {
	mgr, sim, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, testStrategyConfig())
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	sim.SetHealthy(true)

	inst.Status = types.StatusError

	mgr.mu.Lock()
	w := mgr.instances[inst.ID]
	mgr.mu.Unlock()

	// The worker checks the status after each tick, and Validate raises
	// the 20ms test interval to the 5s floor, so the first check comes
	// about 5s in.
	select {
	case <-w.done:
	case <-time.After(10 * time.Second):
		t.Fatal("expected worker loop to exit once the instance entered Error status")
	}

	mgr.Stop()
}

func TestStartRecoversRunningInstancesFromStorage(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.New(dir, "error")
	if err != nil {
		t.Fatalf("logging.New failed: %v", err)
	}
	sim := collaborators.NewSimClient(zap.NewNop(), 1)
	store, err := storage.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	persisted := &types.StrategyInstance{
		ID:     "recovered-1",
		Type:   types.StrategyTypeSimpleY,
		Status: types.StatusRunning,
		Config: testStrategyConfig(),
		Stage:  types.StageYPositionOnly,
		Metadata: types.InstanceMetadata{
			CreatedAt:  time.Now(),
			LastUpdate: time.Now(),
		},
	}
	if err := store.Save(persisted); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	bus := events.New(zap.NewNop(), events.DefaultConfig())
	retryExec := retry.New(zap.NewNop(), nil)
	exec := execution.New(zap.NewNop(), sim, sim, sim, retryExec)
	mgr := NewManager(logger, bus, store, market.NewAdapter(sim), stoploss.NewRegistry(), exec, sim, DefaultManagerConfig())

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, ok := mgr.Get("recovered-1"); !ok {
		t.Fatal("expected recovered instance to be spawned")
	}

	mgr.Stop()
}
