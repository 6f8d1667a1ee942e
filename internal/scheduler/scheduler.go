// Package scheduler implements the Manager and per-instance worker
// loop from spec.md §4.8: one worker goroutine per Running instance,
// ticking at its configured monitoringInterval, consulting stop-loss
// then recreation each tick, and a background health checker that
// detects and auto-fixes a handful of known worker pathologies. Tick
// execution itself runs on the bounded internal/workers.Pool so the
// number of instances never dictates the number of concurrently
// executing RPC calls.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/collaborators"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/events"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/execution"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/logging"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/market"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/metrics"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/recreation"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/stoploss"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/storage"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/strategy"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/workers"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxTickDeadline = 45 * time.Second

// HealthIssueCategory names a pathology the health checker detects.
type HealthIssueCategory string

const (
	IssueStuckStopping       HealthIssueCategory = "stuck_stopping"
	IssueTimerLeak           HealthIssueCategory = "timer_leak"
	IssueMemoryLeak          HealthIssueCategory = "memory_leak"
	IssueObservationBuildup  HealthIssueCategory = "observation_buildup"
	IssuePhaseError          HealthIssueCategory = "phase_error"
)

// HealthIssue is one detected-and-handled pathology, published on the
// event bus and returned from Manager.HealthIssues for diagnostics.
type HealthIssue struct {
	InstanceID string
	Category   HealthIssueCategory
	Detail     string
	DetectedAt time.Time
}

// ManagerConfig bundles the scheduler-level knobs from EngineConfig
// that aren't already carried per-instance in StrategyConfig.
type ManagerConfig struct {
	HealthCheckInterval  time.Duration
	StoppingTimeout      time.Duration
	ObservationBound     int
	ObservationMaxAge    time.Duration
	StaleTickMultiplier  int // instance flagged timer_leak after this many missed ticks
	MaxHeapBytes         uint64
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HealthCheckInterval: 30 * time.Second,
		StoppingTimeout:     5 * time.Minute,
		ObservationBound:    10000,
		ObservationMaxAge:   2 * time.Hour,
		StaleTickMultiplier: 3,
		MaxHeapBytes:        1 << 30, // 1 GiB
	}
}

// instanceWorker is the Manager's handle on a running instance's
// goroutine. Only the goroutine itself mutates inst; every other
// component reads inst under Manager.mu or hands the worker a
// Decision to apply.
type instanceWorker struct {
	inst          *types.StrategyInstance
	cancel        context.CancelFunc
	done          chan struct{}
	stoppingSince time.Time
}

// Manager owns the full set of strategy instances: lifecycle,
// tick scheduling, health checking, and crash recovery.
type Manager struct {
	logger   *logging.Logger
	bus      *events.Bus
	store    *storage.FileStore
	market   *market.Adapter
	stopLoss *stoploss.Registry
	executor *execution.Executor
	pool     *workers.Pool
	gas      collaborators.GasService
	metrics  *metrics.Registry
	cfg      ManagerConfig

	mu        sync.RWMutex
	instances map[string]*instanceWorker

	stopOnce sync.Once
	quit     chan struct{}
}

// NewManager wires a Manager from its collaborators. Call Start to
// launch the background pool, health checker, and recover any
// previously persisted instances.
func NewManager(
	logger *logging.Logger,
	bus *events.Bus,
	store *storage.FileStore,
	marketAdapter *market.Adapter,
	stopLossRegistry *stoploss.Registry,
	executor *execution.Executor,
	gas collaborators.GasService,
	cfg ManagerConfig,
) *Manager {
	return &Manager{
		logger:    logger,
		bus:       bus,
		store:     store,
		market:    marketAdapter,
		stopLoss:  stopLossRegistry,
		executor:  executor,
		gas:       gas,
		cfg:       cfg,
		pool:      workers.NewPool(logger.System, workers.DefaultPoolConfig("scheduler")),
		instances: make(map[string]*instanceWorker),
		quit:      make(chan struct{}),
	}
}

// SetMetrics attaches a Prometheus registry the Manager reports tick
// latency, per-instance PnL, and health issue counts to. Optional —
// a Manager with no registry attached simply skips instrumentation.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Start launches the tick pool and health checker, then reconciles
// with Storage: every persisted instance whose last recorded status
// was Running is re-initialized (re-reading its pool's on-chain state
// before resuming ticks; the instance's positions are not re-read).
func (m *Manager) Start(ctx context.Context) error {
	m.pool.Start()
	go m.healthCheckLoop(ctx)

	persisted, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load persisted instances: %w", err)
	}
	for _, inst := range persisted {
		if inst.Status != types.StatusRunning && inst.Status != types.StatusPaused {
			continue
		}
		m.logger.System.Info("recovering instance from storage",
			zap.String("instanceId", inst.ID), zap.String("status", string(inst.Status)))
		if err := m.reinitialize(ctx, inst); err != nil {
			m.logger.EchoError(m.logger.System, inst.ID, logging.CategorySystem,
				"failed to recover instance", err)
			continue
		}
		m.spawnWorker(ctx, inst)
	}
	return nil
}

// reinitialize re-reads on-chain position state for a recovered
// instance before it resumes ticking, per spec.md §4.8's recovery
// requirement.
func (m *Manager) reinitialize(ctx context.Context, inst *types.StrategyInstance) error {
	if err := strategy.TransitionStatus(inst, types.StatusInitializing); err != nil {
		// Already past Initializing (e.g. was Running) — fine, no-op.
		_ = err
	}
	if _, err := m.market.Snapshot(ctx, inst.Config.PoolAddress, inst.Config.PositionAmount, inst.Config.PositionAmount, inst.Config.PositionAmount.Sub(inst.Config.PositionAmount)); err != nil {
		return fmt.Errorf("re-read pool state: %w", err)
	}
	inst.Status = types.StatusRunning
	return nil
}

// CreateInstance validates cfg, constructs a new instance, opens its
// initial on-chain position(s), persists it, and launches its worker.
func (m *Manager) CreateInstance(ctx context.Context, cfg types.StrategyConfig) (*types.StrategyInstance, error) {
	inst, err := strategy.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := strategy.TransitionStatus(inst, types.StatusInitializing); err != nil {
		return nil, err
	}

	snapshot, err := m.market.Snapshot(ctx, inst.Config.PoolAddress, inst.Config.PositionAmount, inst.Config.PositionAmount, decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}
	if _, err := m.executor.CreateInitialPosition(ctx, inst, snapshot.ActiveBin); err != nil {
		if len(inst.Positions) > 0 {
			// A leg opened on-chain before the failure: route the
			// instance to Cleanup instead of losing track of it.
			_ = strategy.TransitionStage(inst, types.StageYPositionOnly)
			_ = strategy.TransitionStage(inst, types.StageCleanup)
			_ = strategy.TransitionStatus(inst, types.StatusError)
			if saveErr := m.store.Save(inst); saveErr != nil {
				m.logger.EchoError(m.logger.System, inst.ID, logging.CategorySystem,
					"failed to persist partially-created instance", saveErr)
			}
		}
		return nil, fmt.Errorf("create initial position: %w", err)
	}
	if err := strategy.TransitionStage(inst, types.StageYPositionOnly); err != nil {
		return nil, err
	}
	if err := strategy.TransitionStatus(inst, types.StatusRunning); err != nil {
		return nil, err
	}

	if err := m.store.Save(inst); err != nil {
		return nil, fmt.Errorf("persist new instance: %w", err)
	}

	m.bus.Publish(events.TopicStrategyStarted, inst.ID, "scheduler")
	m.spawnWorker(ctx, inst)
	return inst, nil
}

// StopInstance transitions inst to Stopping and signals its worker to
// finish the current tick then exit. The health checker forces a
// Stopped transition if the worker doesn't exit within
// cfg.StoppingTimeout.
func (m *Manager) StopInstance(id string) error {
	m.mu.Lock()
	w, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown instance %q", id)
	}

	if err := strategy.TransitionStatus(w.inst, types.StatusStopping); err != nil {
		return err
	}
	w.stoppingSince = time.Now()
	w.cancel()
	return nil
}

// Get returns the current in-memory state of an instance.
func (m *Manager) Get(id string) (*types.StrategyInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.instances[id]
	if !ok {
		return nil, false
	}
	return w.inst, true
}

// List returns every instance currently tracked by the Manager.
func (m *Manager) List() []*types.StrategyInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.StrategyInstance, 0, len(m.instances))
	for _, w := range m.instances {
		out = append(out, w.inst)
	}
	return out
}

// Stop drains every worker and the tick pool, in that order, as the
// first rungs of the process shutdown ladder.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.mu.RLock()
		workersSnapshot := make([]*instanceWorker, 0, len(m.instances))
		for _, w := range m.instances {
			workersSnapshot = append(workersSnapshot, w)
		}
		m.mu.RUnlock()

		for _, w := range workersSnapshot {
			w.cancel()
		}
		for _, w := range workersSnapshot {
			select {
			case <-w.done:
			case <-time.After(m.cfg.StoppingTimeout):
			}
		}
		_ = m.pool.Stop()
	})
}

func (m *Manager) spawnWorker(ctx context.Context, inst *types.StrategyInstance) {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &instanceWorker{inst: inst, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.instances[inst.ID] = w
	m.mu.Unlock()

	go m.runWorker(workerCtx, w)
}

// runWorker is the per-instance tick loop. Ticks are strictly
// serialized — the next tick is only scheduled once the previous
// tick's pool task has returned.
func (m *Manager) runWorker(ctx context.Context, w *instanceWorker) {
	defer close(w.done)

	interval := w.inst.Config.MonitoringInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.finalizeStop(w)
			return
		case <-timer.C:
			done := make(chan struct{})
			if err := m.pool.SubmitFunc(func() error {
				defer close(done)
				m.tick(ctx, w.inst)
				return nil
			}); err != nil {
				m.logger.EchoError(m.logger.System, w.inst.ID, logging.CategorySystem,
					"failed to submit tick to pool", err)
				close(done)
			}
			select {
			case <-done:
			case <-ctx.Done():
				m.finalizeStop(w)
				return
			}
			if w.inst.Status == types.StatusError {
				// A tick's critical path failed unrecoverably; the
				// instance is done ticking until an operator
				// intervenes, per spec.md §7.
				return
			}
			timer.Reset(interval)
		}
	}
}

func (m *Manager) finalizeStop(w *instanceWorker) {
	if w.inst.Status == types.StatusStopping {
		_ = strategy.TransitionStatus(w.inst, types.StatusStopped)
		_ = m.store.Save(w.inst)
		m.bus.Publish(events.TopicStrategyStopped, w.inst.ID, "scheduler")
	}
}

// tick runs one full monitoring cycle for inst: snapshot, stop-loss,
// recreation, yield harvest, persistence. Stop-loss evaluation always
// precedes recreation (spec.md §5 ordering guarantee).
func (m *Manager) tick(ctx context.Context, inst *types.StrategyInstance) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.TickDuration.WithLabelValues(inst.ID).Observe(time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			m.handleTickPanic(inst, r)
		}
	}()

	deadline := inst.Config.MonitoringInterval
	if deadline > maxTickDeadline {
		deadline = maxTickDeadline
	}
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	opsLog := m.logger.ForInstance(inst.ID)

	investment := inst.Config.PositionAmount
	snapshot, err := m.market.Snapshot(tickCtx, inst.Config.PoolAddress, investment, investment, decimal.Zero)
	if err != nil {
		inst.Runtime.LastRPCFailureAt = time.Now()
		m.logger.EchoError(opsLog.Monitoring, inst.ID, logging.CategoryInstanceMonitoring,
			"snapshot failed", err)
		return
	}
	inst.Runtime.LastRPCSuccessAt = time.Now()
	inst.Runtime.LastTickAt = time.Now()
	inst.Runtime.LastActiveBin = snapshot.ActiveBin
	if m.metrics != nil {
		m.metrics.InstancePnL.WithLabelValues(inst.ID).Set(snapshot.NetPnLPercent)
	}

	recreation.UpdateOutOfRangeState(&inst.Runtime, inst.PositionRange, snapshot.ActiveBin, time.Now())

	decision := m.stopLoss.Evaluate(inst.ID, inst.Config.StopLoss, inst.PositionRange, snapshot.ActiveBin, snapshot)
	if decision.Action != types.ActionFullExit {
		decision = recreation.Evaluate(inst.Config.Recreation, inst.PositionRange, snapshot.ActiveBin, &inst.Runtime, snapshot, time.Now())
	}

	record, err := m.executor.Apply(tickCtx, inst, snapshot.ActiveBin, decision)
	if err != nil {
		inst.Metadata.ErrorCount++
		m.logger.EchoError(opsLog.Operations, inst.ID, logging.CategoryInstanceOperations,
			"decision application failed", err)
	}
	inst.Metadata.ExecutionCount++
	inst.Metadata.LastUpdate = time.Now()

	if decision.Action == types.ActionFullExit {
		_ = strategy.TransitionStage(inst, types.StageStopLossTriggered)
		_ = strategy.TransitionStage(inst, types.StageCleanup)
		_ = strategy.TransitionStage(inst, types.StageNoPosition)
	}

	m.maybeHarvestFees(tickCtx, inst, snapshot)

	if record != nil {
		opsLog.Operations.Info("tick operation recorded",
			zap.String("action", record.Action), zap.Bool("success", record.Success))
	}
	m.bus.Publish(events.TopicSmartStopLossUpdate, decision, "scheduler")

	if err := m.store.Save(inst); err != nil {
		m.logger.EchoError(m.logger.System, inst.ID, logging.CategorySystem, "failed to persist tick state", err)
	}
}

// handleTickPanic recovers a tick's critical path from a panic, marks
// the instance Error and notifies the health checker via
// strategy.error, per spec.md §7. StatusError is a legal transition
// from every non-terminal status, so this is safe regardless of which
// stage the panic interrupted.
func (m *Manager) handleTickPanic(inst *types.StrategyInstance, recovered any) {
	m.logger.EchoError(m.logger.System, inst.ID, logging.CategorySystem,
		"tick panicked", fmt.Errorf("%v", recovered))

	if err := strategy.TransitionStatus(inst, types.StatusError); err != nil {
		m.logger.System.Warn("could not transition instance to error status after panic",
			zap.String("instanceId", inst.ID), zap.Error(err))
	}
	if err := m.store.Save(inst); err != nil {
		m.logger.EchoError(m.logger.System, inst.ID, logging.CategorySystem,
			"failed to persist instance after tick panic", err)
	}
	if m.metrics != nil {
		m.metrics.HealthIssues.WithLabelValues("tick_panic").Inc()
	}
	m.bus.Publish(events.TopicStrategyError, map[string]any{
		"instanceId": inst.ID,
		"panic":      fmt.Sprintf("%v", recovered),
	}, "scheduler")
}

func (m *Manager) maybeHarvestFees(ctx context.Context, inst *types.StrategyInstance, snapshot market.Snapshot) {
	if !snapshot.Yield.FeesEarned.GreaterThanOrEqual(inst.Config.YieldExtractionThreshold) {
		return
	}
	if time.Since(inst.Runtime.LastYieldExtractedAt) < inst.Config.YieldExtractionTimeLock {
		return
	}
	if _, err := m.executor.HarvestFees(ctx, inst); err != nil {
		m.logger.EchoError(m.logger.ForInstance(inst.ID).Operations, inst.ID, logging.CategoryInstanceOperations,
			"fee harvest failed", err)
		return
	}
	inst.Runtime.LastYieldExtractedAt = time.Now()
}

// healthCheckLoop runs the spec.md §4.8 health checker every
// HealthCheckInterval until ctx or m.quit closes.
func (m *Manager) healthCheckLoop(ctx context.Context) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			m.runHealthChecks()
		}
	}
}

// runHealthChecks evaluates every tracked instance against the five
// pathology categories from spec.md §4.8, auto-fixing the ones it can
// and publishing a HealthIssue event for every detection.
func (m *Manager) runHealthChecks() {
	m.mu.RLock()
	snapshot := make([]*instanceWorker, 0, len(m.instances))
	for _, w := range m.instances {
		snapshot = append(snapshot, w)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, w := range snapshot {
		inst := w.inst

		if inst.Status == types.StatusStopping && !w.stoppingSince.IsZero() && now.Sub(w.stoppingSince) > m.cfg.StoppingTimeout {
			m.reportIssue(inst.ID, IssueStuckStopping, "stopping timeout exceeded, forcing stopped")
			inst.Status = types.StatusStopped
			_ = m.store.Save(inst)
			w.cancel()
			continue
		}

		expected := inst.Config.MonitoringInterval
		if expected <= 0 {
			expected = 30 * time.Second
		}
		staleAfter := expected * time.Duration(m.cfg.StaleTickMultiplier)
		if inst.Status == types.StatusRunning && !inst.Runtime.LastTickAt.IsZero() && now.Sub(inst.Runtime.LastTickAt) > staleAfter {
			m.reportIssue(inst.ID, IssueTimerLeak,
				fmt.Sprintf("no tick observed in %s, restarting worker", now.Sub(inst.Runtime.LastTickAt).Round(time.Second)))
			m.restartWorker(w)
			continue
		}

		if inst.HasPosition() != inst.StageRequiresPosition() {
			m.reportIssue(inst.ID, IssuePhaseError,
				fmt.Sprintf("stage %s inconsistent with %d held position(s)", inst.Stage, len(inst.Positions)))
		}
	}

	if purged := m.stopLoss.PurgeExpired(m.cfg.ObservationMaxAge); purged > 0 {
		m.reportIssue("", IssueObservationBuildup, fmt.Sprintf("purged %d stale observation windows", purged))
	} else if m.stopLoss.ObservationCount() > m.cfg.ObservationBound {
		m.reportIssue("", IssueObservationBuildup, "observation registry exceeds configured bound")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if m.cfg.MaxHeapBytes > 0 && mem.HeapAlloc > m.cfg.MaxHeapBytes {
		m.reportIssue("", IssueMemoryLeak,
			fmt.Sprintf("heap alloc %d bytes exceeds threshold %d bytes", mem.HeapAlloc, m.cfg.MaxHeapBytes))
	}
}

// restartWorker cancels a stalled worker's context and spawns a fresh
// one against the same instance value, per spec.md §4.8's timer_leak
// fix.
func (m *Manager) restartWorker(w *instanceWorker) {
	w.cancel()
	<-w.done
	workerCtx, cancel := context.WithCancel(context.Background())
	nw := &instanceWorker{inst: w.inst, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.instances[w.inst.ID] = nw
	m.mu.Unlock()
	go m.runWorker(workerCtx, nw)
}

// HealthIssues returns the most recently detected health issues, newest
// last, drawn from the event bus's bounded history for the health-issue
// topic.
func (m *Manager) HealthIssues() []HealthIssue {
	recent := m.bus.History(events.TopicHealthIssue)
	issues := make([]HealthIssue, 0, len(recent))
	for _, e := range recent {
		if issue, ok := e.Data.(HealthIssue); ok {
			issues = append(issues, issue)
		}
	}
	return issues
}

func (m *Manager) reportIssue(instanceID string, category HealthIssueCategory, detail string) {
	issue := HealthIssue{InstanceID: instanceID, Category: category, Detail: detail, DetectedAt: time.Now()}
	m.logger.System.Warn("health issue detected",
		zap.String("instanceId", instanceID), zap.String("category", string(category)), zap.String("detail", detail))
	if m.metrics != nil {
		m.metrics.HealthIssues.WithLabelValues(string(category)).Inc()
	}
	m.bus.Publish(events.TopicHealthIssue, issue, "scheduler-health")
}
