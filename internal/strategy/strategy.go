// Package strategy owns strategy instance construction and lifecycle
// transition validation — the state machine described in spec.md §3,
// kept separate from pkg/types so the data model stays a plain value
// type while transition rules live with the behavior that enforces
// them, mirroring the teacher's registry/factory split in
// internal/strategy/strategy.go (constructors validate and hand back
// a ready-to-run value; nothing elsewhere constructs one directly).
package strategy

import (
	"fmt"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/utils"
)

// New validates cfg and constructs a fresh instance in StatusCreated/
// StageNoPosition, with no positions yet.
func New(cfg types.StrategyConfig) (*types.StrategyInstance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}

	now := time.Now()
	prefix := string(cfg.Type)
	return &types.StrategyInstance{
		ID:     utils.GenerateID(prefix),
		Type:   cfg.Type,
		Status: types.StatusCreated,
		Config: cfg,
		Stage:  types.StageNoPosition,
		Metadata: types.InstanceMetadata{
			CreatedAt:     now,
			LastUpdate:    now,
			CorrelationID: utils.GenerateID("corr"),
		},
	}, nil
}

// statusTransitions is the allowed lifecycle graph (spec.md §3). Any
// edge not listed here is rejected by TransitionStatus.
var statusTransitions = map[types.InstanceStatus][]types.InstanceStatus{
	types.StatusCreated:      {types.StatusInitializing, types.StatusError},
	types.StatusInitializing: {types.StatusRunning, types.StatusError},
	types.StatusRunning:      {types.StatusPaused, types.StatusStopping, types.StatusError, types.StatusCompleted},
	types.StatusPaused:       {types.StatusRunning, types.StatusStopping, types.StatusError},
	types.StatusStopping:     {types.StatusStopped, types.StatusError},
	types.StatusStopped:      {},
	types.StatusError:        {types.StatusStopping, types.StatusStopped},
	types.StatusCompleted:    {},
}

// TransitionStatus moves inst to next if the edge is legal, updating
// Metadata.LastUpdate (and StartedAt, the first time it reaches
// Running). Exclusive ownership of Status mutation belongs to the
// scheduler's worker for this instance — no other component should
// call this concurrently for the same instance.
func TransitionStatus(inst *types.StrategyInstance, next types.InstanceStatus) error {
	allowed := statusTransitions[inst.Status]
	legal := false
	for _, s := range allowed {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("illegal status transition %s -> %s", inst.Status, next)
	}

	if next == types.StatusRunning && inst.Metadata.StartedAt.IsZero() {
		inst.Metadata.StartedAt = time.Now()
	}
	inst.Status = next
	inst.Metadata.LastUpdate = time.Now()
	return nil
}

// stageTransitions is the type-specific phase graph within a running
// instance (spec.md §3). ChainPosition instances use the same stage
// names but carry two position addresses instead of one.
var stageTransitions = map[types.Stage][]types.Stage{
	types.StageNoPosition:        {types.StageYPositionOnly},
	types.StageYPositionOnly:     {types.StageOutOfRange, types.StageStopLossTriggered, types.StageCleanup},
	types.StageOutOfRange:        {types.StageYPositionOnly, types.StageStopLossTriggered, types.StageCleanup},
	types.StageStopLossTriggered: {types.StageCleanup},
	types.StageCleanup:           {types.StageNoPosition},
}

// TransitionStage moves inst to next stage if legal, and enforces the
// §3 invariant that Positions is non-empty iff the stage requires one.
func TransitionStage(inst *types.StrategyInstance, next types.Stage) error {
	allowed := stageTransitions[inst.Stage]
	legal := false
	for _, s := range allowed {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("illegal stage transition %s -> %s", inst.Stage, next)
	}

	inst.Stage = next
	if !inst.StageRequiresPosition() {
		inst.Positions = nil
	}
	inst.Metadata.LastUpdate = time.Now()
	return nil
}

// RequiredPositionCount returns how many on-chain positions a running
// instance of this type must hold once it has entered a
// position-bearing stage: SimpleY holds one, ChainPosition holds two.
func RequiredPositionCount(t types.StrategyType) int {
	if t == types.StrategyTypeChainPosition {
		return 2
	}
	return 1
}
