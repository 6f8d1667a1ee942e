// Package retry implements the synchronous-retry executor from
// spec.md §4.2: a per-operation policy table, cooperative
// (non-blocking) sleeps that can be cancelled mid-delay, and a
// caller-owned attempt handle that survives across retries so the
// caller can carry its own execution/decision state between them.
package retry

import (
	"context"
	"strings"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/apperror"
	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/events"
	"go.uber.org/zap"
)

// Policy is the retry policy for a single named operation.
type Policy struct {
	MaxAttempts int
	// Delays[i] is how long to wait before attempt i+2 (i.e. Delays[0]
	// is the wait after the first failure). If shorter than
	// MaxAttempts-1, the last entry repeats.
	Delays []time.Duration
	// RetriableSubstrings classify an error as retriable when its
	// message contains one of these, in addition to the category-level
	// Retryable() check in apperror.
	RetriableSubstrings []string
}

func (p Policy) delayFor(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return p.Delays[idx]
}

// DefaultPolicies is the fixed per-operation policy table from
// spec.md §4.2.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"position.create": {
			MaxAttempts: 2,
			Delays:      []time.Duration{2 * time.Second},
		},
		"position.close": {
			MaxAttempts: 5,
			Delays:      []time.Duration{time.Second},
		},
		"liquidity.add": {
			MaxAttempts: 6,
			Delays:      []time.Duration{10 * time.Second},
		},
		"token.swap": {
			MaxAttempts: 3,
			Delays:      []time.Duration{30 * time.Second},
		},
		"chain.position.create": {
			MaxAttempts: 3,
			Delays:      []time.Duration{15 * time.Second},
		},
		"stop.loss": {
			MaxAttempts: 4,
			Delays:      []time.Duration{10 * time.Second, 30 * time.Second, 30 * time.Second},
		},
		"stop.loss.token.swap": {
			MaxAttempts: 4,
			Delays:      []time.Duration{30 * time.Second},
		},
		"position.cleanup": {
			MaxAttempts: 3,
			Delays:      []time.Duration{30 * time.Second},
		},
		"outOfRange.handler": {
			MaxAttempts: 3,
			Delays:      []time.Duration{3 * time.Second},
		},
	}
}

// Attempt is a mutable handle a retried operation can use to carry its
// own state (e.g. a partially-built transaction, a computed quote)
// across attempts of the same call.
type Attempt struct {
	Number int // 1-indexed, current attempt number
	State  any // caller-owned, nil until the caller sets it
}

// Op is a retried operation. It receives the current Attempt so it can
// read/write caller state, and returns an error classified by
// apperror for retry eligibility.
type Op func(ctx context.Context, attempt *Attempt) error

// RetryEvent is the payload published on each of the
// sync.retry.started|attempt|success|failed topics.
type RetryEvent struct {
	Operation  string
	Attempt    int
	MaxAttempt int
	Err        string
}

// Executor runs operations under the policy table.
type Executor struct {
	logger    *zap.Logger
	policies  map[string]Policy
	onAttempt func(operation, outcome string)
	onEvent   func(topic string, payload RetryEvent)
}

// SetMetricsHook registers a callback invoked after every attempt with
// the operation name and one of "success"/"retry"/"failure". Passing
// nil disables instrumentation. Not safe to call concurrently with Do.
func (e *Executor) SetMetricsHook(hook func(operation, outcome string)) {
	e.onAttempt = hook
}

// SetEventHook registers a callback invoked with one of the
// sync.retry.started|attempt|success|failed topic names (see
// internal/events) and the attempt's detail, per spec.md §4.2/§6.
// Passing nil disables event publishing. Not safe to call
// concurrently with Do.
func (e *Executor) SetEventHook(hook func(topic string, payload RetryEvent)) {
	e.onEvent = hook
}

func (e *Executor) recordAttempt(operation, outcome string) {
	if e.onAttempt != nil {
		e.onAttempt(operation, outcome)
	}
}

func (e *Executor) publish(topic, operation string, attempt, maxAttempts int, err error) {
	if e.onEvent == nil {
		return
	}
	payload := RetryEvent{Operation: operation, Attempt: attempt, MaxAttempt: maxAttempts}
	if err != nil {
		payload.Err = err.Error()
	}
	e.onEvent(topic, payload)
}

// New creates an Executor. A nil/empty policies map uses
// DefaultPolicies.
func New(logger *zap.Logger, policies map[string]Policy) *Executor {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Executor{logger: logger, policies: policies}
}

// Policy returns the policy registered for name, and whether one was
// found.
func (e *Executor) Policy(name string) (Policy, bool) {
	p, ok := e.policies[name]
	return p, ok
}

// Do runs op under the policy registered for name. Validation and
// Configuration category errors are never retried, per spec.md §7,
// regardless of the operation's substring list. The context is
// checked before every attempt and during every inter-attempt delay;
// a cancelled context aborts immediately and that is returned as the
// final error.
func (e *Executor) Do(ctx context.Context, name string, op Op) error {
	policy, ok := e.policies[name]
	if !ok {
		// Unregistered operations run once, uncushioned.
		return op(ctx, &Attempt{Number: 1})
	}

	attempt := &Attempt{Number: 1}
	var lastErr error

	e.publish(events.TopicRetryStarted, name, attempt.Number, policy.MaxAttempts, nil)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.publish(events.TopicRetryAttempt, name, attempt.Number, policy.MaxAttempts, nil)
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			e.recordAttempt(name, "success")
			e.publish(events.TopicRetrySuccess, name, attempt.Number, policy.MaxAttempts, nil)
			return nil
		}

		category := apperror.As(lastErr)
		if !category.Retryable() {
			e.recordAttempt(name, "failure")
			e.publish(events.TopicRetryFailed, name, attempt.Number, policy.MaxAttempts, lastErr)
			e.logger.Debug("retry: non-retryable category, stopping",
				zap.String("operation", name),
				zap.String("category", string(category)),
				zap.Error(lastErr))
			return lastErr
		}
		if len(policy.RetriableSubstrings) > 0 && !matchesAny(lastErr.Error(), policy.RetriableSubstrings) {
			e.recordAttempt(name, "failure")
			e.publish(events.TopicRetryFailed, name, attempt.Number, policy.MaxAttempts, lastErr)
			e.logger.Debug("retry: error did not match retriable substrings, stopping",
				zap.String("operation", name),
				zap.Error(lastErr))
			return lastErr
		}
		if attempt.Number >= policy.MaxAttempts {
			e.recordAttempt(name, "failure")
			e.publish(events.TopicRetryFailed, name, attempt.Number, policy.MaxAttempts, lastErr)
			e.logger.Warn("retry: attempts exhausted",
				zap.String("operation", name),
				zap.Int("attempts", attempt.Number),
				zap.Error(lastErr))
			return lastErr
		}
		e.recordAttempt(name, "retry")

		delay := policy.delayFor(attempt.Number)
		e.logger.Debug("retry: scheduling next attempt",
			zap.String("operation", name),
			zap.Int("attempt", attempt.Number),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		attempt.Number++
	}
}

func matchesAny(msg string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
