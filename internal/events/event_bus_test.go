package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"go.uber.org/zap"
)

func TestPublish_DeliversToSyncSubscribersInOrder(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	var mu sync.Mutex
	var order []int

	bus.Subscribe(TopicStrategyStarted, func(e types.Event) error {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	})
	bus.Subscribe(TopicStrategyStarted, func(e types.Event) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil
	})

	bus.Publish(TopicStrategyStarted, "payload", "test")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers invoked in registration order, got %v", order)
	}
}

func TestPublish_DebouncedTopicCoalescesBurst(t *testing.T) {
	cfg := Config{HistorySize: 10, DebounceDelay: 20 * time.Millisecond, DebouncedTopics: []string{TopicSmartStopLossUpdate}}
	bus := New(zap.NewNop(), cfg)

	received := make(chan types.Event, 5)
	bus.Subscribe(TopicSmartStopLossUpdate, func(e types.Event) error {
		received <- e
		return nil
	})

	bus.Publish(TopicSmartStopLossUpdate, "a", "test")
	bus.Publish(TopicSmartStopLossUpdate, "b", "test")
	bus.Publish(TopicSmartStopLossUpdate, "c", "test")

	select {
	case e := <-received:
		debounced, ok := e.Data.(DebouncedEvent)
		if !ok {
			t.Fatalf("expected DebouncedEvent payload, got %T", e.Data)
		}
		if debounced.Count != 3 {
			t.Fatalf("expected 3 coalesced publishes, got %d", debounced.Count)
		}
		if debounced.Payload != "c" {
			t.Fatalf("expected latest payload 'c', got %v", debounced.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("debounced event never flushed")
	}
}

func TestPublish_AsyncSubscriberRunsOnGoroutine(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	done := make(chan struct{})

	bus.Subscribe(TopicStrategyStopped, func(e types.Event) error {
		close(done)
		return nil
	}, SubscribeOptions{Async: true})

	bus.Publish(TopicStrategyStopped, "payload", "test")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async subscriber never invoked")
	}
}

func TestPublish_HandlerPanicDoesNotStopOtherSubscribers(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	secondCalled := make(chan struct{})

	bus.Subscribe(TopicStrategyError, func(e types.Event) error {
		panic("boom")
	})
	bus.Subscribe(TopicStrategyError, func(e types.Event) error {
		close(secondCalled)
		return nil
	})

	bus.Publish(TopicStrategyError, "payload", "test")

	select {
	case <-secondCalled:
	case <-time.After(time.Second):
		t.Fatal("second subscriber never ran after first panicked")
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	calls := 0
	id := bus.Subscribe(TopicRecreation, func(e types.Event) error {
		calls++
		return nil
	})

	bus.Publish(TopicRecreation, "first", "test")
	bus.Unsubscribe(id)
	bus.Publish(TopicRecreation, "second", "test")

	if calls != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", calls)
	}
}

func TestHistory_ReturnsMostRecentMatchingTopicOldestFirst(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	bus.Publish(TopicHealthIssue, "a", "test")
	bus.Publish(TopicHealthIssue, "b", "test")
	bus.Publish(TopicStrategyStarted, "ignored", "test")
	bus.Publish(TopicHealthIssue, "c", "test")

	hist := bus.History(TopicHealthIssue)
	if len(hist) != 3 {
		t.Fatalf("expected 3 matching events, got %d", len(hist))
	}
	if hist[0].Data != "a" || hist[2].Data != "c" {
		t.Fatalf("expected oldest-first ordering, got %v", hist)
	}
}

func TestSetMetricsHooks_FiresOnPublishAndDrop(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	var published, dropped []string
	var mu sync.Mutex
	bus.SetMetricsHooks(
		func(topic string) { mu.Lock(); published = append(published, topic); mu.Unlock() },
		func(topic string) { mu.Lock(); dropped = append(dropped, topic); mu.Unlock() },
	)

	started := make(chan struct{})
	block := make(chan struct{})
	var once sync.Once
	bus.Subscribe(TopicStrategyError, func(e types.Event) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	}, SubscribeOptions{Async: true, BufferSize: 1})

	bus.Publish(TopicStrategyError, "1", "test") // picked up by the handler goroutine, which then blocks
	<-started
	bus.Publish(TopicStrategyError, "2", "test") // fills the queue
	bus.Publish(TopicStrategyError, "3", "test") // queue full, dropped
	close(block)

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 3 {
		t.Fatalf("expected 3 publish hook invocations, got %d", len(published))
	}
	if len(dropped) == 0 {
		t.Fatal("expected at least one drop hook invocation")
	}
}

func TestInvoke_HandlerErrorIsLoggedNotPropagated(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	bus.Subscribe(TopicStrategyError, func(e types.Event) error {
		return errors.New("handler failure")
	})
	// Publish must not panic or block despite the handler returning an error.
	bus.Publish(TopicStrategyError, "payload", "test")
}

func TestClose_StopsAsyncDrainWithoutPanicking(t *testing.T) {
	bus := New(zap.NewNop(), DefaultConfig())
	bus.Subscribe(TopicStrategyStarted, func(e types.Event) error {
		return nil
	}, SubscribeOptions{Async: true})
	bus.Close()
}
