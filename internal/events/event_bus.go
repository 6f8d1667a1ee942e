// Package events implements the debounced, bounded-history publish/
// subscribe bus described in spec.md §4.1. It fans events out to
// subscribers in registration order, coalesces high-frequency topics
// with a per-topic debounce window, and keeps one shared FIFO ring of
// recent events, filtered by topic for late readers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Well-known topic names published by the scheduler and decision
// modules.
const (
	TopicStrategyStarted     = "strategy.started"
	TopicStrategyStopped     = "strategy.stopped"
	TopicStrategyError       = "strategy.error"
	TopicSmartStopLossUpdate = "strategy.smart-stop-loss.update"
	TopicRecreation          = "strategy.recreation"
	TopicHealthIssue         = "strategy.health-issue"

	TopicRetryStarted = "sync.retry.started"
	TopicRetryAttempt = "sync.retry.attempt"
	TopicRetrySuccess = "sync.retry.success"
	TopicRetryFailed  = "sync.retry.failed"
)

// Handler processes a published event. A non-nil error is logged to
// the error stream with the topic name; it never reaches the
// publisher.
type Handler func(event types.Event) error

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	Async      bool // process on a dedicated goroutine, preserving FIFO order
	BufferSize int  // queue depth for Async subscriptions, default 256
}

// DebouncedEvent wraps the payload delivered when a debounce window
// closes; Count is the number of publishes coalesced into it.
type DebouncedEvent struct {
	Payload any `json:"payload"`
	Count   int `json:"count"`
}

type subscription struct {
	id      string
	topic   string
	handler Handler
	async   bool
	queue   chan types.Event
	active  atomic.Bool
}

type debounceState struct {
	payload any
	source  string
	count   int
	timer   *time.Timer
}

// Config configures the bus.
type Config struct {
	HistorySize     int
	DebounceDelay   time.Duration
	DebouncedTopics []string
}

// DefaultConfig returns the spec.md §4.1 defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:   1000,
		DebounceDelay: time.Second,
	}
}

// Bus is the in-process event bus.
type Bus struct {
	logger *zap.Logger
	config Config

	mu          sync.RWMutex
	subscribers map[string][]*subscription
	subByID     map[string]*subscription

	historyMu sync.Mutex
	history   []types.Event // FIFO ring, bounded at config.HistorySize

	debouncedTopics map[string]bool
	debounceMu      sync.Mutex
	pending         map[string]*debounceState

	idCounter atomic.Int64

	onPublish func(topic string)
	onDrop    func(topic string)
}

// SetMetricsHooks registers callbacks invoked on every dispatched event
// and every event dropped because an async subscriber's queue was
// full. Either may be nil. Not safe to call concurrently with Publish.
func (b *Bus) SetMetricsHooks(onPublish, onDrop func(topic string)) {
	b.onPublish = onPublish
	b.onDrop = onDrop
}

// New creates an event bus.
func New(logger *zap.Logger, config Config) *Bus {
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = time.Second
	}
	debounced := make(map[string]bool, len(config.DebouncedTopics))
	for _, t := range config.DebouncedTopics {
		debounced[t] = true
	}
	return &Bus{
		logger:          logger,
		config:          config,
		subscribers:     make(map[string][]*subscription),
		subByID:         make(map[string]*subscription),
		debouncedTopics: debounced,
		pending:         make(map[string]*debounceState),
	}
}

func (b *Bus) nextSubID() string {
	n := b.idCounter.Add(1)
	return "sub_" + time.Now().UTC().Format("20060102150405") + "_" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

// Subscribe registers handler for topic, returning a subscription ID
// usable with Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubscribeOptions) string {
	var opt SubscribeOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.BufferSize <= 0 {
		opt.BufferSize = 256
	}

	sub := &subscription{
		id:      b.nextSubID(),
		topic:   topic,
		handler: handler,
		async:   opt.Async,
	}
	sub.active.Store(true)

	if sub.async {
		sub.queue = make(chan types.Event, opt.BufferSize)
		go b.drain(sub)
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.subByID[sub.id] = sub
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe deactivates a subscription. It is a no-op for unknown
// IDs.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subByID[id]
	if ok {
		delete(b.subByID, id)
	}
	b.mu.Unlock()
	if ok {
		sub.active.Store(false)
	}
}

// Publish sends payload to every subscriber of topic, in registration
// order. Debounced topics coalesce bursts per spec.md §4.1: the
// delivered event carries a DebouncedEvent with the coalesced count.
func (b *Bus) Publish(topic string, payload any, source string) {
	if b.isDebounced(topic) {
		b.publishDebounced(topic, payload, source)
		return
	}
	b.dispatch(types.Event{
		Type:      topic,
		Timestamp: time.Now(),
		Data:      payload,
		Source:    source,
	})
}

// PublishWithCorrelation is Publish plus a correlation ID threaded
// through to every subscriber and into the history ring. On a debounced
// topic the event goes through the debounce path like Publish, and the
// correlation ID is dropped.
func (b *Bus) PublishWithCorrelation(topic string, payload any, source, correlationID string) {
	if b.isDebounced(topic) {
		b.publishDebounced(topic, payload, source)
		return
	}
	b.dispatch(types.Event{
		Type:          topic,
		Timestamp:     time.Now(),
		Data:          payload,
		Source:        source,
		CorrelationID: correlationID,
	})
}

func (b *Bus) isDebounced(topic string) bool {
	return b.debouncedTopics[topic]
}

func (b *Bus) publishDebounced(topic string, payload any, source string) {
	b.debounceMu.Lock()
	state, exists := b.pending[topic]
	if !exists {
		state = &debounceState{payload: payload, source: source, count: 1}
		state.timer = time.AfterFunc(b.config.DebounceDelay, func() { b.flushDebounce(topic) })
		b.pending[topic] = state
	} else {
		state.payload = payload
		state.source = source
		state.count++
	}
	b.debounceMu.Unlock()
}

func (b *Bus) flushDebounce(topic string) {
	b.debounceMu.Lock()
	state, ok := b.pending[topic]
	if ok {
		delete(b.pending, topic)
	}
	b.debounceMu.Unlock()
	if !ok {
		return
	}
	b.dispatch(types.Event{
		Type:      topic,
		Timestamp: time.Now(),
		Data:      DebouncedEvent{Payload: state.payload, Count: state.count},
		Source:    state.source,
	})
}

func (b *Bus) dispatch(event types.Event) {
	b.recordHistory(event)
	if b.onPublish != nil {
		b.onPublish(event.Type)
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.async {
			select {
			case sub.queue <- event:
			default:
				b.logger.Warn("event subscriber queue full, dropping event",
					zap.String("topic", event.Type),
					zap.String("subscription_id", sub.id))
				if b.onDrop != nil {
					b.onDrop(event.Type)
				}
			}
			continue
		}
		b.invoke(sub, event)
	}
}

func (b *Bus) drain(sub *subscription) {
	for event := range sub.queue {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, event)
	}
}

// invoke calls a handler with panic recovery: a subscriber failure is
// logged to the error stream with the topic name and must never
// prevent later subscribers from running or propagate to the
// publisher.
func (b *Bus) invoke(sub *subscription, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panic",
				zap.String("topic", event.Type),
				zap.String("subscription_id", sub.id),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(event); err != nil {
		b.logger.Error("event subscriber error",
			zap.String("topic", event.Type),
			zap.String("subscription_id", sub.id),
			zap.Error(err))
	}
}

func (b *Bus) recordHistory(event types.Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.config.HistorySize {
		b.history = b.history[len(b.history)-b.config.HistorySize:]
	}
}

// History returns the most recent 100 events matching topic, oldest
// first.
func (b *Bus) History(topic string) []types.Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	const maxReturned = 100
	matched := make([]types.Event, 0, maxReturned)
	for i := len(b.history) - 1; i >= 0 && len(matched) < maxReturned; i-- {
		if b.history[i].Type == topic {
			matched = append(matched, b.history[i])
		}
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// Close stops background draining goroutines for async subscriptions.
// Pending debounce timers are left to fire; callers that need a clean
// shutdown should stop publishing before calling Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			if sub.async {
				sub.active.Store(false)
				close(sub.queue)
			}
		}
	}
}
