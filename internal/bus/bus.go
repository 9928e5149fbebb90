// Package bus implements the in-process publish/subscribe event bus:
// a bounded-history, synchronous dispatcher that segments and the core pipeline
// use to hand Signals to interested listeners (threat manager, batcher, forwarders).
package bus

import (
	"fmt"
	"sync"

	"github.com/coinpoker/endpoint-agent/pkg/common"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// HistoryCapacity is the bounded size of the bus's retained signal history; oldest dropped first.
const HistoryCapacity = 1000

// Listener is invoked synchronously, in subscription order, for every Signal emitted
// on the event type it was registered against. A Listener must never call Emit on
// the same bus; doing so is undefined and implementations may reject it.
type Listener func(signal.Signal)

// EventBus is the single writer of its own listener set and history; both are
// protected by one mutex so emit/subscribe/history are mutually exclusive.
type EventBus struct {
	mu        sync.Mutex
	listeners map[string][]Listener
	history   []signal.Signal
	inEmit    bool
}

// New constructs an empty EventBus.
func New() *EventBus {
	return &EventBus{
		listeners: make(map[string][]Listener),
		history:   make([]signal.Signal, 0, HistoryCapacity),
	}
}

// Subscribe registers callback as a listener for eventType. Listeners for the
// same type run in the order they were subscribed.
func (b *EventBus) Subscribe(eventType string, callback Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], callback)
}

// Emit appends sig to the bounded history, then invokes every listener registered
// for eventType synchronously, in subscription order. A panicking listener is
// recovered, logged, and does not prevent later listeners or later Emit calls.
func (b *EventBus) Emit(eventType string, sig signal.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inEmit {
		common.Error("re-entrant emit rejected", common.NewError("ERR_BUS_REENTRANT",
			fmt.Sprintf("listener attempted to emit %q while dispatching", eventType), nil))
		return
	}

	if len(b.history) >= HistoryCapacity {
		b.history = append(b.history[1:], sig)
	} else {
		b.history = append(b.history, sig)
	}

	b.inEmit = true
	defer func() { b.inEmit = false }()

	for _, listener := range b.listeners[eventType] {
		b.dispatch(listener, sig)
	}
}

func (b *EventBus) dispatch(listener Listener, sig signal.Signal) {
	defer func() {
		if r := recover(); r != nil {
			common.Error("event bus listener panicked", common.NewError("ERR_BUS_LISTENER",
				fmt.Sprintf("listener panic: %v", r), nil))
		}
	}()
	listener(sig)
}

// History returns up to limit most-recent signals, optionally filtered by category.
// A limit of 0 or negative returns the full (bounded) history.
func (b *EventBus) History(category signal.Category, limit int) []signal.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []signal.Signal
	if category == "" {
		filtered = b.history
	} else {
		filtered = make([]signal.Signal, 0, len(b.history))
		for _, s := range b.history {
			if s.Category == category {
				filtered = append(filtered, s)
			}
		}
	}

	if limit <= 0 || limit >= len(filtered) {
		out := make([]signal.Signal, len(filtered))
		copy(out, filtered)
		return out
	}
	out := make([]signal.Signal, limit)
	copy(out, filtered[len(filtered)-limit:])
	return out
}

// Cleanup clears all listeners and history. Intended for shutdown and test isolation.
func (b *EventBus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]Listener)
	b.history = b.history[:0]
}
