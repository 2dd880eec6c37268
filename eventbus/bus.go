// Package eventbus dispatches ledger events to in-process subscribers after
// they have been durably appended. It never buffers or reorders: Publish
// appends synchronously, then calls every handler registered for that
// EventType in registration order.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/apollo-trading/futures-core/ledger"
)

// Handler receives a committed event. Handlers run on the publisher's
// goroutine with no bus lock held, so a handler may itself publish; slow
// work blocks the publisher, so do it on a goroutine if needed.
type Handler func(ledger.Event)

// Bus couples the durable ledger to live subscribers. The state manager is
// always registered first for every EventType so that by the time any other
// handler runs, TradingState already reflects the event.
type Bus struct {
	mu       sync.RWMutex
	ledger   *ledger.Ledger
	handlers map[ledger.EventType][]Handler
}

func New(l *ledger.Ledger) *Bus {
	return &Bus{
		ledger:   l,
		handlers: make(map[ledger.EventType][]Handler),
	}
}

// Register appends fn to the handler chain for eventType. Order matters:
// callers that need to observe state after the state manager's own Apply
// must register after it.
func (b *Bus) Register(eventType ledger.EventType, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], fn)
}

// RegisterAll registers fn against every EventType in ledger.AllEventTypes,
// mirroring how the state manager subscribes to the full event set at
// startup.
func (b *Bus) RegisterAll(fn Handler) {
	for _, t := range ledger.AllEventTypes {
		b.Register(t, fn)
	}
}

// Publish durably appends the event, then invokes every registered handler
// in order. A ledger write failure is fatal and returned to the caller
// without invoking any handler — per spec §7, an event that failed to
// persist must never be treated as having happened.
//
// A handler panic is recovered and logged rather than propagated: one
// subscriber's bug must not unwind the publisher's call stack or leave the
// ledger/state pair inconsistent with what was already committed.
func (b *Bus) Publish(eventType ledger.EventType, payload, metadata map[string]any) (ledger.Event, error) {
	ev, err := b.ledger.Append(eventType, payload, metadata)
	if err != nil {
		return ledger.Event{}, err
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
	return ev, nil
}

func (b *Bus) invoke(h Handler, ev ledger.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(ev.EventType)).
				Str("event_id", ev.EventID).
				Msg("event handler panicked; event remains committed")
		}
	}()
	h(ev)
}
