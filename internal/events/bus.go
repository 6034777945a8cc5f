package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Subscribers are keyed
// by name so they can be removed again, for example when a websocket client
// goes away.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type subscriber struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscriber),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers handler under name for one event type.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes every handler registered under name for the event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, ok := eb.handlers[eventType]
	if !ok {
		return
	}

	kept := subs[:0:0]
	for _, s := range subs {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	eb.handlers[eventType] = kept

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit delivers the event to every subscriber, each in its own goroutine,
// and returns without waiting.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.handlers[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, s := range subs {
		eb.wg.Add(1)
		go func(s subscriber) {
			defer eb.wg.Done()
			eb.run(ctx, s, event)
		}(s)
	}
}

// EmitSync delivers the event and waits for all subscribers. It returns the
// first error reported.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]subscriber(nil), eb.handlers[event.Type]...)
	eb.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s subscriber) {
			defer wg.Done()
			if err := eb.run(ctx, s, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(s)
	}
	wg.Wait()
	return firstErr
}

func (eb *EventBus) run(ctx context.Context, s subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Stop rejects further events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh is closed when the bus stops.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of subscribers for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
