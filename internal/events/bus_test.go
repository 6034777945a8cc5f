package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan ManagerEventPayload, 2)
	handler := func(_ context.Context, e Event) error {
		got <- e.Payload.(ManagerEventPayload)
		return nil
	}
	bus.Subscribe(EventManagerEvent, "journal", handler)
	bus.Subscribe(EventManagerEvent, "mqtt", handler)
	assert.Equal(t, 2, bus.HandlerCount(EventManagerEvent))

	bus.Emit(context.Background(), Event{
		Type:    EventManagerEvent,
		Source:  "test",
		Payload: ManagerEventPayload{Name: "Hangup"},
	})

	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			assert.Equal(t, "Hangup", p.Name)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventManagerConnected, "ws-1", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Unsubscribe(EventManagerConnected, "ws-1")
	bus.Unsubscribe(EventShutdown, "never-subscribed")

	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventManagerConnected}))
	assert.Zero(t, calls.Load())
	assert.Zero(t, bus.HandlerCount(EventManagerConnected))
}

func TestEmitSyncReturnsError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("disk full")
	bus.Subscribe(EventManagerEvent, "failing", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventManagerEvent, "panicking", func(context.Context, Event) error { panic("oops") })

	err := bus.EmitSync(context.Background(), Event{Type: EventManagerEvent})
	assert.ErrorIs(t, err, boom)
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "counter", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})

	bus.Stop()
	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventShutdown})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))
	assert.Zero(t, calls.Load())

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestConnectionStateJSON(t *testing.T) {
	b, err := StateConnected.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"connected"`, string(b))
	assert.Equal(t, "disconnected", ConnectionState(99).String())
}
