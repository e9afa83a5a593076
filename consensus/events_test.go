package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	defer leaktest.Check(t)()

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)

	bus.Publish(Event{Type: EventLeaderElected, Protocol: TypeRaft, NodeID: "node-0", Term: 3})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			require.Equal(t, EventLeaderElected, ev.Type)
			require.Equal(t, uint64(3), ev.Term)
			require.False(t, ev.At.IsZero(), "publish stamps the event time")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Type: EventStateChanged})
	}

	// The buffer holds 64; the rest were dropped, none blocked.
	require.Len(t, ch, 64)
}

func TestSubscribeClosesOnContextDone(t *testing.T) {
	defer leaktest.Check(t)()

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after unsubscribe must not panic or block.
	bus.Publish(Event{Type: EventViewChanged})
}

func TestStateString(t *testing.T) {
	require.Equal(t, "IDLE", Idle.String())
	require.Equal(t, "COMMITTED", Committed.String())
	require.Equal(t, "UNKNOWN", State(99).String())
}
