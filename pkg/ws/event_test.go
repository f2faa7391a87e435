package ws

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBusRecent(t *testing.T) {
	eb := NewEventBus(3)
	defer eb.Close()

	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		eb.Publish(LifecycleEvent{Type: LifecycleConnected, ConnID: id})
	}

	recent := eb.Recent(0)
	assert.Len(t, recent, 3)
	assert.Equal(t, "c5", recent[0].ConnID)
	assert.Equal(t, "c3", recent[2].ConnID)
	assert.False(t, recent[0].Time.IsZero())

	assert.Len(t, eb.Recent(1), 1)
}

func TestEventBusSubscribe(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	var got atomic.Int32
	eb.Subscribe(LifecycleDisconnected, func(e LifecycleEvent) {
		if e.Reason == ReasonShutdown {
			got.Add(1)
		}
	})
	eb.Subscribe(LifecycleDisconnected, func(LifecycleEvent) {
		panic("handler failure")
	})

	eb.Publish(LifecycleEvent{Type: LifecycleConnected})
	eb.Publish(LifecycleEvent{Type: LifecycleDisconnected, Reason: ReasonShutdown})

	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return eb.Dropped() == 1 }, time.Second, 5*time.Millisecond)

	eb.Close()
	eb.Close()
	eb.Publish(LifecycleEvent{Type: LifecycleDisconnected})
	assert.Len(t, eb.Recent(0), 3)
}
