package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, unsub1 := bus.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub2()

	bus.Publish(TypeAlert, "payload")

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, TypeAlert, evt.Type)
			assert.Equal(t, "payload", evt.Payload)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(2)
	defer unsub()

	// Third publish overflows the queue; it must return immediately.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			bus.Publish(TypeMetrics, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}

	assert.Equal(t, 0, (<-ch).Payload)
	assert.Equal(t, 1, (<-ch).Payload)
	select {
	case evt := <-ch:
		t.Fatalf("expected overflow event to be dropped, got %v", evt.Payload)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(TypeAlert, nil)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, _ := bus.Subscribe(1)
	ch2, _ := bus.Subscribe(1)

	bus.Close()
	bus.Close() // idempotent

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	bus.Publish(TypeAlert, nil)

	ch3, unsub := bus.Subscribe(1)
	defer unsub()
	_, ok = <-ch3
	require.False(t, ok, "subscribing to a closed bus returns a closed channel")
}

func TestDefaultBufferApplied(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(0)
	defer unsub()
	assert.Equal(t, 64, cap(ch))
}
