package relaycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_NoReplay(t *testing.T) {
	b := NewBroadcaster[int]("test", 4)
	defer b.Close()

	b.Publish(1)
	sub := b.Subscribe()
	b.Publish(2)

	assert.Equal(t, 2, receive(t, sub.C, time.Second))
	nothing(t, sub.C, 20*time.Millisecond)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster[int]("test", 2)
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(i)
			<-fast.C
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, int64(3), slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Equal(t, 0, receive(t, slow.C, time.Second))
	assert.Equal(t, 1, receive(t, slow.C, time.Second))
}

func TestBroadcaster_CloseAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster[string]("test", 0)

	a := b.Subscribe()
	c := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	a.Close()
	a.Close()
	assert.Equal(t, 1, b.Len())
	_, ok := <-a.C
	assert.False(t, ok)

	b.Close()
	b.Publish("ignored")
	_, ok = <-c.C
	assert.False(t, ok)
	c.Close()

	late := b.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok, "subscribing after close yields a closed channel")
}
