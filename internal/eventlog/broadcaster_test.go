// ABOUTME: Tests for the append notification broadcaster
// ABOUTME: Validates coalescing, unsubscription and close semantics

package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_PublishCoalesces(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx)
	b.Publish()
	b.Publish()
	b.Publish()

	<-ch
	select {
	case <-ch:
		t.Fatal("notifications should coalesce into one")
	default:
	}
}

func TestBroadcaster_UnsubscribeOnContextCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := b.Subscribe(ctx)
	assert.Equal(t, 1, b.Len())
	cancel()

	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, id := b.Subscribe(context.Background())

	b.Close()
	b.Close()
	b.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close get a closed channel")

	// Publishing after close must not panic.
	b.Publish()
}
