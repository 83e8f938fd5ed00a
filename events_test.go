// ABOUTME: Tests for the event broadcaster: subscribe/unsubscribe lifecycle,
// ABOUTME: wildcard fanout, once semantics, filtered waits, and slow subscribers.

package lefi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanketsucks/lefi/internal/state"
)

func event(name, id string) *state.Event {
	return &state.Event{
		Name:   name,
		Entity: &state.Entity{Kind: state.KindMessage, ID: id},
	}
}

func TestBroadcaster_DeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe("MESSAGE_CREATE")

	b.Publish(event("MESSAGE_CREATE", "1"))

	select {
	case ev := <-ch:
		assert.Equal(t, "1", ev.Entity.ID)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBroadcaster_NameIsolation(t *testing.T) {
	b := NewBroadcaster(nil)
	creates, _ := b.Subscribe("MESSAGE_CREATE")
	deletes, _ := b.Subscribe("MESSAGE_DELETE")

	b.Publish(event("MESSAGE_CREATE", "1"))

	select {
	case <-creates:
	case <-time.After(time.Second):
		t.Fatal("matching subscriber starved")
	}

	select {
	case ev := <-deletes:
		t.Fatalf("delete subscriber received %s", ev.Name)
	default:
	}
}

func TestBroadcaster_WildcardReceivesEverything(t *testing.T) {
	b := NewBroadcaster(nil)
	all, _ := b.Subscribe(EventAny)

	b.Publish(event("MESSAGE_CREATE", "1"))
	b.Publish(event("GUILD_CREATE", "2"))

	names := []string{(<-all).Name, (<-all).Name}
	assert.Equal(t, []string{"MESSAGE_CREATE", "GUILD_CREATE"}, names)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, id := b.Subscribe("MESSAGE_CREATE")

	b.Unsubscribe("MESSAGE_CREATE", id)

	_, ok := <-ch
	assert.False(t, ok, "channel stays open after unsubscribe")

	// Publishing after unsubscribe must not panic.
	b.Publish(event("MESSAGE_CREATE", "1"))

	// Double unsubscribe is a no-op.
	b.Unsubscribe("MESSAGE_CREATE", id)
}

func TestBroadcaster_OnceDeliversExactlyOne(t *testing.T) {
	b := NewBroadcaster(nil)
	ch := b.Once("MESSAGE_CREATE")

	b.Publish(event("MESSAGE_CREATE", "first"))

	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		assert.Equal(t, "first", ev.Entity.ID)
	case <-time.After(time.Second):
		t.Fatal("once subscriber never fired")
	}

	// Channel closes after the single delivery.
	select {
	case ev, ok := <-ch:
		assert.False(t, ok, "unexpected second event %v", ev)
	case <-time.After(time.Second):
		t.Fatal("once channel never closed")
	}

	b.Publish(event("MESSAGE_CREATE", "second"))
}

func TestBroadcaster_WaitForFilter(t *testing.T) {
	b := NewBroadcaster(nil)

	done := make(chan *state.Event, 1)
	go func() {
		ev, err := b.WaitFor(context.Background(), "MESSAGE_CREATE", func(ev *state.Event) bool {
			return ev.Entity.ID == "wanted"
		})
		if err == nil {
			done <- ev
		}
	}()

	// Give the waiter time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish(event("MESSAGE_CREATE", "skipped"))
	b.Publish(event("MESSAGE_CREATE", "wanted"))

	select {
	case ev := <-done:
		assert.Equal(t, "wanted", ev.Entity.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor never matched")
	}
}

func TestBroadcaster_WaitForCancellation(t *testing.T) {
	b := NewBroadcaster(nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.WaitFor(ctx, "MESSAGE_CREATE", nil)
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not observe cancellation")
	}
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe("MESSAGE_CREATE")

	// Overfill the buffer; publishes past capacity must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(event("MESSAGE_CREATE", "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_CloseShutsDownSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	a, _ := b.Subscribe("MESSAGE_CREATE")
	w, _ := b.Subscribe(EventAny)

	b.Close()

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-w
	assert.False(t, ok)
}
