// ABOUTME: In-memory fan-out broadcaster for gateway dispatch events
// ABOUTME: Delivers cache-applied events to per-event-name subscribers

package lefi

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blanketsucks/lefi/internal/state"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// EventAny subscribes to every dispatch regardless of name.
	EventAny = "*"
)

// Broadcaster provides in-memory pub/sub for gateway dispatch events.
// Subscribers register for an event name (MESSAGE_CREATE, GUILD_CREATE, ...)
// or EventAny and receive events in the order each shard dispatched them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *state.Event // event name -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *state.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events with the given name.
// Returns a channel that receives events and a subscription ID for later
// unsubscription.
func (b *Broadcaster) Subscribe(name string) (<-chan *state.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *state.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[name]; !ok {
		b.subscribers[name] = make(map[string]chan *state.Event)
	}
	b.subscribers[name][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "event", name, "sub_id", subID)
	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(name, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[name]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, name)
	}

	b.logger.Debug("subscriber removed", "event", name, "sub_id", subID)
}

// Once returns a channel that receives the next event with the given name
// and is then closed. The subscription removes itself.
func (b *Broadcaster) Once(name string) <-chan *state.Event {
	src, subID := b.Subscribe(name)
	out := make(chan *state.Event, 1)

	go func() {
		ev, ok := <-src
		b.Unsubscribe(name, subID)
		if ok {
			out <- ev
		}
		close(out)
	}()

	return out
}

// WaitFor blocks until an event with the given name passes the filter, the
// broadcaster delivers no more events, or ctx is cancelled. A nil filter
// matches every event.
func (b *Broadcaster) WaitFor(ctx context.Context, name string, filter func(*state.Event) bool) (*state.Event, error) {
	src, subID := b.Subscribe(name)
	defer b.Unsubscribe(name, subID)

	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return nil, context.Canceled
			}
			if filter == nil || filter(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Publish sends an event to all subscribers of its name plus any EventAny
// subscribers. Non-blocking: events are dropped for subscribers whose
// channels are full. Implements gateway.EventSink.
func (b *Broadcaster) Publish(ev *state.Event) {
	// Sends are non-blocking, so holding the read lock across them keeps
	// Unsubscribe's close from racing an in-flight send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subs := range []map[string]chan *state.Event{b.subscribers[ev.Name], b.subscribers[EventAny]} {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				// Subscriber channel full, drop the event for this subscriber
				b.logger.Debug("dropped event for slow subscriber",
					"event", ev.Name, "shard", ev.Shard)
			}
		}
	}
}

// Close closes every subscriber channel. Publish must not be called after.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, name)
	}
}
