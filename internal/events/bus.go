package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBuffer is the subscriber channel capacity used when Subscribe is
// called with a non-positive buffer size.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Delivery per subscriber is ordered,
// and publishing never blocks: a subscriber that falls behind its buffer
// loses events rather than stalling the core.
type Bus struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped uint64
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel along with a
// cancel function. Cancel closes the channel and is safe to call more than
// once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Warn().
				Int("subscriber", id).
				Str("event_type", string(ev.Type)).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Dropped returns the number of events discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
