package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/schema"
)

// Bus fans auth state changes out to subscribers without blocking the publisher.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan schema.AuthEvent]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan schema.AuthEvent]struct{}),
		log:   logger,
		depth: 32,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
func (b *Bus) Subscribe() (<-chan schema.AuthEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.AuthEvent, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("auth events subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.Debug("auth events unsubscribe")
			}
		})
	}
}

// Publish delivers event to every subscriber with buffer space.
func (b *Bus) Publish(event schema.AuthEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.Trace("auth events dropped", "event", event.Type, "count", dropped)
	}
}
