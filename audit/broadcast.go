package audit

import "sync"

// Broadcaster fans committed links out to live subscribers (the chain tail stream).
// A subscriber that cannot keep up is disconnected rather than blocking the ledger.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of future events and a cancel func.
// The channel is closed on cancel, on Close, or when the subscriber falls behind.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() { b.drop(ch) }
}

func (b *Broadcaster) drop(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) Emit(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
	return nil
}

func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
