package hub

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber queue depth used when New is given
// a non-positive size.
const DefaultBufferSize = 100

// Stats is a point-in-time view of the registry.
type Stats struct {
	Channels    int
	Subscribers int
	Published   uint64 // messages handed to a subscriber queue
	Dropped     uint64 // messages discarded because a queue was full
}

// Hub is a registry of per-bin broadcast channels.
type Hub struct {
	bufSize int

	mu       sync.RWMutex
	channels map[string]*channel

	published atomic.Uint64
	dropped   atomic.Uint64
}

// channel is the fan-out point for one bin. Its lock guards only the
// subscriber set; sends under it never block.
type channel struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one observer's attachment to a bin channel.
// C is closed when the subscription is closed or the bin is removed.
type Subscription struct {
	C <-chan []byte

	send chan []byte
	ch   *channel
	once sync.Once
}

// New returns an empty Hub whose subscriber queues hold bufSize messages.
func New(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		bufSize:  bufSize,
		channels: make(map[string]*channel),
	}
}

// Subscribe attaches a new observer to binID, creating the channel on first
// use. Callers must Close the subscription when they stop reading.
func (h *Hub) Subscribe(binID string) *Subscription {
	send := make(chan []byte, h.bufSize)
	sub := &Subscription{C: send, send: send}

	for {
		ch := h.getOrCreate(binID)
		ch.mu.Lock()
		if ch.closed {
			// Removed between lookup and attach; the next lookup creates a
			// fresh channel.
			ch.mu.Unlock()
			continue
		}
		ch.subs[sub] = struct{}{}
		sub.ch = ch
		ch.mu.Unlock()
		return sub
	}
}

func (h *Hub) getOrCreate(binID string) *channel {
	h.mu.RLock()
	ch, ok := h.channels[binID]
	h.mu.RUnlock()
	if ok {
		return ch
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok = h.channels[binID]; ok {
		return ch
	}
	ch = &channel{subs: make(map[*Subscription]struct{})}
	h.channels[binID] = ch
	return ch
}

func (h *Hub) lookup(binID string) *channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[binID]
}

// Publish delivers payload to every subscriber of binID without blocking and
// returns how many queues accepted it. Without a channel it does nothing.
// A subscriber whose queue is full misses this message but stays attached.
func (h *Hub) Publish(binID string, payload []byte) int {
	ch := h.lookup(binID)
	if ch == nil {
		return 0
	}

	delivered := 0
	ch.mu.Lock()
	for sub := range ch.subs {
		select {
		case sub.send <- payload:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	ch.mu.Unlock()

	h.published.Add(uint64(delivered))
	return delivered
}

// Liveness reports whether binID has at least one attached subscriber.
func (h *Hub) Liveness(binID string) bool {
	ch := h.lookup(binID)
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs) > 0
}

// Remove discards the channel for binID and closes every subscriber queue.
// It is called when the bin itself is deleted.
func (h *Hub) Remove(binID string) {
	h.mu.Lock()
	ch, ok := h.channels[binID]
	delete(h.channels, binID)
	h.mu.Unlock()
	if ok {
		ch.shutdown()
	}
}

// CloseAll removes every channel. Used on server shutdown so observers see a
// close frame rather than a reset.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	chans := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown()
	}
}

// Stats returns current registry counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	chans := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		chans = append(chans, ch)
	}
	h.mu.RUnlock()

	st := Stats{
		Channels:  len(chans),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
	}
	for _, ch := range chans {
		ch.mu.Lock()
		st.Subscribers += len(ch.subs)
		ch.mu.Unlock()
	}
	return st
}

func (ch *channel) shutdown() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	for sub := range ch.subs {
		close(sub.send)
		delete(ch.subs, sub)
	}
}

// Close detaches the subscription. Safe to call more than once and after the
// bin has been removed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		ch := s.ch
		ch.mu.Lock()
		if _, ok := ch.subs[s]; ok {
			delete(ch.subs, s)
			close(s.send)
		}
		ch.mu.Unlock()
	})
}
