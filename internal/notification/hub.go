package notification

import (
	"sync"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
	"Ethy/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Proof is a sealed proof published to subscribers.
type Proof struct {
	Chain bridge.ChainID              // Chain is the proof's target chain
	Proof *bridge.VersionedEventProof // Proof is the sealed proof
}

// Subscription receives every proof published after it was created.
type Subscription struct {
	C <-chan Proof // C delivers proofs, closed on cancel

	id uint64     // id keys the subscription in the hub
	ch chan Proof // ch is the writable side of C
}

// Hub fans out sealed proofs to subscribers without blocking the publisher.
type Hub struct {
	subs    map[uint64]*Subscription // subs are the live subscriptions
	nextID  uint64                   // nextID is the id of the next subscription
	buffer  int                      // buffer is the channel capacity per subscriber
	mu      sync.Mutex               // mu protects subs and nextID
	metrics *metrics.Metrics         // metrics tracks open subscriptions, may be nil
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	return &Hub{
		subs:    make(map[uint64]*Subscription),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers a subscriber. The returned cancel func closes C;
// calling it more than once is safe.
func (h *Hub) Subscribe() (*Subscription, func()) {
	ch := make(chan Proof, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := &Subscription{C: ch, id: id, ch: ch}
	h.subs[id] = sub
	h.mu.Unlock()

	h.metrics.AddSubscribers(1)

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(id) })
	}

	return sub, cancel
}

// remove drops and closes subscription id.
func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if !ok {
		return
	}

	// Notify sends under mu, so no send races this close
	close(sub.ch)
	h.metrics.AddSubscribers(-1)
}

// Notify publishes a proof to every subscriber.
// A subscriber with a full buffer misses this proof.
func (h *Hub) Notify(chain bridge.ChainID, vp *bridge.VersionedEventProof) {
	msg := Proof{Chain: chain, Proof: vp}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			logger.Warn("proof subscriber lagging, dropped proof", "subscriber", id, "event", vp.Proof.EventID)
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
}
