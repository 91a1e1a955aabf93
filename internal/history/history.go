// Package history keeps a bounded ring of the most recent events per
// subscription so shell consumers can inspect what a stream produced
// without replaying the upstream.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Event is one recorded notification payload
type Event struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Result     json.RawMessage `json:"result"`
}

// ring is a fixed-capacity event buffer; oldest entries are overwritten
type ring struct {
	events []Event
	next   int
	count  int
}

func (r *ring) add(ev Event) {
	if len(r.events) == 0 {
		return
	}
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
}

func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.events)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(start+i)%len(r.events)])
	}
	return out
}

// History tracks recent events for the most recently active
// subscriptions. Histories of subscriptions that fall out of the LRU
// window age out with them.
type History struct {
	mu     sync.Mutex
	cache  *lru.Cache[uint64, *ring]
	perSub int
}

// New creates a History tracking at most maxSubs subscriptions with
// perSub recent events each.
func New(maxSubs, perSub int) (*History, error) {
	cache, err := lru.New[uint64, *ring](maxSubs)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &History{cache: cache, perSub: perSub}, nil
}

// Record appends one event to a subscription's ring
func (h *History) Record(subID uint64, result json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.cache.Get(subID)
	if !ok {
		r = &ring{events: make([]Event, h.perSub)}
		h.cache.Add(subID, r)
	}
	r.add(Event{ReceivedAt: time.Now(), Result: result})
}

// Recent returns the recorded events for a subscription, oldest first
func (h *History) Recent(subID uint64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.cache.Get(subID)
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Forget drops a subscription's history
func (h *History) Forget(subID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.Remove(subID)
}
