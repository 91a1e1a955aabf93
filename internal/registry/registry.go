package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is the single source of truth for logical subscriptions. It
// owns the forward map (correlation id -> pending sub, upstream id ->
// active sub) and keeps both consistent under one mutex: every mutation
// is a single serialized operation.
type Registry struct {
	mu           sync.Mutex
	nextID       uint64
	subs         map[uint64]*Sub // local id -> sub
	pending      map[int64]*Sub  // correlation id -> sub awaiting subscribe ack
	pendingUnsub map[int64]*Sub  // correlation id -> sub awaiting unsubscribe ack
	active       map[uint64]*Sub // upstream sub id -> active sub

	sinkSize int
	logger   zerolog.Logger
}

// New creates an empty Registry. sinkSize is the per-subscription event
// buffer depth.
func New(sinkSize int, logger zerolog.Logger) *Registry {
	return &Registry{
		subs:         make(map[uint64]*Sub),
		pending:      make(map[int64]*Sub),
		pendingUnsub: make(map[int64]*Sub),
		active:       make(map[uint64]*Sub),
		sinkSize:     sinkSize,
		logger:       logger.With().Str("component", "registry").Logger(),
	}
}

// Register allocates a new subscription in Pending state
func (r *Registry) Register(kind Kind, params json.RawMessage) *Sub {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Sub{
		id:        r.nextID,
		kind:      kind,
		params:    params,
		createdAt: time.Now(),
		state:     StatePending,
		sink:      make(chan json.RawMessage, r.sinkSize),
	}
	r.subs[sub.id] = sub
	r.logger.Debug().Uint64("sub", sub.id).Str("kind", string(kind)).Msg("subscription registered")
	return sub
}

// TrackPending records an in-flight subscribe request for correlation
func (r *Registry) TrackPending(corrID int64, sub *Sub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[corrID] = sub
}

// DropPending removes an in-flight correlation without touching the
// subscription: used when the send itself failed and the sub stays
// Pending for the supervisor to flush later.
func (r *Registry) DropPending(corrID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, corrID)
}

// Activate promotes the pending subscription matching corrID to Active
// and installs the upstream id mapping. installed is false when the
// subscription left Pending while the ack was in flight (closed, or
// already activated by a duplicate send); the caller should then
// unsubscribe the orphaned upstream slot.
func (r *Registry) Activate(corrID int64, upstreamID uint64) (sub *Sub, installed bool, err error) {
	r.mu.Lock()
	sub, ok := r.pending[corrID]
	if !ok {
		r.mu.Unlock()
		return nil, false, &UnknownCorrelationError{CorrID: corrID}
	}
	delete(r.pending, corrID)

	sub.mu.Lock()
	if sub.state != StatePending {
		sub.mu.Unlock()
		r.mu.Unlock()
		return sub, false, nil
	}
	sub.state = StateActive
	sub.upstreamID = upstreamID
	sub.mu.Unlock()

	r.active[upstreamID] = sub
	r.mu.Unlock()

	r.logger.Debug().Uint64("sub", sub.id).Uint64("upstreamId", upstreamID).Msg("subscription active")
	return sub, true, nil
}

// Fail resolves a pending subscribe to Failed with the carried error.
// Returns nil if corrID does not match a pending subscribe.
func (r *Registry) Fail(corrID int64, cause error) *Sub {
	r.mu.Lock()
	sub, ok := r.pending[corrID]
	if ok {
		delete(r.pending, corrID)
		delete(r.subs, sub.id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	sub.closeWith(StateFailed, cause)
	r.logger.Warn().Uint64("sub", sub.id).Err(cause).Msg("subscription failed")
	return sub
}

// Resolve performs the reverse lookup used on every notification. It
// returns nil, not an error, for unknown or stale upstream ids.
func (r *Registry) Resolve(upstreamID uint64) *Sub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[upstreamID]
}

// Push delivers one notification payload in arrival order
func (r *Registry) Push(sub *Sub, result json.RawMessage) bool {
	ok := sub.push(result)
	if !ok {
		r.logger.Warn().Uint64("sub", sub.id).Msg("sink full, dropping event")
	}
	return ok
}

// BeginUnsubscribe starts tearing a subscription down. It returns the
// upstream id to unsubscribe and whether an upstream request is needed:
// a Pending sub is closed locally with nothing to send, and repeat calls
// are no-ops.
func (r *Registry) BeginUnsubscribe(sub *Sub, corrID int64) (upstreamID uint64, sendUpstream bool) {
	r.mu.Lock()

	sub.mu.Lock()
	switch sub.state {
	case StateActive:
		upstreamID = sub.upstreamID
		sub.state = StateUnsubscribing
		sub.mu.Unlock()
		delete(r.active, upstreamID)
		r.pendingUnsub[corrID] = sub
		r.mu.Unlock()
		return upstreamID, true
	case StatePending:
		sub.mu.Unlock()
		r.mu.Unlock()
		// No upstream slot exists yet; if an ack races in later the
		// router sees the closed state and frees the slot.
		sub.closeWith(StateClosed, nil)
		r.remove(sub.id)
		return 0, false
	default:
		sub.mu.Unlock()
		r.mu.Unlock()
		return 0, false
	}
}

// CompleteUnsubscribe finishes an unsubscribe on ack (or ack timeout).
// Idempotent; returns nil if corrID matches no pending unsubscribe.
func (r *Registry) CompleteUnsubscribe(corrID int64) *Sub {
	r.mu.Lock()
	sub, ok := r.pendingUnsub[corrID]
	if ok {
		delete(r.pendingUnsub, corrID)
		delete(r.subs, sub.id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	sub.closeWith(StateClosed, nil)
	r.logger.Debug().Uint64("sub", sub.id).Msg("subscription closed")
	return sub
}

// InvalidateAll demotes every Active subscription back to Pending,
// clearing upstream ids and correlations but preserving params and
// sinks. In-flight unsubscribes complete trivially: the connection that
// owned their upstream slot is gone. Returns the subscriptions to be
// resubscribed, oldest first.
func (r *Registry) InvalidateAll() []*Sub {
	r.mu.Lock()

	var toClose []*Sub
	for corrID, sub := range r.pendingUnsub {
		delete(r.pendingUnsub, corrID)
		delete(r.subs, sub.id)
		toClose = append(toClose, sub)
	}
	r.pending = make(map[int64]*Sub)
	r.active = make(map[uint64]*Sub)

	var resub []*Sub
	for _, sub := range r.subs {
		sub.mu.Lock()
		if sub.state == StateActive || sub.state == StatePending {
			sub.state = StatePending
			sub.upstreamID = 0
			resub = append(resub, sub)
		}
		sub.mu.Unlock()
	}
	r.mu.Unlock()

	for _, sub := range toClose {
		sub.closeWith(StateClosed, nil)
	}

	sort.Slice(resub, func(i, j int) bool { return resub[i].id < resub[j].id })
	r.logger.Info().Int("subscriptions", len(resub)).Msg("invalidated all upstream ids")
	return resub
}

// FailAll terminates every open subscription with the given error and
// empties the registry. Called when the reconnect budget is exhausted
// or the bridge shuts down.
func (r *Registry) FailAll(cause error) {
	r.mu.Lock()
	subs := make([]*Sub, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[uint64]*Sub)
	r.pending = make(map[int64]*Sub)
	r.pendingUnsub = make(map[int64]*Sub)
	r.active = make(map[uint64]*Sub)
	r.mu.Unlock()

	state := StateFailed
	if cause == nil {
		state = StateClosed
	}
	for _, sub := range subs {
		sub.closeWith(state, cause)
	}
	if len(subs) > 0 {
		r.logger.Info().Int("subscriptions", len(subs)).Err(cause).Msg("terminated all subscriptions")
	}
}

// Pending returns every subscription awaiting an upstream subscribe,
// oldest first. This is the supervisor's resubscribe worklist.
func (r *Registry) Pending() []*Sub {
	r.mu.Lock()
	var out []*Sub
	for _, sub := range r.subs {
		if sub.State() == StatePending {
			out = append(out, sub)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Get returns the subscription with the given local id, or nil
func (r *Registry) Get(id uint64) *Sub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// Oldest returns the longest-lived open subscription, or nil
func (r *Registry) Oldest() *Sub {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *Sub
	for _, sub := range r.subs {
		if oldest == nil || sub.id < oldest.id {
			oldest = sub
		}
	}
	return oldest
}

// Len returns the number of open subscriptions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// List returns a snapshot of every open subscription, oldest first
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	subs := make([]*Sub, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	out := make([]Snapshot, 0, len(subs))
	for _, sub := range subs {
		sub.mu.Lock()
		snap := Snapshot{
			ID:        sub.id,
			Kind:      sub.kind,
			State:     sub.state.String(),
			Delivered: sub.delivered,
			CreatedAt: sub.createdAt,
			Params:    sub.params,
		}
		if sub.state == StateActive {
			snap.UpstreamID = sub.upstreamID
		}
		sub.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// remove deletes a subscription from the local id map. Caller must not
// hold r.mu.
func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}
