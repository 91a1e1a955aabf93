package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind is the logical subscription kind
type Kind string

const (
	KindAccount   Kind = "account"
	KindSignature Kind = "signature"
	KindLogs      Kind = "logs"
	KindProgram   Kind = "program"
)

// SubscribeMethod returns the upstream JSON-RPC subscribe method
func (k Kind) SubscribeMethod() string {
	return string(k) + "Subscribe"
}

// UnsubscribeMethod returns the upstream JSON-RPC unsubscribe method
func (k Kind) UnsubscribeMethod() string {
	return string(k) + "Unsubscribe"
}

// NotificationMethod returns the upstream notification method name
func (k Kind) NotificationMethod() string {
	return string(k) + "Notification"
}

// State is the lifecycle state of a logical subscription
type State int

const (
	StatePending State = iota
	StateActive
	StateUnsubscribing
	StateClosed
	StateFailed
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether the state is final
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// UnknownCorrelationError indicates the upstream acked a request id we
// never issued (protocol drift; logged, never fatal).
type UnknownCorrelationError struct {
	CorrID int64
}

func (e *UnknownCorrelationError) Error() string {
	return fmt.Sprintf("no pending request for correlation id %d", e.CorrID)
}

// UpstreamRpcError indicates the node rejected a subscribe request.
// It is scoped to the one affected subscription and never retried.
type UpstreamRpcError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *UpstreamRpcError) Error() string {
	return fmt.Sprintf("upstream rpc error %d: %s", e.Code, e.Message)
}

// Sub is one logical subscription: a consumer-facing stream identity
// independent of the upstream subscription id, which may change across
// reconnects.
type Sub struct {
	id        uint64
	kind      Kind
	params    json.RawMessage
	createdAt time.Time

	mu         sync.Mutex
	state      State
	upstreamID uint64
	sink       chan json.RawMessage
	err        error
	delivered  uint64
	dropped    uint64
}

// ID returns the bridge-local subscription id
func (s *Sub) ID() uint64 {
	return s.id
}

// Kind returns the subscription kind
func (s *Sub) Kind() Kind {
	return s.kind
}

// Params returns the marshaled upstream subscribe params
func (s *Sub) Params() json.RawMessage {
	return s.params
}

// CreatedAt returns when the subscription was registered
func (s *Sub) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current lifecycle state
func (s *Sub) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpstreamID returns the upstream subscription id and whether one is
// currently assigned (only while Active).
func (s *Sub) UpstreamID() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamID, s.state == StateActive
}

// Events returns the ordered event sink. The channel is closed exactly
// once, on Closed or Failed; check Err afterwards.
func (s *Sub) Events() <-chan json.RawMessage {
	return s.sink
}

// Err returns the terminal error, if any, once Events is closed
func (s *Sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Delivered returns how many events have been pushed to the sink
func (s *Sub) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// push appends one event to the sink in arrival order. Returns false if
// the sink buffer is full and the event had to be dropped.
func (s *Sub) push(result json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return true
	}
	select {
	case s.sink <- result:
		s.delivered++
		return true
	default:
		s.dropped++
		return false
	}
}

// closeWith terminates the sink exactly once
func (s *Sub) closeWith(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = state
	s.err = err
	s.upstreamID = 0
	close(s.sink)
}

// Snapshot is a point-in-time view of one subscription
type Snapshot struct {
	ID         uint64          `json:"id"`
	Kind       Kind            `json:"kind"`
	State      string          `json:"state"`
	UpstreamID uint64          `json:"upstreamId,omitempty"`
	Delivered  uint64          `json:"delivered"`
	CreatedAt  time.Time       `json:"createdAt"`
	Params     json.RawMessage `json:"params"`
}
