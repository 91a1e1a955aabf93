package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"solbridge/internal/jsonrpc"
	"solbridge/internal/metrics"
	"solbridge/internal/registry"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*jsonrpc.Request
}

func (s *recordingSender) Send(req *jsonrpc.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	messages chan *jsonrpc.Message
	reg      *registry.Registry
	sender   *recordingSender
	router   *Router
	done     chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var corr atomic.Int64
	corr.Store(1000)
	f := &fixture{
		messages: make(chan *jsonrpc.Message, 64),
		reg:      registry.New(16, zerolog.Nop()),
		sender:   &recordingSender{},
		done:     make(chan struct{}),
	}
	f.router = New(Config{
		Messages:   f.messages,
		Registry:   f.reg,
		Sender:     f.sender,
		NextCorrID: func() int64 { return corr.Add(1) },
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Logger:     zerolog.Nop(),
	})
	go func() {
		defer close(f.done)
		f.router.Run(context.Background())
	}()
	t.Cleanup(func() {
		close(f.messages)
		<-f.done
	})
	return f
}

func ack(corrID int64, subID uint64) *jsonrpc.Message {
	result, _ := json.Marshal(subID)
	return &jsonrpc.Message{JSONRPC: "2.0", ID: &corrID, Result: result}
}

func notification(method string, subID uint64, result string) *jsonrpc.Message {
	return &jsonrpc.Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  &jsonrpc.NotificationParams{Subscription: subID, Result: json.RawMessage(result)},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRouter_AckActivatesAndDeliversInOrder(t *testing.T) {
	f := newFixture(t)

	sub := f.reg.Register(registry.KindLogs, nil)
	f.reg.TrackPending(1, sub)

	f.messages <- ack(1, 42)
	waitFor(t, "activation", func() bool { return sub.State() == registry.StateActive })

	const n = 20
	for i := 0; i < n; i++ {
		f.messages <- notification("logsNotification", 42, fmt.Sprintf(`{"seq":%d}`, i))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-sub.Events():
			want := fmt.Sprintf(`{"seq":%d}`, i)
			if string(got) != want {
				t.Fatalf("event[%d] = %s, want %s", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestRouter_ConcreteLogsScenario(t *testing.T) {
	f := newFixture(t)

	sub := f.reg.Register(registry.KindLogs, json.RawMessage(`[{"mentions":["Tokenkeg..."]},{"commitment":"confirmed"}]`))
	f.reg.TrackPending(1, sub)

	f.messages <- ack(1, 42)
	result := `{"value":{"logs":["Program log: Transfer"]}}`
	f.messages <- notification("logsNotification", 42, result)

	select {
	case got := <-sub.Events():
		if string(got) != result {
			t.Errorf("event = %s, want %s", got, result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Nothing further until the next notification.
	select {
	case ev, open := <-sub.Events():
		t.Fatalf("unexpected event %s (open=%v)", ev, open)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_UnknownSubscriptionDropped(t *testing.T) {
	f := newFixture(t)

	sub := f.reg.Register(registry.KindAccount, nil)
	f.reg.TrackPending(1, sub)
	f.messages <- ack(1, 42)
	f.messages <- notification("accountNotification", 999, `{"stale":true}`)
	f.messages <- notification("accountNotification", 42, `{"fresh":true}`)

	// The stale notification must not reach any sink; the next one must.
	select {
	case got := <-sub.Events():
		if string(got) != `{"fresh":true}` {
			t.Errorf("got %s, stale event leaked", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRouter_ErrorResponseFailsSubscription(t *testing.T) {
	f := newFixture(t)

	sub := f.reg.Register(registry.KindAccount, nil)
	f.reg.TrackPending(1, sub)

	corrID := int64(1)
	f.messages <- &jsonrpc.Message{
		JSONRPC: "2.0",
		ID:      &corrID,
		Error:   &jsonrpc.Error{Code: -32602, Message: "Invalid params"},
	}

	waitFor(t, "failure", func() bool { return sub.State() == registry.StateFailed })

	if _, open := <-sub.Events(); open {
		t.Error("sink should be closed")
	}
	var rpcErr *registry.UpstreamRpcError
	if !errors.As(sub.Err(), &rpcErr) || rpcErr.Code != -32602 {
		t.Errorf("Err = %v, want UpstreamRpcError -32602", sub.Err())
	}
}

func TestRouter_UnsubscribeAckCompletes(t *testing.T) {
	f := newFixture(t)

	sub := f.reg.Register(registry.KindLogs, nil)
	f.reg.TrackPending(1, sub)
	f.messages <- ack(1, 42)
	waitFor(t, "activation", func() bool { return sub.State() == registry.StateActive })

	f.reg.BeginUnsubscribe(sub, 2)
	f.messages <- &jsonrpc.Message{JSONRPC: "2.0", ID: int64Ptr(2), Result: json.RawMessage(`true`)}

	waitFor(t, "close", func() bool { return sub.State() == registry.StateClosed })
}

func TestRouter_AckForClosedSubFreesSlot(t *testing.T) {
	f := newFixture(t)

	sub := f.reg.Register(registry.KindAccount, nil)
	f.reg.TrackPending(1, sub)
	// Consumer gives up before the ack arrives.
	f.reg.BeginUnsubscribe(sub, 2)

	f.messages <- ack(1, 42)

	waitFor(t, "orphan unsubscribe", func() bool { return f.sender.count() == 1 })
	f.sender.mu.Lock()
	req := f.sender.sent[0]
	f.sender.mu.Unlock()
	if req.Method != "accountUnsubscribe" {
		t.Errorf("method = %s, want accountUnsubscribe", req.Method)
	}
	if f.reg.Resolve(42) != nil {
		t.Error("orphaned slot must not be routable")
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
