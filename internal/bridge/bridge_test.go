package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"solbridge/internal/config"
	"solbridge/internal/metrics"
	"solbridge/internal/registry"
)

type rpcRequest struct {
	Method string          `json:"method"`
	ID     int64           `json:"id"`
	Params json.RawMessage `json:"params"`
}

// session is one accepted WebSocket connection on the fake node
type session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	requests chan rpcRequest
}

func (s *session) send(t *testing.T, raw string) {
	t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Logf("session write: %v", err)
	}
}

func (s *session) notify(t *testing.T, method string, subID uint64, result string) {
	s.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":{"subscription":%d,"result":%s}}`, method, subID, result))
}

func (s *session) next(t *testing.T) rpcRequest {
	t.Helper()
	select {
	case req, ok := <-s.requests:
		if !ok {
			t.Fatal("session closed while waiting for a request")
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an upstream request")
	}
	return rpcRequest{}
}

func (s *session) drop() {
	s.conn.Close()
}

// fakeSolana is a scripted pubsub node. It acks every subscribe with
// incrementing subscription ids starting at 42, acks unsubscribes with
// true, and hands each accepted session to the test.
type fakeSolana struct {
	srv      *httptest.Server
	sessions chan *session
	nextSub  atomic.Uint64
}

func newFakeSolana(t *testing.T) *fakeSolana {
	f := &fakeSolana{sessions: make(chan *session, 4)}
	f.nextSub.Store(41)
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := &session{conn: conn, requests: make(chan rpcRequest, 16)}
		f.sessions <- s
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(s.requests)
				return
			}
			var req rpcRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			switch {
			case strings.HasSuffix(req.Method, "Unsubscribe"):
				s.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","result":true,"id":%d}`, req.ID))
			case strings.HasSuffix(req.Method, "Subscribe"):
				s.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","result":%d,"id":%d}`, f.nextSub.Add(1), req.ID))
			}
			s.requests <- req
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSolana) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeSolana) accept(t *testing.T) *session {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an upstream session")
	}
	return nil
}

func testConfig(url string) *config.Config {
	cfg, _ := config.Load("")
	cfg.UpstreamWSURL = url
	cfg.PingInterval = 0
	cfg.AckTimeout = 200
	cfg.Reconnect.InitialDelay = 10
	cfg.Reconnect.MaxDelay = 50
	return cfg
}

func newTestBridge(t *testing.T, cfg *config.Config) *Bridge {
	t.Helper()
	b, err := New(cfg, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func startBridge(t *testing.T, cfg *config.Config) *Bridge {
	t.Helper()
	b := newTestBridge(t, cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b
}

func waitEvent(t *testing.T, sub *Subscription) json.RawMessage {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("events closed, err = %v", sub.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the stream to close")
		}
	}
}

func TestBridge_SubscribeLogsDelivers(t *testing.T) {
	node := newFakeSolana(t)
	b := startBridge(t, testConfig(node.wsURL()))
	sess := node.accept(t)

	sub, err := b.SubscribeLogs(LogsFilter{All: true}, "")
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}

	req := sess.next(t)
	if req.Method != "logsSubscribe" {
		t.Fatalf("method = %q, want logsSubscribe", req.Method)
	}

	result := `{"value":{"logs":["Program log: Transfer"]}}`
	sess.notify(t, "logsNotification", 42, result)

	ev := waitEvent(t, sub)
	if string(ev) != result {
		t.Errorf("event = %s, want %s", ev, result)
	}

	// An unrelated upstream id must not leak into this stream.
	sess.notify(t, "logsNotification", 999, `{"value":{"logs":["other"]}}`)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridge_InvalidInputsRejectedSynchronously(t *testing.T) {
	// Never started: a validation failure must not need the network.
	b := newTestBridge(t, testConfig("ws://127.0.0.1:1"))

	if _, err := b.SubscribeAccount("not-a-pubkey", AccountOpts{}); err == nil {
		t.Error("bad pubkey accepted")
	} else {
		wantInvalidParams(t, err, "pubkey")
	}
	_, err := b.SubscribeSignature(testPubkey, "")
	wantInvalidParams(t, err, "signature")
	_, err = b.SubscribeLogs(LogsFilter{}, "")
	wantInvalidParams(t, err, "filter")
	_, err = b.SubscribeProgram(testPubkey, AccountOpts{Encoding: "hex"})
	wantInvalidParams(t, err, "encoding")
	_, err = b.SubscribeAccount(testPubkey, AccountOpts{Commitment: "someday"})
	wantInvalidParams(t, err, "commitment")

	if got := b.reg.Len(); got != 0 {
		t.Errorf("registry has %d subs after rejected requests", got)
	}
}

func TestBridge_UnsubscribeIdempotent(t *testing.T) {
	node := newFakeSolana(t)
	b := startBridge(t, testConfig(node.wsURL()))
	sess := node.accept(t)

	sub, err := b.SubscribeAccount(testPubkey, AccountOpts{})
	if err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}
	sess.next(t)

	// A delivered event proves the subscribe ack was routed.
	sess.notify(t, "accountNotification", 42, `{"value":{"lamports":1}}`)
	waitEvent(t, sub)

	sub.Unsubscribe()
	req := sess.next(t)
	if req.Method != "accountUnsubscribe" {
		t.Fatalf("method = %q, want accountUnsubscribe", req.Method)
	}

	waitClosed(t, sub)
	if err := sub.Err(); err != nil {
		t.Errorf("Err after clean unsubscribe = %v, want nil", err)
	}

	// Repeat calls are no-ops and send nothing upstream.
	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case req := <-sess.requests:
		t.Fatalf("unexpected request after repeat unsubscribe: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridge_ReconnectResubscribes(t *testing.T) {
	node := newFakeSolana(t)
	b := startBridge(t, testConfig(node.wsURL()))
	sess1 := node.accept(t)

	sub, err := b.SubscribeAccount(testPubkey, AccountOpts{})
	if err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}
	req1 := sess1.next(t)
	sess1.notify(t, "accountNotification", 42, `{"value":{"lamports":1}}`)
	waitEvent(t, sub)

	sess1.drop()

	// The supervisor redials and replays the subscription with the
	// original params; the consumer keeps the same handle and channel.
	sess2 := node.accept(t)
	req2 := sess2.next(t)
	if req2.Method != "accountSubscribe" {
		t.Fatalf("resubscribe method = %q", req2.Method)
	}
	if string(req2.Params) != string(req1.Params) {
		t.Errorf("resubscribe params = %s, want %s", req2.Params, req1.Params)
	}

	sess2.notify(t, "accountNotification", 43, `{"value":{"lamports":2}}`)
	ev := waitEvent(t, sub)
	if !strings.Contains(string(ev), `"lamports":2`) {
		t.Errorf("event after reconnect = %s", ev)
	}
}

func TestBridge_TerminalAfterAttemptBudget(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Reconnect.MaxAttempts = 1
	b := newTestBridge(t, cfg)

	sub, err := b.SubscribeAccount(testPubkey, AccountOpts{})
	if err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitClosed(t, sub)
	var term *TerminalConnectionError
	if !errors.As(sub.Err(), &term) {
		t.Fatalf("Err = %v, want *TerminalConnectionError", sub.Err())
	}
	if term.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", term.Attempts)
	}

	if _, err := b.SubscribeAccount(testPubkey, AccountOpts{}); !errors.As(err, &term) {
		t.Errorf("subscribe after terminal failure gave %v", err)
	}
}

func TestBridge_ListAndRecent(t *testing.T) {
	node := newFakeSolana(t)
	b := startBridge(t, testConfig(node.wsURL()))
	sess := node.accept(t)

	sub, err := b.SubscribeLogs(LogsFilter{All: true}, CommitmentFinalized)
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	sess.next(t)

	result := `{"value":{"logs":["Program log: Ping"]}}`
	sess.notify(t, "logsNotification", 42, result)
	waitEvent(t, sub)

	snaps := b.List()
	if len(snaps) != 1 {
		t.Fatalf("List returned %d snapshots", len(snaps))
	}
	if snaps[0].ID != sub.ID() || snaps[0].Kind != registry.KindLogs {
		t.Errorf("snapshot = %+v", snaps[0])
	}
	if snaps[0].State != "active" || snaps[0].UpstreamID != 42 {
		t.Errorf("snapshot state = %q upstream = %d", snaps[0].State, snaps[0].UpstreamID)
	}

	events := b.Recent(sub.ID())
	if len(events) != 1 || string(events[0].Result) != result {
		t.Errorf("Recent = %+v", events)
	}
}

func TestBridge_MaxSubscriptionsEvictsOldest(t *testing.T) {
	node := newFakeSolana(t)
	cfg := testConfig(node.wsURL())
	cfg.MaxSubscriptions = 2
	b := startBridge(t, cfg)
	sess := node.accept(t)

	first, err := b.SubscribeAccount(testPubkey, AccountOpts{})
	if err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}
	sess.next(t)
	if _, err := b.SubscribeLogs(LogsFilter{All: true}, ""); err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	sess.next(t)

	// The third subscription pushes the oldest one out.
	if _, err := b.SubscribeSignature(testSignature, ""); err != nil {
		t.Fatalf("SubscribeSignature: %v", err)
	}

	waitClosed(t, first)
	if err := first.Err(); err != nil {
		t.Errorf("evicted stream Err = %v, want nil", err)
	}
}
