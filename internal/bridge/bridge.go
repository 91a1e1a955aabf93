// Package bridge is the subscription façade: it translates logical
// subscription requests into upstream JSON-RPC subscriptions over one
// shared WebSocket connection and hands each caller an independent,
// ordered event stream.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"solbridge/internal/config"
	"solbridge/internal/history"
	"solbridge/internal/jsonrpc"
	"solbridge/internal/metrics"
	"solbridge/internal/registry"
	"solbridge/internal/router"
	"solbridge/internal/upstream"
)

// ErrClosed is returned for operations on a bridge that was shut down
var ErrClosed = errors.New("bridge is closed")

// Bridge owns the upstream connection, the registry, the router and
// the reconnection supervisor. One Bridge serves many consumers.
type Bridge struct {
	cfg     *config.Config
	logger  zerolog.Logger
	conn    *upstream.Conn
	reg     *registry.Registry
	router  *router.Router
	sup     *supervisor
	hist    *history.History
	metrics *metrics.Metrics

	corrID atomic.Int64

	mu       sync.Mutex
	terminal error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Bridge from config. Nothing touches the network until
// Start.
func New(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*Bridge, error) {
	hist, err := history.New(cfg.HistorySubs, cfg.HistorySize)
	if err != nil {
		return nil, err
	}

	conn := upstream.NewConn(upstream.Config{
		URL:              cfg.UpstreamWSURL,
		HandshakeTimeout: cfg.GetHandshakeTimeoutDuration(),
		MessageTimeout:   cfg.GetMessageTimeoutDuration(),
		PingInterval:     cfg.GetPingIntervalDuration(),
		Logger:           logger,
	})
	reg := registry.New(cfg.SinkBufferSize, logger)

	b := &Bridge{
		cfg:     cfg,
		logger:  logger.With().Str("component", "bridge").Logger(),
		conn:    conn,
		reg:     reg,
		hist:    hist,
		metrics: m,
	}

	b.router = router.New(router.Config{
		Messages:   conn.Messages(),
		Registry:   reg,
		Sender:     conn,
		NextCorrID: b.nextCorrID,
		History:    hist,
		Metrics:    m,
		Logger:     logger,
	})

	b.sup = &supervisor{
		conn:         conn,
		reg:          reg,
		resend:       b.sendSubscribe,
		onTerminal:   b.terminalFailure,
		initialDelay: cfg.Reconnect.GetInitialDelayDuration(),
		maxDelay:     cfg.Reconnect.GetMaxDelayDuration(),
		factor:       cfg.Reconnect.Factor,
		maxAttempts:  cfg.Reconnect.MaxAttempts,
		metrics:      m,
		logger:       logger,
		kick:         make(chan error, 1),
	}

	return b, nil
}

// Start connects upstream and starts the router and supervisor loops.
// An initial dial failure is not fatal: the supervisor keeps retrying
// under the configured backoff, and subscriptions made in the meantime
// stay Pending until it succeeds.
func (b *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.router.Run(runCtx)
	}()
	go func() {
		defer b.wg.Done()
		b.sup.Run(runCtx)
	}()

	if err := b.conn.Connect(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("initial connect failed, supervisor will retry")
		b.sup.trigger(err)
	}
	return nil
}

// Close shuts the bridge down, closing every open subscription cleanly
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.terminal == nil {
		b.terminal = ErrClosed
	}
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.conn.Close()
	b.reg.FailAll(nil)
	b.metrics.ActiveSubscriptions.Set(0)
	b.wg.Wait()
	b.logger.Info().Msg("bridge closed")
}

// Terminal returns the terminal error, if the bridge has one
func (b *Bridge) Terminal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// AccountOpts are optional parameters for account and program
// subscriptions. Zero values mean confirmed commitment, base64 encoding.
type AccountOpts struct {
	Commitment Commitment
	Encoding   Encoding
}

// SubscribeAccount subscribes to changes of one account. The pubkey is
// validated before any network I/O.
func (b *Bridge) SubscribeAccount(pubkey string, opts AccountOpts) (*Subscription, error) {
	commitment, encoding, err := resolveAccountOpts(opts)
	if err != nil {
		return nil, err
	}
	if err := validatePubkey("pubkey", pubkey); err != nil {
		return nil, err
	}
	return b.subscribe(registry.KindAccount, accountParams(pubkey, commitment, encoding))
}

// SubscribeSignature subscribes to status updates of one transaction
// signature.
func (b *Bridge) SubscribeSignature(signature string, commitment Commitment) (*Subscription, error) {
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	if err := validateCommitment(commitment); err != nil {
		return nil, err
	}
	if err := validateSignature(signature); err != nil {
		return nil, err
	}
	return b.subscribe(registry.KindSignature, signatureParams(signature, commitment))
}

// SubscribeLogs subscribes to transaction logs matching the filter
func (b *Bridge) SubscribeLogs(filter LogsFilter, commitment Commitment) (*Subscription, error) {
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	if err := validateCommitment(commitment); err != nil {
		return nil, err
	}
	if err := validateLogsFilter(filter); err != nil {
		return nil, err
	}
	return b.subscribe(registry.KindLogs, logsParams(filter, commitment))
}

// SubscribeProgram subscribes to changes of every account owned by a
// program.
func (b *Bridge) SubscribeProgram(programID string, opts AccountOpts) (*Subscription, error) {
	commitment, encoding, err := resolveAccountOpts(opts)
	if err != nil {
		return nil, err
	}
	if err := validatePubkey("program", programID); err != nil {
		return nil, err
	}
	return b.subscribe(registry.KindProgram, accountParams(programID, commitment, encoding))
}

func resolveAccountOpts(opts AccountOpts) (Commitment, Encoding, error) {
	commitment := opts.Commitment
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = EncodingBase64
	}
	if err := validateCommitment(commitment); err != nil {
		return "", "", err
	}
	if err := validateEncoding(encoding); err != nil {
		return "", "", err
	}
	return commitment, encoding, nil
}

// List returns a snapshot of every open subscription
func (b *Bridge) List() []registry.Snapshot {
	return b.reg.List()
}

// Recent returns the recorded recent events for a subscription
func (b *Bridge) Recent(id uint64) []history.Event {
	return b.hist.Recent(id)
}

// Cancel unsubscribes the subscription with the given local id.
// Unknown ids are a no-op.
func (b *Bridge) Cancel(id uint64) {
	if sub := b.reg.Get(id); sub != nil {
		b.unsubscribe(sub)
	}
}

func (b *Bridge) nextCorrID() int64 {
	return b.corrID.Add(1)
}

func (b *Bridge) subscribe(kind registry.Kind, params json.RawMessage) (*Subscription, error) {
	b.mu.Lock()
	if b.terminal != nil {
		err := b.terminal
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	b.maybeEvict()

	sub := b.reg.Register(kind, params)
	b.metrics.ActiveSubscriptions.Set(float64(b.reg.Len()))
	b.sendSubscribe(sub)
	return &Subscription{sub: sub, bridge: b}, nil
}

// sendSubscribe issues the upstream subscribe for a Pending sub. If the
// connection is down the sub simply stays Pending; the supervisor
// flushes it after reconnecting.
func (b *Bridge) sendSubscribe(sub *registry.Sub) {
	if !b.conn.Connected() {
		b.logger.Debug().Uint64("sub", sub.ID()).Msg("upstream not connected, subscribe queued")
		return
	}

	corrID := b.nextCorrID()
	req := jsonrpc.NewRequestRaw(sub.Kind().SubscribeMethod(), sub.Params(), corrID)
	b.reg.TrackPending(corrID, sub)
	if err := b.conn.Send(req); err != nil {
		b.reg.DropPending(corrID)
		b.logger.Debug().Err(err).Uint64("sub", sub.ID()).Msg("subscribe send failed, queued for supervisor")
	}
}

// maybeEvict enforces the optional subscription cap by unsubscribing
// the oldest stream.
func (b *Bridge) maybeEvict() {
	if b.cfg.MaxSubscriptions <= 0 || b.reg.Len() < b.cfg.MaxSubscriptions {
		return
	}
	if oldest := b.reg.Oldest(); oldest != nil {
		b.logger.Info().Uint64("sub", oldest.ID()).Int("max", b.cfg.MaxSubscriptions).Msg("subscription cap reached, evicting oldest")
		b.unsubscribe(oldest)
	}
}

func (b *Bridge) unsubscribe(sub *registry.Sub) {
	corrID := b.nextCorrID()
	upstreamID, sendUpstream := b.reg.BeginUnsubscribe(sub, corrID)
	b.metrics.ActiveSubscriptions.Set(float64(b.reg.Len()))
	if !sendUpstream {
		b.hist.Forget(sub.ID())
		return
	}

	req, err := jsonrpc.NewRequest(sub.Kind().UnsubscribeMethod(), []uint64{upstreamID}, corrID)
	if err == nil {
		err = b.conn.Send(req)
	}
	if err != nil {
		// The connection is gone and the upstream slot died with it.
		b.reg.CompleteUnsubscribe(corrID)
		b.hist.Forget(sub.ID())
		return
	}

	// Free the local entry even if the ack never arrives.
	time.AfterFunc(b.cfg.GetAckTimeoutDuration(), func() {
		b.reg.CompleteUnsubscribe(corrID)
	})
}

// terminalFailure is the supervisor's give-up path
func (b *Bridge) terminalFailure(err error) {
	b.mu.Lock()
	if b.terminal == nil {
		b.terminal = err
	}
	b.mu.Unlock()

	b.conn.MarkFailed()
	b.reg.FailAll(err)
	b.metrics.TerminalFailures.Inc()
	b.metrics.ActiveSubscriptions.Set(0)
	b.logger.Error().Err(err).Msg("bridge terminally failed, refusing new subscriptions")
}

// Subscription is the consumer handle for one logical subscription
type Subscription struct {
	sub    *registry.Sub
	bridge *Bridge
}

// ID returns the bridge-local subscription id
func (s *Subscription) ID() uint64 {
	return s.sub.ID()
}

// Kind returns the subscription kind
func (s *Subscription) Kind() registry.Kind {
	return s.sub.Kind()
}

// Events returns the ordered event stream. The channel closes when the
// subscription ends; check Err afterwards for the terminal cause.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.sub.Events()
}

// Err returns the terminal error once Events is closed; nil means a
// clean close.
func (s *Subscription) Err() error {
	return s.sub.Err()
}

// Unsubscribe tears the subscription down. Idempotent: repeat calls and
// calls after the stream ended are no-ops.
func (s *Subscription) Unsubscribe() {
	s.bridge.unsubscribe(s.sub)
}
