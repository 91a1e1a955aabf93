// Package router demultiplexes the upstream message stream: subscribe
// acks, unsubscribe acks, error responses and notifications are
// correlated against the registry and dispatched to the right
// subscription sink.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"solbridge/internal/history"
	"solbridge/internal/jsonrpc"
	"solbridge/internal/metrics"
	"solbridge/internal/registry"
)

// Sender is the serialized upstream send path
type Sender interface {
	Send(req *jsonrpc.Request) error
}

// Config for creating a Router
type Config struct {
	Messages <-chan *jsonrpc.Message
	Registry *registry.Registry
	Sender   Sender
	// NextCorrID allocates a correlation id for requests the router
	// originates (freeing slots whose subscription died in flight).
	NextCorrID func() int64
	History    *history.History
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Router consumes the upstream message stream on a single goroutine,
// which is what preserves per-subscription delivery order.
type Router struct {
	messages   <-chan *jsonrpc.Message
	reg        *registry.Registry
	sender     Sender
	nextCorrID func() int64
	hist       *history.History
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New creates a Router
func New(cfg Config) *Router {
	return &Router{
		messages:   cfg.Messages,
		reg:        cfg.Registry,
		sender:     cfg.Sender,
		nextCorrID: cfg.NextCorrID,
		hist:       cfg.History,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Run consumes messages until the channel closes or ctx is done
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.messages:
			if !ok {
				return
			}
			r.dispatch(msg)
		}
	}
}

func (r *Router) dispatch(msg *jsonrpc.Message) {
	switch {
	case msg.IsNotification():
		r.handleNotification(msg)
	case msg.IsResponse():
		r.handleResponse(msg)
	default:
		r.logger.Warn().Str("method", msg.Method).Msg("unclassifiable upstream message")
	}
}

func (r *Router) handleNotification(msg *jsonrpc.Message) {
	sub := r.reg.Resolve(msg.Params.Subscription)
	if sub == nil {
		// Unknown or stale id: dropped, never fatal.
		r.metrics.EventsUnroutable.Inc()
		r.logger.Debug().
			Uint64("upstreamId", msg.Params.Subscription).
			Str("method", msg.Method).
			Msg("notification for unknown subscription, dropped")
		return
	}

	if r.reg.Push(sub, msg.Params.Result) {
		r.metrics.EventsDelivered.WithLabelValues(string(sub.Kind())).Inc()
		if r.hist != nil {
			r.hist.Record(sub.ID(), msg.Params.Result)
		}
	} else {
		r.metrics.SinkOverflows.Inc()
	}
}

func (r *Router) handleResponse(msg *jsonrpc.Message) {
	corrID := *msg.ID

	// Unsubscribe acks complete regardless of success: the local entry
	// is already torn down either way.
	if sub := r.reg.CompleteUnsubscribe(corrID); sub != nil {
		r.metrics.ActiveSubscriptions.Set(float64(r.reg.Len()))
		if r.hist != nil {
			r.hist.Forget(sub.ID())
		}
		return
	}

	if msg.HasError() {
		cause := &registry.UpstreamRpcError{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}
		if sub := r.reg.Fail(corrID, cause); sub != nil {
			r.metrics.ActiveSubscriptions.Set(float64(r.reg.Len()))
			return
		}
		r.logger.Warn().Int64("corrId", corrID).Int("code", msg.Error.Code).Msg("error response with unknown correlation id")
		return
	}

	upstreamID, err := msg.SubscriptionID()
	if err != nil {
		r.logger.Warn().Int64("corrId", corrID).Err(err).Msg("unparseable subscribe ack")
		return
	}

	sub, installed, err := r.reg.Activate(corrID, upstreamID)
	if err != nil {
		// Ack for a request we never issued.
		r.logger.Warn().Int64("corrId", corrID).Uint64("upstreamId", upstreamID).Msg("subscribe ack with unknown correlation id")
		return
	}

	if !installed {
		// The subscription left Pending while the ack was in flight;
		// free the orphaned upstream slot.
		r.freeSlot(sub.Kind(), upstreamID)
	}
}

func (r *Router) freeSlot(kind registry.Kind, upstreamID uint64) {
	req, err := jsonrpc.NewRequest(kind.UnsubscribeMethod(), []uint64{upstreamID}, r.nextCorrID())
	if err != nil {
		return
	}
	if err := r.sender.Send(req); err != nil {
		r.logger.Debug().Err(err).Uint64("upstreamId", upstreamID).Msg("failed to free orphaned upstream slot")
	}
}
