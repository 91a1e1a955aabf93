package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"solbridge/internal/metrics"
	"solbridge/internal/registry"
	"solbridge/internal/upstream"
)

// supervisor detects upstream disconnects and drives reconnection with
// exponential backoff, then resubscribes every still-open logical
// subscription through the same path as an initial subscribe. When the
// attempt budget is exhausted it fails the bridge terminally.
type supervisor struct {
	conn       *upstream.Conn
	reg        *registry.Registry
	resend     func(sub *registry.Sub)
	onTerminal func(err error)

	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	maxAttempts  int // 0 means retry forever

	metrics *metrics.Metrics
	logger  zerolog.Logger
	kick    chan error
}

// trigger nudges the supervisor as if a disconnect had been observed.
// Used for initial dial failures.
func (s *supervisor) trigger(err error) {
	select {
	case s.kick <- err:
	default:
	}
}

// Run waits for disconnects and recovers from them until ctx is done
// or the attempt budget is exhausted.
func (s *supervisor) Run(ctx context.Context) {
	log := s.logger.With().Str("component", "supervisor").Logger()

	for {
		var cause error
		select {
		case <-ctx.Done():
			return
		case cause = <-s.conn.Disconnects():
		case cause = <-s.kick:
		}

		if !s.recover(ctx, log, cause) {
			return
		}
	}
}

// recover runs one backoff cycle. Returns false when the supervisor
// should stop (shutdown or terminal failure).
func (s *supervisor) recover(ctx context.Context, log zerolog.Logger, cause error) bool {
	// Demote every Active subscription back to Pending and resolve
	// in-flight correlations; params and sinks survive so consumers
	// only ever see a gap, never a dropped stream.
	s.reg.InvalidateAll()

	delay := s.initialDelay
	for attempt := 1; ; attempt++ {
		if s.maxAttempts > 0 && attempt > s.maxAttempts {
			s.onTerminal(&TerminalConnectionError{Attempts: s.maxAttempts, Err: cause})
			return false
		}

		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect attempt scheduled")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := s.conn.Connect(ctx); err != nil {
			cause = err
			s.metrics.ReconnectFailures.Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			delay = s.nextDelay(delay)
			continue
		}

		s.metrics.Reconnects.Inc()
		pending := s.reg.Pending()
		log.Info().Int("attempt", attempt).Int("resubscribe", len(pending)).Msg("reconnected")
		for _, sub := range pending {
			s.resend(sub)
		}
		return true
	}
}

func (s *supervisor) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * s.factor)
	if next > s.maxDelay {
		next = s.maxDelay
	}
	return next
}
