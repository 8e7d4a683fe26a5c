package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/illmade-knight/go-syncflow/pkg/retry"
	"github.com/rs/zerolog"
)

// Channel is one live connection to a change feed. Events delivers changes
// until the connection drops, at which point Closed yields the cause exactly
// once. Close tears the connection down without signalling Closed.
type Channel interface {
	Events() <-chan ChangeEvent
	Closed() <-chan error
	Alive() bool
	Close(ctx context.Context) error
}

// DialFunc establishes a new Channel. The subscriber calls it for the
// initial connection and for every reconnect attempt.
type DialFunc func(ctx context.Context) (Channel, error)

// RecoveryGate decides whether a post-reconnect recovery may run now. A
// blocked recovery is skipped, not queued: the next reconnect will try again.
type RecoveryGate interface {
	Allow() (bool, string)
}

// RecoveryFunc reconciles local state after a gap in the event stream,
// typically by invalidating caches and re-fetching.
type RecoveryFunc func(ctx context.Context) error

// SubscriberConfig tunes the reconnect schedule.
type SubscriberConfig struct {
	// BaseDelay is the wait before the first reconnect attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay on each subsequent attempt.
	Multiplier float64
	// JitterMax is added uniformly at random to every delay so a fleet of
	// clients does not reconnect in lockstep.
	JitterMax time.Duration
	// MaxAttempts bounds consecutive failed reconnects before the
	// subscriber gives up and enters StateFailed.
	MaxAttempts int
	// OnReconnectScheduled, if set, observes every scheduled attempt.
	OnReconnectScheduled func(attempt int, delay time.Duration)
}

func (c *SubscriberConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// SubscriberOptions carries the subscriber's collaborators. OnEvent is
// required; the rest are optional.
type SubscriberOptions struct {
	OnEvent   func(ChangeEvent)
	OnRecover RecoveryFunc
	Gate      RecoveryGate
	Refresher retry.TokenRefresher
}

// Subscriber owns the lifecycle of a change-feed connection: dial, pump
// events, reconnect with backoff, recover after gaps, and shut down cleanly.
type Subscriber struct {
	cfg       SubscriberConfig
	dial      DialFunc
	onEvent   func(ChangeEvent)
	onRecover RecoveryFunc
	gate      RecoveryGate
	refresher retry.TokenRefresher
	logger    zerolog.Logger

	mu        sync.Mutex
	state     ConnectionState
	channel   Channel
	attempt   int
	epoch     uint64
	disposing bool
	started   bool
	runCtx    context.Context
	cancel    context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	fatal    chan error
}

// NewSubscriber validates the wiring and returns an idle subscriber.
func NewSubscriber(cfg SubscriberConfig, dial DialFunc, opts SubscriberOptions, logger zerolog.Logger) (*Subscriber, error) {
	if dial == nil {
		return nil, errors.New("subscriber requires a dial function")
	}
	if opts.OnEvent == nil {
		return nil, errors.New("subscriber requires an event handler")
	}
	cfg.applyDefaults()
	return &Subscriber{
		cfg:       cfg,
		dial:      dial,
		onEvent:   opts.OnEvent,
		onRecover: opts.OnRecover,
		gate:      opts.Gate,
		refresher: opts.Refresher,
		logger:    logger.With().Str("component", "RealtimeSubscriber").Logger(),
		state:     StateDisconnected,
		fatal:     make(chan error, 1),
	}, nil
}

// State returns the current connection state.
func (s *Subscriber) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fatal signals that MaxAttempts consecutive reconnects failed and the
// subscriber has stopped trying. It delivers at most one error.
func (s *Subscriber) Fatal() <-chan error {
	return s.fatal
}

// Subscribe establishes the initial connection and starts the reconnect
// machinery. The subscriber runs until Unsubscribe or a fatal failure.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("subscriber already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info().Msg("Starting realtime subscription...")
	s.connect(runCtx, false)
	return nil
}

// Unsubscribe closes the connection and moves to the terminal Closed state.
func (s *Subscriber) Unsubscribe(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping realtime subscription...")
		s.mu.Lock()
		s.state = StateClosed
		s.disposing = true
		ch := s.channel
		s.channel = nil
		cancel := s.cancel
		s.mu.Unlock()

		if ch != nil {
			if err := ch.Close(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Error closing realtime channel.")
			}
		}
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info().Msg("Realtime subscription stopped.")
		case <-ctx.Done():
			s.logger.Warn().Msg("Timeout waiting for realtime goroutines to stop.")
		}
	})
	return nil
}

// NotifyVisible is the app-foregrounded probe: refresh credentials and make
// sure the channel is healthy, reconnecting immediately if it is not.
func (s *Subscriber) NotifyVisible(ctx context.Context) {
	s.probe(ctx, "visibility")
}

// NotifyOnline is the network-restored probe.
func (s *Subscriber) NotifyOnline(ctx context.Context) {
	s.probe(ctx, "online")
}

func (s *Subscriber) probe(ctx context.Context, reason string) {
	s.mu.Lock()
	if !s.started || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	healthy := s.state == StateSubscribed && s.channel != nil && s.channel.Alive()
	s.mu.Unlock()

	if s.refresher != nil {
		if err := s.refresher.RefreshToken(ctx); err != nil {
			s.logger.Warn().Err(err).Str("probe", reason).Msg("Token refresh failed during probe.")
		}
	}
	if healthy {
		s.logger.Debug().Str("probe", reason).Msg("Channel healthy, probe is a no-op.")
		return
	}

	s.logger.Info().Str("probe", reason).Msg("Channel unhealthy, forcing immediate reconnect.")
	s.mu.Lock()
	s.disposing = true
	ch := s.channel
	s.channel = nil
	s.attempt = 0
	// Any retry booked before this probe is now stale.
	s.epoch++
	if s.state == StateFailed {
		// A probe is explicit user or network activity, worth one more try.
		s.state = StateReconnecting
	}
	runCtx := s.runCtx
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close(ctx)
	}
	// Reconnect under the subscription's own context so the retry schedule
	// outlives the probe call.
	s.connect(runCtx, true)
}

// connect dials a new channel and starts pumping it. Dial failures feed the
// retry schedule.
func (s *Subscriber) connect(ctx context.Context, isReconnect bool) {
	target := StateConnecting
	if isReconnect {
		target = StateReconnecting
	}
	if !s.transition(target) {
		return
	}

	ch, err := s.dial(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to dial change feed.")
		s.scheduleRetry(ctx, err)
		return
	}

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		_ = ch.Close(ctx)
		return
	}
	prev := s.channel
	s.channel = ch
	s.epoch++
	s.attempt = 0
	s.disposing = false
	s.state = StateSubscribed
	s.mu.Unlock()
	if prev != nil {
		// A racing path connected first; there is never more than one live feed.
		_ = prev.Close(ctx)
	}
	s.logger.Info().Bool("reconnect", isReconnect).Msg("Change feed subscribed.")

	if isReconnect {
		s.maybeRecover(ctx)
	}

	s.wg.Add(1)
	go s.pump(ctx, ch)
}

// pump forwards events until the channel reports closure or the subscriber
// shuts down.
func (s *Subscriber) pump(ctx context.Context, ch Channel) {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				// The feed tore down; pick up the cause if it signalled one.
				var cause error
				select {
				case cause = <-ch.Closed():
				default:
					cause = errors.New("change feed closed")
				}
				s.handleDrop(ctx, ch, cause)
				return
			}
			s.onEvent(ev)
		case err := <-ch.Closed():
			s.handleDrop(ctx, ch, err)
			return
		case <-ctx.Done():
			_ = ch.Close(context.Background())
			return
		}
	}
}

// handleDrop feeds an unexpected channel closure into the retry schedule.
// Drops of a channel the subscriber already replaced or disposed are ignored.
func (s *Subscriber) handleDrop(ctx context.Context, ch Channel, cause error) {
	s.mu.Lock()
	stale := s.disposing || s.channel != ch || s.state.terminal()
	if !stale {
		s.channel = nil
		s.state = StateReconnecting
	}
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Warn().Err(cause).Msg("Change feed dropped.")
	s.scheduleRetry(ctx, cause)
}

// scheduleRetry books the next reconnect attempt, or gives up once the
// attempt budget is spent.
func (s *Subscriber) scheduleRetry(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	if attempt > s.cfg.MaxAttempts {
		s.state = StateFailed
		s.mu.Unlock()
		s.logger.Error().Err(cause).Int("attempts", s.cfg.MaxAttempts).
			Msg("Reconnect budget exhausted, giving up.")
		select {
		case s.fatal <- fmt.Errorf("reconnect failed after %d attempts: %w", s.cfg.MaxAttempts, cause):
		default:
		}
		return
	}
	s.state = StateReconnecting
	epoch := s.epoch
	s.mu.Unlock()

	delay := s.retryDelay(attempt)
	if s.cfg.OnReconnectScheduled != nil {
		s.cfg.OnReconnectScheduled(attempt, delay)
	}
	s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled.")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
			if s.retrySuperseded(epoch) {
				return
			}
			s.connect(ctx, true)
		case <-ctx.Done():
		}
	}()
}

// retrySuperseded reports whether another path reconnected, or the subscriber
// shut down, since this retry was booked. A stale retry must stand down or it
// would dial a second feed alongside the live one.
func (s *Subscriber) retrySuperseded(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch || s.state == StateSubscribed || s.state.terminal()
}

// retryDelay computes BaseDelay * Multiplier^(attempt-1) plus jitter.
func (s *Subscriber) retryDelay(attempt int) time.Duration {
	backoff := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.Multiplier, float64(attempt-1))
	delay := time.Duration(backoff)
	if s.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(s.cfg.JitterMax)))
	}
	return delay
}

// maybeRecover runs the recovery callback after a reconnect, unless the
// gate says the user is mid-activity.
func (s *Subscriber) maybeRecover(ctx context.Context) {
	if s.onRecover == nil {
		return
	}
	if s.gate != nil {
		if ok, reason := s.gate.Allow(); !ok {
			s.logger.Info().Str("reason", reason).Msg("Skipping post-reconnect recovery.")
			return
		}
	}
	s.logger.Info().Msg("Running post-reconnect recovery.")
	if err := s.onRecover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Post-reconnect recovery failed.")
	}
}

// transition moves to the requested state unless the current state is
// terminal. Returns whether the move happened.
func (s *Subscriber) transition(to ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.state = to
	return true
}
