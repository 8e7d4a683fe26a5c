package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubsubFeedConfig holds the subscription settings for a Pub/Sub change feed.
type PubsubFeedConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

func (c *PubsubFeedConfig) applyDefaults() {
	if c.MaxOutstandingMessages <= 0 {
		c.MaxOutstandingMessages = 100
	}
	if c.NumGoroutines <= 0 {
		c.NumGoroutines = 5
	}
}

// PubsubFeed is a Channel over a Google Pub/Sub subscription. Each message
// payload is one JSON-encoded ChangeEvent; malformed payloads are acked and
// dropped so they do not redeliver forever.
type PubsubFeed struct {
	subscription *pubsub.Subscription
	logger       zerolog.Logger

	events chan ChangeEvent
	closed chan error
	alive  atomic.Bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	termOnce sync.Once
}

// DialPubsubFeed verifies the subscription exists and starts receiving.
func DialPubsubFeed(ctx context.Context, cfg PubsubFeedConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubFeed, error) {
	cfg.applyDefaults()
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if !exists || err != nil {
		return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	receiveCtx, cancelReceive := context.WithCancel(context.WithoutCancel(ctx))
	f := &PubsubFeed{
		subscription: sub,
		logger:       logger.With().Str("component", "PubsubFeed").Str("subscription_id", cfg.SubscriptionID).Logger(),
		events:       make(chan ChangeEvent, cfg.MaxOutstandingMessages),
		closed:       make(chan error, 1),
		cancel:       cancelReceive,
	}
	f.alive.Store(true)

	f.wg.Add(1)
	go f.receive(receiveCtx)
	f.logger.Info().Msg("Listening for change events.")
	return f, nil
}

// Events returns the stream of decoded change events.
func (f *PubsubFeed) Events() <-chan ChangeEvent { return f.events }

// Closed yields the receive failure, at most once.
func (f *PubsubFeed) Closed() <-chan error { return f.closed }

// Alive reports whether the receive loop is still running.
func (f *PubsubFeed) Alive() bool { return f.alive.Load() }

// Close stops receiving without signalling Closed.
func (f *PubsubFeed) Close(ctx context.Context) error {
	f.termOnce.Do(func() {
		f.alive.Store(false)
		f.cancel()
	})
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for receive loop to stop: %w", ctx.Err())
	}
}

func (f *PubsubFeed) receive(ctx context.Context) {
	defer f.wg.Done()
	defer close(f.events)

	err := f.subscription.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		var ev ChangeEvent
		if jsonErr := json.Unmarshal(msg.Data, &ev); jsonErr != nil {
			f.logger.Warn().Err(jsonErr).Str("msg_id", msg.ID).Msg("Dropping malformed change event.")
			msg.Ack()
			return
		}
		if ev.ID == "" {
			ev.ID = msg.ID
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = msg.PublishTime
		}
		select {
		case f.events <- ev:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})

	f.alive.Store(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error().Err(err).Msg("Receive loop exited with error.")
		f.termOnce.Do(func() {
			select {
			case f.closed <- fmt.Errorf("change feed receive failed: %w", err):
			default:
			}
		})
		return
	}
	f.logger.Info().Msg("Receive loop stopped.")
}
