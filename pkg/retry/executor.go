package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TokenRefresher proactively refreshes the credential token. Refreshing is
// idempotent and safe to call speculatively; a refresh failure never fails
// the retry loop itself.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// Config holds the retry policy knobs.
type Config struct {
	// MaxRetries is the total number of attempts, not the number of retries
	// after the first attempt. Defaults to 3.
	MaxRetries int
	// BaseDelay is the first backoff step; attempt n waits BaseDelay * 2^n.
	// Defaults to 500ms.
	BaseDelay time.Duration
}

// Executor classifies remote-call failures and retries the transient ones
// with exponential backoff. It knows nothing about the operations it wraps;
// every remote call in the engine runs through one shared Executor.
type Executor struct {
	cfg       Config
	refresher TokenRefresher
	logger    zerolog.Logger
}

// New creates an Executor. The refresher is optional; without one,
// auth-expired failures are retried on backoff alone.
func New(cfg Config, refresher TokenRefresher, logger zerolog.Logger) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Executor{
		cfg:       cfg,
		refresher: refresher,
		logger:    logger.With().Str("component", "RetryExecutor").Logger(),
	}
}

// MaxRetries reports the configured attempt budget.
func (ex *Executor) MaxRetries() int {
	return ex.cfg.MaxRetries
}

// Do invokes op up to MaxRetries times. Failures classified as permanent are
// returned immediately; clock-skew, auth-expired and transient-network
// failures back off BaseDelay * 2^attempt and retry. Auth-expired failures
// additionally trigger a best-effort token refresh before the retry. Once
// attempts are exhausted the last observed error is returned.
func Do[T any](ctx context.Context, ex *Executor, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < ex.cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		category := Classify(err)
		logger := ex.logger.With().
			Str("operation", label).
			Int("attempt", attempt+1).
			Stringer("category", category).
			Logger()

		if category == CategoryPermanent {
			logger.Debug().Err(err).Msg("Non-retryable failure, propagating.")
			return zero, err
		}
		if attempt == ex.cfg.MaxRetries-1 {
			break
		}

		if category == CategoryAuthExpired && ex.refresher != nil {
			if refreshErr := ex.refresher.RefreshToken(ctx); refreshErr != nil {
				logger.Warn().Err(refreshErr).Msg("Token refresh before retry failed, retrying anyway.")
			}
		}

		delay := ex.cfg.BaseDelay * (1 << attempt)
		logger.Warn().Err(err).Dur("backoff", delay).Msg("Transient failure, backing off before retry.")
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}

	ex.logger.Error().Err(lastErr).Str("operation", label).Int("attempts", ex.cfg.MaxRetries).
		Msg("Retries exhausted.")
	return zero, lastErr
}

// sleepContext waits for d or until ctx is cancelled, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
