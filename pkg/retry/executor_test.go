package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-syncflow/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRefresher counts token refresh calls and can be told to fail.
type mockRefresher struct {
	calls      atomic.Int32
	refreshErr error
}

func (m *mockRefresher) RefreshToken(_ context.Context) error {
	m.calls.Add(1)
	return m.refreshErr
}

func newTestExecutor(refresher retry.TokenRefresher) *retry.Executor {
	return retry.New(retry.Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond, // Keep test backoffs short.
	}, refresher, zerolog.Nop())
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	ex := newTestExecutor(nil)
	var calls atomic.Int32

	got, err := retry.Do(context.Background(), ex, "fetch tasks", func(_ context.Context) (string, error) {
		calls.Add(1)
		return "rows", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "rows", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_TransientErrorExhaustsRetries(t *testing.T) {
	ex := newTestExecutor(nil)
	var calls atomic.Int32
	transient := errors.New("network error")

	_, err := retry.Do(context.Background(), ex, "fetch tasks", func(_ context.Context) (string, error) {
		calls.Add(1)
		return "", transient
	})

	require.ErrorIs(t, err, transient)
	assert.Equal(t, int32(3), calls.Load(), "operation should be invoked exactly MaxRetries times")
}

func TestDo_PermanentErrorFailsImmediately(t *testing.T) {
	ex := newTestExecutor(nil)
	var calls atomic.Int32
	permanent := errors.New("duplicate key value violates unique constraint")

	_, err := retry.Do(context.Background(), ex, "save tasks", func(_ context.Context) (string, error) {
		calls.Add(1)
		return "", permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), calls.Load(), "non-retryable failures must not be retried")
}

func TestDo_AuthExpiredRefreshesToken(t *testing.T) {
	refresher := &mockRefresher{}
	ex := newTestExecutor(refresher)
	var calls atomic.Int32

	got, err := retry.Do(context.Background(), ex, "fetch tasks", func(_ context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("JWT expired")
		}
		return "rows", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "rows", got)
	assert.Equal(t, int32(1), refresher.calls.Load(), "token should be refreshed before the retry")
}

func TestDo_RefreshFailureDoesNotStopRetries(t *testing.T) {
	refresher := &mockRefresher{refreshErr: errors.New("refresh endpoint down")}
	ex := newTestExecutor(refresher)
	var calls atomic.Int32

	got, err := retry.Do(context.Background(), ex, "fetch tasks", func(_ context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("invalid token")
		}
		return "rows", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "rows", got)
	assert.Equal(t, int32(2), refresher.calls.Load())
}

func TestDo_ClockSkewRetriesWithoutRefresh(t *testing.T) {
	refresher := &mockRefresher{}
	ex := newTestExecutor(refresher)
	var calls atomic.Int32

	got, err := retry.Do(context.Background(), ex, "fetch tasks", func(_ context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("token used before issued")
		}
		return "rows", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "rows", got)
	assert.Equal(t, int32(0), refresher.calls.Load(), "clock skew waits out the skew; no refresh")
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ex := retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Minute}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := retry.Do(ctx, ex, "fetch tasks", func(_ context.Context) (string, error) {
		return "", errors.New("service unavailable")
	})

	require.ErrorIs(t, err, context.Canceled)
}
