// Package auth holds the credential token source the sync engine depends on:
// obtaining and refreshing the tenant credential, and exposing the owner
// identity every cache key and tombstone is scoped by.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrNoToken is returned when no credential has been obtained yet.
var ErrNoToken = errors.New("no credential token available")

// ErrTokenIssuedInFuture marks a credential whose issued-at claim is ahead of
// the local clock. The retry executor classifies it as clock skew and waits
// the skew out rather than refreshing.
var ErrTokenIssuedInFuture = errors.New("credential token issued in the future")

// CredentialProvider is the contract the engine consumes. RefreshToken is
// idempotent and safe to call speculatively.
type CredentialProvider interface {
	RefreshToken(ctx context.Context) error
	OwnerID() string
}

// RefreshFunc obtains a fresh raw credential token from the auth backend.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenSourceConfig holds tuning for the token source.
type TokenSourceConfig struct {
	// Leeway tolerated when comparing token claims against the local clock.
	// Defaults to 30s.
	Leeway time.Duration
}

// TokenSource holds the current credential token and its introspected
// claims. Claims are parsed without signature verification: the client is
// not the token's verifier, it only needs the subject and the time bounds.
type TokenSource struct {
	mu      sync.RWMutex
	raw     string
	claims  jwt.RegisteredClaims
	refresh RefreshFunc
	leeway  time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTokenSource creates a TokenSource. An initial token may be empty, in
// which case the first Token call performs a refresh.
func NewTokenSource(cfg TokenSourceConfig, initial string, refresh RefreshFunc, logger zerolog.Logger) (*TokenSource, error) {
	if refresh == nil {
		return nil, errors.New("refresh function cannot be nil")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	s := &TokenSource{
		refresh: refresh,
		leeway:  cfg.Leeway,
		logger:  logger.With().Str("component", "TokenSource").Logger(),
		now:     time.Now,
	}
	if initial != "" {
		if err := s.store(initial); err != nil {
			return nil, fmt.Errorf("initial token: %w", err)
		}
	}
	return s, nil
}

// SetClockForTest overrides the source's clock. Test use only.
func (s *TokenSource) SetClockForTest(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// RefreshToken obtains and stores a new credential token.
func (s *TokenSource) RefreshToken(ctx context.Context) error {
	raw, err := s.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh credential token: %w", err)
	}
	if err := s.store(raw); err != nil {
		return err
	}
	s.logger.Debug().Str("owner_id", s.OwnerID()).Msg("Credential token refreshed.")
	return nil
}

// OwnerID returns the owner/tenant identifier (the token subject), or ""
// when no token is held.
func (s *TokenSource) OwnerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.Subject
}

// Token returns the current raw token, refreshing first when the held token
// is missing or expired. A token issued in the future is returned alongside
// ErrTokenIssuedInFuture so callers back off instead of hammering refresh.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	raw := s.raw
	err := s.checkLocked()
	s.mu.RUnlock()

	switch {
	case err == nil:
		return raw, nil
	case errors.Is(err, ErrTokenIssuedInFuture):
		return raw, err
	}

	if refreshErr := s.RefreshToken(ctx); refreshErr != nil {
		return "", refreshErr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw, nil
}

// store parses and retains a raw token.
func (s *TokenSource) store(raw string) error {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return fmt.Errorf("parse credential token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	s.claims = claims
	return nil
}

// checkLocked validates the held token's time bounds against the local
// clock. Callers hold at least a read lock.
func (s *TokenSource) checkLocked() error {
	if s.raw == "" {
		return ErrNoToken
	}
	now := s.now()
	if s.claims.IssuedAt != nil && s.claims.IssuedAt.After(now.Add(s.leeway)) {
		return fmt.Errorf("%w: issued_at %s is ahead of local clock %s",
			ErrTokenIssuedInFuture, s.claims.IssuedAt.Time.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if s.claims.ExpiresAt != nil && s.claims.ExpiresAt.Before(now.Add(-s.leeway)) {
		return fmt.Errorf("held token: %w", jwt.ErrTokenExpired)
	}
	return nil
}
