package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Category is the failure class assigned to a remote-call error. It decides
// whether the executor retries and what it does before the next attempt.
type Category int

const (
	// CategoryPermanent errors are rethrown immediately, no retry.
	CategoryPermanent Category = iota
	// CategoryClockSkew marks a credential issued ahead of the local clock.
	CategoryClockSkew
	// CategoryAuthExpired marks a rejected or expired credential. The executor
	// refreshes the token before retrying.
	CategoryAuthExpired
	// CategoryTransient marks network-level failures worth retrying as-is.
	CategoryTransient
)

// String returns the category name for log fields.
func (c Category) String() string {
	switch c {
	case CategoryClockSkew:
		return "clock_skew"
	case CategoryAuthExpired:
		return "auth_expired"
	case CategoryTransient:
		return "transient_network"
	default:
		return "permanent"
	}
}

// StatusCoder is implemented by errors that carry an HTTP-style status code,
// allowing the remote layer to report auth rejections without this package
// depending on it.
type StatusCoder interface {
	StatusCode() int
}

var (
	clockSkewMarkers = []string{
		"issued in the future",
		"used before issued",
	}
	authMarkers = []string{
		"jwt expired",
		"token is expired",
		"invalid token",
		"invalid jwt",
		"refresh_token",
	}
	transientMarkers = []string{
		"abort",
		"timeout",
		"timed out",
		"network error",
		"service unavailable",
		"connection refused",
		"connection reset",
		"no such host",
	}
)

// Classify assigns a failure category to err. Checks run in priority order:
// clock skew first, then auth expiry, then transient network markers.
// Anything unrecognised is permanent and must not be retried.
func Classify(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	msg := strings.ToLower(err.Error())

	if errors.Is(err, jwt.ErrTokenUsedBeforeIssued) || containsAny(msg, clockSkewMarkers) {
		return CategoryClockSkew
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code == 401 || code == 403 {
			return CategoryAuthExpired
		}
	}
	if errors.Is(err, jwt.ErrTokenExpired) || containsAny(msg, authMarkers) {
		return CategoryAuthExpired
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}
	if containsAny(msg, transientMarkers) {
		return CategoryTransient
	}

	return CategoryPermanent
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
