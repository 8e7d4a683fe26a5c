// Package session tracks the user-facing state the sync engine must respect
// before overwriting local data: recent input activity and open edit modals.
// A recovery reload that runs while the user is mid-edit would silently
// clobber an unsaved buffer; the RecoveryGate exists to stop that.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// InteractionKind names the input events the UI reports.
type InteractionKind string

const (
	KindClick   InteractionKind = "click"
	KindKeydown InteractionKind = "keydown"
	KindPointer InteractionKind = "pointerdown"
	KindInput   InteractionKind = "input"
)

// InteractionTracker records the timestamp of the most recent user input.
// One tracker exists per engine; the UI layer calls Record on every input
// event it observes.
type InteractionTracker struct {
	mu       sync.Mutex
	last     time.Time
	lastKind InteractionKind
	now      func() time.Time
}

// NewInteractionTracker creates a tracker with no recorded input.
func NewInteractionTracker() *InteractionTracker {
	return &InteractionTracker{now: time.Now}
}

// SetClockForTest overrides the tracker's clock. Test use only.
func (t *InteractionTracker) SetClockForTest(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Record notes that an input event of the given kind just occurred.
func (t *InteractionTracker) Record(kind InteractionKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = t.now()
	t.lastKind = kind
}

// Last returns the most recent input timestamp and kind. The zero time means
// no input has been recorded.
func (t *InteractionTracker) Last() (time.Time, InteractionKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.lastKind
}

// Within reports whether an input was recorded inside the given window.
func (t *InteractionTracker) Within(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.IsZero() {
		return false
	}
	return t.now().Sub(t.last) < window
}

// EditSession reports whether any edit modal is currently open. The engine
// consults it before recovery reloads.
type EditSession interface {
	Active() bool
}

// EditGuard is a counting EditSession implementation: Begin when a modal
// opens, End when it closes. Nested modals stack.
type EditGuard struct {
	open atomic.Int32
}

// NewEditGuard creates a guard with no open sessions.
func NewEditGuard() *EditGuard {
	return &EditGuard{}
}

// Begin marks an edit modal as opened.
func (g *EditGuard) Begin() {
	g.open.Add(1)
}

// End marks an edit modal as closed. Unbalanced Ends clamp at zero.
func (g *EditGuard) End() {
	if g.open.Add(-1) < 0 {
		g.open.Store(0)
	}
}

// Active reports whether any edit modal is open.
func (g *EditGuard) Active() bool {
	return g.open.Load() > 0
}

// RecoveryGate decides whether an automatic recovery reload may run.
// It refuses while a tracked interaction is inside the cooldown window or
// while an edit session is open.
type RecoveryGate struct {
	tracker  *InteractionTracker
	edits    EditSession
	cooldown time.Duration
	logger   zerolog.Logger
}

// DefaultRecoveryCooldown is the window after user input during which
// recovery reloads are suppressed.
const DefaultRecoveryCooldown = 60 * time.Second

// NewRecoveryGate creates a gate. A non-positive cooldown uses the default;
// edits may be nil when no edit-session collaborator exists.
func NewRecoveryGate(tracker *InteractionTracker, edits EditSession, cooldown time.Duration, logger zerolog.Logger) *RecoveryGate {
	if cooldown <= 0 {
		cooldown = DefaultRecoveryCooldown
	}
	return &RecoveryGate{
		tracker:  tracker,
		edits:    edits,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "RecoveryGate").Logger(),
	}
}

// Allow reports whether a recovery reload may run now, with a reason when it
// may not.
func (g *RecoveryGate) Allow() (bool, string) {
	if g.tracker != nil && g.tracker.Within(g.cooldown) {
		last, kind := g.tracker.Last()
		return false, fmt.Sprintf("user %s at %s is within the %s cooldown", kind, last.Format(time.RFC3339), g.cooldown)
	}
	if g.edits != nil && g.edits.Active() {
		return false, "an edit session is open"
	}
	return true, ""
}
