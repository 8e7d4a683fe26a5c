// Package tombstone records deletion-finality markers. Once an entity id is
// tombstoned for an owner, no creation path may recreate it until the
// tombstone expires; tombstones for the primary entity type never expire.
package tombstone

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Tombstone marks a permanently or temporarily deleted entity. The
// (EntityType, EntityID, OwnerID) tuple is unique; a tombstone is written
// once and never mutated.
type Tombstone struct {
	EntityType string     `json:"entity_type" firestore:"entity_type"`
	EntityID   string     `json:"entity_id" firestore:"entity_id"`
	OwnerID    string     `json:"owner_id" firestore:"owner_id"`
	DeletedAt  time.Time  `json:"deleted_at" firestore:"deleted_at"`
	// ExpiresAt is nil for permanent tombstones.
	ExpiresAt *time.Time `json:"expires_at,omitempty" firestore:"expires_at"`
}

// Key identifies a tombstoned entity within an owner's records.
type Key struct {
	EntityType string
	EntityID   string
}

// Key returns the tombstone's entity key.
func (t Tombstone) Key() Key {
	return Key{EntityType: t.EntityType, EntityID: t.EntityID}
}

// ActiveAt reports whether the tombstone still blocks recreation at the
// given instant.
func (t Tombstone) ActiveAt(now time.Time) bool {
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// Store persists tombstones. Upsert is idempotent on the unique tuple: the
// first write wins and later writes for the same tuple are no-ops, so a
// recorded deletion time is never rewritten.
type Store interface {
	Upsert(ctx context.Context, t Tombstone) error
	// ListActive returns the owner's tombstones still active at now.
	ListActive(ctx context.Context, ownerID string, now time.Time) ([]Tombstone, error)
	Close() error
}

// IDStatus is the outcome of a safe-create check, a distinct value rather
// than an error so callers can present a specific message instead of a
// retry prompt.
type IDStatus int

const (
	// StatusAvailable means the id is free to use.
	StatusAvailable IDStatus = iota
	// StatusExists means a live entity already holds the id.
	StatusExists
	// StatusTombstoned means the id was permanently deleted and must not be
	// recreated.
	StatusTombstoned
)

// String returns the status name.
func (s IDStatus) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusTombstoned:
		return "tombstoned"
	default:
		return "available"
	}
}

// OwnerProvider supplies the active owner/tenant identifier.
type OwnerProvider interface {
	OwnerID() string
}

// LedgerConfig holds retention policy.
type LedgerConfig struct {
	// PrimaryEntityType gets permanent tombstones (nil ExpiresAt). Defaults
	// to "task".
	PrimaryEntityType string
	// Retention is the lifetime of non-primary tombstones. Defaults to 90
	// days.
	Retention time.Duration
}

// DefaultRetention is the expiry horizon for non-primary tombstones.
const DefaultRetention = 90 * 24 * time.Hour

// Ledger applies retention policy over a Store for the active owner.
type Ledger struct {
	cfg    LedgerConfig
	store  Store
	owner  OwnerProvider
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(cfg LedgerConfig, store Store, owner OwnerProvider, logger zerolog.Logger) *Ledger {
	if cfg.PrimaryEntityType == "" {
		cfg.PrimaryEntityType = "task"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Ledger{
		cfg:    cfg,
		store:  store,
		owner:  owner,
		logger: logger.With().Str("component", "TombstoneLedger").Logger(),
		now:    time.Now,
	}
}

// SetClockForTest overrides the ledger's clock. Test use only.
func (l *Ledger) SetClockForTest(now func() time.Time) {
	l.now = now
}

// Record writes a tombstone for the entity. Recording is best-effort: a
// store failure is logged and swallowed because it must never block the
// deletion it protects.
func (l *Ledger) Record(ctx context.Context, entityType, entityID string) {
	now := l.now()
	t := Tombstone{
		EntityType: entityType,
		EntityID:   entityID,
		OwnerID:    l.owner.OwnerID(),
		DeletedAt:  now,
	}
	if entityType != l.cfg.PrimaryEntityType {
		expires := now.Add(l.cfg.Retention)
		t.ExpiresAt = &expires
	}
	if err := l.store.Upsert(ctx, t); err != nil {
		l.logger.Error().Err(err).
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Msg("Failed to record tombstone; the deletion proceeds without it.")
	}
}

// Active returns the keys of all tombstones currently blocking recreation
// for the active owner.
func (l *Ledger) Active(ctx context.Context) ([]Key, error) {
	tombstones, err := l.store.ListActive(ctx, l.owner.OwnerID(), l.now())
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(tombstones))
	for _, t := range tombstones {
		keys = append(keys, t.Key())
	}
	return keys, nil
}

// CheckID classifies an entity id for safe-create and restore flows. The
// caller supplies whether a live entity currently holds the id; the ledger
// supplies deletion finality. Tombstoned wins over exists: a tombstoned id
// is gone even if a stale replica still shows a row.
func (l *Ledger) CheckID(ctx context.Context, entityType, entityID string, exists bool) (IDStatus, error) {
	tombstones, err := l.store.ListActive(ctx, l.owner.OwnerID(), l.now())
	if err != nil {
		return StatusAvailable, err
	}
	want := Key{EntityType: entityType, EntityID: entityID}
	for _, t := range tombstones {
		if t.Key() == want {
			return StatusTombstoned, nil
		}
	}
	if exists {
		return StatusExists, nil
	}
	return StatusAvailable, nil
}
