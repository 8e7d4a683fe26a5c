// Package audit records sync diagnostics: retries, partial writes,
// tombstone hits, reconnects and recoveries. Events are batched and shipped
// to a pluggable sink so a fleet of clients can be debugged after the fact.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a diagnostic event.
type Kind string

const (
	KindRetry        Kind = "retry"
	KindAuthRefresh  Kind = "auth_refresh"
	KindPartialWrite Kind = "partial_write"
	KindTombstoneHit Kind = "tombstone_hit"
	KindReconnect    Kind = "reconnect"
	KindRecovery     Kind = "recovery"
	KindFatal        Kind = "fatal"
)

// Event is one diagnostic record.
type Event struct {
	ID      string    `json:"id" bigquery:"id"`
	Kind    Kind      `json:"kind" bigquery:"kind"`
	Label   string    `json:"label" bigquery:"label"`
	OwnerID string    `json:"owner_id" bigquery:"owner_id"`
	Detail  string    `json:"detail" bigquery:"detail"`
	At      time.Time `json:"at" bigquery:"at"`
}

// NewEvent stamps a fresh event with an id and timestamp.
func NewEvent(kind Kind, label, ownerID, detail string) *Event {
	return &Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Label:   label,
		OwnerID: ownerID,
		Detail:  detail,
		At:      time.Now().UTC(),
	}
}

// Day returns the event's UTC calendar day, used to group archive objects.
func (e *Event) Day() string {
	return e.At.UTC().Format("2006-01-02")
}
