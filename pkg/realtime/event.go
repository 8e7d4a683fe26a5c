// Package realtime delivers remote change notifications to the sync engine.
// A Subscriber owns one live Channel to a change feed, reconnects with
// exponential backoff when the channel drops, and runs a recovery callback
// after a reconnect when the recovery gate allows it.
package realtime

import (
	"time"

	"github.com/illmade-knight/go-syncflow/pkg/backend"
)

// EventType identifies the kind of row change an event carries.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change received from the feed.
type ChangeEvent struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	Table      string      `json:"table"`
	Before     backend.Row `json:"before,omitempty"`
	After      backend.Row `json:"after,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Key returns the primary key of the affected row, preferring the new image.
func (e ChangeEvent) Key() (string, bool) {
	for _, row := range []backend.Row{e.After, e.Before} {
		if id, ok := row["id"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}
