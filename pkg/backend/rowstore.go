// Package backend defines the remote row-store contracts the sync engine
// speaks: filtered selects, conflict-keyed upserts that return the written
// rows, deletes, and the partial-write detection wrapped around multi-row
// upserts.
package backend

import (
	"context"
	"fmt"
)

// Row is the wire representation of one record: column name to value.
type Row map[string]any

// Filter is an equality filter: every listed column must match.
type Filter map[string]any

// RowStore is the abstract remote backend. Upsert must return the rows the
// backend actually wrote (selecting at minimum their identifiers) so callers
// can verify full acceptance.
type RowStore interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row, conflictColumns []string) ([]Row, error)
	Delete(ctx context.Context, table string, filter Filter) error
	Close() error
}

// RemoteError is a backend failure carrying an HTTP-style status code, which
// the retry executor uses for auth classification.
type RemoteError struct {
	Status int
	Msg    string
}

// Error returns the failure description.
func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote call failed (status %d): %s", e.Status, e.Msg)
	}
	return e.Msg
}

// StatusCode reports the HTTP-style status, satisfying retry.StatusCoder.
func (e *RemoteError) StatusCode() int {
	return e.Status
}

// PartialWriteError reports a multi-row upsert in which the backend accepted
// only a subset of the submitted rows. The usual cause is a row-level access
// policy silently rejecting rows rather than failing the request.
type PartialWriteError struct {
	Table     string
	Requested int
	Written   int
}

// Error reports how many of the requested rows failed.
func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write on %q: %d of %d rows failed (%d written back)",
		e.Table, e.Requested-e.Written, e.Requested, e.Written)
}
