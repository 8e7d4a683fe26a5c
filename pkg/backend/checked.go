package backend

import (
	"context"

	"github.com/rs/zerolog"
)

// CheckedStore decorates a RowStore with partial-write detection: every
// upsert must come back with exactly as many rows as were submitted.
//
// Checking only for a fully-empty response is not enough: a row-level
// access policy can accept 7 of 10 rows and an empty-response check would
// call that success. The row counts are compared exactly.
type CheckedStore struct {
	inner  RowStore
	logger zerolog.Logger
}

// NewCheckedStore wraps inner with upsert verification.
func NewCheckedStore(inner RowStore, logger zerolog.Logger) *CheckedStore {
	return &CheckedStore{
		inner:  inner,
		logger: logger.With().Str("component", "CheckedStore").Logger(),
	}
}

// Select delegates to the wrapped store.
func (s *CheckedStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	return s.inner.Select(ctx, table, filter)
}

// Upsert submits rows and verifies full acceptance. Fewer rows back than
// submitted is a partial authorization failure, surfaced as a
// *PartialWriteError and never silently accepted.
func (s *CheckedStore) Upsert(ctx context.Context, table string, rows []Row, conflictColumns []string) ([]Row, error) {
	written, err := s.inner.Upsert(ctx, table, rows, conflictColumns)
	if err != nil {
		return nil, err
	}
	if len(written) != len(rows) {
		partialErr := &PartialWriteError{Table: table, Requested: len(rows), Written: len(written)}
		s.logger.Error().
			Str("table", table).
			Int("requested", len(rows)).
			Int("written", len(written)).
			Msg("Upsert was only partially accepted.")
		return nil, partialErr
	}
	return written, nil
}

// Delete delegates to the wrapped store.
func (s *CheckedStore) Delete(ctx context.Context, table string, filter Filter) error {
	return s.inner.Delete(ctx, table, filter)
}

// Close delegates to the wrapped store.
func (s *CheckedStore) Close() error {
	return s.inner.Close()
}
