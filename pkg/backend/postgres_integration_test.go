//go:build integration

package backend_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-syncflow/pkg/backend"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("SYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SYNC_TEST_POSTGRES_DSN not set, skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := backend.NewPostgresStore(ctx, &backend.PostgresConfig{DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	table := "sync_integration_tasks"
	rows := []backend.Row{
		{"id": "task-1", "title": "first"},
		{"id": "task-2", "title": "second"},
	}

	t.Run("upsert returns every written row", func(t *testing.T) {
		written, err := store.Upsert(ctx, table, rows, []string{"id"})
		require.NoError(t, err)
		assert.Len(t, written, len(rows))
	})

	t.Run("upsert updates on conflict", func(t *testing.T) {
		updated := []backend.Row{{"id": "task-1", "title": "renamed"}}
		written, err := store.Upsert(ctx, table, updated, []string{"id"})
		require.NoError(t, err)
		require.Len(t, written, 1)
		assert.Equal(t, "renamed", written[0]["title"])
	})

	t.Run("select filters by equality", func(t *testing.T) {
		found, err := store.Select(ctx, table, backend.Filter{"id": "task-2"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "second", found[0]["title"])
	})

	t.Run("delete removes the filtered rows", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, table, backend.Filter{"id": "task-1"}))
		found, err := store.Select(ctx, table, backend.Filter{"id": "task-1"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("unfiltered delete is refused", func(t *testing.T) {
		err := store.Delete(ctx, table, backend.Filter{})
		require.Error(t, err)
	})
}
