// Package syncengine wires the sync building blocks into one client-facing
// engine: cached reads, verified writes, deletion tombstones, and a realtime
// subscription that heals itself after disconnects.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-syncflow/pkg/audit"
	"github.com/illmade-knight/go-syncflow/pkg/auth"
	"github.com/illmade-knight/go-syncflow/pkg/backend"
	"github.com/illmade-knight/go-syncflow/pkg/realtime"
	"github.com/illmade-knight/go-syncflow/pkg/retry"
	"github.com/illmade-knight/go-syncflow/pkg/session"
	"github.com/illmade-knight/go-syncflow/pkg/swr"
	"github.com/illmade-knight/go-syncflow/pkg/tombstone"
	"github.com/rs/zerolog"
)

var (
	// ErrIDTombstoned rejects the reuse of an identifier whose entity was
	// deleted. Deletion is final.
	ErrIDTombstoned = errors.New("id belongs to a deleted entity")
	// ErrIDExists rejects a create for an identifier already in use.
	ErrIDExists = errors.New("id already exists")
)

// Options carries the engine's external collaborators.
type Options struct {
	// Store is the remote row store. The engine wraps it with partial-write
	// verification.
	Store backend.RowStore
	// TombstoneStore persists deletion records.
	TombstoneStore tombstone.Store
	// Credentials supplies the owner identity and token refresh.
	Credentials auth.CredentialProvider
	// Dial establishes realtime change-feed connections.
	Dial realtime.DialFunc
	// Recorder ships diagnostics. Optional.
	Recorder *audit.Recorder
}

// Engine is the client-side sync coordinator. One Engine serves one process.
type Engine struct {
	cfg        *Config
	store      *backend.CheckedStore
	executor   *retry.Executor
	cache      *swr.Cache[[]backend.Row]
	ledger     *tombstone.Ledger
	tracker    *session.InteractionTracker
	edits      *session.EditGuard
	subscriber *realtime.Subscriber
	recorder   *audit.Recorder
	creds      auth.CredentialProvider
	logger     zerolog.Logger

	mu      sync.Mutex
	watched map[string]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New assembles an engine from its collaborators.
func New(cfg *Config, opts Options, logger zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("a row store is required")
	}
	if opts.TombstoneStore == nil {
		return nil, errors.New("a tombstone store is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("a credential provider is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("a change feed dialer is required")
	}
	logger = logger.With().Str("component", "SyncEngine").Logger()

	e := &Engine{
		cfg:      cfg,
		store:    backend.NewCheckedStore(opts.Store, logger),
		cache:    swr.New[[]backend.Row](logger),
		tracker:  session.NewInteractionTracker(),
		edits:    session.NewEditGuard(),
		recorder: opts.Recorder,
		creds:    opts.Credentials,
		logger:   logger,
		watched:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	e.executor = retry.New(retry.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
	}, opts.Credentials, logger)
	e.ledger = tombstone.NewLedger(tombstone.LedgerConfig{
		PrimaryEntityType: cfg.PrimaryEntityType,
	}, opts.TombstoneStore, opts.Credentials, logger)

	gate := session.NewRecoveryGate(e.tracker, e.edits, cfg.RecoveryCooldown, logger)
	subscriber, err := realtime.NewSubscriber(realtime.SubscriberConfig{
		BaseDelay:   cfg.ReconnectBaseDelay,
		Multiplier:  cfg.ReconnectMultiplier,
		JitterMax:   cfg.ReconnectJitterMax,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}, opts.Dial, realtime.SubscriberOptions{
		OnEvent:   e.HandleChange,
		OnRecover: e.recover,
		Gate:      gate,
		Refresher: opts.Credentials,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build realtime subscriber: %w", err)
	}
	e.subscriber = subscriber
	return e, nil
}

// Start connects the realtime feed and begins shipping diagnostics.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting sync engine...")
	if e.recorder != nil {
		e.recorder.Start(ctx)
	}
	if err := e.subscriber.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to start realtime subscription: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case err := <-e.subscriber.Fatal():
			e.logger.Error().Err(err).Msg("Realtime subscription failed permanently.")
			e.record(audit.KindFatal, "realtime", err.Error())
		case <-ctx.Done():
		case <-e.done:
		}
	}()
	return nil
}

// Stop shuts the engine down: feed first, then diagnostics, then the store.
func (e *Engine) Stop(ctx context.Context) error {
	var stopErr error
	e.stopOnce.Do(func() {
		e.logger.Info().Msg("Stopping sync engine...")
		close(e.done)
		if err := e.subscriber.Unsubscribe(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Error stopping realtime subscription.")
		}
		if e.recorder != nil {
			if err := e.recorder.Stop(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("Error stopping audit recorder.")
			}
		}
		if err := e.store.Close(); err != nil {
			stopErr = fmt.Errorf("failed to close row store: %w", err)
		}
		e.wg.Wait()
		e.logger.Info().Msg("Sync engine stopped.")
	})
	return stopErr
}

// Rows returns the owner's rows for a collection through the SWR cache.
// Reads of a collection register it for post-reconnect recovery.
func (e *Engine) Rows(ctx context.Context, collection string) ([]backend.Row, error) {
	ownerID := e.creds.OwnerID()
	e.cache.CheckOwnerChange(ownerID)
	e.watch(collection)

	key := cacheKey(collection, ownerID)
	fetch := func(ctx context.Context) ([]backend.Row, error) {
		return retry.Do(ctx, e.executor, "select "+collection, func(ctx context.Context) ([]backend.Row, error) {
			return e.store.Select(ctx, collection, backend.Filter{e.cfg.OwnerColumn: ownerID})
		})
	}
	return e.cache.GetOrFetch(ctx, key, fetch, e.cfg.StaleTime, e.cfg.CacheTime)
}

// SaveRows upserts rows with retry and partial-write verification, then
// invalidates the collection's cached read.
func (e *Engine) SaveRows(ctx context.Context, collection string, rows []backend.Row) ([]backend.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ownerID := e.creds.OwnerID()
	stamped := make([]backend.Row, len(rows))
	for i, row := range rows {
		copied := make(backend.Row, len(row)+1)
		for k, v := range row {
			copied[k] = v
		}
		copied[e.cfg.OwnerColumn] = ownerID
		stamped[i] = copied
	}

	written, err := retry.Do(ctx, e.executor, "save "+collection, func(ctx context.Context) ([]backend.Row, error) {
		return e.store.Upsert(ctx, collection, stamped, []string{e.cfg.ConflictColumn})
	})
	if err != nil {
		var partial *backend.PartialWriteError
		if errors.As(err, &partial) {
			// Some rows may have landed remotely, so the cached read can no
			// longer be trusted.
			e.cache.Invalidate(cacheKey(collection, ownerID))
			e.record(audit.KindPartialWrite, collection, partial.Error())
		}
		return nil, err
	}

	e.cache.Invalidate(cacheKey(collection, ownerID))
	return written, nil
}

// DeleteEntity removes the entity remotely and records a tombstone so its
// identifier can never be resurrected.
func (e *Engine) DeleteEntity(ctx context.Context, collection, entityType, id string) error {
	ownerID := e.creds.OwnerID()
	_, err := retry.Do(ctx, e.executor, "delete "+collection, func(ctx context.Context) (struct{}, error) {
		deleteErr := e.store.Delete(ctx, collection, backend.Filter{
			e.cfg.ConflictColumn: id,
			e.cfg.OwnerColumn:    ownerID,
		})
		return struct{}{}, deleteErr
	})
	if err != nil {
		return err
	}

	// The tombstone is written even if the remote row was already gone:
	// finality is about the identifier, not the row.
	e.ledger.Record(ctx, entityType, id)
	e.cache.Invalidate(cacheKey(collection, ownerID))
	return nil
}

// SafeCreate writes a new entity only if its identifier is genuinely
// available: not in use, and never tombstoned.
func (e *Engine) SafeCreate(ctx context.Context, collection, entityType, id string, row backend.Row) ([]backend.Row, error) {
	ownerID := e.creds.OwnerID()

	existing, err := retry.Do(ctx, e.executor, "check "+collection, func(ctx context.Context) ([]backend.Row, error) {
		return e.store.Select(ctx, collection, backend.Filter{
			e.cfg.ConflictColumn: id,
			e.cfg.OwnerColumn:    ownerID,
		})
	})
	if err != nil {
		return nil, err
	}

	status, err := e.ledger.CheckID(ctx, entityType, id, len(existing) > 0)
	if err != nil {
		return nil, fmt.Errorf("failed to check id availability: %w", err)
	}
	switch status {
	case tombstone.StatusTombstoned:
		e.record(audit.KindTombstoneHit, collection, id)
		return nil, fmt.Errorf("%w: %s/%s", ErrIDTombstoned, entityType, id)
	case tombstone.StatusExists:
		return nil, fmt.Errorf("%w: %s/%s", ErrIDExists, entityType, id)
	}

	copied := make(backend.Row, len(row)+1)
	for k, v := range row {
		copied[k] = v
	}
	copied[e.cfg.ConflictColumn] = id
	return e.SaveRows(ctx, collection, []backend.Row{copied})
}

// HandleChange reacts to one realtime event: the affected collection's cache
// entry is invalidated, and remote deletions are tombstoned locally.
func (e *Engine) HandleChange(ev realtime.ChangeEvent) {
	ownerID := e.creds.OwnerID()
	e.cache.Invalidate(cacheKey(ev.Table, ownerID))

	if ev.Type == realtime.EventDelete {
		if id, ok := ev.Key(); ok {
			e.ledger.Record(context.Background(), e.entityTypeFor(ev.Table), id)
		}
	}
	e.logger.Debug().Str("table", ev.Table).Str("type", string(ev.Type)).Msg("Applied change event.")
}

// RecordInteraction notes user activity; recent activity defers recovery.
func (e *Engine) RecordInteraction(kind session.InteractionKind) {
	e.tracker.Record(kind)
}

// BeginEdit and EndEdit bracket an editing session during which recovery
// must not clobber in-progress work.
func (e *Engine) BeginEdit() { e.edits.Begin() }

// EndEdit closes the innermost editing session.
func (e *Engine) EndEdit() { e.edits.End() }

// NotifyVisible forwards the app-foregrounded signal to the feed.
func (e *Engine) NotifyVisible(ctx context.Context) { e.subscriber.NotifyVisible(ctx) }

// NotifyOnline forwards the network-restored signal to the feed.
func (e *Engine) NotifyOnline(ctx context.Context) { e.subscriber.NotifyOnline(ctx) }

// State reports the realtime connection state.
func (e *Engine) State() realtime.ConnectionState { return e.subscriber.State() }

// recover runs after a reconnect: every watched collection is invalidated
// and re-fetched, since events during the gap are lost for good.
func (e *Engine) recover(ctx context.Context) error {
	ownerID := e.creds.OwnerID()
	collections := e.watchedCollections()
	e.logger.Info().Int("collections", len(collections)).Msg("Recovering after reconnect.")

	var firstErr error
	for _, collection := range collections {
		e.cache.Invalidate(cacheKey(collection, ownerID))
		if _, err := e.Rows(ctx, collection); err != nil {
			e.logger.Warn().Err(err).Str("collection", collection).Msg("Recovery re-fetch failed.")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.record(audit.KindRecovery, "realtime", fmt.Sprintf("re-fetched %d collections", len(collections)))
	return firstErr
}

func (e *Engine) watch(collection string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched[collection] = struct{}{}
}

func (e *Engine) watchedCollections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	collections := make([]string, 0, len(e.watched))
	for c := range e.watched {
		collections = append(collections, c)
	}
	return collections
}

func (e *Engine) record(kind audit.Kind, label, detail string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(audit.NewEvent(kind, label, e.creds.OwnerID(), detail))
}

// entityTypeFor maps a feed table name to the ledger's entity type. Without
// the mapping, a deletion arriving from the feed would be tombstoned under
// the plural table name and never match the type used by DeleteEntity and
// SafeCreate.
func (e *Engine) entityTypeFor(table string) string {
	if table == e.cfg.PrimaryTable {
		return e.cfg.PrimaryEntityType
	}
	return table
}

func cacheKey(collection, ownerID string) string {
	return collection + ":" + ownerID
}
