package tombstone

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore-backed store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreStore persists one document per tombstone. Suited to low-volume
// deployments; high-volume deployments should prefer Redis or Postgres.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore over an injected client.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).
		Msg("FirestoreStore initialized.")
	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreTombstoneStore").Logger(),
	}, nil
}

func docID(t Tombstone) string {
	return fmt.Sprintf("%s#%s#%s", t.OwnerID, t.EntityType, t.EntityID)
}

// Upsert records the tombstone. Create-only semantics keep the first write:
// an AlreadyExists response is the idempotent no-op case, not an error.
func (s *FirestoreStore) Upsert(ctx context.Context, t Tombstone) error {
	docRef := s.client.Collection(s.collectionName).Doc(docID(t))
	if _, err := docRef.Create(ctx, t); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			s.logger.Debug().Str("doc_id", docID(t)).Msg("Tombstone already recorded, nothing to do.")
			return nil
		}
		return fmt.Errorf("firestore create for %s: %w", docID(t), err)
	}
	return nil
}

// ListActive returns the owner's tombstones still active at now. Expiry is
// filtered client-side so the query needs no composite index.
func (s *FirestoreStore) ListActive(ctx context.Context, ownerID string, now time.Time) ([]Tombstone, error) {
	iter := s.client.Collection(s.collectionName).Where("owner_id", "==", ownerID).Documents(ctx)
	defer iter.Stop()

	var active []Tombstone
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore query for owner %s: %w", ownerID, err)
		}
		var t Tombstone
		if err := doc.DataTo(&t); err != nil {
			s.logger.Error().Err(err).Str("doc_id", doc.Ref.ID).Msg("Failed to map tombstone document, skipping.")
			continue
		}
		if t.ActiveAt(now) {
			active = append(active, t)
		}
	}
	return active, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
