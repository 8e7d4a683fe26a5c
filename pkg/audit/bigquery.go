package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQuerySinkConfig names the destination table for diagnostic events.
type BigQuerySinkConfig struct {
	DatasetID string
	TableID   string
}

// NewBigQueryClient creates a BigQuery client, using the credentials file
// when one is given and Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQuerySink streams diagnostic events into a BigQuery table. A missing
// table is created with a schema inferred from the Event type.
type BigQuerySink struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQuerySink verifies the destination table exists, creating it if
// necessary.
func NewBigQuerySink(ctx context.Context, client *bigquery.Client, cfg *BigQuerySinkConfig, logger zerolog.Logger) (*BigQuerySink, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQuerySinkConfig cannot be nil")
	}
	logger = logger.With().
		Str("component", "BigQueryAuditSink").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get audit table metadata: %w", err)
		}
		logger.Warn().Msg("Audit table not found. Creating with inferred schema.")
		schema, inferErr := bigquery.InferSchema(Event{})
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer audit event schema: %w", inferErr)
		}
		if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return nil, fmt.Errorf("failed to create audit table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Msg("Audit table created.")
	}

	return &BigQuerySink{
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams a batch of events to the table, logging row-level
// failures individually.
func (s *BigQuerySink) InsertBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.inserter.Put(ctx, events)
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(events)).Msg("Failed to insert audit events.")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				s.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for audit row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	s.logger.Debug().Int("batch_size", len(events)).Msg("Inserted audit batch into BigQuery.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed by the caller.
func (s *BigQuerySink) Close() error {
	return nil
}
