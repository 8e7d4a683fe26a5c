package audit

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GCSClient abstracts the top-level *storage.Client so the archiver can be
// tested without a real bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
}

// GCSWriter abstracts a *storage.Writer.
type GCSWriter interface {
	io.WriteCloser
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter wraps a concrete *storage.Client in the GCSClient
// interface.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	return a.handle.NewWriter(ctx)
}

// GCSArchiverConfig names the archive destination.
type GCSArchiverConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiver is a Sink that writes each batch as compressed JSON lines to
// Cloud Storage, grouped by the event's calendar day. Cheap cold storage for
// diagnostics that outlive the streaming table's retention.
type GCSArchiver struct {
	client GCSClient
	cfg    GCSArchiverConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGCSArchiver creates an archiver for the given bucket.
func NewGCSArchiver(client GCSClient, cfg GCSArchiverConfig, logger zerolog.Logger) (*GCSArchiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiver{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "GCSAuditArchiver").Logger(),
	}, nil
}

// InsertBatch groups the events by day and uploads each group as one object
// in parallel.
func (a *GCSArchiver) InsertBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	grouped := make(map[string][]*Event)
	for _, event := range events {
		if event != nil {
			grouped[event.Day()] = append(grouped[event.Day()], event)
		}
	}
	if len(grouped) == 0 {
		return nil
	}

	var uploadWg sync.WaitGroup
	errs := make(chan error, len(grouped))
	for day, group := range grouped {
		uploadWg.Add(1)
		a.wg.Add(1)
		go func(day string, group []*Event) {
			defer uploadWg.Done()
			defer a.wg.Done()
			if err := a.uploadGroup(ctx, day, group); err != nil {
				errs <- err
			}
		}(day, group)
	}
	uploadWg.Wait()
	close(errs)

	var combinedErr error
	for err := range errs {
		if combinedErr == nil {
			combinedErr = err
		} else {
			combinedErr = fmt.Errorf("%v; %w", combinedErr, err)
		}
	}
	return combinedErr
}

func (a *GCSArchiver) uploadGroup(ctx context.Context, day string, events []*Event) error {
	objectName := path.Join(a.cfg.ObjectPrefix, day, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))
	a.logger.Info().Str("object_name", objectName).Int("record_count", len(events)).Msg("Archiving audit batch.")

	objHandle := a.client.Bucket(a.cfg.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for _, event := range events {
			if err = enc.Encode(event); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
	}()

	bytesWritten, pipeErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close()
	if pipeErr != nil {
		return fmt.Errorf("failed to stream audit data for %s: %w", objectName, pipeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finalize GCS object %s: %w", objectName, closeErr)
	}

	a.logger.Info().Str("object_name", objectName).Int64("bytes_written", bytesWritten).Msg("Archived audit batch.")
	return nil
}

// Close waits for in-flight uploads to complete.
func (a *GCSArchiver) Close() error {
	a.logger.Info().Msg("Waiting for pending audit archives to complete...")
	a.wg.Wait()
	return nil
}
