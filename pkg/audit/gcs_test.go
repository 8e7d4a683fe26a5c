package audit_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-syncflow/pkg/audit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory GCS fakes ---

type mockGCSClient struct {
	mu      sync.Mutex
	buckets map[string]*mockGCSBucketHandle
	failAll bool
}

func newMockGCSClient(failAll bool) *mockGCSClient {
	return &mockGCSClient{buckets: make(map[string]*mockGCSBucketHandle), failAll: failAll}
}

func (c *mockGCSClient) Bucket(name string) audit.GCSBucketHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[name]; ok {
		return b
	}
	b := &mockGCSBucketHandle{objects: make(map[string]*mockGCSObjectHandle), failAll: c.failAll}
	c.buckets[name] = b
	return b
}

type mockGCSBucketHandle struct {
	mu      sync.Mutex
	objects map[string]*mockGCSObjectHandle
	failAll bool
}

func (b *mockGCSBucketHandle) Object(name string) audit.GCSObjectHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj := &mockGCSObjectHandle{failAll: b.failAll}
	b.objects[name] = obj
	return obj
}

type mockGCSObjectHandle struct {
	writer  *mockGCSWriter
	failAll bool
}

func (o *mockGCSObjectHandle) NewWriter(_ context.Context) audit.GCSWriter {
	o.writer = &mockGCSWriter{fail: o.failAll}
	return o.writer
}

type mockGCSWriter struct {
	bytes.Buffer
	fail bool
}

func (w *mockGCSWriter) Close() error {
	if w.fail {
		return errors.New("simulated upload failure")
	}
	return nil
}

func eventAt(kind audit.Kind, at time.Time) *audit.Event {
	ev := audit.NewEvent(kind, "feed", "user-1", "detail")
	ev.At = at
	return ev
}

func TestGCSArchiver_GroupsByDay(t *testing.T) {
	client := newMockGCSClient(false)
	archiver, err := audit.NewGCSArchiver(client, audit.GCSArchiverConfig{
		BucketName:   "audit-bucket",
		ObjectPrefix: "sync-audit",
	}, zerolog.Nop())
	require.NoError(t, err)

	dayOne := time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)
	dayTwo := time.Date(2025, 6, 14, 10, 0, 0, 0, time.UTC)
	batch := []*audit.Event{
		eventAt(audit.KindReconnect, dayOne),
		eventAt(audit.KindRecovery, dayOne),
		eventAt(audit.KindRetry, dayTwo),
	}

	require.NoError(t, archiver.InsertBatch(context.Background(), batch))
	require.NoError(t, archiver.Close())

	bucket := client.Bucket("audit-bucket").(*mockGCSBucketHandle)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	require.Len(t, bucket.objects, 2, "one archive object per calendar day")

	foundDayOne := false
	for objectName, handle := range bucket.objects {
		assert.True(t, strings.HasSuffix(objectName, ".jsonl.gz"))
		if !strings.Contains(objectName, "sync-audit/2025-06-13/") {
			continue
		}
		foundDayOne = true

		gzReader, err := gzip.NewReader(bytes.NewReader(handle.writer.Bytes()))
		require.NoError(t, err)
		content, err := io.ReadAll(gzReader)
		require.NoError(t, err)

		lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
		require.Len(t, lines, 2)
		var first audit.Event
		require.NoError(t, json.Unmarshal(lines[0], &first))
		assert.Equal(t, audit.KindReconnect, first.Kind)
	}
	assert.True(t, foundDayOne, "missing archive object for 2025-06-13")
}

func TestGCSArchiver_UploadFailureIsReported(t *testing.T) {
	client := newMockGCSClient(true)
	archiver, err := audit.NewGCSArchiver(client, audit.GCSArchiverConfig{BucketName: "audit-bucket"}, zerolog.Nop())
	require.NoError(t, err)

	err = archiver.InsertBatch(context.Background(), []*audit.Event{
		eventAt(audit.KindFatal, time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated upload failure")
}

func TestNewGCSArchiver_RequiresBucket(t *testing.T) {
	_, err := audit.NewGCSArchiver(newMockGCSClient(false), audit.GCSArchiverConfig{}, zerolog.Nop())
	require.Error(t, err)
}
