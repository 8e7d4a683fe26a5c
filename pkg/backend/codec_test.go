package backend_test

import (
	"testing"

	"github.com/illmade-knight/go-syncflow/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

var taskSchema = []byte(`{
	"type": "object",
	"required": ["id", "title"],
	"properties": {
		"id":    {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"done":  {"type": "boolean"}
	}
}`)

func newTaskCodec(t *testing.T) *backend.Codec[task] {
	t.Helper()
	codec, err := backend.NewCodec[task]("tasks", taskSchema)
	require.NoError(t, err)
	return codec
}

func TestCodec_DecodeValidRow(t *testing.T) {
	codec := newTaskCodec(t)

	decoded, err := codec.Decode(backend.Row{"id": "task-1", "title": "write tests", "done": true})
	require.NoError(t, err)
	assert.Equal(t, task{ID: "task-1", Title: "write tests", Done: true}, decoded)
}

func TestCodec_DecodeRejectsMissingRequiredColumn(t *testing.T) {
	codec := newTaskCodec(t)

	_, err := codec.Decode(backend.Row{"title": "no id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tasks")
}

func TestCodec_DecodeRejectsWrongType(t *testing.T) {
	codec := newTaskCodec(t)

	_, err := codec.Decode(backend.Row{"id": "task-1", "title": "x", "done": "yes"})
	require.Error(t, err)
}

func TestCodec_EncodeRoundTrip(t *testing.T) {
	codec := newTaskCodec(t)

	row, err := codec.Encode(task{ID: "task-2", Title: "encoded"})
	require.NoError(t, err)
	assert.Equal(t, "task-2", row["id"])
	assert.Equal(t, "encoded", row["title"])
}

func TestCodec_EncodeRejectsInvalidRecord(t *testing.T) {
	codec := newTaskCodec(t)

	_, err := codec.Encode(task{Title: "missing id"})
	require.Error(t, err, "an empty id violates minLength")
}

func TestNewCodec_RejectsMalformedSchema(t *testing.T) {
	_, err := backend.NewCodec[task]("tasks", []byte(`{"type": 42}`))
	require.Error(t, err)
}
