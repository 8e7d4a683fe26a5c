package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/illmade-knight/go-syncflow/pkg/backend"
	"github.com/illmade-knight/go-syncflow/pkg/realtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer is a minimal websocket change-feed endpoint for tests. Frames
// pushed to send are written to the first client; closing done hangs up.
type feedServer struct {
	server *httptest.Server
	send   chan []byte
	done   chan struct{}
	header chan http.Header
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
		header: make(chan http.Header, 1),
	}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case fs.header <- r.Header.Clone():
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			select {
			case frame := <-fs.send:
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			case <-fs.done:
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case <-ctx.Done():
				return
			}
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func dialTestFeed(t *testing.T, fs *feedServer, cfg realtime.WebsocketFeedConfig) *realtime.WebsocketFeed {
	t.Helper()
	cfg.URL = fs.url()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feed, err := realtime.DialWebsocketFeed(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close(context.Background()) })
	return feed
}

func TestWebsocketFeed_DeliversChangeEvents(t *testing.T) {
	fs := newFeedServer(t)
	feed := dialTestFeed(t, fs, realtime.WebsocketFeedConfig{})
	require.True(t, feed.Alive())

	frame, err := json.Marshal(realtime.ChangeEvent{
		ID:    "evt-ws-1",
		Type:  realtime.EventUpdate,
		Table: "tasks",
		After: backend.Row{"id": "task-1"},
	})
	require.NoError(t, err)
	fs.send <- frame

	select {
	case ev := <-feed.Events():
		assert.Equal(t, "evt-ws-1", ev.ID)
		assert.Equal(t, realtime.EventUpdate, ev.Type)
		assert.False(t, ev.ReceivedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWebsocketFeed_SkipsMalformedFrames(t *testing.T) {
	fs := newFeedServer(t)
	feed := dialTestFeed(t, fs, realtime.WebsocketFeedConfig{})

	fs.send <- []byte("not json")
	good, err := json.Marshal(realtime.ChangeEvent{ID: "evt-ws-2", Type: realtime.EventDelete, Table: "tasks"})
	require.NoError(t, err)
	fs.send <- good

	select {
	case ev := <-feed.Events():
		assert.Equal(t, "evt-ws-2", ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the well-formed event")
	}
}

func TestWebsocketFeed_SignalsClosedOnServerHangup(t *testing.T) {
	fs := newFeedServer(t)
	feed := dialTestFeed(t, fs, realtime.WebsocketFeedConfig{})

	close(fs.done)

	select {
	case err := <-feed.Closed():
		require.Error(t, err)
		assert.False(t, feed.Alive())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the closed signal")
	}
}

func TestWebsocketFeed_CloseDoesNotSignalClosed(t *testing.T) {
	fs := newFeedServer(t)
	feed := dialTestFeed(t, fs, realtime.WebsocketFeedConfig{})

	require.NoError(t, feed.Close(context.Background()))
	assert.False(t, feed.Alive())

	select {
	case err := <-feed.Closed():
		t.Fatalf("deliberate close must not signal Closed, got: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebsocketFeed_SendsAuthHeader(t *testing.T) {
	fs := newFeedServer(t)
	dialTestFeed(t, fs, realtime.WebsocketFeedConfig{AuthHeader: "Bearer test-token"})

	select {
	case h := <-fs.header:
		assert.Equal(t, "Bearer test-token", h.Get("Authorization"))
	case <-time.After(time.Second):
		t.Fatal("handshake never reached the server")
	}
}

func TestWebsocketFeed_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := realtime.DialWebsocketFeed(ctx, realtime.WebsocketFeedConfig{URL: "ws://127.0.0.1:1"}, zerolog.Nop())
	require.Error(t, err)
}
