package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// WebsocketFeedConfig holds the connection settings for a websocket feed.
type WebsocketFeedConfig struct {
	// URL is the feed endpoint, ws:// or wss://.
	URL string
	// AuthHeader, if set, is sent as the Authorization header on dial.
	AuthHeader string
	// HeartbeatInterval paces the ping loop that detects a dead peer.
	HeartbeatInterval time.Duration
}

func (c *WebsocketFeedConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// WebsocketFeed is a Channel over one websocket connection. Each received
// text frame is one JSON-encoded ChangeEvent.
type WebsocketFeed struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	events chan ChangeEvent
	closed chan error
	alive  atomic.Bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	termOnce sync.Once
}

// DialWebsocketFeed connects to the feed and starts the read and heartbeat
// loops. The returned feed is live until the peer drops or Close is called.
func DialWebsocketFeed(ctx context.Context, cfg WebsocketFeedConfig, logger zerolog.Logger) (*WebsocketFeed, error) {
	cfg.applyDefaults()
	opts := &websocket.DialOptions{}
	if cfg.AuthHeader != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{cfg.AuthHeader}}
	}
	conn, _, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial change feed %s: %w", cfg.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &WebsocketFeed{
		conn:   conn,
		logger: logger.With().Str("component", "WebsocketFeed").Logger(),
		events: make(chan ChangeEvent, 64),
		closed: make(chan error, 1),
		cancel: cancel,
	}
	f.alive.Store(true)

	f.wg.Add(2)
	go f.readLoop(runCtx)
	go f.heartbeatLoop(runCtx, cfg.HeartbeatInterval)
	return f, nil
}

// Events returns the stream of decoded change events.
func (f *WebsocketFeed) Events() <-chan ChangeEvent { return f.events }

// Closed yields the connection failure, at most once.
func (f *WebsocketFeed) Closed() <-chan error { return f.closed }

// Alive reports whether the connection is still up.
func (f *WebsocketFeed) Alive() bool { return f.alive.Load() }

// Close shuts the connection down without signalling Closed.
func (f *WebsocketFeed) Close(_ context.Context) error {
	f.termOnce.Do(func() {
		f.alive.Store(false)
		f.cancel()
		_ = f.conn.Close(websocket.StatusNormalClosure, "")
	})
	f.wg.Wait()
	return nil
}

// terminate records the failure and tears the connection down. Only the
// first cause wins; a deliberate Close suppresses the signal entirely.
func (f *WebsocketFeed) terminate(err error) {
	f.termOnce.Do(func() {
		f.alive.Store(false)
		f.cancel()
		_ = f.conn.Close(websocket.StatusGoingAway, "")
		select {
		case f.closed <- err:
		default:
		}
	})
}

func (f *WebsocketFeed) readLoop(ctx context.Context) {
	defer f.wg.Done()
	defer close(f.events)
	for {
		msgType, data, err := f.conn.Read(ctx)
		if err != nil {
			f.terminate(fmt.Errorf("change feed read failed: %w", err))
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			f.logger.Warn().Err(err).Msg("Dropping malformed change event.")
			continue
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now().UTC()
		}
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (f *WebsocketFeed) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := f.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				f.terminate(fmt.Errorf("change feed heartbeat failed: %w", err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
