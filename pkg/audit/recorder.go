package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives batches of diagnostic events.
type Sink interface {
	InsertBatch(ctx context.Context, events []*Event) error
	Close() error
}

// RecorderConfig tunes the batching worker.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
}

func (c *RecorderConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.InsertTimeout <= 0 {
		c.InsertTimeout = 30 * time.Second
	}
}

// Recorder collects events into batches and flushes them to the sink on
// size or interval. Record never blocks the caller: diagnostics must not
// slow the sync path, so events are dropped when the buffer is full.
type Recorder struct {
	cfg       RecorderConfig
	sink      Sink
	logger    zerolog.Logger
	inputChan chan *Event
	dropped   atomic.Int64
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// closedMu orders Record against Stop closing inputChan.
	closedMu sync.RWMutex
	closed   bool
}

// NewRecorder creates an idle recorder; call Start to begin flushing.
func NewRecorder(cfg RecorderConfig, sink Sink, logger zerolog.Logger) *Recorder {
	cfg.applyDefaults()
	return &Recorder{
		cfg:       cfg,
		sink:      sink,
		logger:    logger.With().Str("component", "AuditRecorder").Logger(),
		inputChan: make(chan *Event, cfg.BatchSize*2),
	}
}

// Start begins the batching worker.
func (r *Recorder) Start(ctx context.Context) {
	r.logger.Info().
		Int("batch_size", r.cfg.BatchSize).
		Dur("flush_interval", r.cfg.FlushInterval).
		Msg("Starting audit recorder worker...")
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop flushes the remaining events and closes the sink.
func (r *Recorder) Stop(ctx context.Context) error {
	var stopErr error
	r.stopOnce.Do(func() {
		r.logger.Info().Msg("Stopping audit recorder...")
		r.closedMu.Lock()
		r.closed = true
		close(r.inputChan)
		r.closedMu.Unlock()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			r.logger.Info().Msg("Audit recorder worker stopped gracefully.")
		case <-ctx.Done():
			r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for audit recorder worker to stop.")
			stopErr = ctx.Err()
			return
		}

		if err := r.sink.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing audit sink.")
		}
		if dropped := r.dropped.Load(); dropped > 0 {
			r.logger.Warn().Int64("dropped", dropped).Msg("Audit events were dropped under backpressure.")
		}
	})
	return stopErr
}

// Record queues an event without blocking. A full buffer drops the event
// and bumps the drop counter, as does a Record arriving after Stop.
func (r *Recorder) Record(event *Event) {
	if event == nil {
		return
	}
	r.closedMu.RLock()
	defer r.closedMu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.inputChan <- event:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events have been discarded so far.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	batch := make([]*Event, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutting down: give the final flush its own context.
			r.flush(context.Background(), batch)
			return

		case event, ok := <-r.inputChan:
			if !ok {
				r.flush(context.Background(), batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(ctx, batch)
				batch = make([]*Event, 0, r.cfg.BatchSize)
				ticker.Reset(r.cfg.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = make([]*Event, 0, r.cfg.BatchSize)
			}
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []*Event) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, r.cfg.InsertTimeout)
	defer cancel()

	if err := r.sink.InsertBatch(insertCtx, batch); err != nil {
		// Diagnostics are best-effort: log the loss and move on.
		r.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to flush audit batch.")
		return
	}
	r.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed audit batch.")
}
