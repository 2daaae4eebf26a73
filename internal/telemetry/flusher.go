package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

// ErrFlushInProgress is returned by TryFlush when another flush holds the
// flusher.
var ErrFlushInProgress = errors.New("telemetry: flush already in progress")

// BatchWriter is the durable side of the pipeline.
type BatchWriter interface {
	WriteBatch(ctx context.Context, visits []storage.Visit) error
}

// FlusherConfig controls the flush loop.
type FlusherConfig struct {
	// Interval between timer-driven flushes.
	Interval time.Duration
	// WriteTimeout bounds a single batch write. Zero means no bound.
	WriteTimeout time.Duration
	// MaxAttempts is how many writes a batch gets before it is handed to
	// the dead-letter sink. 1 drops a batch on its first failure.
	MaxAttempts int
}

// Stats is a point-in-time view of flusher counters.
type Stats struct {
	Buffered      int    `json:"buffered"`
	PendingRetry  int    `json:"pendingRetry"`
	Flushed       uint64 `json:"flushed"`
	Batches       uint64 `json:"batches"`
	FailedWrites  uint64 `json:"failedWrites"`
	DeadLettered  uint64 `json:"deadLettered"`
	SkippedTicks  uint64 `json:"skippedTicks"`
	DroppedOnFull uint64 `json:"droppedOnFull"`
}

type pendingBatch struct {
	visits   []storage.Visit
	attempts int
}

// Flusher drains a Buffer into a BatchWriter. Flushes are serialized: at
// most one batch swap-and-write is in flight at any time.
type Flusher struct {
	buf    *Buffer
	w      BatchWriter
	dead   DeadLetterSink
	clock  clock.Clock
	logger *slog.Logger
	cfg    FlusherConfig

	mu    sync.Mutex // held for the whole of a flush
	retry []pendingBatch

	statsMu sync.Mutex
	stats   Stats
}

// NewFlusher wires a flusher. A nil dead-letter sink logs and drops.
func NewFlusher(buf *Buffer, w BatchWriter, dead DeadLetterSink, c clock.Clock, logger *slog.Logger, cfg FlusherConfig) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	if dead == nil {
		dead = LogSink{Logger: logger}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Flusher{
		buf:    buf,
		w:      w,
		dead:   dead,
		clock:  c,
		logger: logger,
		cfg:    cfg,
	}
}

// Run flushes every Interval until ctx is cancelled, then performs one
// last flush so a clean shutdown does not strand buffered visits.
func (f *Flusher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), f.finalTimeout())
			if err := f.Flush(final); err != nil {
				f.logger.Error("final flush failed", "error", err)
			}
			cancel()
			return
		case <-f.clock.After(f.cfg.Interval):
			// A write already in flight at shutdown finishes instead of
			// being aborted; WriteTimeout still bounds it.
			err := f.TryFlush(context.WithoutCancel(ctx))
			switch {
			case errors.Is(err, ErrFlushInProgress):
				f.logger.Warn("flush still running, skipping tick")
			case err != nil:
				f.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// Flush waits for any in-flight flush, then drains and writes.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked(ctx)
}

// TryFlush flushes unless another flush is in flight, in which case it
// returns ErrFlushInProgress without touching the buffer.
func (f *Flusher) TryFlush(ctx context.Context) error {
	if !f.mu.TryLock() {
		f.statsMu.Lock()
		f.stats.SkippedTicks++
		f.statsMu.Unlock()
		return ErrFlushInProgress
	}
	defer f.mu.Unlock()
	return f.flushLocked(ctx)
}

// Stats returns the current counters.
// It does not wait for an in-flight flush.
func (f *Flusher) Stats() Stats {
	f.statsMu.Lock()
	s := f.stats
	f.statsMu.Unlock()
	s.Buffered = f.buf.Len()
	s.DroppedOnFull = f.buf.Dropped()
	return s
}

// flushLocked must be called with f.mu held. Batches that failed earlier
// are retried first, in the order they were drained.
func (f *Flusher) flushLocked(ctx context.Context) error {
	batches := f.retry
	f.retry = nil
	if fresh := f.buf.Drain(); len(fresh) > 0 {
		batches = append(batches, pendingBatch{visits: fresh})
	}

	var errs []error
	for _, b := range batches {
		err := f.write(ctx, b.visits)
		if err == nil {
			f.record(func(s *Stats) {
				s.Batches++
				s.Flushed += uint64(len(b.visits))
			})
			f.logger.Debug("flushed visit batch", "visits", len(b.visits), "attempt", b.attempts+1)
			continue
		}

		errs = append(errs, err)
		b.attempts++
		f.record(func(s *Stats) { s.FailedWrites++ })

		if b.attempts < f.cfg.MaxAttempts {
			f.logger.Warn("visit batch write failed, will retry",
				"visits", len(b.visits), "attempt", b.attempts, "max_attempts", f.cfg.MaxAttempts, "error", err)
			f.retry = append(f.retry, b)
			continue
		}
		if dlErr := f.dead.DeadLetter(b.visits, b.attempts, err); dlErr != nil {
			f.logger.Error("dead-letter sink failed", "visits", len(b.visits), "error", dlErr)
		}
		f.record(func(s *Stats) { s.DeadLettered += uint64(len(b.visits)) })
	}

	pending := 0
	for _, b := range f.retry {
		pending += len(b.visits)
	}
	f.record(func(s *Stats) { s.PendingRetry = pending })
	return errors.Join(errs...)
}

func (f *Flusher) write(ctx context.Context, visits []storage.Visit) error {
	if f.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.WriteTimeout)
		defer cancel()
	}
	return f.w.WriteBatch(ctx, visits)
}

func (f *Flusher) record(fn func(*Stats)) {
	f.statsMu.Lock()
	fn(&f.stats)
	f.statsMu.Unlock()
}

func (f *Flusher) finalTimeout() time.Duration {
	if f.cfg.WriteTimeout > 0 {
		return f.cfg.WriteTimeout
	}
	return 10 * time.Second
}
