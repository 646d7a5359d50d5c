package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

type WriterOptions struct {
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Writer persists turns on its own goroutine so the audio path never waits on
// storage. Enqueue never blocks; a full queue drops the record.
type Writer struct {
	store Store
	opts  WriterOptions
	queue chan TurnRecord

	mu     sync.RWMutex
	closed bool

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

func NewWriter(s Store, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Writer{
		store: s,
		opts:  opts,
		queue: make(chan TurnRecord, opts.QueueSize),
		abort: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules rec for storage and reports whether it was accepted.
func (w *Writer) Enqueue(rec TurnRecord) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.opts.Metrics.PersistFailure("closed")
		return false
	}
	select {
	case w.queue <- rec:
		return true
	default:
		w.opts.Metrics.PersistFailure("queue_full")
		w.opts.Logger.Warn("conversation queue full, dropping turn", "user_id", rec.UserID, "role", rec.Role)
		return false
	}
}

// Close stops intake and drains queued records until ctx expires.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.abortOnce.Do(func() { close(w.abort) })
		<-w.done
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		select {
		case <-w.abort:
			w.opts.Metrics.PersistFailure("shutdown")
			continue
		default:
		}
		w.save(rec)
	}
}

func (w *Writer) save(rec TurnRecord) {
	var err error
	for attempt := 0; attempt < w.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(reliability.ExponentialBackoff(attempt-1, w.opts.BaseBackoff, w.opts.MaxBackoff))
			select {
			case <-t.C:
			case <-w.abort:
				t.Stop()
				w.opts.Metrics.PersistFailure("shutdown")
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
		err = w.store.SaveTurn(ctx, rec)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrNotFound) {
			break
		}
		w.opts.Logger.Warn("save turn failed", "user_id", rec.UserID, "attempt", attempt+1, "error", err)
	}
	w.opts.Metrics.PersistFailure("store_error")
	w.opts.Logger.Error("dropping conversation turn", "user_id", rec.UserID, "session_id", rec.SessionID, "role", rec.Role, "error", err)
}
