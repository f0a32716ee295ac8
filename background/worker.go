package background

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghyeongl/lazytree/config"
	"github.com/ghyeongl/lazytree/logging"
)

// EngineLock is the engine side of the git lock.
type EngineLock interface {
	TryAcquireForEngine(ctx context.Context) bool
	ReleaseHeldByEngine()
}

// WorkerStatus is a snapshot of worker counters for status reporting.
type WorkerStatus struct {
	Running     bool      `json:"running"`
	Applied     int64     `json:"applied"`
	Failures    int64     `json:"failures"`
	LockDenials int64     `json:"lockDenials"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`
}

// Worker is the single consumer of a Queue. It applies operations in order,
// in batches, each batch under the engine lock.
type Worker struct {
	queue   *Queue
	applier Applier
	lock    EngineLock
	cfg     config.BackgroundConfig

	wake chan struct{}

	running     atomic.Bool
	applied     atomic.Int64
	failures    atomic.Int64
	lockDenials atomic.Int64

	mu          sync.Mutex
	lastError   string
	lastErrorAt time.Time
	onApplied   func(Operation)
}

func NewWorker(queue *Queue, applier Applier, lock EngineLock, cfg config.BackgroundConfig) *Worker {
	if cfg.RetryMinBackoff <= 0 {
		cfg.RetryMinBackoff = 10 * time.Millisecond
	}
	if cfg.RetryMaxBackoff < cfg.RetryMinBackoff {
		cfg.RetryMaxBackoff = cfg.RetryMinBackoff
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	return &Worker{
		queue:   queue,
		applier: applier,
		lock:    lock,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// Wake cuts a pending backoff short, e.g. when an external lock holder
// releases the lock.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// OnApplied registers fn to run synchronously after each operation is
// applied, before the worker moves on to the next one.
func (w *Worker) OnApplied(fn func(Operation)) {
	w.mu.Lock()
	w.onApplied = fn
	w.mu.Unlock()
}

func (w *Worker) notifyApplied(op Operation) {
	w.mu.Lock()
	fn := w.onApplied
	w.mu.Unlock()
	if fn != nil {
		fn(op)
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	l := logging.Sub("worker")
	l.Info("worker started", "queueLen", w.queue.Len())
	w.running.Store(true)
	defer w.running.Store(false)

	backoff := w.cfg.RetryMinBackoff
	for {
		if _, ok := w.queue.Next(ctx.Done()); !ok {
			l.Info("worker stopping, context cancelled")
			return
		}

		applied, err := w.drainBatch(ctx)
		if ctx.Err() != nil {
			l.Info("worker stopping, context cancelled")
			return
		}
		if err == nil && applied > 0 {
			backoff = w.cfg.RetryMinBackoff
			continue
		}

		if !w.sleep(ctx, backoff) {
			l.Info("worker stopping, context cancelled")
			return
		}
		backoff = min(backoff*2, w.cfg.RetryMaxBackoff)
	}
}

// Replay drains operations left over from a previous run, giving up after
// the configured replay timeout. It returns how many operations are still
// queued; those are left for Run.
func (w *Worker) Replay(ctx context.Context) (int, error) {
	l := logging.Sub("worker")
	pending := w.queue.Len()
	if pending == 0 {
		return 0, nil
	}
	l.Info("replaying background operations", "pending", pending, "timeout", w.cfg.ReplayTimeout)

	replayCtx := ctx
	if w.cfg.ReplayTimeout > 0 {
		var cancel context.CancelFunc
		replayCtx, cancel = context.WithTimeout(ctx, w.cfg.ReplayTimeout)
		defer cancel()
	}

	backoff := w.cfg.RetryMinBackoff
	for w.queue.Len() > 0 {
		applied, err := w.drainBatch(replayCtx)
		if replayCtx.Err() != nil {
			break
		}
		if err == nil && applied > 0 {
			backoff = w.cfg.RetryMinBackoff
			continue
		}
		if !w.sleep(replayCtx, backoff) {
			break
		}
		backoff = min(backoff*2, w.cfg.RetryMaxBackoff)
	}

	if err := ctx.Err(); err != nil {
		return w.queue.Len(), err
	}
	remaining := w.queue.Len()
	if remaining > 0 {
		l.Warn("replay incomplete, leaving operations queued", "remaining", remaining)
	} else {
		l.Info("replay complete", "applied", pending)
	}
	return remaining, nil
}

// drainBatch applies up to MaxBatch operations from the head while holding
// the engine lock. It stops at the first failure, which stays at the head.
func (w *Worker) drainBatch(ctx context.Context) (int, error) {
	l := logging.Sub("worker")
	if !w.lock.TryAcquireForEngine(ctx) {
		w.lockDenials.Add(1)
		l.Debug("lock unavailable, backing off")
		return 0, nil
	}
	defer w.lock.ReleaseHeldByEngine()

	applied := 0
	for _, op := range w.queue.Peek(w.cfg.MaxBatch) {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		if err := w.applier.Apply(ctx, op); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return applied, err
			}
			w.recordError(err)
			if IsRetryable(err) {
				l.Warn("operation failed, will retry", "op", op.String(), "attempts", op.Attempts+1, "err", err)
			} else {
				l.Error("operation failed", "op", op.String(), "attempts", op.Attempts+1, "err", err)
			}
			if _, rerr := w.queue.RecordFailure(ctx, op); rerr != nil {
				l.Error("record failure", "op", op.String(), "err", rerr)
			}
			return applied, err
		}
		w.notifyApplied(op)

		if err := w.queue.Complete(ctx, op); err != nil {
			// The operation is applied but still queued; applying it again
			// is harmless.
			w.recordError(err)
			l.Error("complete failed", "op", op.String(), "err", err)
			return applied, err
		}
		w.applied.Add(1)
		applied++
	}
	return applied, nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-t.C:
		return true
	}
}

func (w *Worker) recordError(err error) {
	w.failures.Add(1)
	w.mu.Lock()
	w.lastError = err.Error()
	w.lastErrorAt = time.Now()
	w.mu.Unlock()
}

// Status returns the worker's counters.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		Running:     w.running.Load(),
		Applied:     w.applied.Load(),
		Failures:    w.failures.Load(),
		LockDenials: w.lockDenials.Load(),
		LastError:   w.lastError,
		LastErrorAt: w.lastErrorAt,
	}
}
