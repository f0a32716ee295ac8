package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/logging"
)

// Queue is the FIFO of pending operations. The BackgroundOperation table is
// the source of truth; the in-memory slice mirrors it in SequenceID order
// and notify only wakes the worker.
type Queue struct {
	store  *store
	events *EventBus

	mu     sync.Mutex
	ops    []Operation
	notify chan struct{}
}

// NewQueue returns an empty queue persisting into pool. Call Load to pick
// up operations left by a previous run.
func NewQueue(pool *database.Pool) *Queue {
	return &Queue{
		store:  &store{pool: pool},
		events: NewEventBus(),
		notify: make(chan struct{}, 1),
	}
}

// Events returns the queue's event bus.
func (q *Queue) Events() *EventBus {
	return q.events
}

// Enqueue appends op. It returns once the operation is durable; only then
// is it visible to the worker.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if err := op.validate(); err != nil {
		return Operation{}, err
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	op.Attempts = 0

	// Insert and append under one lock so the in-memory order matches the
	// id order assigned by the store.
	q.mu.Lock()
	id, err := q.store.insert(ctx, op)
	if err != nil {
		q.mu.Unlock()
		logging.Sub("queue").Error("enqueue failed", "type", op.Type, "path", op.Path, "err", err)
		return Operation{}, err
	}
	op.SequenceID = id
	q.ops = append(q.ops, op)
	newLen := len(q.ops)
	q.mu.Unlock()

	if logging.Enabled(slog.LevelDebug) {
		logging.Sub("queue").Debug("enqueue", "op", op.String(), "queueLen", newLen)
	}
	q.signal()
	q.events.Publish(Event{Type: EventEnqueued, Op: op, Remaining: newLen})
	return op, nil
}

// Load reads every durable operation not already queued, in SequenceID
// order. It returns the number added.
func (q *Queue) Load(ctx context.Context) (int, error) {
	rows, err := q.store.list(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	known := make(map[int64]struct{}, len(q.ops))
	for _, op := range q.ops {
		known[op.SequenceID] = struct{}{}
	}
	added := 0
	merged := make([]Operation, 0, len(rows))
	for _, row := range rows {
		if _, ok := known[row.SequenceID]; ok {
			continue
		}
		merged = append(merged, row)
		added++
	}
	// Durable rows predate anything enqueued in this process.
	q.ops = append(merged, q.ops...)
	newLen := len(q.ops)
	q.mu.Unlock()

	logging.Sub("queue").Info("loaded background operations", "loaded", added, "queueLen", newLen)
	if added > 0 {
		q.signal()
	}
	return added, nil
}

// Next returns the head of the queue without removing it. It blocks until
// an operation is available or done is closed, and returns false when done.
func (q *Queue) Next(done <-chan struct{}) (Operation, bool) {
	for {
		q.mu.Lock()
		if len(q.ops) > 0 {
			op := q.ops[0]
			q.mu.Unlock()
			return op, true
		}
		q.mu.Unlock()

		select {
		case <-done:
			logging.Sub("queue").Debug("next cancelled")
			return Operation{}, false
		case <-q.notify:
		}
	}
}

// Peek returns up to n operations from the head.
func (q *Queue) Peek(n int) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.ops) || n <= 0 {
		n = len(q.ops)
	}
	return append([]Operation(nil), q.ops[:n]...)
}

// Complete removes op after it has been applied: the durable row first,
// then the in-memory entry.
func (q *Queue) Complete(ctx context.Context, op Operation) error {
	if err := q.store.delete(ctx, op.SequenceID); err != nil {
		return err
	}

	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].SequenceID == op.SequenceID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	remaining := len(q.ops)
	q.mu.Unlock()

	if logging.Enabled(slog.LevelDebug) {
		logging.Sub("queue").Debug("complete", "op", op.String(), "queueLen", remaining)
	}
	q.events.Publish(Event{Type: EventCompleted, Op: op, Remaining: remaining})
	if remaining == 0 {
		q.events.Publish(Event{Type: EventDrained})
	}
	return nil
}

// RecordFailure bumps op's attempt counter durably. The operation keeps its
// place at the head.
func (q *Queue) RecordFailure(ctx context.Context, op Operation) (Operation, error) {
	attempts, err := q.store.bumpAttempts(ctx, op.SequenceID)
	if err != nil {
		return op, err
	}
	if attempts < 0 {
		return op, fmt.Errorf("background operation %d is no longer queued", op.SequenceID)
	}

	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].SequenceID == op.SequenceID {
			q.ops[i].Attempts = attempts
			break
		}
	}
	remaining := len(q.ops)
	q.mu.Unlock()

	op.Attempts = attempts
	q.events.Publish(Event{Type: EventFailed, Op: op, Remaining: remaining})
	return op, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// WaitEmpty blocks until the queue is empty or ctx is done.
func (q *Queue) WaitEmpty(ctx context.Context) error {
	ch := q.events.Subscribe()
	defer q.events.Unsubscribe(ch)

	for {
		if q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
