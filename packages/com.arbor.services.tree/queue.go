package tree

import (
	"context"
	"sync"

	"github.com/arborlabs/arbor/pkg/logger"
)

// Operation is one queued mutation against a single node.
type Operation func(ctx context.Context) error

// Queue serializes mutating operations per node identifier. Operations
// enqueued for the same node execute strictly one at a time in submission
// order; operations for different nodes run concurrently. A failing
// operation is delivered to its own caller and never blocks the chain.
//
// Each node id with pending work owns one worker goroutine. The worker
// tears itself down when its pending list drains; the emptiness check and
// the map removal happen under the same lock as Enqueue, so no operation
// can land on a retired worker.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*nodeWorker
	log     *logger.Logger
}

type nodeWorker struct {
	nodeID  string
	pending []queuedOp
}

type queuedOp struct {
	ctx    context.Context
	op     Operation
	result chan error
}

// NewQueue constructs a mutation queue.
func NewQueue(log *logger.Logger) *Queue {
	if log == nil {
		log = logger.NewDefault("tree-queue")
	}
	return &Queue{workers: make(map[string]*nodeWorker), log: log}
}

// Enqueue submits an operation for the node and returns a channel that
// receives the operation's result exactly once.
func (q *Queue) Enqueue(ctx context.Context, nodeID string, op Operation) <-chan error {
	result := make(chan error, 1)

	q.mu.Lock()
	w, ok := q.workers[nodeID]
	if !ok {
		w = &nodeWorker{nodeID: nodeID}
		q.workers[nodeID] = w
	}
	w.pending = append(w.pending, queuedOp{ctx: ctx, op: op, result: result})
	q.mu.Unlock()

	if !ok {
		go q.drain(w)
	}
	return result
}

// Do submits an operation and waits for its result, honoring the caller's
// context. The operation itself still runs to completion even if the
// caller stops waiting.
func (q *Queue) Do(ctx context.Context, nodeID string, op Operation) error {
	select {
	case err := <-q.Enqueue(ctx, nodeID, op):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingNodes reports how many node ids currently have a live worker.
func (q *Queue) PendingNodes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

func (q *Queue) drain(w *nodeWorker) {
	for {
		q.mu.Lock()
		if len(w.pending) == 0 {
			delete(q.workers, w.nodeID)
			q.mu.Unlock()
			return
		}
		next := w.pending[0]
		w.pending = w.pending[1:]
		q.mu.Unlock()

		err := q.run(next)
		next.result <- err
	}
}

func (q *Queue) run(item queuedOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("queued operation panicked")
			err = &ConsistencyError{Detail: "queued operation panicked"}
		}
	}()
	// Once enqueued, an operation runs to completion or fails on its own;
	// there is no user-facing cancellation.
	ctx := item.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return item.op(context.WithoutCancel(ctx))
}
