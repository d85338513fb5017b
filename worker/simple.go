package worker

import "context"

// TaskFunc is a user transform with no init/dispose needs.
type TaskFunc[T, Q any] func(ctx context.Context, task T) (Q, error)

// simpleWorker adapts a bare TaskFunc to the Worker interface, letting
// Simple (in package stage) skip hand-written Worker boilerplate for the
// common case of a stateless transform.
type simpleWorker[T, Q any] struct {
	fn TaskFunc[T, Q]
}

// NewSimpleWorker wraps fn as a Worker whose DoTask always returns its
// result via the (result, true, err) convention — it never calls
// PutResult directly.
func NewSimpleWorker[T, Q any](fn TaskFunc[T, Q]) Worker[T, Q] {
	return &simpleWorker[T, Q]{fn: fn}
}

func (w *simpleWorker[T, Q]) DoInit(ctx context.Context) error { return nil }

func (w *simpleWorker[T, Q]) DoTask(ctx context.Context, task T) (Q, bool, error) {
	result, err := w.fn(ctx, task)
	if err != nil {
		var zero Q
		return zero, false, err
	}
	return result, true, nil
}

func (w *simpleWorker[T, Q]) DoDispose(ctx context.Context) {}
