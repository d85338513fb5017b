// Package worker implements the Worker capability contract and the
// stop-relay run loop every worker executes inside a Stage.
package worker

import "context"

// Worker is the three-method capability interface a stage pool executes.
// T is the task type consumed; Q is the result type produced. There is no
// inheritance depth here — a factory produces one Worker per goroutine slot.
type Worker[T, Q any] interface {
	// DoInit runs once before the worker's first task.
	DoInit(ctx context.Context) error

	// DoTask processes one task. A worker emits its output one of two
	// ways: return (result, true, nil) so the runner enqueues result
	// under the task's index, or call PutResult itself (for fan-out,
	// multiple emits per input) and return the zero value, false, nil.
	// Returning a non-nil error poisons the stage.
	DoTask(ctx context.Context, task T) (result Q, ok bool, err error)

	// DoDispose runs on every exit path, including failure paths.
	DoDispose(ctx context.Context)
}

// ResultPutter is implemented by workers that emit results directly
// instead of (only) returning them from DoTask, covering the fan-out
// convention ("call PutResult(index, value) directly and return
// none"). A worker wanting this style embeds Base (below) or implements
// PutResult itself and stashes the handle the runner installs via
// SetResultFunc.
type ResultPutter[Q any] interface {
	SetResultFunc(put func(index uint64, value Q))
}

// Base gives a Worker implementation a ready-to-use PutResult method.
// Embed it and call w.PutResult(index, value) from inside DoTask for the
// multiple-outputs-per-input case; DoTask should then return the zero
// value, false, nil.
type Base[Q any] struct {
	put func(index uint64, value Q)
}

// SetResultFunc is called by the runner before the worker's first task;
// user code never calls it directly.
func (b *Base[Q]) SetResultFunc(put func(index uint64, value Q)) {
	b.put = put
}

// PutResult registers result under index on every output tube.
func (b *Base[Q]) PutResult(index uint64, result Q) {
	if b.put != nil {
		b.put(index, result)
	}
}
