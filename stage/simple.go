package stage

import "github.com/creastat/tubeline/worker"

// Simple builds a Stage around a bare task function, synthesizing the
// worker.Worker boilerplate via worker.NewSimpleWorker — the Go
// equivalent of the original SimpleStage(task_fn, ...) convenience
// constructor.
func Simple[T, Q any](name string, fn worker.TaskFunc[T, Q], opts ...Option[T, Q]) *Stage[T, Q] {
	return New[T, Q](name, func(int) worker.Worker[T, Q] {
		return worker.NewSimpleWorker(fn)
	}, opts...)
}
