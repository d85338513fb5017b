// Package orderedworker implements a ring-lock ordered-worker variant: N
// sibling workers linked into a ring, each waiting for its predecessor
// before it may read its next input or publish its next result, so a
// stage's output tube preserves input order without a Pipeline-level
// re-sequencing buffer.
//
// This is a deliberately inferior, legacy alternative — Stage (package
// stage) never uses it; Pipeline.ResultsOrdered's pending-map
// re-sequencing buffer is the preferred default. It is kept, adapted, and
// tested here as documented prior art for a different ordering strategy:
// a worker that skips emitting a result must still pass its output token
// along, or the ring stalls forever (see runRingWorker below).
//
// Each ring adjacency needs a pair of single-slot token channels
// (input-released, output-released): receiving is "acquire", sending is
// "release" — the goroutine equivalent of a lock one goroutine acquires
// and a different goroutine releases.
package orderedworker

import (
	"context"

	"github.com/creastat/tubeline/envelope"
	"github.com/creastat/tubeline/timing"
	"github.com/creastat/tubeline/tube"
	"github.com/creastat/tubeline/worker"
	"github.com/creastat/tubeline/workexc"
)

// link is one directional permission token between adjacent workers in
// the ring: receiving from the channel is "acquire", sending is
// "release".
type link chan struct{}

func newLink() link { return make(link, 1) }

func (l link) acquire(ctx context.Context) error {
	select {
	case <-l:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l link) release() {
	select {
	case l <- struct{}{}:
	default:
	}
}

// ring holds the four token channels one worker shares with its
// predecessor and successor: two for input turn-taking, two for output
// turn-taking.
type ring struct {
	prevInput  link
	nextInput  link
	prevOutput link
	nextOutput link
}

// Assemble creates size workers from factory, links them into a ring
// (worker 0 pre-triggered so the ring can make its first turn without
// waiting on a predecessor), and starts each under its own goroutine
// against the shared input/output tubes. It blocks until every worker has
// exited and returns the first non-nil error, if any.
func Assemble[T, Q any](ctx context.Context, stageName string, factory func(index int) worker.Worker[T, Q], size int, disableResult bool, input tube.Tube, outputs []tube.Tube) error {
	rings := make([]*ring, size)
	for i := range rings {
		rings[i] = &ring{
			prevInput:  newLink(),
			nextInput:  newLink(),
			prevOutput: newLink(),
			nextOutput: newLink(),
		}
	}
	for i := 0; i < size; i++ {
		prev := rings[(i-1+size)%size]
		cur := rings[i]
		prev.nextInput = cur.prevInput
		prev.nextOutput = cur.prevOutput
	}
	// Worker 0 is pre-triggered: its predecessor's permission is granted
	// immediately rather than waiting for a real predecessor turn.
	rings[0].prevInput.release()
	rings[0].prevOutput.release()

	errCh := make(chan error, size)
	for i := 0; i < size; i++ {
		go func(idx int) {
			errCh <- runRingWorker(ctx, stageName, idx, size, factory(idx), disableResult, input, outputs, rings[idx])
		}(i)
	}

	var first error
	for i := 0; i < size; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runRingWorker[T, Q any](ctx context.Context, stageName string, index, numWorkers int, w worker.Worker[T, Q], disableResult bool, input tube.Tube, outputs []tube.Tube, r *ring) error {
	timer := timing.NewTimer()

	if err := w.DoInit(ctx); err != nil {
		we := workexc.New(err, stageName, nil)
		publish(ctx, r, outputs, envelope.NewFail(we, -1))
		return we
	}
	defer timer.Dispose.Measure(func() { w.DoDispose(ctx) })

	for {
		if err := r.prevInput.acquire(ctx); err != nil {
			return nil
		}
		env, fetchErr := input.Get(ctx, 0)
		r.nextInput.release()

		if fetchErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			we := workexc.New(fetchErr, stageName, nil)
			publish(ctx, r, outputs, envelope.NewFail(we, -1))
			return we
		}

		switch p := env.Payload.(type) {
		case envelope.Stop:
			count := env.RelayCount + 1
			if count == numWorkers {
				// Guaranteed last worker alive: no predecessor to wait
				// for, so publish without taking the output token.
				for _, out := range outputs {
					_ = out.Put(ctx, envelope.NewStop())
				}
				return nil
			}
			_ = input.Put(ctx, envelope.Envelope{Payload: envelope.Stop{}, RelayCount: count})
			return nil

		case envelope.Fail:
			if we, ok := p.Err.(*workexc.WorkException); ok {
				publish(ctx, r, outputs, envelope.Envelope{Payload: p, RelayCount: 0})
				return we
			}
			_ = input.Put(ctx, env.Relayed())
			return p.Err

		case envelope.Cancel:
			we := workexc.New(envelope.ErrCancelled, stageName, nil)
			publish(ctx, r, outputs, envelope.NewFail(we, -1))
			return we

		case envelope.Data[T]:
			var result Q
			var ok bool
			var taskErr error
			timer.PerTask.Measure(func() {
				result, ok, taskErr = w.DoTask(ctx, p.Value)
			})
			if taskErr != nil {
				we := workexc.New(taskErr, stageName, p.Value)
				publish(ctx, r, outputs, envelope.NewFail(we, int64(p.Index)))
				return we
			}
			if !disableResult && ok {
				publish(ctx, r, outputs, envelope.NewData[Q](p.Index, result))
			} else {
				// A worker that produces no result this round must still
				// take and pass the output token along, or the ring stalls
				// permanently waiting for a turn that never comes.
				if err := r.prevOutput.acquire(ctx); err != nil {
					return nil
				}
				r.nextOutput.release()
			}
		}
	}
}

// publish waits for the output token from the predecessor, writes env to
// every output tube, then hands the token to the successor — the
// sequencing that makes the ring preserve input order on output.
func publish(ctx context.Context, r *ring, outputs []tube.Tube, env envelope.Envelope) {
	if err := r.prevOutput.acquire(ctx); err != nil {
		return
	}
	for _, out := range outputs {
		_ = out.Put(ctx, env)
	}
	r.nextOutput.release()
}
