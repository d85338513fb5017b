// Package tubeline assembles Stages into a Pipeline: a root stage plus
// its discovered leaves, a monotonic per-task index, and both ordered and
// unordered result delivery.
package tubeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/tubeline/envelope"
	"github.com/creastat/tubeline/stage"
	"github.com/creastat/tubeline/tube"
	"github.com/creastat/tubeline/workexc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xlab/treeprint"
)

// Result is one item a Pipeline's result channel delivers: either a
// (Index, Value) pair or a terminal Err.
type Result[Q any] struct {
	Index uint64
	Value Q
	Err   error
}

// Pipeline wraps a root Stage: it owns task-index assignment, discovers
// the graph's leaf stages once at construction, and offers both
// completion-order and input-order result delivery.
type Pipeline[T, Q any] struct {
	root   stage.Root[T]
	leaves []stage.Node
	log    zerolog.Logger
	runID  uuid.UUID

	mu        sync.Mutex
	nextIndex uint64
	available []int
}

// Option configures a Pipeline at construction.
type Option[T, Q any] func(*Pipeline[T, Q])

// WithLogger attaches a logger; every log line the Pipeline itself emits
// carries this run's correlation id, and so does every log line its
// stages' workers emit — New propagates the same run id into the whole
// stage graph via stage.Node's AttachRunID before the graph is built.
func WithLogger[T, Q any](log zerolog.Logger) Option[T, Q] {
	return func(p *Pipeline[T, Q]) { p.log = log }
}

// New assigns the run's correlation id, propagates it across every stage
// in root's graph, builds root exactly once, discovers its leaves, and
// returns a ready-to-use Pipeline. Q must match the result type every leaf
// in root's graph actually produces — a mismatch surfaces as an error
// from Get/Results rather than at compile time, since Go cannot express
// "the type at the end of an arbitrarily long Stage.Link chain" as a type
// parameter (stage.Node erases it deliberately; see stage.Root's doc).
func New[T, Q any](ctx context.Context, root stage.Root[T], opts ...Option[T, Q]) (*Pipeline[T, Q], error) {
	p := &Pipeline[T, Q]{root: root, log: zerolog.Nop(), runID: uuid.New()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("run_id", p.runID.String()).Logger()

	attachRunID(root, p.runID.String())

	if err := root.Build(ctx); err != nil {
		return nil, err
	}

	p.leaves = root.GetLeaves()
	p.available = make([]int, len(p.leaves))
	for i := range p.leaves {
		p.available[i] = i
	}

	p.log.Info().Int("leaves", len(p.leaves)).Msg("pipeline built")

	return p, nil
}

// attachRunID walks every node in root's graph, not just its leaves, and
// tags each one's logger with id before Build snapshots it into workers.
func attachRunID(root stage.Node, id string) {
	seen := map[stage.Node]bool{}
	var walk func(n stage.Node)
	walk = func(n stage.Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		n.AttachRunID(id)
		for _, child := range n.Next() {
			walk(child)
		}
	}
	walk(root)
}

// RunID identifies this pipeline instance in its log lines.
func (p *Pipeline[T, Q]) RunID() uuid.UUID { return p.runID }

// Put assigns the next monotonic index to task and forwards it to the
// root stage, under a mutex so concurrent producers still observe a
// strictly increasing index sequence.
func (p *Pipeline[T, Q]) Put(ctx context.Context, task T) (uint64, error) {
	p.mu.Lock()
	index := p.nextIndex
	p.nextIndex++
	p.mu.Unlock()

	return index, p.root.Put(ctx, index, task)
}

// PutStop signals end-of-stream to the root stage.
func (p *Pipeline[T, Q]) PutStop(ctx context.Context) error {
	return p.root.PutStop(ctx)
}

// PutCancel signals an asynchronous cancellation to the root stage.
func (p *Pipeline[T, Q]) PutCancel(ctx context.Context, reason string) error {
	return p.root.PutCancel(ctx, reason)
}

// Get iterates the pipeline's still-available leaf stages, performing a
// Stage.Get on each. A WorkException observed at any leaf is
// re-injected at the root so sibling branches unwind too, then re-raised
// to the caller; a Cancel-derived WorkException is instead reported as a
// quiet end-of-stream, matching "print a notice and return none".
func (p *Pipeline[T, Q]) Get(ctx context.Context, timeout time.Duration) (Result[Q], bool, error) {
	for {
		p.mu.Lock()
		avail := append([]int(nil), p.available...)
		p.mu.Unlock()

		if len(avail) == 0 {
			return Result[Q]{}, true, nil
		}

		sawTimeout := false
		for _, i := range avail {
			index, value, done, err := p.leaves[i].GetAny(ctx, timeout)
			if err != nil {
				var we *workexc.WorkException
				if errors.As(err, &we) {
					if errors.Is(we, envelope.ErrCancelled) {
						p.log.Warn().Str("stage", we.StageName).Msg("pipeline run cancelled")
						p.retireLeaf(i)
						continue
					}
					p.log.Error().Err(we).Msg("work exception observed at leaf; poisoning remaining branches")
					_ = p.root.PutFail(ctx, we)
					return Result[Q]{}, false, we
				}
				if errors.Is(err, tube.ErrTimeout) {
					sawTimeout = true
					continue
				}
				return Result[Q]{}, false, err
			}

			if done {
				p.retireLeaf(i)
				continue
			}

			q, ok := value.(Q)
			if !ok {
				return Result[Q]{}, false, fmt.Errorf("tubeline: leaf produced %T, pipeline expects %T", value, q)
			}
			return Result[Q]{Index: index, Value: q}, false, nil
		}

		if sawTimeout {
			return Result[Q]{}, false, tube.ErrTimeout
		}
	}
}

func (p *Pipeline[T, Q]) retireLeaf(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for j, idx := range p.available {
		if idx == i {
			p.available = append(p.available[:j], p.available[j+1:]...)
			return
		}
	}
}

// results is the shared unordered consumption loop behind both Results
// and ResultsOrdered.
func (p *Pipeline[T, Q]) results(ctx context.Context) <-chan Result[Q] {
	out := make(chan Result[Q])
	go func() {
		defer close(out)
		for {
			res, done, err := p.Get(ctx, 0)
			if err != nil {
				out <- Result[Q]{Err: err}
				return
			}
			if done {
				return
			}
			out <- res
		}
	}()
	return out
}

// Results yields results in completion order as leaves produce them.
func (p *Pipeline[T, Q]) Results(ctx context.Context) <-chan Result[Q] {
	return p.results(ctx)
}

// errMultipleLeavesNotOrdered builds the GraphMisuse returned synchronously, before
// any task runs, when ResultsOrdered is requested against a graph with
// more than one leaf stage — an ordered re-sequencing buffer only makes
// sense against a single stream of indices.
func errMultipleLeavesNotOrdered() error {
	return &stage.GraphMisuse{Op: "ResultsOrdered", Reason: "graph has more than one leaf stage"}
}

// ResultsOrdered restores input-index order at the cost of a re-sequencing
// buffer: arrivals are held in pending until every lower index has
// already been emitted. It requires exactly one leaf stage; a graph with
// more fails synchronously with GraphMisuse before consuming anything.
func (p *Pipeline[T, Q]) ResultsOrdered(ctx context.Context) (<-chan Result[Q], error) {
	if len(p.leaves) != 1 {
		return nil, errMultipleLeavesNotOrdered()
	}

	out := make(chan Result[Q])
	go func() {
		defer close(out)
		pending := map[uint64]Q{}
		nextExpected := uint64(0)

		for r := range p.results(ctx) {
			if r.Err != nil {
				out <- r
				return
			}
			pending[r.Index] = r.Value
			for {
				v, ok := pending[nextExpected]
				if !ok {
					break
				}
				out <- Result[Q]{Index: nextExpected, Value: v}
				delete(pending, nextExpected)
				nextExpected++
			}
		}
	}()
	return out, nil
}

// Run is the convenience entry point: push every input, push Stop, and
// return the chosen delivery-order channel.
func (p *Pipeline[T, Q]) Run(ctx context.Context, inputs []T, ordered bool) (<-chan Result[Q], error) {
	for _, task := range inputs {
		if _, err := p.Put(ctx, task); err != nil {
			return nil, err
		}
	}
	if err := p.PutStop(ctx); err != nil {
		return nil, err
	}
	if ordered {
		return p.ResultsOrdered(ctx)
	}
	return p.Results(ctx), nil
}

// Describe renders the pipeline's stage graph as an indented tree,
// purely for diagnostics — it never participates in dispatch.
func (p *Pipeline[T, Q]) Describe() string {
	tree := treeprint.New()
	p.root.Describe(tree)
	return tree.String()
}
