// Package stage implements Stage: a named pool of identical workers
// sharing one input tube and fanning out to one or more output tubes,
// wired together into a DAG by Link and brought to life by Build.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/tubeline/envelope"
	"github.com/creastat/tubeline/timing"
	"github.com/creastat/tubeline/tube"
	"github.com/creastat/tubeline/worker"
	"github.com/creastat/tubeline/workexc"
	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/xlab/treeprint"
)

// ParallelismMode names the execution substrate a Stage's workers run on:
// an OS process pool or an OS thread pool per stage. Go has no equivalent
// to forking a process pool that still shares the in-process tube
// contract workers depend on, so both modes launch goroutines here.
// ProcessParallel is kept as a distinct value for API fidelity and to
// flag, at the call site, an intent that would otherwise have forked a
// separate process.
type ParallelismMode int

const (
	ThreadParallel ParallelismMode = iota
	ProcessParallel
)

func (m ParallelismMode) String() string {
	if m == ProcessParallel {
		return "process"
	}
	return "thread"
}

// GraphMisuse covers structural wiring errors that must surface
// synchronously, before any worker runs: self-linking a stage, building a
// stage twice, and (raised by the tubeline package) ResultsOrdered
// against a multi-leaf graph.
type GraphMisuse struct {
	Op     string
	Reason string
}

func (e *GraphMisuse) Error() string {
	return fmt.Sprintf("tubeline: graph misuse in %s: %s", e.Op, e.Reason)
}

// Node type-erases Stage[T, Q] for graph operations that don't need to
// know a stage's task/result types: traversal, build, and diagnostics.
// Every exported method here is also a method on *Stage[T, Q] directly;
// Node only exists so Link can hang heterogeneous next-stages off of a
// slice, and so the tubeline package can walk the DAG without itself
// being generic over every stage pair's types.
type Node interface {
	Name() string
	NumWorkers() int
	Next() []Node
	GetLeaves() []Node
	Build(ctx context.Context) error
	Describe(tree treeprint.Tree)

	// AttachRunID tags this stage's logger with a run correlation id, so
	// every worker's logger derived from it in Build carries the same id
	// as the driving Pipeline's own log lines. Must be called before
	// Build: Build snapshots the logger into each worker's Config once,
	// at call time.
	AttachRunID(id string)

	// GetAny is Get with its result type erased to any, letting the
	// tubeline package drive a leaf generically and assert back to its
	// own Q at the boundary — the same "generic producer, non-generic
	// carrier" shape envelope.Payload uses for Data.
	GetAny(ctx context.Context, timeout time.Duration) (index uint64, value any, done bool, err error)
}

// Root is the subset of a Stage's API the tubeline package needs to
// drive the graph's entry point, parameterized only by the task type T —
// deliberately not by the stage's own result type, since that need not
// match the eventual leaf's result type once any downstream links exist.
// Any *Stage[T, Q], for any Q, satisfies Root[T] automatically.
type Root[T any] interface {
	Node
	Put(ctx context.Context, index uint64, task T) error
	PutStop(ctx context.Context) error
	PutCancel(ctx context.Context, reason string) error
	PutFail(ctx context.Context, we *workexc.WorkException) error
}

// Stage owns one input tube, a pool of num_workers identical workers, and
// the output tubes those workers broadcast every envelope to. T is the
// task type the pool consumes; Q is the result type it produces.
type Stage[T, Q any] struct {
	name          string
	factory       func(index int) worker.Worker[T, Q]
	numWorkers    int
	disableResult bool
	parallelism   ParallelismMode
	maxBacklog    int
	log           zerolog.Logger

	mu        sync.Mutex
	input     tube.Tube
	outs      []tube.Tube
	next      []Node
	built     bool
	available []int
	cancel    context.CancelFunc
	timers    []*timing.Timer
}

// Option configures a Stage at construction.
type Option[T, Q any] func(*Stage[T, Q])

// WithWorkers sets the pool size (default 1).
func WithWorkers[T, Q any](n int) Option[T, Q] {
	return func(s *Stage[T, Q]) { s.numWorkers = n }
}

// WithParallelism selects the execution substrate; see ParallelismMode.
func WithParallelism[T, Q any](mode ParallelismMode) Option[T, Q] {
	return func(s *Stage[T, Q]) { s.parallelism = mode }
}

// WithDisableResult suppresses result emission: DoTask's return value is
// discarded and nothing is forwarded downstream for it.
func WithDisableResult[T, Q any]() Option[T, Q] {
	return func(s *Stage[T, Q]) { s.disableResult = true }
}

// WithMaxBacklog bounds the stage's input tube, creating backpressure
// once maxBacklog items are queued ahead of the pool.
func WithMaxBacklog[T, Q any](n int) Option[T, Q] {
	return func(s *Stage[T, Q]) { s.maxBacklog = n }
}

// WithInputTube supplies a pre-built input tube, letting a caller share a
// point-to-point PipeTube with a known single upstream writer instead of
// the default multi-producer QueueTube.
func WithInputTube[T, Q any](t tube.Tube) Option[T, Q] {
	return func(s *Stage[T, Q]) { s.input = t }
}

// WithLogger attaches a logger; every worker goroutine logs through a
// child of it carrying its own worker index. See AttachRunID for how a
// driving Pipeline's run correlation id reaches the same child logger.
func WithLogger[T, Q any](log zerolog.Logger) Option[T, Q] {
	return func(s *Stage[T, Q]) { s.log = log }
}

// AttachRunID tags this stage's logger with a run correlation id. Call it
// on every node of the graph before Build.
func (s *Stage[T, Q]) AttachRunID(id string) {
	s.mu.Lock()
	s.log = s.log.With().Str("run_id", id).Logger()
	s.mu.Unlock()
}

// New constructs a Stage. factory produces one Worker per pool slot,
// given that slot's deterministic index in [0, numWorkers) — a fresh
// Worker value per goroutine, never one shared across workers.
func New[T, Q any](name string, factory func(index int) worker.Worker[T, Q], opts ...Option[T, Q]) *Stage[T, Q] {
	s := &Stage[T, Q]{
		name:        name,
		factory:     factory,
		numWorkers:  1,
		parallelism: ThreadParallel,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.input == nil {
		s.input = tube.NewQueueTube(s.maxBacklog)
	}
	return s
}

// Name returns the stage's diagnostic name.
func (s *Stage[T, Q]) Name() string { return s.name }

// NumWorkers returns the pool size.
func (s *Stage[T, Q]) NumWorkers() int { return s.numWorkers }

// Next returns this stage's linked downstream stages.
func (s *Stage[T, Q]) Next() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Node(nil), s.next...)
}

// InputTube exposes the stage's input tube, used by Link to wire a
// downstream stage.
func (s *Stage[T, Q]) InputTube() tube.Tube {
	return s.input
}

// Put wraps task in a fresh envelope at relay_count zero and forwards it
// to the stage's input tube. The stage never assigns an index — that is
// the Pipeline's job.
func (s *Stage[T, Q]) Put(ctx context.Context, index uint64, task T) error {
	return s.input.Put(ctx, envelope.NewData[T](index, task))
}

// PutStop forwards an end-of-stream marker directly, unwrapped; the
// tubeline package's Pipeline.PutStop calls it on the root stage.
func (s *Stage[T, Q]) PutStop(ctx context.Context) error {
	return s.input.Put(ctx, envelope.NewStop())
}

// PutCancel forwards an asynchronous cancellation directly, unwrapped.
func (s *Stage[T, Q]) PutCancel(ctx context.Context, reason string) error {
	return s.input.Put(ctx, envelope.NewCancel(reason))
}

// PutFail re-injects an already-observed failure at this stage's input,
// used by the tubeline package to poison every branch of the graph once
// any one leaf has surfaced a WorkException ("re-inject into the
// pipeline so other workers unwind").
func (s *Stage[T, Q]) PutFail(ctx context.Context, we *workexc.WorkException) error {
	return s.input.Put(ctx, envelope.NewFail(we, -1))
}

// GetLeaves runs a DFS over the linked graph and returns every stage with
// no downstream links.
func (s *Stage[T, Q]) GetLeaves() []Node {
	var leaves []Node
	seen := map[Node]bool{}
	var walk func(n Node)
	walk = func(n Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		next := n.Next()
		if len(next) == 0 {
			leaves = append(leaves, n)
			return
		}
		for _, child := range next {
			walk(child)
		}
	}
	walk(s)
	return leaves
}

// Link appends next's input tube to this stage's outputs and registers
// next as a downstream stage, returning this stage so links can be
// chained fluently. A stage linking to itself is rejected synchronously
// as GraphMisuse — Go's type system cannot express "Q of from equals T of
// to" as a method type parameter (Go has no generic methods), so Link is
// a free function inferring Q from both arguments.
func Link[T, Q, Z any](from *Stage[T, Q], to *Stage[Q, Z]) (*Stage[T, Q], error) {
	if any(from) == any(to) {
		return nil, &GraphMisuse{Op: "Link", Reason: "a stage cannot link to itself"}
	}
	from.mu.Lock()
	defer from.mu.Unlock()
	from.outs = append(from.outs, to.InputTube())
	from.next = append(from.next, Node(to))
	return from, nil
}

// Build is idempotent-free: it synthesizes a leaf output tube if this
// stage has none, launches numWorkers worker goroutines under an
// oklog/run.Group (so a panic or Fail in any one of them tears down the
// rest of this stage's pool promptly), then recursively builds every
// linked downstream stage. Calling Build twice on the same stage is
// itself a GraphMisuse.
func (s *Stage[T, Q]) Build(ctx context.Context) error {
	s.mu.Lock()
	if s.built {
		s.mu.Unlock()
		return &GraphMisuse{Op: "Build", Reason: fmt.Sprintf("stage %q already built", s.name)}
	}
	s.built = true
	if len(s.outs) == 0 {
		s.outs = []tube.Tube{tube.NewQueueTube(0)}
	}
	outs := append([]tube.Tube(nil), s.outs...)
	s.available = make([]int, len(outs))
	for i := range outs {
		s.available[i] = i
	}
	next := append([]Node(nil), s.next...)
	s.mu.Unlock()

	stageCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	var g run.Group
	for i := 0; i < s.numWorkers; i++ {
		idx := i
		timer := timing.NewTimer()
		s.mu.Lock()
		s.timers = append(s.timers, timer)
		s.mu.Unlock()

		cfg := worker.Config[T, Q]{
			StageName:     s.name,
			Index:         idx,
			NumWorkers:    s.numWorkers,
			DisableResult: s.disableResult,
			Input:         s.input,
			Outputs:       outs,
			Worker:        s.factory(idx),
			Timer:         timer,
			Log:           s.log.With().Str("stage", s.name).Int("worker", idx).Str("parallelism", s.parallelism.String()).Logger(),
		}
		g.Add(func() error {
			return worker.Run[T, Q](stageCtx, cfg)
		}, func(err error) {
			// A clean Stop exit must not cancel siblings still relaying Stop.
			if err != nil {
				cancel()
			}
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run() }()

	for _, child := range next {
		if err := child.Build(ctx); err != nil {
			return err
		}
	}

	go func() {
		if err := <-errCh; err != nil {
			var we *workexc.WorkException
			if errors.As(err, &we) {
				s.log.Error().Err(we).Str("stage", s.name).Msg("worker pool exited with failure")
			}
		}
	}()

	return nil
}

// abort cancels this stage's worker-group context, unblocking every
// sibling worker parked on a tube Get or a bounded tube Put, even one not
// itself touching the tube that first failed.
func (s *Stage[T, Q]) abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetResult is the outcome of one Stage.Get call.
type GetResult[Q any] struct {
	Index uint64
	Value Q
	Done  bool // true once every output tube has signaled end-of-stream
}

// Get performs the multi-leaf draining protocol: it attempts
// tube.Get(timeout) on every still-available output tube in turn. A Data
// token is returned immediately; a Stop token retires that tube from the
// available set and the scan continues; a Fail token aborts this stage's
// worker pool and surfaces the original WorkException. Once every output
// tube has retired, Get reports Done instead of an error.
func (s *Stage[T, Q]) Get(ctx context.Context, timeout time.Duration) (GetResult[Q], error) {
	for {
		s.mu.Lock()
		avail := append([]int(nil), s.available...)
		outs := s.outs
		s.mu.Unlock()

		if len(avail) == 0 {
			return GetResult[Q]{Done: true}, nil
		}

		sawTimeout := false
		for _, i := range avail {
			env, err := outs[i].Get(ctx, timeout)
			if err != nil {
				if errors.Is(err, tube.ErrTimeout) {
					sawTimeout = true
					continue
				}
				if errors.Is(err, tube.ErrClosed) {
					s.retire(i)
					continue
				}
				return GetResult[Q]{}, err
			}

			switch p := env.Payload.(type) {
			case envelope.Data[Q]:
				return GetResult[Q]{Index: p.Index, Value: p.Value}, nil
			case envelope.Stop:
				s.retire(i)
			case envelope.Fail:
				s.abort()
				if we, ok := p.Err.(*workexc.WorkException); ok {
					return GetResult[Q]{}, we
				}
				return GetResult[Q]{}, p.Err
			default:
				return GetResult[Q]{}, fmt.Errorf("tubeline: unexpected payload %T at leaf %q", env.Payload, s.name)
			}
		}

		if sawTimeout {
			return GetResult[Q]{}, tube.ErrTimeout
		}
		// Every available tube yielded a Stop this pass; loop to
		// re-check whether the available set is now empty.
	}
}

// GetAny satisfies Node by erasing Get's result to any.
func (s *Stage[T, Q]) GetAny(ctx context.Context, timeout time.Duration) (uint64, any, bool, error) {
	res, err := s.Get(ctx, timeout)
	if err != nil {
		return 0, nil, false, err
	}
	if res.Done {
		return 0, nil, true, nil
	}
	return res.Index, res.Value, false, nil
}

func (s *Stage[T, Q]) retire(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for j, idx := range s.available {
		if idx == i {
			s.available = append(s.available[:j], s.available[j+1:]...)
			return
		}
	}
}

// Describe renders this stage and its descendants as an indented tree.
func (s *Stage[T, Q]) Describe(tree treeprint.Tree) {
	label := fmt.Sprintf("%s (workers=%d, %s)", s.name, s.numWorkers, s.parallelism)
	s.mu.Lock()
	next := append([]Node(nil), s.next...)
	s.mu.Unlock()
	if len(next) == 0 {
		tree.AddNode(label)
		return
	}
	branch := tree.AddBranch(label)
	for _, child := range next {
		child.Describe(branch)
	}
}

// Stats aggregates the timing buckets every worker this stage has ever
// built accumulated, one merged bucket per kind (init, perTask, dispose,
// avg_in_wait, avg_out_wait) across the whole pool. Safe to call before
// Build (returns five empty buckets) or concurrently with a running pool.
func (s *Stage[T, Q]) Stats() []*timing.Bucket {
	s.mu.Lock()
	timers := append([]*timing.Timer(nil), s.timers...)
	s.mu.Unlock()

	init := make([]*timing.Bucket, len(timers))
	perTask := make([]*timing.Bucket, len(timers))
	dispose := make([]*timing.Bucket, len(timers))
	inWait := make([]*timing.Bucket, len(timers))
	outWait := make([]*timing.Bucket, len(timers))
	for i, t := range timers {
		init[i] = t.Init
		perTask[i] = t.PerTask
		dispose[i] = t.Dispose
		inWait[i] = t.InputWait
		outWait[i] = t.OutputWait
	}

	return []*timing.Bucket{
		timing.Merge("init", false, init...),
		timing.Merge("perTask", true, perTask...),
		timing.Merge("dispose", false, dispose...),
		timing.Merge("avg_in_wait", true, inWait...),
		timing.Merge("avg_out_wait", true, outWait...),
	}
}
