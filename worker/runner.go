package worker

import (
	"context"
	"fmt"
	"runtime"

	"github.com/creastat/tubeline/envelope"
	"github.com/creastat/tubeline/timing"
	"github.com/creastat/tubeline/tube"
	"github.com/creastat/tubeline/workexc"
	"github.com/rs/zerolog"
)

// Config bundles everything the run loop needs for one worker slot.
type Config[T, Q any] struct {
	StageName     string
	Index         int
	NumWorkers    int
	DisableResult bool
	Input         tube.Tube
	Outputs       []tube.Tube
	Worker        Worker[T, Q]
	Timer         *timing.Timer
	Log           zerolog.Logger
}

// Run executes the stop-relay protocol: fetch, dispatch
// on payload kind, dispose on every exit path. It returns nil on a clean
// Stop exit and when ctx is cancelled while it waits for input, the raw
// error of a Fail payload that does not carry a *workexc.WorkException,
// and a *workexc.WorkException on every other exit.
func Run[T, Q any](ctx context.Context, cfg Config[T, Q]) (err error) {
	cfg.Log.Debug().Msg("worker starting")

	if putter, ok := cfg.Worker.(ResultPutter[Q]); ok {
		putter.SetResultFunc(func(index uint64, value Q) {
			if cfg.DisableResult {
				return
			}
			_ = emitAll(ctx, cfg.Outputs, envelope.NewData[Q](index, value))
		})
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 8192)
			n := runtime.Stack(buf, false)
			we := workexc.New(fmt.Errorf("worker %s[%d] panicked: %v\n%s", cfg.StageName, cfg.Index, r, buf[:n]), cfg.StageName, nil)
			cfg.Log.Error().Err(we).Msg("worker panicked; poisoning graph")
			_ = emitAll(ctx, cfg.Outputs, envelope.NewFail(we, -1))
			closeAll(cfg)
			err = we
		}
	}()

	cfg.Timer.Init.Measure(func() {
		err = cfg.Worker.DoInit(ctx)
	})
	if err != nil {
		we := workexc.New(err, cfg.StageName, nil)
		cfg.Log.Error().Err(we).Msg("worker init failed; poisoning graph")
		_ = emitAll(ctx, cfg.Outputs, envelope.NewFail(we, -1))
		closeAll(cfg)
		cfg.Timer.Dispose.Measure(func() { cfg.Worker.DoDispose(ctx) })
		return we
	}

	defer cfg.Timer.Dispose.Measure(func() { cfg.Worker.DoDispose(ctx) })

	for {
		var env envelope.Envelope
		var fetchErr error
		cfg.Timer.InputWait.Measure(func() {
			env, fetchErr = cfg.Input.Get(ctx, 0)
		})

		if fetchErr != nil {
			if ctx.Err() != nil {
				// A sibling already poisoned the graph or the pipeline
				// was cancelled; that path already emitted. Exit quietly.
				return nil
			}
			we := workexc.New(fetchErr, cfg.StageName, nil)
			cfg.Log.Error().Err(we).Msg("input fetch failed; poisoning graph")
			_ = emitAll(ctx, cfg.Outputs, envelope.NewFail(we, -1))
			closeAll(cfg)
			return we
		}

		switch p := env.Payload.(type) {
		case envelope.Data[T]:
			if e := cfg.dispatchData(ctx, p); e != nil {
				return e
			}

		case envelope.Stop:
			count := env.RelayCount + 1
			if count == cfg.NumWorkers {
				cfg.Log.Debug().Msg("stop observed by every worker; relaying downstream")
				_ = emitAll(ctx, cfg.Outputs, envelope.NewStop())
				return nil
			}
			cfg.Log.Debug().Int("relay_count", count).Msg("stop observed; relaying to sibling")
			if e := cfg.Input.Put(ctx, envelope.Envelope{Payload: envelope.Stop{}, RelayCount: count}); e != nil {
				return workexc.New(e, cfg.StageName, nil)
			}
			return nil

		case envelope.Fail:
			if we, ok := p.Err.(*workexc.WorkException); ok {
				cfg.Log.Error().Err(we).Msg("fail observed; relaying downstream and poisoning sibling")
				_ = emitAll(ctx, cfg.Outputs, envelope.Envelope{Payload: p, RelayCount: 0})
				closeAll(cfg)
				return we
			}
			// An arbitrary (non-WorkException) error riding a Fail payload
			// means something upstream mis-constructed the poison token;
			// re-inject and surface it as this worker's own crash so the
			// pool notices.
			cfg.Log.Error().Err(p.Err).Msg("malformed fail payload observed; re-injecting and crashing")
			_ = cfg.Input.Put(ctx, env.Relayed())
			return p.Err

		case envelope.Cancel:
			we := workexc.New(fmt.Errorf("%w: %s", envelope.ErrCancelled, p.Reason), cfg.StageName, nil)
			cfg.Log.Warn().Str("reason", p.Reason).Msg("cancel observed; poisoning graph")
			_ = emitAll(ctx, cfg.Outputs, envelope.NewFail(we, -1))
			closeAll(cfg)
			return we

		default:
			we := workexc.New(fmt.Errorf("unrecognized payload type %T", env.Payload), cfg.StageName, nil)
			cfg.Log.Error().Err(we).Msg("unrecognized payload; poisoning graph")
			_ = emitAll(ctx, cfg.Outputs, envelope.NewFail(we, -1))
			closeAll(cfg)
			return we
		}
	}
}

func (cfg Config[T, Q]) dispatchData(ctx context.Context, p envelope.Data[T]) error {
	var result Q
	var ok bool
	var taskErr error
	cfg.Timer.PerTask.Measure(func() {
		result, ok, taskErr = cfg.Worker.DoTask(ctx, p.Value)
	})

	if taskErr != nil {
		we := workexc.New(taskErr, cfg.StageName, p.Value)
		cfg.Log.Error().Err(we).Uint64("index", p.Index).Msg("task failed; poisoning graph")
		_ = emitAll(ctx, cfg.Outputs, envelope.NewFail(we, int64(p.Index)))
		closeAll(cfg)
		return we
	}

	if !cfg.DisableResult && ok {
		var emitErr error
		cfg.Timer.OutputWait.Measure(func() {
			emitErr = emitAll(ctx, cfg.Outputs, envelope.NewData[Q](p.Index, result))
		})
		if emitErr != nil {
			return workexc.New(emitErr, cfg.StageName, p.Value)
		}
	}
	return nil
}

func emitAll(ctx context.Context, outputs []tube.Tube, env envelope.Envelope) error {
	for _, out := range outputs {
		if err := out.Put(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func closeAll[T, Q any](cfg Config[T, Q]) {
	cfg.Input.Close()
	for _, out := range cfg.Outputs {
		out.Close()
	}
}
