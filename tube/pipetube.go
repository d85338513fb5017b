package tube

import (
	"context"
	"time"

	"github.com/creastat/tubeline/envelope"
)

// PipeTube is a single-producer/single-consumer, unbounded tube. It is the
// low-overhead choice for a point-to-point link between one upstream
// worker and a downstream stage that will itself fan the single stream
// out to its own workers — grounded in the original TubeP, which sat on
// top of a duplex=false multiprocessing.Pipe.
type PipeTube struct {
	core *chanTube
}

// NewPipeTube creates an unbounded point-to-point tube.
func NewPipeTube() *PipeTube {
	return &PipeTube{core: newChanTube(0)}
}

func (p *PipeTube) Put(ctx context.Context, item envelope.Envelope) error {
	return p.core.put(ctx, item)
}

func (p *PipeTube) Get(ctx context.Context, timeout time.Duration) (envelope.Envelope, error) {
	return p.core.get(ctx, timeout)
}

// Close tears the tube down unconditionally: PipeTube has exactly one
// writer by construction, so there is no concurrent-producer race to
// arbitrate the way QueueTube must.
func (p *PipeTube) Close() {
	p.core.closeNow()
}
