package tube

import (
	"context"
	"time"

	"github.com/creastat/tubeline/envelope"
)

// QueueTube is a multi-producer/multi-consumer tube, optionally bounded
// by maxBacklog. Bounded capacity creates backpressure: Put blocks when
// the backlog is full, which transitively stalls upstream workers and
// caps memory growth in front of a slow stage.
//
// A stage's input tube is routinely written by every worker of its
// upstream stage at once, so close semantics under concurrent producers
// matter here: Close is idempotent (the underlying chanTube guards
// teardown with sync.Once), and the first caller wins. A sibling-gated
// close — waiting for every producer to call Close before actually
// tearing the tube down — was considered and rejected: once one worker
// poisons a stage, every live sibling is supposed to notice and exit fast
// ("single failure poisons the rest of the graph"), and a still-alive
// sibling blocked mid-Put against a tube one of its peers has already
// abandoned is exactly the kind of hang that poisoning exists to avoid.
type QueueTube struct {
	core *chanTube
}

// NewQueueTube creates a tube bounded to maxBacklog items; maxBacklog <= 0
// means unbounded.
func NewQueueTube(maxBacklog int) *QueueTube {
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	return &QueueTube{core: newChanTube(maxBacklog)}
}

func (q *QueueTube) Put(ctx context.Context, item envelope.Envelope) error {
	return q.core.put(ctx, item)
}

func (q *QueueTube) Get(ctx context.Context, timeout time.Duration) (envelope.Envelope, error) {
	return q.core.get(ctx, timeout)
}

// Close tears the tube down; safe to call from more than one concurrent
// producer, and safe to call more than once.
func (q *QueueTube) Close() {
	q.core.closeNow()
}
