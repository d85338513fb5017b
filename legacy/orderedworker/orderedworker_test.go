package orderedworker_test

import (
	"context"
	"testing"

	"github.com/creastat/tubeline/envelope"
	"github.com/creastat/tubeline/legacy/orderedworker"
	"github.com/creastat/tubeline/tube"
	"github.com/creastat/tubeline/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(ctx context.Context, task int) (int, error) {
	return task * 2, nil
}

// TestRingPreservesInputOrder demonstrates the property the ring exists
// for: even with several concurrent workers pulling from a shared input,
// results reach the output tube in the same order the inputs arrived,
// without any Pipeline-level re-sequencing buffer.
func TestRingPreservesInputOrder(t *testing.T) {
	const n = 5
	const numTasks = 30

	input := tube.NewQueueTube(0)
	output := tube.NewQueueTube(0)
	ctx := context.Background()

	for i := 0; i < numTasks; i++ {
		require.NoError(t, input.Put(ctx, envelope.NewData[int](uint64(i), i)))
	}
	require.NoError(t, input.Put(ctx, envelope.NewStop()))

	factory := func(index int) worker.Worker[int, int] {
		return worker.NewSimpleWorker(double)
	}

	err := orderedworker.Assemble[int, int](ctx, "double", factory, n, false, input, []tube.Tube{output})
	require.NoError(t, err)

	for i := 0; i < numTasks; i++ {
		item, err := output.Get(ctx, 0)
		require.NoError(t, err)
		data, ok := item.Payload.(envelope.Data[int])
		require.True(t, ok, "expected Data at position %d, got %T", i, item.Payload)
		assert.Equal(t, uint64(i), data.Index)
		assert.Equal(t, i*2, data.Value)
	}

	item, err := output.Get(ctx, 0)
	require.NoError(t, err)
	_, isStop := item.Payload.(envelope.Stop)
	assert.True(t, isStop)
}
