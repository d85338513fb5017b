package stage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creastat/tubeline/envelope"
	"github.com/creastat/tubeline/stage"
	"github.com/creastat/tubeline/worker"
	"github.com/creastat/tubeline/workexc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inc(ctx context.Context, task int) (int, error)    { return task + 1, nil }
func double(ctx context.Context, task int) (int, error) { return task * 2, nil }

// TestLinkBuildsTwoStageChain exercises a two-stage chain at the Stage level:
// inc -> double, read back at the leaf in completion order.
func TestLinkBuildsTwoStageChain(t *testing.T) {
	ctx := context.Background()

	s1 := stage.Simple("inc", inc, stage.WithWorkers[int, int](2))
	s2 := stage.Simple("double", double, stage.WithWorkers[int, int](2))
	_, err := stage.Link[int, int, int](s1, s2)
	require.NoError(t, err)

	require.NoError(t, s1.Build(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, s1.Put(ctx, uint64(i), i))
	}
	require.NoError(t, s1.PutStop(ctx))

	seen := map[uint64]int{}
	for {
		res, err := s2.Get(ctx, time.Second)
		require.NoError(t, err)
		if res.Done {
			break
		}
		seen[res.Index] = res.Value
	}

	require.Len(t, seen, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, (i+1)*2, seen[uint64(i)])
	}
}

// TestSelfLinkIsGraphMisuse checks that linking a stage to itself fails
// synchronously instead of building a degenerate one-node cycle.
func TestSelfLinkIsGraphMisuse(t *testing.T) {
	s := stage.Simple("loop", inc)
	_, err := stage.Link[int, int, int](s, s)
	var gm *stage.GraphMisuse
	require.ErrorAs(t, err, &gm)
}

// TestBuildTwiceIsGraphMisuse covers the idempotent-free build rule.
func TestBuildTwiceIsGraphMisuse(t *testing.T) {
	s := stage.Simple("inc", inc)
	ctx := context.Background()
	require.NoError(t, s.Build(ctx))
	err := s.Build(ctx)
	var gm *stage.GraphMisuse
	require.ErrorAs(t, err, &gm)
}

type boom struct{}

func (boom) DoInit(ctx context.Context) error { return nil }
func (boom) DoTask(ctx context.Context, task int) (int, bool, error) {
	if task == 3 {
		return 0, false, errors.New("kaboom")
	}
	return task, true, nil
}
func (boom) DoDispose(ctx context.Context) {}

// TestGetSurfacesWorkExceptionAndAborts covers Get's behavior on
// Fail: the original exception surfaces and the pool is torn down.
func TestGetSurfacesWorkExceptionAndAborts(t *testing.T) {
	ctx := context.Background()
	s := stage.New[int, int]("flaky", func(int) worker.Worker[int, int] { return boom{} })
	require.NoError(t, s.Build(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, uint64(i), i))
	}

	var we *workexc.WorkException
	for {
		_, err := s.Get(ctx, time.Second)
		if err != nil {
			require.ErrorAs(t, err, &we)
			break
		}
	}
	assert.Equal(t, "flaky", we.StageName)
	assert.Equal(t, 3, we.OffendingTask)
}

// TestPutCancelSurfacesAsCancelledWorkException checks that a stage-level
// PutCancel, unlike a genuine task failure, still surfaces through Get as
// a WorkException but one that wraps envelope.ErrCancelled — the signal
// tubeline.Pipeline.Get relies on to retire a leaf quietly instead of
// poisoning the rest of the graph.
func TestPutCancelSurfacesAsCancelledWorkException(t *testing.T) {
	ctx := context.Background()
	s := stage.Simple("echo", inc)
	require.NoError(t, s.Build(ctx))

	require.NoError(t, s.Put(ctx, 0, 1))
	require.NoError(t, s.PutCancel(ctx, "operator requested shutdown"))

	var we *workexc.WorkException
	for {
		res, err := s.Get(ctx, time.Second)
		if err != nil {
			require.ErrorAs(t, err, &we)
			break
		}
		if res.Done {
			t.Fatal("cancel should surface as an error, not a clean end-of-stream")
		}
	}
	assert.True(t, errors.Is(we, envelope.ErrCancelled))
}

// TestGetLeavesFindsTerminalStages covers get_leaves on a small DAG.
func TestGetLeavesFindsTerminalStages(t *testing.T) {
	s1 := stage.Simple("inc", inc)
	s2 := stage.Simple("double", double)
	_, err := stage.Link[int, int, int](s1, s2)
	require.NoError(t, err)

	leaves := s1.GetLeaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, "double", leaves[0].Name())
}
