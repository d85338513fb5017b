package tubeline_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/creastat/tubeline"
	"github.com/creastat/tubeline/stage"
	"github.com/creastat/tubeline/worker"
	"github.com/creastat/tubeline/workexc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inc(ctx context.Context, task int) (int, error)    { return task + 1, nil }
func double(ctx context.Context, task int) (int, error) { return task * 2, nil }
func echo(ctx context.Context, task int) (int, error)   { return task, nil }

func buildChain(t *testing.T, workers int) *stage.Stage[int, int] {
	t.Helper()
	s1 := stage.Simple("inc", inc, stage.WithWorkers[int, int](workers))
	s2 := stage.Simple("double", double, stage.WithWorkers[int, int](workers))
	s3 := stage.Simple("echo", echo, stage.WithWorkers[int, int](workers))
	_, err := stage.Link[int, int, int](s1, s2)
	require.NoError(t, err)
	_, err = stage.Link[int, int, int](s2, s3)
	require.NoError(t, err)
	return s1
}

// TestOrderedDelivery drains a multi-stage chain with ResultsOrdered
// and checks results arrive in input order.
func TestOrderedDelivery(t *testing.T) {
	ctx := context.Background()
	root := buildChain(t, 100)
	p, err := tubeline.New[int, int](ctx, root)
	require.NoError(t, err)

	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	out, err := p.Run(ctx, inputs, true)
	require.NoError(t, err)

	var got []int
	for r := range out {
		require.NoError(t, r.Err)
		got = append(got, r.Value)
	}
	assert.Equal(t, []int{2, 4, 6, 8, 10, 12, 14, 16, 18, 20}, got)
}

// TestUnorderedDelivery drains the same chain with Results and checks
// the value set matches regardless of arrival order.
func TestUnorderedDelivery(t *testing.T) {
	ctx := context.Background()
	root := buildChain(t, 100)
	p, err := tubeline.New[int, int](ctx, root)
	require.NoError(t, err)

	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	out, err := p.Run(ctx, inputs, false)
	require.NoError(t, err)

	var got []int
	for r := range out {
		require.NoError(t, r.Err)
		got = append(got, r.Value)
	}
	sort.Ints(got)
	assert.Equal(t, []int{2, 4, 6, 8, 10, 12, 14, 16, 18, 20}, got)
}

type valueErr struct{ msg string }

func (e *valueErr) Error() string { return e.msg }

type badAtFive struct{}

func (badAtFive) DoInit(ctx context.Context) error { return nil }
func (badAtFive) DoTask(ctx context.Context, task int) (int, bool, error) {
	if task == 5 {
		return 0, false, &valueErr{"bad"}
	}
	return task, true, nil
}
func (badAtFive) DoDispose(ctx context.Context) {}

// TestFailurePropagatesAsWorkException checks a mid-stream task error
// surfaces at the pipeline boundary as a *workexc.WorkException.
func TestFailurePropagatesAsWorkException(t *testing.T) {
	ctx := context.Background()
	s1 := stage.New[int, int]("flaky", func(int) worker.Worker[int, int] { return badAtFive{} })
	p, err := tubeline.New[int, int](ctx, s1)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := p.Put(ctx, i)
		require.NoError(t, err)
	}
	require.NoError(t, p.PutStop(ctx))

	var we *workexc.WorkException
	for r := range p.Results(ctx) {
		if r.Err != nil {
			require.ErrorAs(t, r.Err, &we)
			break
		}
	}
	require.NotNil(t, we)
	assert.Equal(t, "flaky", we.StageName)
	assert.Equal(t, 5, we.OffendingTask)
	var ve *valueErr
	require.ErrorAs(t, we, &ve)
	assert.Equal(t, "bad", ve.msg)
}

// TestBackpressureBoundsInFlight checks that a bounded stage with a slow
// worker stalls the producer once the backlog fills.
func TestBackpressureBoundsInFlight(t *testing.T) {
	ctx := context.Background()

	slow := func(ctx context.Context, task int) (int, error) {
		time.Sleep(30 * time.Millisecond)
		return task, nil
	}
	root := stage.Simple("slow", slow, stage.WithWorkers[int, int](1), stage.WithMaxBacklog[int, int](2))
	p, err := tubeline.New[int, int](ctx, root)
	require.NoError(t, err)

	putDone := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, _ = p.Put(ctx, i)
		}
		_ = p.PutStop(ctx)
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("producer never blocked against the bounded backlog")
	case <-time.After(50 * time.Millisecond):
	}

	for r := range p.Results(ctx) {
		require.NoError(t, r.Err)
	}
	<-putDone
}

// TestCancelRetiresLeavesQuietlyWithoutPoisoning checks that a cancelled
// pipeline's leaves retire through Get's quiet Cancel branch rather than
// the Fail branch: unlike TestFailurePropagatesAsWorkException, no error
// ever reaches the caller.
func TestCancelRetiresLeavesQuietlyWithoutPoisoning(t *testing.T) {
	ctx := context.Background()

	s1 := stage.Simple("inc", inc)
	leafA := stage.Simple("leafA", echo)
	leafB := stage.Simple("leafB", echo)
	_, err := stage.Link[int, int, int](s1, leafA)
	require.NoError(t, err)
	_, err = stage.Link[int, int, int](s1, leafB)
	require.NoError(t, err)

	p, err := tubeline.New[int, int](ctx, s1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.Put(ctx, i)
		require.NoError(t, err)
	}
	require.NoError(t, p.PutCancel(ctx, "operator requested shutdown"))

	for {
		_, done, err := p.Get(ctx, time.Second)
		require.NoError(t, err, "a cancelled run must retire leaves quietly rather than poisoning the pipeline with an error")
		if done {
			break
		}
	}
}

// TestResultsOrderedRejectsMultipleLeaves checks a multi-leaf graph is
// rejected synchronously rather than silently picking one leaf.
func TestResultsOrderedRejectsMultipleLeaves(t *testing.T) {
	ctx := context.Background()

	s1 := stage.Simple("inc", inc)
	leafA := stage.Simple("leafA", echo)
	leafB := stage.Simple("leafB", echo)
	_, err := stage.Link[int, int, int](s1, leafA)
	require.NoError(t, err)
	_, err = stage.Link[int, int, int](s1, leafB)
	require.NoError(t, err)

	p, err := tubeline.New[int, int](ctx, s1)
	require.NoError(t, err)

	_, err = p.ResultsOrdered(ctx)
	var gm *stage.GraphMisuse
	require.ErrorAs(t, err, &gm)
}

func identity(ctx context.Context, task int) (int, error) { return task, nil }

// TestLargeIdentityChain runs a wide worker pool across several linked
// stages and checks every input survives to the far end exactly once.
func TestLargeIdentityChain(t *testing.T) {
	ctx := context.Background()
	const numStages = 4
	const numWorkers = 8
	const numInputs = 1000

	var head, tail *stage.Stage[int, int]
	for i := 0; i < numStages; i++ {
		s := stage.Simple("identity", identity, stage.WithWorkers[int, int](numWorkers))
		if head == nil {
			head = s
		} else {
			_, err := stage.Link[int, int, int](tail, s)
			require.NoError(t, err)
		}
		tail = s
	}

	p, err := tubeline.New[int, int](ctx, head)
	require.NoError(t, err)

	inputs := make([]int, numInputs)
	for i := range inputs {
		inputs[i] = i
	}
	out, err := p.Run(ctx, inputs, false)
	require.NoError(t, err)

	got := make(map[int]bool, numInputs)
	for r := range out {
		require.NoError(t, r.Err)
		got[r.Value] = true
	}
	assert.Len(t, got, numInputs)
	for i := range inputs {
		assert.True(t, got[i])
	}
}
