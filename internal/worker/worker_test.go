package worker

// ============================================================================
// Worker pool tests
// Purpose: concurrent execution, per-task deadlines, panic isolation and
// graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

func okTask(id string, counter *atomic.Int32) Task {
	return Task{
		ID:      id,
		Timeout: time.Second,
		Run: func(ctx context.Context) error {
			counter.Add(1)
			return nil
		},
	}
}

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(8))
	defer pool.Stop()

	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())
	assert.Error(t, pool.Start(4))
}

func TestStartRejectsNonPositiveCount(t *testing.T) {
	assert.Error(t, NewPool(1).Start(0))
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1)
	assert.ErrorIs(t, pool.Submit(Task{ID: "x"}), ErrPoolNotStarted)
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(okTask(fmt.Sprintf("task-%d", i), &ran)))
	}
	for i := 0; i < 10; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, int32(10), ran.Load())
}

func TestTaskTimeoutIsReported(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	results := pool.RunBatch([]Task{{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}})

	r := results["slow"]
	assert.True(t, errors.Is(r.Err, context.DeadlineExceeded), "got %v", r.Err)
	assert.Less(t, r.Duration, time.Second)
}

func TestFinishedTaskWinsOverExpiredDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Both the result and the deadline are ready; the result must win every time.
	for i := 0; i < 200; i++ {
		done := make(chan error, 1)
		done <- nil
		require.NoError(t, wait(ctx, "sent", done))
	}

	err := wait(ctx, "stuck", make(chan error, 1))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestStuckTaskDoesNotBlockWorker(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)

	results := pool.RunBatch([]Task{
		{
			ID:      "ignores-ctx",
			Timeout: 20 * time.Millisecond,
			Run: func(context.Context) error {
				<-release
				return nil
			},
		},
		{ID: "next", Timeout: time.Second, Run: func(context.Context) error { return nil }},
	})

	assert.Error(t, results["ignores-ctx"].Err)
	assert.NoError(t, results["next"].Err)
}

func TestPanicBecomesError(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	results := pool.RunBatch([]Task{{
		ID:  "boom",
		Run: func(context.Context) error { panic("adapter bug") },
	}})
	require.Error(t, results["boom"].Err)
	assert.Contains(t, results["boom"].Err.Error(), "adapter bug")
}

func TestRunBatchLargerThanBuffer(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(3))
	defer pool.Stop()

	var ran atomic.Int32
	tasks := make([]Task, 50)
	for i := range tasks {
		tasks[i] = okTask(fmt.Sprintf("t-%02d", i), &ran)
	}
	results := pool.RunBatch(tasks)

	assert.Len(t, results, 50)
	for id, r := range results {
		assert.NoError(t, r.Err, id)
	}
	assert.Equal(t, int32(50), ran.Load())
}

func TestRunBatchCollectsFailures(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	results := pool.RunBatch([]Task{
		{ID: "ok", Run: func(context.Context) error { return nil }},
		{ID: "bad", Run: func(context.Context) error { return errors.New("smtp 550") }},
		{ID: "nil-run"},
	})
	assert.NoError(t, results["ok"].Err)
	assert.EqualError(t, results["bad"].Err, "smtp 550")
	assert.Error(t, results["nil-run"].Err)
}

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))

	pool.Stop()
	pool.Stop() // idempotent

	assert.ErrorIs(t, pool.Submit(Task{ID: "late"}), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Error(t, pool.Start(1))
}

func TestStopCancelsInFlightTask(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		ID: "long",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}))
	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
