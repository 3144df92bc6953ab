// ============================================================================
// fieldops worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: a goroutine that runs tasks from the pool's task channel
//
// How it works:
//   1. Receive a task from taskCh
//   2. Run it under its own deadline derived from the pool context
//   3. Report the outcome on resultCh
//   4. Repeat until taskCh is closed
//
// Timeout control:
//   A task that overruns its deadline is reported with the context error as
//   soon as the deadline passes, even if Run has not returned yet. Run keeps
//   its context, so well behaved implementations stop shortly afterwards.
//
// Panics inside Run are recovered and reported as errors so one bad channel
// adapter cannot take the daemon down.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

// Worker runs tasks one at a time.
type Worker struct {
	id       int
	ctx      context.Context
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, ctx context.Context, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the worker's main loop.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)
		result := Result{
			TaskID:   task.ID,
			Err:      err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// Pool is shutting down and nobody is collecting.
		}
	}
}

func (w *Worker) execute(task Task) error {
	if task.Run == nil {
		return errors.Newf("task %s has no Run func", task.ID)
	}

	ctx, cancel := w.ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, task.Timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("task %s panicked: %v", task.ID, r)
			}
		}()
		done <- task.Run(ctx)
	}()

	return wait(ctx, task.ID, done)
}

// wait returns the task's result, or ctx's error if the task is still
// running when ctx ends. A result that is ready when the deadline fires
// wins over the deadline.
func wait(ctx context.Context, taskID string, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	select {
	case err := <-done:
		return err
	default:
		return errors.Wrapf(ctx.Err(), "task %s", taskID)
	}
}
