package worker

import (
	"context"
	"time"
)

// Task is one unit of work handed to the pool.
type Task struct {
	ID      string                          // caller-chosen identifier, echoed in Result
	Timeout time.Duration                   // per-task deadline; zero means no deadline
	Run     func(ctx context.Context) error // the work itself; must honour ctx
}

// Result reports how a task ended.
type Result struct {
	TaskID   string
	Err      error
	Duration time.Duration
}
