// ============================================================================
// fieldops worker pool - bounded concurrent executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: runs N workers over a shared task channel
//
// Lifecycle:
//   1. NewPool()  - allocate channels
//   2. Start(n)   - launch n workers
//   3. Submit()   - enqueue a task; ReceiveResult() collects outcomes
//      or RunBatch() to do both for a slice of tasks
//   4. Stop()     - refuse new work, wait for workers, close resultCh
//
// Submit holds the pool lock for the whole send so Stop can never close
// taskCh underneath it. Stop closes stopCh before taking the lock, which
// releases any Submit parked on a full channel.
//
// ============================================================================

package worker

import (
	"context"
	"sync"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

var (
	// ErrPoolClosed is returned once Stop has been called
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool is a fixed set of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
	stopped  bool
	mu       sync.Mutex

	// serialises RunBatch so results of concurrent batches never mix
	batchMu sync.Mutex
}

// NewPool allocates a pool whose channels buffer bufferSize items.
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		return errors.Newf("worker count must be positive, got %d", workerCount)
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	return nil
}

// Submit enqueues a task.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// RunBatch submits every task and waits for all of their results, returned
// keyed by task ID. Tasks that could not be submitted or whose result was lost
// to shutdown are reported with ErrPoolClosed.
func (p *Pool) RunBatch(tasks []Task) map[string]Result {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	out := make(map[string]Result, len(tasks))
	pending := 0
	for _, task := range tasks {
		if err := p.Submit(task); err != nil {
			out[task.ID] = Result{TaskID: task.ID, Err: err}
			continue
		}
		pending++
		// Drain as we go once the buffer could be full, so a batch larger
		// than the channel capacity cannot deadlock against the workers.
		for pending >= cap(p.resultCh) && pending > 0 {
			r, err := p.ReceiveResult()
			if err != nil {
				break
			}
			out[r.TaskID] = r
			pending--
		}
	}

	for ; pending > 0; pending-- {
		r, err := p.ReceiveResult()
		if err != nil {
			break
		}
		out[r.TaskID] = r
	}

	for _, task := range tasks {
		if _, ok := out[task.ID]; !ok {
			out[task.ID] = Result{TaskID: task.ID, Err: ErrPoolClosed}
		}
	}
	return out
}

// Stop cancels in-flight tasks, waits for the workers and closes resultCh.
// A stopped pool cannot be restarted.
func (p *Pool) Stop() {
	// Closing stopCh before taking mu releases a Submit parked on a full
	// taskCh, which holds mu for the duration of its send.
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
